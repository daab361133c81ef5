package types

import (
	"strings"
	"unicode"
)

// NormalizeText folds case and collapses runs of whitespace. Two memories
// with equal normalized text are exact duplicates.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokenize splits text into lower-case alphanumeric terms. Apostrophes inside
// a word are dropped so that "user's" yields "users".
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(strings.ReplaceAll(s, "'", "")), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
