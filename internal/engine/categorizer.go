package engine

import (
	"regexp"
	"strings"

	"github.com/scrypster/ltm/pkg/types"
)

var (
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

// categoryKeywords are the tokens that vote for a category.
var categoryKeywords = map[types.Category][]string{
	types.CategoryContact: {
		"email", "phone", "address", "number", "contact", "reach", "whatsapp",
		"telegram", "signal", "skype", "handle", "mobile", "cell",
	},
	types.CategoryProfessional: {
		"work", "works", "working", "job", "career", "company", "office",
		"employer", "employed", "manager", "engineer", "nurse", "teacher",
		"developer", "doctor", "lawyer", "profession", "colleague", "colleagues",
		"salary", "boss", "business", "client", "clients", "startup", "promoted",
		"retired", "intern", "freelance", "freelancer",
	},
	types.CategoryHobbies: {
		"hobby", "hobbies", "plays", "playing", "hiking", "reading", "painting",
		"guitar", "piano", "chess", "gaming", "running", "swimming", "cycling",
		"football", "soccer", "tennis", "knitting", "photography", "gardening",
		"climbing", "skiing", "fishing", "camping", "yoga", "drawing", "baking",
	},
	types.CategoryPreferences: {
		"likes", "like", "loves", "love", "prefers", "prefer", "favorite",
		"favourite", "enjoys", "enjoy", "hates", "hate", "dislikes", "dislike",
		"fan", "cant", "stand", "rather",
	},
	types.CategoryPersonal: {
		"name", "born", "birthday", "age", "lives", "live", "married", "wife",
		"husband", "partner", "children", "kids", "son", "daughter", "sister",
		"brother", "mother", "father", "parents", "family", "pet", "dog", "cat",
		"hometown", "allergic", "religion", "vegetarian", "vegan",
	},
}

// Categorizer assigns a category from keyword votes.
type Categorizer struct {
	keywords map[string][]types.Category
}

// NewCategorizer builds the keyword index.
func NewCategorizer() *Categorizer {
	idx := make(map[string][]types.Category)
	for cat, words := range categoryKeywords {
		for _, w := range words {
			idx[w] = append(idx[w], cat)
		}
	}
	return &Categorizer{keywords: idx}
}

// Categorize returns the category with the most keyword votes. ok is false
// when no rule fires or the top score is shared by several categories.
func (c *Categorizer) Categorize(text string) (types.Category, bool) {
	votes := make(map[types.Category]int)
	if emailPattern.MatchString(text) || phonePattern.MatchString(text) {
		votes[types.CategoryContact] += 2
	}
	for _, tok := range types.Tokenize(strings.ReplaceAll(text, "@", " ")) {
		for _, cat := range c.keywords[tok] {
			votes[cat]++
		}
	}

	var (
		best  types.Category
		score int
		tied  bool
	)
	for _, cat := range types.Categories {
		switch n := votes[cat]; {
		case n > score:
			best, score, tied = cat, n, false
		case n == score && n > 0:
			tied = true
		}
	}
	if score == 0 || tied {
		return "", false
	}
	return best, true
}
