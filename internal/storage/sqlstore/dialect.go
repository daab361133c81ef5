// Package sqlstore is the database/sql core shared by the SQLite and
// PostgreSQL backends. A backend supplies a Dialect and its schema
// migrations; everything else lives here.
package sqlstore

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect interface {
	// Name is the backend name reported by Store.Backend.
	Name() string

	// Rebind rewrites ?-style placeholders into the engine's own form.
	Rebind(query string) string

	// Greatest is the two-argument maximum function ("max", "GREATEST").
	Greatest() string

	// VectorValue converts an embedding to a driver value.
	VectorValue(v []float32) any

	// NewVectorScanner returns a destination for scanning an embedding column.
	NewVectorScanner() VectorScanner

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation(err error) bool

	// IsForeignKeyViolation reports whether err is a foreign key failure.
	IsForeignKeyViolation(err error) bool
}

// VectorScanner scans an embedding column.
type VectorScanner interface {
	sql.Scanner
	Slice() []float32
}

// RebindDollar rewrites ? placeholders to $1, $2, ... Question marks inside
// single-quoted literals are left alone.
func RebindDollar(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
