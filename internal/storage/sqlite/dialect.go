package sqlite

import (
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/scrypster/ltm/internal/storage/sqlstore"
)

type dialect struct{}

func (dialect) Name() string                             { return "sqlite" }
func (dialect) Rebind(query string) string               { return query }
func (dialect) Greatest() string                         { return "max" }
func (dialect) VectorValue(v []float32) any              { return sqlstore.EncodeBlob(v) }
func (dialect) NewVectorScanner() sqlstore.VectorScanner { return &sqlstore.BlobVector{} }

func (dialect) IsUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (dialect) IsForeignKeyViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
