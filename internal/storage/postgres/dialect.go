package postgres

import (
	"errors"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/ltm/internal/storage/sqlstore"
)

// PostgreSQL error codes.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type dialect struct{}

func (dialect) Name() string                             { return "postgres" }
func (dialect) Rebind(query string) string               { return sqlstore.RebindDollar(query) }
func (dialect) Greatest() string                         { return "GREATEST" }
func (dialect) VectorValue(v []float32) any              { return pgvector.NewVector(v) }
func (dialect) NewVectorScanner() sqlstore.VectorScanner { return &pgvector.Vector{} }

func (dialect) IsUniqueViolation(err error) bool {
	return hasCode(err, codeUniqueViolation)
}

func (dialect) IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
