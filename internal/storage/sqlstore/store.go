package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements storage.Store on top of database/sql.
type Store struct {
	repo
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// repo implements storage.Repository against a querier. The same code runs
// on the pool and inside a transaction.
type repo struct {
	q   querier
	d   Dialect
	dim int
}

// Open wraps an already migrated database. The embedding dimension is
// recorded in store_meta on first use; reopening with a different dimension
// fails with ErrDimensionMismatch.
func Open(ctx context.Context, db *sql.DB, d Dialect, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", storage.ErrInvalidInput)
	}
	if err := checkDimension(ctx, db, d, dimension); err != nil {
		return nil, err
	}
	return &Store{
		repo: repo{q: db, d: d, dim: dimension},
		db:   db,
	}, nil
}

func checkDimension(ctx context.Context, db *sql.DB, d Dialect, dimension int) error {
	var stored string
	err := db.QueryRowContext(ctx, d.Rebind("SELECT value FROM store_meta WHERE key = ?"), metaDimension).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.ExecContext(ctx, d.Rebind("INSERT INTO store_meta (key, value) VALUES (?, ?)"), metaDimension, strconv.Itoa(dimension))
		if err != nil {
			return fmt.Errorf("failed to record embedding dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read embedding dimension: %w", err)
	}
	if stored != strconv.Itoa(dimension) {
		return fmt.Errorf("%w: store holds %s-dimensional embeddings, configured %d", storage.ErrDimensionMismatch, stored, dimension)
	}
	return nil
}

const metaDimension = "embedding_dimension"

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dimension is the fixed embedding length.
func (s *Store) Dimension() int {
	return s.dim
}

// Backend names the database engine.
func (s *Store) Backend() string {
	return s.d.Name()
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.d
}

// InTx runs fn inside a transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx storage.Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&repo{q: tx, d: s.d, dim: s.dim}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes a memory and its edges atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx storage.Repository) error {
		return tx.Delete(ctx, id)
	})
}

// QueryMemories runs "SELECT <memory columns> FROM memories <tail>" and
// scans every row. tail uses ?-style placeholders.
func (s *Store) QueryMemories(ctx context.Context, tail string, args ...any) ([]*types.Memory, error) {
	return s.repo.queryMemories(ctx, tail, args...)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.Rebind(query), args...)
}

func (r *repo) checkDimension(v []float32) error {
	if len(v) != r.dim {
		return fmt.Errorf("%w: got %d, want %d", storage.ErrDimensionMismatch, len(v), r.dim)
	}
	return nil
}

// mapError translates driver constraint failures into storage sentinels.
func (r *repo) mapError(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case r.d.IsUniqueViolation(err):
		return fmt.Errorf("%w: %s: duplicate active memory", storage.ErrConflict, op)
	case r.d.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: referenced memory does not exist", storage.ErrNotFound, op)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected for %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
