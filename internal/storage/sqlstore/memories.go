package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/ltm/internal/storage"
	"github.com/scrypster/ltm/pkg/types"
)

const memoryColumns = `id, user_id, scope, content, category, memory_type, source, details,
	confidence, verified, verification_state, verified_at, verification_note, asked_at,
	embedding, created_at, updated_at, last_accessed_at, access_count, active, temporal`

// Insert persists a new memory.
func (r *repo) Insert(ctx context.Context, m *types.Memory) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := r.checkDimension(m.Embedding); err != nil {
		return err
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.VerificationState == "" {
		m.VerificationState = types.StateUnverified
	}

	details, temporal, err := encodeJSONColumns(m)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO memories (
			id, user_id, scope, content, normalized_text, category, memory_type, source, details,
			confidence, verified, verification_state, verified_at, verification_note, asked_at,
			embedding, created_at, updated_at, last_accessed_at, access_count, active, temporal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Owner.UserID, m.Owner.Scope, m.Content, m.NormalizedContent(),
		string(m.Category), string(m.Type), m.Source, details,
		m.Confidence, m.Verified, string(m.VerificationState), nullableTime(m.VerifiedAt),
		m.VerificationNote, nullableTime(m.AskedAt),
		r.d.VectorValue(m.Embedding), m.CreatedAt.UTC(), m.UpdatedAt.UTC(), nullableTime(m.LastAccessedAt),
		m.AccessCount, m.Active, temporal,
	)
	return r.mapError(err, "insert memory")
}

// Get retrieves a memory by ID.
func (r *repo) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	row := r.q.QueryRowContext(ctx, r.d.Rebind("SELECT "+memoryColumns+" FROM memories WHERE id = ?"), id)
	m, err := r.scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// FindActiveDuplicate looks up the active memory with the given normalized text.
func (r *repo) FindActiveDuplicate(ctx context.Context, owner types.Owner, category types.Category, normalized string) (*types.Memory, error) {
	row := r.q.QueryRowContext(ctx, r.d.Rebind("SELECT "+memoryColumns+` FROM memories
		WHERE user_id = ? AND scope = ? AND category = ? AND normalized_text = ? AND active = ?`),
		owner.UserID, owner.Scope, string(category), normalized, true)
	m, err := r.scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate: %w", err)
	}
	return m, nil
}

// ListActive returns active memories of an owner, newest first.
func (r *repo) ListActive(ctx context.Context, owner types.Owner, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()

	conditions := []string{"user_id = ?", "scope = ?", "active = ?", "confidence >= ?", "confidence <= ?"}
	args := []any{owner.UserID, owner.Scope, true, opts.MinConfidence, opts.MaxConfidence}

	if opts.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.Type != "" {
		conditions = append(conditions, "memory_type = ?")
		args = append(args, string(opts.Type))
	}
	if opts.VerificationState != "" {
		conditions = append(conditions, "verification_state = ?")
		args = append(args, string(opts.VerificationState))
	}
	if opts.WithoutTemporal {
		conditions = append(conditions, "temporal IS NULL")
	}

	tail := "WHERE " + strings.Join(conditions, " AND ") + " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		tail += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	return r.queryMemories(ctx, tail, args...)
}

// Update rewrites the mutable columns of a memory.
func (r *repo) Update(ctx context.Context, m *types.Memory) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := r.checkDimension(m.Embedding); err != nil {
		return err
	}

	details, temporal, err := encodeJSONColumns(m)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := r.exec(ctx, `
		UPDATE memories SET
			content = ?, normalized_text = ?, category = ?, memory_type = ?, source = ?, details = ?,
			verified = ?, verification_state = ?, verified_at = ?, verification_note = ?, asked_at = ?,
			embedding = ?, updated_at = ?, last_accessed_at = ?, access_count = ?, temporal = ?
		WHERE id = ?`,
		m.Content, m.NormalizedContent(), string(m.Category), string(m.Type), m.Source, details,
		m.Verified, string(m.VerificationState), nullableTime(m.VerifiedAt), m.VerificationNote, nullableTime(m.AskedAt),
		r.d.VectorValue(m.Embedding), m.UpdatedAt, nullableTime(m.LastAccessedAt), m.AccessCount, temporal,
		m.ID,
	)
	if err != nil {
		return r.mapError(err, "update memory")
	}
	return requireRow(res, "update memory")
}

// SetConfidence stores a new confidence value and appends an audit row.
func (r *repo) SetConfidence(ctx context.Context, id string, value float64, reason string, at time.Time) error {
	if value < types.MinConfidence || value > types.MaxConfidence {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", storage.ErrInvalidInput, value)
	}

	var old float64
	err := r.q.QueryRowContext(ctx, r.d.Rebind("SELECT confidence FROM memories WHERE id = ?"), id).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read confidence: %w", err)
	}

	at = at.UTC()
	if _, err := r.exec(ctx, "UPDATE memories SET confidence = ?, updated_at = ? WHERE id = ?", value, at, id); err != nil {
		return r.mapError(err, "update confidence")
	}
	_, err = r.exec(ctx, `
		INSERT INTO confidence_audit (memory_id, old_value, new_value, reason, changed_at)
		VALUES (?, ?, ?, ?, ?)`, id, old, value, reason, at)
	return r.mapError(err, "record confidence audit")
}

// SetActive flips the active flag.
func (r *repo) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := r.exec(ctx, "UPDATE memories SET active = ?, updated_at = ? WHERE id = ?", active, at.UTC(), id)
	if err != nil {
		return r.mapError(err, "set active")
	}
	return requireRow(res, "set active")
}

// Delete removes a memory, its edges and its audit rows.
func (r *repo) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if _, err := r.exec(ctx, "DELETE FROM edges WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return r.mapError(err, "delete edges")
	}
	if _, err := r.exec(ctx, "DELETE FROM confidence_audit WHERE memory_id = ?", id); err != nil {
		return r.mapError(err, "delete audit rows")
	}
	res, err := r.exec(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return r.mapError(err, "delete memory")
	}
	return requireRow(res, "delete memory")
}

// Touch records an access on every listed memory.
func (r *repo) Touch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	_, err := r.exec(ctx, "UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id IN ("+placeholders+")", args...)
	return r.mapError(err, "touch memories")
}

// ConfidenceHistory returns the audit rows of a memory, oldest first.
func (r *repo) ConfidenceHistory(ctx context.Context, id string) ([]storage.ConfidenceChange, error) {
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(`
		SELECT memory_id, old_value, new_value, reason, changed_at
		FROM confidence_audit WHERE memory_id = ? ORDER BY changed_at, id`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence audit: %w", err)
	}
	defer rows.Close()

	var out []storage.ConfidenceChange
	for rows.Next() {
		var c storage.ConfidenceChange
		if err := rows.Scan(&c.MemoryID, &c.Old, &c.New, &c.Reason, &c.At); err != nil {
			return nil, fmt.Errorf("failed to scan confidence audit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Owners lists every owner with at least one active memory.
func (r *repo) Owners(ctx context.Context) ([]types.Owner, error) {
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(`
		SELECT DISTINCT user_id, scope FROM memories WHERE active = ? ORDER BY user_id, scope`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var out []types.Owner
	for rows.Next() {
		var o types.Owner
		if err := rows.Scan(&o.UserID, &o.Scope); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OwnersByVolume lists owners with at least minActive active memories.
func (r *repo) OwnersByVolume(ctx context.Context, minActive, limit int) ([]storage.OwnerVolume, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.q.QueryContext(ctx, r.d.Rebind(`
		SELECT user_id, scope, COUNT(*) AS n FROM memories
		WHERE active = ?
		GROUP BY user_id, scope
		HAVING COUNT(*) >= ?
		ORDER BY n DESC, user_id, scope
		LIMIT ?`), true, minActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank owners: %w", err)
	}
	defer rows.Close()

	var out []storage.OwnerVolume
	for rows.Next() {
		var v storage.OwnerVolume
		if err := rows.Scan(&v.Owner.UserID, &v.Owner.Scope, &v.Active); err != nil {
			return nil, fmt.Errorf("failed to scan owner volume: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *repo) queryMemories(ctx context.Context, tail string, args ...any) ([]*types.Memory, error) {
	rows, err := r.q.QueryContext(ctx, r.d.Rebind("SELECT "+memoryColumns+" FROM memories "+tail), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := r.scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *repo) scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m                                   types.Memory
		category, memType, state            string
		details, temporal                   sql.NullString
		verifiedAt, askedAt, lastAccessedAt sql.NullTime
	)
	vec := r.d.NewVectorScanner()
	err := row.Scan(
		&m.ID, &m.Owner.UserID, &m.Owner.Scope, &m.Content, &category, &memType, &m.Source, &details,
		&m.Confidence, &m.Verified, &state, &verifiedAt, &m.VerificationNote, &askedAt,
		vec, &m.CreatedAt, &m.UpdatedAt, &lastAccessedAt, &m.AccessCount, &m.Active, &temporal,
	)
	if err != nil {
		return nil, err
	}

	m.Category = types.Category(category)
	m.Type = types.MemoryType(memType)
	m.VerificationState = types.VerificationState(state)
	m.VerifiedAt = timePtr(verifiedAt)
	m.AskedAt = timePtr(askedAt)
	m.LastAccessedAt = timePtr(lastAccessedAt)
	m.Embedding = vec.Slice()

	if details.Valid && details.String != "" {
		d, err := types.UnmarshalDetails([]byte(details.String))
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", m.ID, err)
		}
		m.Details = d
	}
	if temporal.Valid && temporal.String != "" {
		var t types.TemporalAnnotation
		if err := json.Unmarshal([]byte(temporal.String), &t); err != nil {
			return nil, fmt.Errorf("memory %s: failed to unmarshal temporal annotation: %w", m.ID, err)
		}
		m.Temporal = &t
	}
	return &m, nil
}

func encodeJSONColumns(m *types.Memory) (details, temporal sql.NullString, err error) {
	raw, err := types.MarshalDetails(m.Details)
	if err != nil {
		return details, temporal, err
	}
	details = nullableBytes(raw)

	if m.Temporal != nil {
		raw, err := json.Marshal(m.Temporal)
		if err != nil {
			return details, temporal, fmt.Errorf("failed to marshal temporal annotation: %w", err)
		}
		temporal = nullableBytes(raw)
	}
	return details, temporal, nil
}

// nullableTime converts a time pointer to sql.NullTime.
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullableBytes converts a byte slice to sql.NullString.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
