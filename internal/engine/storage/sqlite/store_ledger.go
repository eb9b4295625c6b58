package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yachtmes/offline/internal/engine/storage"
)

// Enqueue appends one pending mutation in creation order. Duplicate ids are
// rejected with ErrConflict.
func (s *Store) Enqueue(ctx context.Context, mutation storage.PendingMutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	mutation.ID = strings.TrimSpace(mutation.ID)
	mutation.Endpoint = strings.TrimSpace(mutation.Endpoint)
	mutation.Method = strings.ToUpper(strings.TrimSpace(mutation.Method))
	if mutation.ID == "" {
		return fmt.Errorf("mutation id is required")
	}
	if mutation.Endpoint == "" {
		return fmt.Errorf("mutation endpoint is required")
	}
	if mutation.Method == "" {
		return fmt.Errorf("mutation method is required")
	}
	if mutation.CreatedAt.IsZero() {
		mutation.CreatedAt = time.Now().UTC()
	}
	if mutation.NextAttemptAt.IsZero() {
		mutation.NextAttemptAt = mutation.CreatedAt
	}

	var tokenExpiresAt any
	if !mutation.TokenExpiresAt.IsZero() {
		tokenExpiresAt = toMillis(mutation.TokenExpiresAt)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_mutations (
	id,
	endpoint,
	method,
	payload,
	token,
	token_expires_at,
	status,
	attempt_count,
	next_attempt_at,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '', ?)
`,
		mutation.ID,
		mutation.Endpoint,
		mutation.Method,
		mutation.Payload,
		mutation.Token,
		tokenExpiresAt,
		storage.MutationStatusPending,
		toMillis(mutation.NextAttemptAt),
		toMillis(mutation.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("enqueue mutation: %w", err)
	}
	return nil
}

// DequeueBatch returns up to limit pending mutations in creation order
// without removing them. Removal happens only through Acknowledge.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]storage.PendingMutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	return s.listByStatus(ctx, storage.MutationStatusPending, limit)
}

// Acknowledge removes one mutation after confirmed replay. Acknowledging an
// absent id is a no-op.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("mutation id is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("acknowledge mutation: %w", err)
	}
	return nil
}

// IncrementRetry bumps the retry count and reschedules the next attempt.
func (s *Store) IncrementRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	lastError = strings.TrimSpace(lastError)
	if id == "" {
		return fmt.Errorf("mutation id is required")
	}
	if nextAttemptAt.IsZero() {
		return fmt.Errorf("next attempt at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE pending_mutations
SET
	attempt_count = attempt_count + 1,
	next_attempt_at = ?,
	last_error = ?
WHERE id = ?
AND status = ?
`,
		toMillis(nextAttemptAt),
		lastError,
		id,
		storage.MutationStatusPending,
	)
	if err != nil {
		return fmt.Errorf("increment mutation retry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment mutation retry rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkStuck moves one pending mutation out of the replay path while keeping
// it visible for operator review. Stuck entries never vanish silently.
func (s *Store) MarkStuck(ctx context.Context, id string, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	reason = strings.TrimSpace(reason)
	if id == "" {
		return fmt.Errorf("mutation id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE pending_mutations
SET
	status = ?,
	last_error = ?
WHERE id = ?
AND status = ?
`,
		storage.MutationStatusStuck,
		reason,
		id,
		storage.MutationStatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark mutation stuck: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark mutation stuck rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListStuck lists stuck mutations in creation order for operator review.
func (s *Store) ListStuck(ctx context.Context, limit int) ([]storage.PendingMutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	return s.listByStatus(ctx, storage.MutationStatusStuck, limit)
}

// EvictStuck removes one stuck mutation after explicit operator review.
func (s *Store) EvictStuck(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("mutation id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_mutations WHERE id = ? AND status = ?`, id, storage.MutationStatusStuck)
	if err != nil {
		return fmt.Errorf("evict stuck mutation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("evict stuck mutation rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) listByStatus(ctx context.Context, status string, limit int) ([]storage.PendingMutation, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	id,
	endpoint,
	method,
	payload,
	token,
	token_expires_at,
	status,
	attempt_count,
	next_attempt_at,
	last_error,
	created_at
FROM pending_mutations
WHERE status = ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	mutations := make([]storage.PendingMutation, 0, limit)
	for rows.Next() {
		var mutation storage.PendingMutation
		var tokenExpiresAt *int64
		var nextAttemptAt int64
		var createdAt int64
		if err := rows.Scan(
			&mutation.ID,
			&mutation.Endpoint,
			&mutation.Method,
			&mutation.Payload,
			&mutation.Token,
			&tokenExpiresAt,
			&mutation.Status,
			&mutation.AttemptCount,
			&nextAttemptAt,
			&mutation.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		if tokenExpiresAt != nil {
			mutation.TokenExpiresAt = fromMillis(*tokenExpiresAt)
		}
		mutation.NextAttemptAt = fromMillis(nextAttemptAt)
		mutation.CreatedAt = fromMillis(createdAt)
		mutations = append(mutations, mutation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return mutations, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
