package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yachtmes/offline/internal/engine/storage"
)

// PutEntry stores one response snapshot, overwriting any existing entry under
// the same key in the same generation. Writes into a sealed generation are
// rejected.
func (s *Store) PutEntry(ctx context.Context, entry storage.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	entry.Key = strings.TrimSpace(entry.Key)
	entry.Generation = strings.TrimSpace(entry.Generation)
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}
	if entry.Generation == "" {
		return fmt.Errorf("cache generation is required")
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start cache put transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	active, err := activeGenerationTx(ctx, tx)
	if err != nil {
		return err
	}
	if active != entry.Generation {
		return storage.ErrGenerationSealed
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO cache_entries (key, generation, status_code, header_json, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (key, generation) DO UPDATE SET
	status_code = excluded.status_code,
	header_json = excluded.header_json,
	body = excluded.body,
	stored_at = excluded.stored_at
`,
		entry.Key,
		entry.Generation,
		entry.StatusCode,
		entry.HeaderJSON,
		entry.Body,
		toMillis(entry.StoredAt),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache put transaction: %w", err)
	}
	return nil
}

// GetEntry returns the stored snapshot for key in the active generation.
func (s *Store) GetEntry(ctx context.Context, key string) (storage.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return storage.CacheEntry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CacheEntry{}, fmt.Errorf("storage is not configured")
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return storage.CacheEntry{}, fmt.Errorf("cache key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
	e.key,
	e.generation,
	e.status_code,
	e.header_json,
	e.body,
	e.stored_at
FROM cache_entries e
JOIN cache_generations g ON g.tag = e.generation AND g.active = 1
WHERE e.key = ?
`, key)

	var entry storage.CacheEntry
	var storedAt int64
	err := row.Scan(
		&entry.Key,
		&entry.Generation,
		&entry.StatusCode,
		&entry.HeaderJSON,
		&entry.Body,
		&storedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CacheEntry{}, storage.ErrNotFound
		}
		return storage.CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	entry.StoredAt = fromMillis(storedAt)
	return entry, nil
}

// ActiveGeneration returns the tag of the generation currently serving reads.
func (s *Store) ActiveGeneration(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}

	var tag string
	row := s.sqlDB.QueryRowContext(ctx, `SELECT tag FROM cache_generations WHERE active = 1`)
	if err := row.Scan(&tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get active generation: %w", err)
	}
	return tag, nil
}

// ActivateGeneration makes the given generation the single active one. The
// swap happens in one transaction so readers observe either the old or the
// new generation, never a mix.
func (s *Store) ActivateGeneration(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	generation = strings.TrimSpace(generation)
	if generation == "" {
		return fmt.Errorf("cache generation is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start activation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_generations (tag, active, created_at)
VALUES (?, 0, ?)
ON CONFLICT (tag) DO NOTHING
`, generation, toMillis(now)); err != nil {
		return fmt.Errorf("register generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cache_generations SET active = 0 WHERE active = 1 AND tag != ?`, generation); err != nil {
		return fmt.Errorf("deactivate previous generations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cache_generations SET active = 1 WHERE tag = ?`, generation); err != nil {
		return fmt.Errorf("activate generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activation transaction: %w", err)
	}
	return nil
}

// DeleteGeneration removes a retired generation and every entry tagged with
// it. The active generation cannot be deleted.
func (s *Store) DeleteGeneration(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	generation = strings.TrimSpace(generation)
	if generation == "" {
		return fmt.Errorf("cache generation is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start delete generation transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	active, err := activeGenerationTx(ctx, tx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if active == generation {
		return fmt.Errorf("cannot delete active generation %s", generation)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("delete generation entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE tag = ?`, generation); err != nil {
		return fmt.Errorf("delete generation tag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete generation transaction: %w", err)
	}
	return nil
}

// ListGenerations returns known generation tags in creation order.
func (s *Store) ListGenerations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT tag FROM cache_generations ORDER BY created_at ASC, tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return tags, nil
}

func activeGenerationTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var tag string
	row := tx.QueryRowContext(ctx, `SELECT tag FROM cache_generations WHERE active = 1`)
	if err := row.Scan(&tag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get active generation: %w", err)
	}
	return tag, nil
}
