// Package storage defines the persistence boundary for the offline engine.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicted with existing uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrGenerationSealed indicates a write targeted a non-active cache generation.
	ErrGenerationSealed = errors.New("cache generation is sealed")
)

// Mutation statuses. Pending mutations are replay candidates; stuck mutations
// stay visible until an operator evicts them.
const (
	MutationStatusPending = "pending"
	MutationStatusStuck   = "stuck"
)

// CacheEntry is one stored response snapshot, keyed by a normalized request
// descriptor and tagged with the generation it belongs to.
type CacheEntry struct {
	Key        string
	Generation string
	StatusCode int
	HeaderJSON string
	Body       []byte
	StoredAt   time.Time
}

// PendingMutation is one durable offline write awaiting replay. The token is
// the authorization context snapshotted at enqueue time and is never
// refreshed in place.
type PendingMutation struct {
	ID             string
	Endpoint       string
	Method         string
	Payload        []byte
	Token          string
	TokenExpiresAt time.Time
	Status         string
	AttemptCount   int32
	NextAttemptAt  time.Time
	LastError      string
	CreatedAt      time.Time
}

// CacheStore persists response snapshots under versioned generations.
// Exactly one generation is active at a time; sealed generations reject
// writes and activation swaps the active tag atomically.
type CacheStore interface {
	PutEntry(ctx context.Context, entry CacheEntry) error
	GetEntry(ctx context.Context, key string) (CacheEntry, error)
	ActiveGeneration(ctx context.Context) (string, error)
	ActivateGeneration(ctx context.Context, generation string) error
	DeleteGeneration(ctx context.Context, generation string) error
	ListGenerations(ctx context.Context) ([]string, error)
}

// MutationLedger is the durable ordered queue of offline writes. Entries are
// totally ordered by creation time and are removed only after confirmed
// acknowledgment or explicit operator eviction.
type MutationLedger interface {
	Enqueue(ctx context.Context, mutation PendingMutation) error
	DequeueBatch(ctx context.Context, limit int) ([]PendingMutation, error)
	Acknowledge(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	MarkStuck(ctx context.Context, id string, reason string) error
	ListStuck(ctx context.Context, limit int) ([]PendingMutation, error)
	EvictStuck(ctx context.Context, id string) error
}
