package sqlite

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yachtmes/offline/internal/engine/storage"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 12, 10, 0, 0, 0, time.UTC)

	mutations := []storage.PendingMutation{
		{
			ID:        "mut-1",
			Endpoint:  "/api/tasks/42/report",
			Method:    "POST",
			Payload:   []byte(`{"progress":65}`),
			Token:     "token-a",
			CreatedAt: now,
		},
		{
			ID:        "mut-2",
			Endpoint:  "/api/tasks/43/report",
			Method:    "POST",
			Payload:   []byte(`{"progress":10}`),
			Token:     "token-a",
			CreatedAt: now.Add(time.Minute),
		},
	}
	for _, mutation := range mutations {
		if err := store.Enqueue(ctx, mutation); err != nil {
			t.Fatalf("enqueue %s: %v", mutation.ID, err)
		}
	}

	batch, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch))
	}
	if batch[0].ID != "mut-1" || batch[1].ID != "mut-2" {
		t.Fatalf("expected creation order, got %s then %s", batch[0].ID, batch[1].ID)
	}
	if !bytes.Equal(batch[0].Payload, []byte(`{"progress":65}`)) {
		t.Fatalf("expected payload preserved byte-for-byte, got %q", batch[0].Payload)
	}
	if batch[0].Token != "token-a" {
		t.Fatalf("expected token snapshot, got %q", batch[0].Token)
	}

	// Dequeue is non-destructive.
	again, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("expected entries to remain, got %d", len(again))
	}
}

func TestEnqueueDuplicateID(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	mutation := storage.PendingMutation{
		ID:       "mut-dup",
		Endpoint: "/api/tasks/1/report",
		Method:   "POST",
		Payload:  []byte(`{}`),
	}
	if err := store.Enqueue(ctx, mutation); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Enqueue(ctx, mutation); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, storage.PendingMutation{
		ID:       "mut-ack",
		Endpoint: "/api/tasks/2/report",
		Method:   "POST",
		Payload:  []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.Acknowledge(ctx, "mut-ack"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	// Acknowledging an already-removed id is a no-op, not an error.
	if err := store.Acknowledge(ctx, "mut-ack"); err != nil {
		t.Fatalf("duplicate acknowledge: %v", err)
	}

	batch, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(batch))
	}
}

func TestIncrementRetry(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, storage.PendingMutation{
		ID:       "mut-retry",
		Endpoint: "/api/tasks/3/report",
		Method:   "POST",
		Payload:  []byte(`{}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	next := time.Date(2026, 8, 12, 11, 0, 0, 0, time.UTC)
	if err := store.IncrementRetry(ctx, "mut-retry", next, "network unreachable"); err != nil {
		t.Fatalf("increment retry: %v", err)
	}

	batch, err := store.DequeueBatch(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(batch))
	}
	if batch[0].AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", batch[0].AttemptCount)
	}
	if !batch[0].NextAttemptAt.Equal(next) {
		t.Fatalf("expected next attempt %v, got %v", next, batch[0].NextAttemptAt)
	}
	if batch[0].LastError != "network unreachable" {
		t.Fatalf("expected last error recorded, got %q", batch[0].LastError)
	}

	if err := store.IncrementRetry(ctx, "mut-missing", next, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkStuckAndEvict(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, storage.PendingMutation{
		ID:       "mut-stuck",
		Endpoint: "/api/tasks/4/report",
		Method:   "POST",
		Payload:  []byte(`{"bad":true}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.MarkStuck(ctx, "mut-stuck", "server rejected payload"); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}

	// Stuck entries leave the replay path but stay visible.
	pending, err := store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(pending))
	}
	stuck, err := store.ListStuck(ctx, 10)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "mut-stuck" {
		t.Fatalf("expected stuck entry, got %v", stuck)
	}
	if stuck[0].LastError != "server rejected payload" {
		t.Fatalf("expected reason recorded, got %q", stuck[0].LastError)
	}

	if err := store.EvictStuck(ctx, "mut-stuck"); err != nil {
		t.Fatalf("evict stuck: %v", err)
	}
	if err := store.EvictStuck(ctx, "mut-stuck"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/reopen.db"
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Enqueue(ctx, storage.PendingMutation{
		ID:       "mut-durable",
		Endpoint: "/api/tasks/5/report",
		Method:   "POST",
		Payload:  []byte(`{"progress":90}`),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	batch, err := reopened.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue after reopen: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "mut-durable" {
		t.Fatalf("expected durable entry after reopen, got %v", batch)
	}
}
