package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yachtmes/offline/internal/engine/storage"
)

func newAdminServer(t *testing.T, daemon *testDaemon) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(newAdminHandler(daemon.engine, daemon.store, daemon.metrics))
	t.Cleanup(server.Close)
	return server
}

func TestAdminHealthz(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminMetricsExposed(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAdminStuckListAndEvict(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)
	ctx := context.Background()

	err := daemon.store.Enqueue(ctx, storage.PendingMutation{
		ID:        "mut-stuck",
		Endpoint:  "/api/tasks/1/report",
		Method:    "POST",
		Payload:   []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := daemon.store.MarkStuck(ctx, "mut-stuck", "server rejected with status 422"); err != nil {
		t.Fatalf("mark stuck: %v", err)
	}

	resp, err := http.Get(server.URL + "/admin/stuck")
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	defer resp.Body.Close()
	var views []stuckMutation
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode stuck list: %v", err)
	}
	if len(views) != 1 || views[0].ID != "mut-stuck" {
		t.Fatalf("unexpected stuck list %v", views)
	}
	if views[0].LastError != "server rejected with status 422" {
		t.Fatalf("expected rejection reason surfaced, got %q", views[0].LastError)
	}

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/admin/stuck/mut-stuck", nil)
	if err != nil {
		t.Fatalf("build evict request: %v", err)
	}
	evictResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	defer evictResp.Body.Close()
	if evictResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", evictResp.StatusCode)
	}

	stuck, err := daemon.store.ListStuck(ctx, 10)
	if err != nil {
		t.Fatalf("list after evict: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected stuck entry evicted, got %v", stuck)
	}
}

func TestAdminEvictUnknownStuck(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/admin/stuck/missing", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAdminManualSyncDrains(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)
	ctx := context.Background()

	err := daemon.store.Enqueue(ctx, storage.PendingMutation{
		ID:        "mut-1",
		Endpoint:  "/api/tasks/42/report",
		Method:    "POST",
		Payload:   []byte(`{"progress":65}`),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, err := http.Post(server.URL+"/admin/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("manual sync: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	batch, err := daemon.store.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected ledger drained, got %d entries", len(batch))
	}
}

func TestAdminPushAndClick(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)

	resp, err := http.Post(
		server.URL+"/admin/push",
		"application/json",
		strings.NewReader(`{"title":"Task delayed","body":"Hull section 3","tag":"task-42","url":"/tasks/42"}`),
	)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	clickResp, err := http.Post(server.URL+"/admin/notifications/task-42/click", "application/json", nil)
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	defer clickResp.Body.Close()
	if clickResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", clickResp.StatusCode)
	}

	repeatResp, err := http.Post(server.URL+"/admin/notifications/task-42/click", "application/json", nil)
	if err != nil {
		t.Fatalf("repeat click: %v", err)
	}
	defer repeatResp.Body.Close()
	if repeatResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", repeatResp.StatusCode)
	}
}

func TestAdminPushRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	daemon := newTestDaemon(t)
	server := newAdminServer(t, daemon)

	resp, err := http.Post(server.URL+"/admin/push", "application/json", strings.NewReader(`{"body":"no title"}`))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
