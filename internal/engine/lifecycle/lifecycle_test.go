package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/storage"
	enginesqlite "github.com/yachtmes/offline/internal/engine/storage/sqlite"
	"github.com/yachtmes/offline/internal/engine/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	failing  map[string]bool
	requests []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failing: map[string]bool{}}
}

func (f *fakeTransport) failOn(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = true
}

func (f *fakeTransport) Do(_ context.Context, req transport.Request) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req.URL)
	if f.failing[req.URL] {
		return transport.Response{}, fmt.Errorf("%w: dial tcp: connection refused", transport.ErrNetworkUnreachable)
	}
	return transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("asset body for " + req.URL),
	}, nil
}

func openTestStore(t *testing.T) *enginesqlite.Store {
	t.Helper()
	store, err := enginesqlite.Open(filepath.Join(t.TempDir(), "lifecycle-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestInstallPrewarmsManifest(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	fake := newFakeTransport()
	manager, err := New(store, fake, Config{
		Generation: "yacht-mes-v1",
		Manifest:   []string{"/", "/index.html"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := manager.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}

	active, err := store.ActiveGeneration(context.Background())
	if err != nil {
		t.Fatalf("active generation: %v", err)
	}
	if active != "yacht-mes-v1" {
		t.Fatalf("expected yacht-mes-v1 active, got %q", active)
	}

	for _, asset := range []string{"/", "/index.html"} {
		entry, err := store.GetEntry(context.Background(), interceptor.BuildKey("GET", asset))
		if err != nil {
			t.Fatalf("expected %s pre-warmed: %v", asset, err)
		}
		if string(entry.Body) != "asset body for "+asset {
			t.Fatalf("unexpected body for %s: %q", asset, entry.Body)
		}
	}
}

func TestInstallSkipsFailedAssets(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	fake := newFakeTransport()
	fake.failOn("/icons/icon-192x192.png")
	manager, err := New(store, fake, Config{
		Generation: "yacht-mes-v1",
		Manifest:   []string{"/", "/icons/icon-192x192.png", "/manifest.json"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if err := manager.Install(context.Background()); err != nil {
		t.Fatalf("install should tolerate per-asset failures: %v", err)
	}

	if _, err := store.GetEntry(context.Background(), interceptor.BuildKey("GET", "/manifest.json")); err != nil {
		t.Fatalf("expected later assets still pre-warmed: %v", err)
	}
	if _, err := store.GetEntry(context.Background(), interceptor.BuildKey("GET", "/icons/icon-192x192.png")); err == nil {
		t.Fatal("expected failed asset absent from cache")
	}
}

func TestActivateRetiresStaleGenerations(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	// Seed an older generation with one entry.
	if err := store.ActivateGeneration(ctx, "yacht-mes-v0"); err != nil {
		t.Fatalf("activate v0: %v", err)
	}
	err := store.PutEntry(ctx, storage.CacheEntry{
		Key:        "GET /index.html",
		Generation: "yacht-mes-v0",
		StatusCode: http.StatusOK,
		Body:       []byte("old shell"),
	})
	if err != nil {
		t.Fatalf("seed old entry: %v", err)
	}

	manager, err := New(store, newFakeTransport(), Config{Generation: "yacht-mes-v1"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	generations, err := store.ListGenerations(ctx)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(generations) != 1 || generations[0] != "yacht-mes-v1" {
		t.Fatalf("expected only yacht-mes-v1 to survive, got %v", generations)
	}
	if _, err := store.GetEntry(ctx, "GET /index.html"); err == nil {
		t.Fatal("expected old generation entries removed")
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	manager, err := New(store, newFakeTransport(), Config{Generation: "yacht-mes-v1"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx := context.Background()
	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	if err := manager.Activate(ctx); err != nil {
		t.Fatalf("second activate: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	fake := newFakeTransport()
	if _, err := New(nil, fake, Config{Generation: "g"}); err != ErrStoreNotConfigured {
		t.Fatalf("expected ErrStoreNotConfigured, got %v", err)
	}
	if _, err := New(store, nil, Config{Generation: "g"}); err != ErrTransportNotConfigured {
		t.Fatalf("expected ErrTransportNotConfigured, got %v", err)
	}
	if _, err := New(store, fake, Config{}); err != ErrGenerationRequired {
		t.Fatalf("expected ErrGenerationRequired, got %v", err)
	}
}
