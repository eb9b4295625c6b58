package app

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/yachtmes/offline/internal/engine"
	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/lifecycle"
	"github.com/yachtmes/offline/internal/engine/metrics"
	enginesqlite "github.com/yachtmes/offline/internal/engine/storage/sqlite"
	"github.com/yachtmes/offline/internal/engine/syncer"
	"github.com/yachtmes/offline/internal/engine/transport"

	enginepush "github.com/yachtmes/offline/internal/engine/push"
)

type fakeTransport struct {
	mu       sync.Mutex
	offline  bool
	statuses map[string]int
	requests []transport.Request
}

func newTestTransport() *fakeTransport {
	return &fakeTransport{statuses: map[string]int{}}
}

func (f *fakeTransport) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) Do(_ context.Context, req transport.Request) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.offline {
		return transport.Response{}, transport.ErrNetworkUnreachable
	}
	status, ok := f.statuses[req.Method+" "+req.URL]
	if !ok {
		status = http.StatusOK
	}
	return transport.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"upstream":true}`),
	}, nil
}

type testDaemon struct {
	engine    *engine.Engine
	store     *enginesqlite.Store
	transport *fakeTransport
	metrics   *metrics.Metrics
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	store, err := enginesqlite.Open(filepath.Join(t.TempDir(), "app-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	fake := newTestTransport()
	engineMetrics := metrics.New()
	manager, err := lifecycle.New(store, fake, lifecycle.Config{
		Generation: "yacht-mes-v1",
		Manifest:   []string{"/"},
	})
	if err != nil {
		t.Fatalf("new lifecycle manager: %v", err)
	}
	in, err := interceptor.New(interceptor.Config{
		Store:     store,
		Ledger:    store,
		Transport: fake,
		Metrics:   engineMetrics,
	})
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	sc, err := syncer.New(store, fake, nil, newLogReporter(), engineMetrics, syncer.Config{})
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	notifier, err := enginepush.New(newLogPresenter(), newLogRouter(), engineMetrics)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	eng, err := engine.New(manager, in, sc, notifier)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)

	if _, err := eng.Dispatch(context.Background(), engine.Install{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	return &testDaemon{engine: eng, store: store, transport: fake, metrics: engineMetrics}
}
