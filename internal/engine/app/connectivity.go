package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/yachtmes/offline/internal/engine"
	"github.com/yachtmes/offline/internal/engine/transport"
	"github.com/yachtmes/offline/internal/platform/timeouts"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// connectivityWatcher probes the upstream on an interval and dispatches a
// sync event on the offline-to-online edge. Steady online state does not
// re-trigger replay; the ledger is also drained opportunistically right
// after startup once the first probe succeeds.
type connectivityWatcher struct {
	engine    *engine.Engine
	transport transport.Transport
	interval  time.Duration

	online bool
}

func newConnectivityWatcher(eng *engine.Engine, tr transport.Transport, interval time.Duration) *connectivityWatcher {
	return &connectivityWatcher{
		engine:    eng,
		transport: tr,
		interval:  interval,
	}
}

func (w *connectivityWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *connectivityWatcher) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, timeouts.Probe)
	defer cancel()

	resp, err := w.transport.Do(probeCtx, transport.Request{Method: http.MethodHead, URL: "/"})
	reachable := err == nil && resp.StatusCode < http.StatusInternalServerError

	wasOnline := w.online
	w.online = reachable
	if !reachable || wasOnline {
		return
	}

	log.Printf("upstream reachable, draining mutation ledger")
	if _, err := w.engine.Dispatch(ctx, engine.Sync{Tag: engine.SyncTagConnectivity}); err != nil {
		log.Printf("connectivity sync: %v", err)
	}
}
