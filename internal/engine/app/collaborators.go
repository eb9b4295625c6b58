package app

import (
	"context"
	"log"

	"github.com/yachtmes/offline/internal/engine/storage"

	enginepush "github.com/yachtmes/offline/internal/engine/push"
)

// logPresenter renders notifications to the daemon log. A headless sidecar
// has no notification surface of its own; clients observe visible
// notifications through the admin endpoints.
type logPresenter struct{}

func newLogPresenter() *logPresenter { return &logPresenter{} }

func (logPresenter) Show(_ context.Context, n enginepush.Notification) error {
	log.Printf("notification %s: %s: %s", n.Tag, n.Title, n.Body)
	return nil
}

func (logPresenter) Close(_ context.Context, tag string) error {
	log.Printf("notification %s closed", tag)
	return nil
}

// logRouter records click navigation targets for the client to follow.
type logRouter struct{}

func newLogRouter() *logRouter { return &logRouter{} }

func (logRouter) Open(_ context.Context, url string) error {
	log.Printf("notification click routes to %s", url)
	return nil
}

// logReporter surfaces permanently rejected and stuck mutations in the
// daemon log so operators can act on them via the admin endpoints.
type logReporter struct{}

func newLogReporter() *logReporter { return &logReporter{} }

func (logReporter) Report(_ context.Context, mutation storage.PendingMutation, reason string) {
	log.Printf("mutation %s (%s %s) needs attention: %s", mutation.ID, mutation.Method, mutation.Endpoint, reason)
}
