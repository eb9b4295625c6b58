// Package engine assembles the offline components behind a single
// event-driven dispatch surface: install, activate, fetch, sync, push, and
// notification click.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/lifecycle"
	"github.com/yachtmes/offline/internal/engine/push"
	"github.com/yachtmes/offline/internal/engine/syncer"
	"github.com/yachtmes/offline/internal/engine/transport"
)

// ErrUnhandledEvent indicates an event kind the engine does not recognize.
var ErrUnhandledEvent = errors.New("unhandled event")

// Event is one discrete wake-up for the engine. The concrete kinds below are
// the only implementations.
type Event interface {
	isEvent()
}

// Install asks the engine to activate the configured cache generation and
// pre-warm the asset manifest.
type Install struct{}

// Activate asks the engine to retire stale cache generations.
type Activate struct{}

// Fetch routes one request through the interceptor.
type Fetch struct {
	Request transport.Request
}

// Sync asks the engine to drain the mutation ledger. The tag identifies the
// trigger for logging; only the connectivity tag is acted on.
type Sync struct {
	Tag string
}

// Push delivers one inbound push message payload.
type Push struct {
	Payload []byte
}

// NotificationClick reports user activation of a visible notification.
type NotificationClick struct {
	Tag string
}

func (Install) isEvent()           {}
func (Activate) isEvent()          {}
func (Fetch) isEvent()             {}
func (Sync) isEvent()              {}
func (Push) isEvent()              {}
func (NotificationClick) isEvent() {}

// SyncTagConnectivity is the tag used when connectivity returns.
const SyncTagConnectivity = "sync-pending-tasks"

// Result carries the event-specific outcome of a dispatch. Only the field
// matching the event kind is set.
type Result struct {
	Resolution   *interceptor.Resolution
	Notification *push.Notification
}

// Engine owns the offline components and routes events to them.
type Engine struct {
	lifecycle   *lifecycle.Manager
	interceptor *interceptor.Interceptor
	syncer      *syncer.Coordinator
	notifier    *push.Notifier
}

// New assembles an engine from its components.
func New(lc *lifecycle.Manager, in *interceptor.Interceptor, sc *syncer.Coordinator, pn *push.Notifier) (*Engine, error) {
	if lc == nil {
		return nil, fmt.Errorf("lifecycle manager is required")
	}
	if in == nil {
		return nil, fmt.Errorf("request interceptor is required")
	}
	if sc == nil {
		return nil, fmt.Errorf("sync coordinator is required")
	}
	if pn == nil {
		return nil, fmt.Errorf("push notifier is required")
	}
	return &Engine{
		lifecycle:   lc,
		interceptor: in,
		syncer:      sc,
		notifier:    pn,
	}, nil
}

// Dispatch routes one event to the owning component.
func (e *Engine) Dispatch(ctx context.Context, event Event) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	switch ev := event.(type) {
	case Install:
		return Result{}, e.lifecycle.Install(ctx)
	case Activate:
		return Result{}, e.lifecycle.Activate(ctx)
	case Fetch:
		resolution, err := e.interceptor.Intercept(ctx, ev.Request)
		if err != nil {
			return Result{}, err
		}
		return Result{Resolution: &resolution}, nil
	case Sync:
		return Result{}, e.syncer.Sync(ctx)
	case Push:
		notification, err := e.notifier.HandlePush(ctx, ev.Payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Notification: &notification}, nil
	case NotificationClick:
		return Result{}, e.notifier.HandleClick(ctx, ev.Tag)
	default:
		return Result{}, fmt.Errorf("%w: %T", ErrUnhandledEvent, event)
	}
}

// Close waits for in-flight background cache refreshes to settle.
func (e *Engine) Close() {
	e.interceptor.WaitBackground()
}
