// Package push turns inbound push messages into user-facing notifications
// and routes notification clicks back into the application.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yachtmes/offline/internal/engine/metrics"
)

var (
	// ErrPresenterNotConfigured indicates the notifier is missing its
	// platform notification collaborator.
	ErrPresenterNotConfigured = errors.New("notification presenter is not configured")
	// ErrTitleRequired indicates a push payload without a title.
	ErrTitleRequired = errors.New("push payload title is required")
	// ErrTagRequired indicates a push payload without a dedupe tag.
	ErrTagRequired = errors.New("push payload tag is required")
	// ErrUnknownTag indicates a click for a tag with no visible notification.
	ErrUnknownTag = errors.New("no notification for tag")
)

// DefaultTargetURL is where a click routes when the payload carries no URL.
const DefaultTargetURL = "/"

// Payload is the wire shape of one inbound push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	URL   string `json:"url,omitempty"`
}

// Notification is one rendered, visible notification.
type Notification struct {
	Title     string
	Body      string
	Tag       string
	TargetURL string
	ShownAt   time.Time
}

// Presenter renders notifications on the host platform.
type Presenter interface {
	Show(ctx context.Context, notification Notification) error
	Close(ctx context.Context, tag string) error
}

// Router handles click activation by navigating to the target URL.
type Router interface {
	Open(ctx context.Context, url string) error
}

// Notifier keys visible notifications by tag so a later message for the
// same logical event supersedes the earlier one instead of piling up.
type Notifier struct {
	presenter Presenter
	router    Router
	metrics   *metrics.Metrics
	clock     func() time.Time

	mu      sync.Mutex
	visible map[string]Notification
}

// New creates a push notifier. The router and metrics may be nil.
func New(presenter Presenter, router Router, m *metrics.Metrics) (*Notifier, error) {
	if presenter == nil {
		return nil, ErrPresenterNotConfigured
	}
	return &Notifier{
		presenter: presenter,
		router:    router,
		metrics:   m,
		clock:     time.Now,
		visible:   make(map[string]Notification),
	}, nil
}

// HandlePush parses one inbound push message and renders it. A message
// whose tag matches a visible notification replaces it, latest body wins.
func (n *Notifier) HandlePush(ctx context.Context, raw []byte) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Notification{}, fmt.Errorf("decode push payload: %w", err)
	}
	return n.Notify(ctx, payload)
}

// Notify renders one already-decoded push payload.
func (n *Notifier) Notify(ctx context.Context, payload Payload) (Notification, error) {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return Notification{}, ErrTitleRequired
	}
	tag := strings.TrimSpace(payload.Tag)
	if tag == "" {
		return Notification{}, ErrTagRequired
	}
	targetURL := strings.TrimSpace(payload.URL)
	if targetURL == "" {
		targetURL = DefaultTargetURL
	}

	notification := Notification{
		Title:     title,
		Body:      payload.Body,
		Tag:       tag,
		TargetURL: targetURL,
		ShownAt:   n.clock().UTC(),
	}
	if err := n.presenter.Show(ctx, notification); err != nil {
		return Notification{}, fmt.Errorf("show notification %s: %w", tag, err)
	}

	n.mu.Lock()
	n.visible[tag] = notification
	n.mu.Unlock()

	n.metrics.ObservePushShown()
	return notification, nil
}

// HandleClick closes the clicked notification and routes to its target URL.
func (n *Notifier) HandleClick(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	notification, ok := n.visible[tag]
	if ok {
		delete(n.visible, tag)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	if err := n.presenter.Close(ctx, tag); err != nil {
		return fmt.Errorf("close notification %s: %w", tag, err)
	}
	if n.router == nil {
		return nil
	}
	if err := n.router.Open(ctx, notification.TargetURL); err != nil {
		return fmt.Errorf("open %s: %w", notification.TargetURL, err)
	}
	return nil
}

// Visible reports the currently visible notification for a tag.
func (n *Notifier) Visible(tag string) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	notification, ok := n.visible[tag]
	return notification, ok
}
