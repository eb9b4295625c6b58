// Package syncer drains the mutation ledger through the network when
// connectivity returns, preserving the causal order of shop-floor writes.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/yachtmes/offline/internal/engine/metrics"
	"github.com/yachtmes/offline/internal/engine/storage"
	"github.com/yachtmes/offline/internal/engine/transport"
)

// Reporter receives mutations that will never converge on their own:
// permanent server rejections and entries that exhausted their retry budget.
type Reporter interface {
	Report(ctx context.Context, mutation storage.PendingMutation, reason string)
}

// Config controls replay batching and retry policy.
type Config struct {
	BatchSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

const (
	defaultBatchSize     = 20
	defaultMaxAttempts   = 8
	defaultRetryBackoff  = 5 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// Coordinator replays queued mutations against the upstream API.
type Coordinator struct {
	ledger    storage.MutationLedger
	transport transport.Transport
	tokens    transport.TokenSource
	reporter  Reporter
	metrics   *metrics.Metrics
	cfg       Config
	clock     func() time.Time
}

// New creates a replay coordinator. The reporter may be nil.
func New(ledger storage.MutationLedger, tr transport.Transport, tokens transport.TokenSource, reporter Reporter, m *metrics.Metrics, cfg Config) (*Coordinator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("mutation ledger is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport is required")
	}
	return &Coordinator{
		ledger:    ledger,
		transport: tr,
		tokens:    tokens,
		reporter:  reporter,
		metrics:   m,
		cfg:       cfg.normalized(),
		clock:     time.Now,
	}, nil
}

// Sync performs one drain pass over the ledger. Entries replay strictly in
// creation order: a transient failure stops the pass so a newer write is
// never sent ahead of a still-pending older one, and auth expiry halts the
// batch with exactly one credential-refresh request. An empty ledger
// performs zero network calls.
func (c *Coordinator) Sync(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("coordinator is not configured")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := c.ledger.DequeueBatch(ctx, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch replay batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		processed := 0
		for _, mutation := range batch {
			outcome, replayErr := c.replayOne(ctx, mutation)
			if replayErr != nil {
				return replayErr
			}
			switch outcome {
			case replayContinue:
				processed++
			case replayStop:
				return nil
			}
		}
		if processed < len(batch) {
			return nil
		}
	}
}

type replayOutcome int

const (
	replayContinue replayOutcome = iota
	replayStop
)

func (c *Coordinator) replayOne(ctx context.Context, mutation storage.PendingMutation) (replayOutcome, error) {
	now := c.clock().UTC()

	// Backoff holds the queue head; later entries wait behind it.
	if mutation.NextAttemptAt.After(now) {
		return replayStop, nil
	}

	// A locally-expired token snapshot would produce a guaranteed 401;
	// skip the round trip and go straight to the refresh path.
	credential := transport.Credential{Token: mutation.Token, ExpiresAt: mutation.TokenExpiresAt}
	if credential.Token != "" && credential.Expired(now) {
		c.metrics.ObserveReplay("auth_expired")
		c.requestRefresh(ctx, mutation.ID)
		return replayStop, nil
	}

	resp, err := c.transport.Do(ctx, buildReplayRequest(mutation))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return replayStop, err
		}
		if errors.Is(err, transport.ErrNetworkUnreachable) {
			return c.handleTransient(ctx, mutation, err.Error())
		}
		return replayStop, fmt.Errorf("replay mutation %s: %w", mutation.ID, err)
	}

	switch transport.ClassifyStatus(resp.StatusCode) {
	case transport.OutcomeSuccess:
		if err := c.ledger.Acknowledge(ctx, mutation.ID); err != nil {
			return replayStop, fmt.Errorf("acknowledge mutation %s: %w", mutation.ID, err)
		}
		c.metrics.ObserveReplay("success")
		return replayContinue, nil

	case transport.OutcomeAuthExpired:
		c.metrics.ObserveReplay("auth_expired")
		c.requestRefresh(ctx, mutation.ID)
		return replayStop, nil

	case transport.OutcomePermanent:
		// Retrying a rejected payload never converges: surface it and
		// move on so one bad entry does not block the ledger.
		reason := fmt.Sprintf("server rejected with status %d", resp.StatusCode)
		if err := c.ledger.MarkStuck(ctx, mutation.ID, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return replayStop, fmt.Errorf("mark mutation %s stuck: %w", mutation.ID, err)
		}
		c.metrics.ObserveReplay("permanent")
		c.report(ctx, mutation, reason)
		return replayContinue, nil

	default:
		return c.handleTransient(ctx, mutation, fmt.Sprintf("upstream status %d", resp.StatusCode))
	}
}

// handleTransient reschedules the entry with exponential backoff, or parks
// it as stuck once the retry budget is spent. Either way the pass stops:
// later entries never jump ahead of an unresolved older one.
func (c *Coordinator) handleTransient(ctx context.Context, mutation storage.PendingMutation, cause string) (replayOutcome, error) {
	if int(mutation.AttemptCount)+1 >= c.cfg.MaxAttempts {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", mutation.AttemptCount+1, cause)
		if err := c.ledger.MarkStuck(ctx, mutation.ID, reason); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return replayStop, fmt.Errorf("mark mutation %s stuck: %w", mutation.ID, err)
		}
		c.metrics.ObserveReplay("stuck")
		c.report(ctx, mutation, reason)
		return replayStop, nil
	}

	nextAttemptAt := c.clock().UTC().Add(c.backoffDelay(mutation.AttemptCount))
	if err := c.ledger.IncrementRetry(ctx, mutation.ID, nextAttemptAt, cause); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return replayStop, fmt.Errorf("increment retry for mutation %s: %w", mutation.ID, err)
	}
	c.metrics.ObserveReplay("transient")
	return replayStop, nil
}

func (c *Coordinator) backoffDelay(attempts int32) time.Duration {
	delay := c.cfg.RetryBackoff
	for i := int32(0); i < attempts; i++ {
		delay *= 2
		if delay >= c.cfg.RetryMaxDelay {
			return c.cfg.RetryMaxDelay
		}
	}
	if delay > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return delay
}

func (c *Coordinator) requestRefresh(ctx context.Context, mutationID string) {
	if c.tokens == nil {
		log.Printf("replay of %s needs a fresh credential but no token source is configured", mutationID)
		return
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		log.Printf("credential refresh failed: %v", err)
	}
}

func (c *Coordinator) report(ctx context.Context, mutation storage.PendingMutation, reason string) {
	log.Printf("mutation %s surfaced: %s", mutation.ID, reason)
	if c.reporter == nil {
		return
	}
	c.reporter.Report(ctx, mutation, reason)
}

func buildReplayRequest(mutation storage.PendingMutation) transport.Request {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(mutation.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return transport.Request{
		Method: mutation.Method,
		URL:    mutation.Endpoint,
		Header: header,
		Body:   mutation.Payload,
	}
}
