// Package interceptor routes every client request through per-resource-class
// cache strategies: network-first for API traffic, cache-first for static
// assets, with offline writes handed to the mutation ledger.
package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yachtmes/offline/internal/engine/metrics"
	"github.com/yachtmes/offline/internal/engine/storage"
	"github.com/yachtmes/offline/internal/engine/transport"
	"github.com/yachtmes/offline/internal/platform/id"
)

var (
	// ErrCacheMiss indicates a cache-first miss with no reachable network.
	// Absent data is surfaced as a hard failure, never as an empty response.
	ErrCacheMiss = errors.New("not found in cache")
)

// Source identifies where a resolution came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceQueued  Source = "queued"
)

// Strategy labels for metrics.
const (
	strategyNetworkFirst = "network_first"
	strategyCacheFirst   = "cache_first"
)

// Resolution is the outcome of one intercepted request. Queued resolutions
// carry no response: the write was accepted into the ledger, not saved
// upstream, and the caller must surface that distinction.
type Resolution struct {
	Source     Source
	Response   transport.Response
	MutationID string
}

// Config wires interceptor collaborators.
type Config struct {
	Store     storage.CacheStore
	Ledger    storage.MutationLedger
	Transport transport.Transport
	Tokens    transport.TokenSource
	Metrics   *metrics.Metrics
	// APIPrefix separates network-first API traffic from cache-first
	// static assets. Defaults to /api/.
	APIPrefix string
}

// Interceptor dispatches requests to the active strategy.
type Interceptor struct {
	store     storage.CacheStore
	ledger    storage.MutationLedger
	transport transport.Transport
	tokens    transport.TokenSource
	metrics   *metrics.Metrics
	apiPrefix string
	newID     func() (string, error)
	clock     func() time.Time

	background sync.WaitGroup
}

// New creates an interceptor.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("mutation ledger is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	apiPrefix := strings.TrimSpace(cfg.APIPrefix)
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	return &Interceptor{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		transport: cfg.Transport,
		tokens:    cfg.Tokens,
		metrics:   cfg.Metrics,
		apiPrefix: apiPrefix,
		newID:     id.NewID,
		clock:     time.Now,
	}, nil
}

// Intercept resolves one request under the strategy for its resource class.
func (i *Interceptor) Intercept(ctx context.Context, req transport.Request) (Resolution, error) {
	if i == nil {
		return Resolution{}, fmt.Errorf("interceptor is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	if i.isAPIRequest(req.URL) {
		if transport.IsReadOnly(req.Method) {
			return i.networkFirst(ctx, req)
		}
		return i.interceptWrite(ctx, req)
	}
	return i.cacheFirst(ctx, req)
}

// WaitBackground blocks until in-flight background cache refreshes finish.
// Used by daemon shutdown; refreshes are otherwise fire-and-forget.
func (i *Interceptor) WaitBackground() {
	if i == nil {
		return
	}
	i.background.Wait()
}

func (i *Interceptor) isAPIRequest(rawURL string) bool {
	path := rawURL
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return strings.HasPrefix(path, i.apiPrefix)
}

// networkFirst always prefers a live response; the cache only serves when
// the network is unreachable.
func (i *Interceptor) networkFirst(ctx context.Context, req transport.Request) (Resolution, error) {
	key := BuildKey(req.Method, req.URL)

	resp, err := i.transport.Do(ctx, req)
	if err == nil {
		if transport.IsReadOnly(req.Method) && transport.ClassifyStatus(resp.StatusCode) == transport.OutcomeSuccess {
			i.storeSnapshot(ctx, key, resp)
		}
		i.metrics.ObserveRequest(strategyNetworkFirst, string(SourceNetwork))
		return Resolution{Source: SourceNetwork, Response: resp}, nil
	}
	if !errors.Is(err, transport.ErrNetworkUnreachable) {
		i.metrics.ObserveRequest(strategyNetworkFirst, "error")
		return Resolution{}, err
	}

	entry, lookupErr := i.store.GetEntry(ctx, key)
	if lookupErr != nil {
		i.metrics.ObserveCacheLookup("miss")
		i.metrics.ObserveRequest(strategyNetworkFirst, "error")
		if errors.Is(lookupErr, storage.ErrNotFound) {
			// No fallback: the original network error surfaces.
			return Resolution{}, err
		}
		return Resolution{}, lookupErr
	}
	i.metrics.ObserveCacheLookup("hit")
	i.metrics.ObserveRequest(strategyNetworkFirst, string(SourceCache))
	return Resolution{Source: SourceCache, Response: entryToResponse(entry)}, nil
}

// cacheFirst serves a hit immediately and refreshes in the background;
// misses go to the network and a miss with no network is a hard failure.
func (i *Interceptor) cacheFirst(ctx context.Context, req transport.Request) (Resolution, error) {
	key := BuildKey(req.Method, req.URL)

	entry, err := i.store.GetEntry(ctx, key)
	if err == nil {
		i.metrics.ObserveCacheLookup("hit")
		i.metrics.ObserveRequest(strategyCacheFirst, string(SourceCache))
		i.refreshInBackground(ctx, key, req)
		return Resolution{Source: SourceCache, Response: entryToResponse(entry)}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, err
	}
	i.metrics.ObserveCacheLookup("miss")

	resp, err := i.transport.Do(ctx, req)
	if err != nil {
		i.metrics.ObserveRequest(strategyCacheFirst, "error")
		if errors.Is(err, transport.ErrNetworkUnreachable) {
			return Resolution{}, fmt.Errorf("%w: %v", ErrCacheMiss, err)
		}
		return Resolution{}, err
	}
	if transport.ClassifyStatus(resp.StatusCode) == transport.OutcomeSuccess {
		i.storeSnapshot(ctx, key, resp)
	}
	i.metrics.ObserveRequest(strategyCacheFirst, string(SourceNetwork))
	return Resolution{Source: SourceNetwork, Response: resp}, nil
}

// interceptWrite forwards state-changing API requests. Responses are never
// cached. When the network is unreachable the write is queued durably and
// the caller receives a queued acceptance, not a saved result.
func (i *Interceptor) interceptWrite(ctx context.Context, req transport.Request) (Resolution, error) {
	resp, err := i.transport.Do(ctx, req)
	if err == nil {
		i.metrics.ObserveRequest(strategyNetworkFirst, string(SourceNetwork))
		return Resolution{Source: SourceNetwork, Response: resp}, nil
	}
	if !errors.Is(err, transport.ErrNetworkUnreachable) {
		i.metrics.ObserveRequest(strategyNetworkFirst, "error")
		return Resolution{}, err
	}

	mutationID, queueErr := i.queueMutation(ctx, req)
	if queueErr != nil {
		i.metrics.ObserveRequest(strategyNetworkFirst, "error")
		return Resolution{}, fmt.Errorf("queue offline write: %w", queueErr)
	}
	i.metrics.ObserveQueuedWrite()
	i.metrics.ObserveRequest(strategyNetworkFirst, string(SourceQueued))
	return Resolution{Source: SourceQueued, MutationID: mutationID}, nil
}

func (i *Interceptor) queueMutation(ctx context.Context, req transport.Request) (string, error) {
	mutationID, err := i.newID()
	if err != nil {
		return "", fmt.Errorf("generate mutation id: %w", err)
	}

	token := strings.TrimSpace(req.Header.Get("Authorization"))
	if token == "" && i.tokens != nil {
		credential, credErr := i.tokens.Token(ctx)
		if credErr != nil && !errors.Is(credErr, transport.ErrNoCredential) {
			return "", credErr
		}
		token = credential.Token
	}
	token = strings.TrimPrefix(token, "Bearer ")

	now := i.clock().UTC()
	mutation := storage.PendingMutation{
		ID:             mutationID,
		Endpoint:       req.URL,
		Method:         req.Method,
		Payload:        req.Body,
		Token:          token,
		TokenExpiresAt: transport.ParseExpiry(token),
		CreatedAt:      now,
		NextAttemptAt:  now,
	}
	if err := i.ledger.Enqueue(ctx, mutation); err != nil {
		return "", err
	}
	return mutationID, nil
}

// storeSnapshot writes a response into the active generation. Caching is
// best-effort: storage-quota failures are logged and counted, never
// propagated to the request.
func (i *Interceptor) storeSnapshot(ctx context.Context, key string, resp transport.Response) {
	generation, err := i.store.ActiveGeneration(ctx)
	if err != nil {
		i.metrics.ObserveCacheStoreFailure()
		log.Printf("cache store skipped for %s: %v", key, err)
		return
	}
	entry := storage.CacheEntry{
		Key:        key,
		Generation: generation,
		StatusCode: resp.StatusCode,
		HeaderJSON: encodeHeader(resp.Header),
		Body:       resp.Body,
		StoredAt:   i.clock().UTC(),
	}
	if err := i.store.PutEntry(ctx, entry); err != nil {
		i.metrics.ObserveCacheStoreFailure()
		log.Printf("cache store failed for %s: %v", key, err)
	}
}

// refreshInBackground re-fetches a cache-first resource after serving the
// hit. The refresh is not tied to the request lifetime: it runs to
// completion or failure on its own.
func (i *Interceptor) refreshInBackground(ctx context.Context, key string, req transport.Request) {
	detached := context.WithoutCancel(ctx)
	i.background.Add(1)
	go func() {
		defer i.background.Done()
		resp, err := i.transport.Do(detached, req)
		if err != nil {
			return
		}
		if transport.ClassifyStatus(resp.StatusCode) == transport.OutcomeSuccess {
			i.storeSnapshot(detached, key, resp)
		}
	}()
}

func encodeHeader(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	encoded, err := json.Marshal(header)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeHeader(encoded string) http.Header {
	if strings.TrimSpace(encoded) == "" {
		return http.Header{}
	}
	header := http.Header{}
	if err := json.Unmarshal([]byte(encoded), &header); err != nil {
		return http.Header{}
	}
	return header
}

func entryToResponse(entry storage.CacheEntry) transport.Response {
	return transport.Response{
		StatusCode: entry.StatusCode,
		Header:     decodeHeader(entry.HeaderJSON),
		Body:       entry.Body,
	}
}
