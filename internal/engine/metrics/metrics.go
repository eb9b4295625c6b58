// Package metrics exposes engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates engine-level counters.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	cacheStoreFail prometheus.Counter
	queuedWrites   prometheus.Counter
	replays        *prometheus.CounterVec
	pushShown      prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_requests_total",
		Help: "Total intercepted requests",
	}, []string{"strategy", "source"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_lookups_total",
		Help: "Total cache lookups",
	}, []string{"result"})

	cacheStoreFail := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_cache_store_failures_total",
		Help: "Total best-effort cache writes that failed",
	})

	queuedWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_queued_writes_total",
		Help: "Total writes queued to the mutation ledger while offline",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_replays_total",
		Help: "Total ledger replay attempts by outcome",
	}, []string{"outcome"})

	pushShown := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_push_notifications_total",
		Help: "Total push notifications presented",
	})

	registry.MustRegister(requests, cacheLookups, cacheStoreFail, queuedWrites, replays, pushShown)

	return &Metrics{
		registry:       registry,
		requests:       requests,
		cacheLookups:   cacheLookups,
		cacheStoreFail: cacheStoreFail,
		queuedWrites:   queuedWrites,
		replays:        replays,
		pushShown:      pushShown,
	}
}

// Handler returns the scrape endpoint for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one intercepted request by strategy and resolution
// source (network, cache, queued, error).
func (m *Metrics) ObserveRequest(strategy, source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strategy, source).Inc()
}

// ObserveCacheLookup counts one cache lookup result (hit or miss).
func (m *Metrics) ObserveCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheStoreFailure counts one failed best-effort cache write.
func (m *Metrics) ObserveCacheStoreFailure() {
	if m == nil {
		return
	}
	m.cacheStoreFail.Inc()
}

// ObserveQueuedWrite counts one offline write accepted into the ledger.
func (m *Metrics) ObserveQueuedWrite() {
	if m == nil {
		return
	}
	m.queuedWrites.Inc()
}

// ObserveReplay counts one replay attempt by outcome.
func (m *Metrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

// ObservePushShown counts one presented notification.
func (m *Metrics) ObservePushShown() {
	if m == nil {
		return
	}
	m.pushShown.Inc()
}
