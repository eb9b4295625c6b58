// Package app assembles the offline engine into the syncd daemon: a local
// proxy that intercepts application traffic, an admin surface for metrics
// and stuck mutations, a gRPC health endpoint, and a connectivity watcher
// that triggers replay when the upstream becomes reachable again.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/yachtmes/offline/internal/engine"
	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/lifecycle"
	"github.com/yachtmes/offline/internal/engine/metrics"
	enginesqlite "github.com/yachtmes/offline/internal/engine/storage/sqlite"
	"github.com/yachtmes/offline/internal/engine/syncer"
	"github.com/yachtmes/offline/internal/engine/transport"
	"github.com/yachtmes/offline/internal/platform/timeouts"

	enginepush "github.com/yachtmes/offline/internal/engine/push"
)

// RuntimeConfig controls daemon startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port          int
	ProxyAddr     string
	AdminAddr     string
	UpstreamURL   string
	DBPath        string
	TokenFile     string
	Generation    string
	Manifest      []string
	ManifestFile  string
	APIPrefix     string
	BatchSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	ProbeInterval time.Duration
}

const (
	defaultPort          = 8094
	defaultProxyAddr     = ":8095"
	defaultAdminAddr     = ":8096"
	defaultDBPath        = "data/offline.db"
	defaultGeneration    = "yacht-mes-v1"
	defaultProbeInterval = 15 * time.Second
)

// Run starts daemon dependencies and blocks until the context ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return fmt.Errorf("upstream url is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.ProxyAddr) == "" {
		cfg.ProxyAddr = defaultProxyAddr
	}
	if strings.TrimSpace(cfg.AdminAddr) == "" {
		cfg.AdminAddr = defaultAdminAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if strings.TrimSpace(cfg.Generation) == "" {
		cfg.Generation = defaultGeneration
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	// One daemon per database. A second instance replaying the same ledger
	// would double-send mutations.
	dbLock := flock.New(cfg.DBPath + ".lock")
	locked, err := dbLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire db lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("database %s is locked by another daemon", cfg.DBPath)
	}
	defer func() {
		if unlockErr := dbLock.Unlock(); unlockErr != nil {
			log.Printf("release db lock: %v", unlockErr)
		}
	}()

	store, err := enginesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sqlite store: %v", closeErr)
		}
	}()

	httpTransport, err := transport.NewHTTPTransport(cfg.UpstreamURL, nil)
	if err != nil {
		return fmt.Errorf("build upstream transport: %w", err)
	}

	var tokens transport.TokenSource
	if strings.TrimSpace(cfg.TokenFile) != "" {
		tokens = newFileTokenSource(cfg.TokenFile)
	}

	engineMetrics := metrics.New()

	manifest := cfg.Manifest
	if len(manifest) == 0 && strings.TrimSpace(cfg.ManifestFile) != "" {
		manifest, err = loadManifest(cfg.ManifestFile)
		if err != nil {
			return fmt.Errorf("load asset manifest: %w", err)
		}
	}

	manager, err := lifecycle.New(store, httpTransport, lifecycle.Config{
		Generation: cfg.Generation,
		Manifest:   manifest,
	})
	if err != nil {
		return fmt.Errorf("build lifecycle manager: %w", err)
	}
	in, err := interceptor.New(interceptor.Config{
		Store:     store,
		Ledger:    store,
		Transport: httpTransport,
		Tokens:    tokens,
		Metrics:   engineMetrics,
		APIPrefix: cfg.APIPrefix,
	})
	if err != nil {
		return fmt.Errorf("build interceptor: %w", err)
	}
	sc, err := syncer.New(store, httpTransport, tokens, newLogReporter(), engineMetrics, syncer.Config{
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	})
	if err != nil {
		return fmt.Errorf("build sync coordinator: %w", err)
	}
	notifier, err := enginepush.New(newLogPresenter(), newLogRouter(), engineMetrics)
	if err != nil {
		return fmt.Errorf("build push notifier: %w", err)
	}
	eng, err := engine.New(manager, in, sc, notifier)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	if _, err := eng.Dispatch(ctx, engine.Install{}); err != nil {
		return fmt.Errorf("install cache generation: %w", err)
	}
	if _, err := eng.Dispatch(ctx, engine.Activate{}); err != nil {
		return fmt.Errorf("activate cache generation: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("syncd.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	proxyServer := &http.Server{
		Addr:              cfg.ProxyAddr,
		Handler:           newProxyHandler(eng),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	adminServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           newAdminHandler(eng, store, engineMetrics),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	proxyErr := make(chan error, 1)
	go func() {
		proxyErr <- serveHTTP(proxyServer)
	}()
	adminErr := make(chan error, 1)
	go func() {
		adminErr <- serveHTTP(adminServer)
	}()

	watcher := newConnectivityWatcher(eng, httpTransport, cfg.ProbeInterval)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watcher.run(ctx)
	}()

	log.Printf("syncd proxy listening at %s, admin at %s, health at %v", cfg.ProxyAddr, cfg.AdminAddr, listener.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-proxyErr:
		runErr = fmt.Errorf("proxy server: %w", err)
	case err := <-adminErr:
		runErr = fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown proxy server: %v", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown admin server: %v", err)
	}
	<-watcherDone

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func serveHTTP(server *http.Server) error {
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
