// Package lifecycle owns cache installation and activation: pre-warming the
// active generation with the static asset manifest and retiring stale
// generations after a version swap.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yachtmes/offline/internal/engine/interceptor"
	"github.com/yachtmes/offline/internal/engine/storage"
	"github.com/yachtmes/offline/internal/engine/transport"
)

var (
	// ErrStoreNotConfigured indicates the manager is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("cache store is not configured")
	// ErrTransportNotConfigured indicates the manager cannot fetch assets.
	ErrTransportNotConfigured = errors.New("transport is not configured")
	// ErrGenerationRequired indicates a missing cache generation tag.
	ErrGenerationRequired = errors.New("cache generation is required")
)

// DefaultManifest lists the application shell assets pre-warmed at install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// Config describes the cache version and the assets to pre-warm.
type Config struct {
	// Generation is the cache version tag, for example "yacht-mes-v1".
	Generation string
	// Manifest lists asset URLs fetched and stored at install time.
	// Nil means DefaultManifest.
	Manifest []string
}

// Manager coordinates cache generation transitions.
type Manager struct {
	store     storage.CacheStore
	transport transport.Transport
	cfg       Config
	clock     func() time.Time
}

// New creates a lifecycle manager.
func New(store storage.CacheStore, tr transport.Transport, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreNotConfigured
	}
	if tr == nil {
		return nil, ErrTransportNotConfigured
	}
	cfg.Generation = strings.TrimSpace(cfg.Generation)
	if cfg.Generation == "" {
		return nil, ErrGenerationRequired
	}
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	return &Manager{
		store:     store,
		transport: tr,
		cfg:       cfg,
		clock:     time.Now,
	}, nil
}

// Install activates the configured generation and pre-warms it with the
// asset manifest. Individual asset fetch failures are logged and skipped so
// one missing icon does not block installation.
func (m *Manager) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.store.ActivateGeneration(ctx, m.cfg.Generation); err != nil {
		return fmt.Errorf("activate generation %s: %w", m.cfg.Generation, err)
	}

	for _, asset := range m.cfg.Manifest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.prewarm(ctx, asset); err != nil {
			log.Printf("pre-warm %s skipped: %v", asset, err)
		}
	}
	return nil
}

// Activate retires every generation except the configured one. Reads during
// activation observe either the old or the new generation, never a mix.
func (m *Manager) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.store.ActivateGeneration(ctx, m.cfg.Generation); err != nil {
		return fmt.Errorf("activate generation %s: %w", m.cfg.Generation, err)
	}

	generations, err := m.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, generation := range generations {
		if generation == m.cfg.Generation {
			continue
		}
		if err := m.store.DeleteGeneration(ctx, generation); err != nil {
			return fmt.Errorf("retire generation %s: %w", generation, err)
		}
	}
	return nil
}

func (m *Manager) prewarm(ctx context.Context, asset string) error {
	resp, err := m.transport.Do(ctx, transport.Request{Method: "GET", URL: asset})
	if err != nil {
		return err
	}
	if transport.ClassifyStatus(resp.StatusCode) != transport.OutcomeSuccess {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	headerJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	entry := storage.CacheEntry{
		Key:        interceptor.BuildKey("GET", asset),
		Generation: m.cfg.Generation,
		StatusCode: resp.StatusCode,
		HeaderJSON: string(headerJSON),
		Body:       resp.Body,
		StoredAt:   m.clock().UTC(),
	}
	if err := m.store.PutEntry(ctx, entry); err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	return nil
}
