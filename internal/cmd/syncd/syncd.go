// Package syncd parses offline sync daemon flags and launches the daemon.
package syncd

import (
	"context"
	"flag"
	"time"

	"github.com/yachtmes/offline/internal/engine/app"
	entrypoint "github.com/yachtmes/offline/internal/platform/cmd"
)

// Config holds syncd command configuration.
type Config struct {
	Port          int           `env:"YACHT_MES_SYNC_PORT" envDefault:"8094"`
	ProxyAddr     string        `env:"YACHT_MES_SYNC_PROXY_ADDR" envDefault:":8095"`
	AdminAddr     string        `env:"YACHT_MES_SYNC_ADMIN_ADDR" envDefault:":8096"`
	UpstreamURL   string        `env:"YACHT_MES_SYNC_UPSTREAM_URL"`
	DBPath        string        `env:"YACHT_MES_SYNC_DB_PATH" envDefault:"data/offline.db"`
	TokenFile     string        `env:"YACHT_MES_SYNC_TOKEN_FILE"`
	Generation    string        `env:"YACHT_MES_SYNC_CACHE_GENERATION" envDefault:"yacht-mes-v1"`
	ManifestFile  string        `env:"YACHT_MES_SYNC_MANIFEST_FILE"`
	BatchSize     int           `env:"YACHT_MES_SYNC_BATCH_SIZE"`
	MaxAttempts   int           `env:"YACHT_MES_SYNC_MAX_ATTEMPTS"`
	RetryBackoff  time.Duration `env:"YACHT_MES_SYNC_RETRY_BACKOFF"`
	RetryMaxDelay time.Duration `env:"YACHT_MES_SYNC_RETRY_MAX_DELAY"`
	ProbeInterval time.Duration `env:"YACHT_MES_SYNC_PROBE_INTERVAL"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The syncd gRPC health port")
	fs.StringVar(&cfg.ProxyAddr, "proxy-addr", cfg.ProxyAddr, "The local proxy listen address")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "The admin listen address")
	fs.StringVar(&cfg.UpstreamURL, "upstream-url", cfg.UpstreamURL, "The upstream API base URL")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "The bearer token file path")
	fs.StringVar(&cfg.ManifestFile, "manifest-file", cfg.ManifestFile, "The asset manifest file path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the offline sync daemon.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSyncd, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:          cfg.Port,
			ProxyAddr:     cfg.ProxyAddr,
			AdminAddr:     cfg.AdminAddr,
			UpstreamURL:   cfg.UpstreamURL,
			DBPath:        cfg.DBPath,
			TokenFile:     cfg.TokenFile,
			Generation:    cfg.Generation,
			ManifestFile:  cfg.ManifestFile,
			BatchSize:     cfg.BatchSize,
			MaxAttempts:   cfg.MaxAttempts,
			RetryBackoff:  cfg.RetryBackoff,
			RetryMaxDelay: cfg.RetryMaxDelay,
			ProbeInterval: cfg.ProbeInterval,
		})
	})
}
