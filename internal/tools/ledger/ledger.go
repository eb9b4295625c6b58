// Package ledger provides offline inspection of the mutation ledger. It
// operates directly on the sqlite database and is meant for use while the
// daemon is stopped, for example to review stuck mutations after an outage.
package ledger

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/yachtmes/offline/internal/engine/storage"
	enginesqlite "github.com/yachtmes/offline/internal/engine/storage/sqlite"
	entrypoint "github.com/yachtmes/offline/internal/platform/cmd"
)

// Actions supported by the tool.
const (
	ActionPending = "pending"
	ActionStuck   = "stuck"
	ActionEvict   = "evict"
)

const listLimit = 200

// Config holds ledger tool configuration.
type Config struct {
	DBPath  string        `env:"YACHT_MES_SYNC_DB_PATH" envDefault:"data/offline.db"`
	Timeout time.Duration `env:"YACHT_MES_SYNC_TOOL_TIMEOUT" envDefault:"30s"`

	Action string
	ID     string
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.Action, "action", ActionPending, "One of pending, stuck, evict")
	fs.StringVar(&cfg.ID, "id", "", "Mutation id for evict")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the configured action against the ledger database.
func Run(ctx context.Context, cfg Config, stdout io.Writer) error {
	store, err := enginesqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	switch strings.TrimSpace(cfg.Action) {
	case ActionPending:
		mutations, err := store.DequeueBatch(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list pending mutations: %w", err)
		}
		return printMutations(stdout, mutations, "pending")

	case ActionStuck:
		mutations, err := store.ListStuck(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list stuck mutations: %w", err)
		}
		return printMutations(stdout, mutations, "stuck")

	case ActionEvict:
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			return fmt.Errorf("evict requires -id")
		}
		if err := store.EvictStuck(ctx, id); err != nil {
			return fmt.Errorf("evict mutation %s: %w", id, err)
		}
		fmt.Fprintf(stdout, "evicted %s\n", id)
		return nil

	default:
		return fmt.Errorf("unknown action %q", cfg.Action)
	}
}

func printMutations(stdout io.Writer, mutations []storage.PendingMutation, label string) error {
	if len(mutations) == 0 {
		fmt.Fprintf(stdout, "no %s mutations\n", label)
		return nil
	}
	for _, mutation := range mutations {
		line := fmt.Sprintf("%s\t%s %s\tattempts=%d\tcreated=%s",
			mutation.ID,
			mutation.Method,
			mutation.Endpoint,
			mutation.AttemptCount,
			mutation.CreatedAt.Format(time.RFC3339),
		)
		if mutation.LastError != "" {
			line += "\t" + mutation.LastError
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}
