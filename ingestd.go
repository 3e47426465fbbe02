// Package ingestd provides a daemon that ingests batch extract files dropped
// into watched directories into a PostgreSQL store, exactly once per file
// content, with most-recent-timestamp-wins merge semantics per record.
//
// Example usage:
//
//	cfg := ingestd.DefaultConfig()
//	cfg.Database = "warehouse"
//	cfg.User = "etl"
//	cfg.Entities = []ingestd.EntityWatch{{Name: "order", WatchDir: "/data/incoming/orders"}}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := ingestd.Run(context.Background(), cfg); err != nil {
//	    log.Fatal(err)
//	}
package ingestd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nightfeed/ingestd/internal/ingest"
	"github.com/nightfeed/ingestd/internal/pgstore"
)

// Config holds the daemon configuration.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = ingest.Config

// EntityWatch binds one entity to the directory watched for its files.
type EntityWatch = ingest.EntityWatch

// DefaultConfig returns a Config with sensible default values.
// At minimum, you must set Database, User and one EntityWatch before Run.
func DefaultConfig() Config {
	return ingest.DefaultConfig()
}

// Logger returns the package-level zerolog logger used by the daemon.
func Logger() zerolog.Logger {
	return ingest.Logger()
}

// Run starts the ingestion daemon: it opens the connection pool, sets up the
// staging and manifest relations for every configured entity, then watches
// each entity's directory until ctx is cancelled. On cancellation it waits
// for in-flight files to reach a terminal state, joins the watchers and
// closes the pool.
func Run(ctx context.Context, cfg Config) error {
	log := ingest.Logger()

	pool, err := pgstore.Open(ctx, pgstore.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Database:       cfg.Database,
		User:           cfg.User,
		Password:       cfg.Password,
		MinConns:       cfg.MinConns,
		MaxConns:       cfg.MaxConns,
		AcquireTimeout: cfg.AcquireTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for _, ew := range cfg.Entities {
		entity, err := ingest.EntityByName(ew.Name)
		if err != nil {
			return err
		}

		store := pgstore.NewEntityStore(pool, entity, log)
		proc := ingest.NewProcessor(entity, store, log)
		if err := proc.Setup(ctx); err != nil {
			return fmt.Errorf("set up %s tables: %w", entity.Name, err)
		}

		disp := ingest.NewDispatcher(ew.WatchDir, ew.Pattern, proc, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("entity", entity.Name).Msg("dispatcher stopped")
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}
