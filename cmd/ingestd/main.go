package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/nightfeed/ingestd"
	"github.com/nightfeed/ingestd/internal/ingest"
)

const helpDescription = `
Watch directories for batch extract files and merge them into PostgreSQL.

Highlights:
  - Deduplicates files by content digest; redelivered files are skipped.
  - Stages each file over the COPY protocol and merges with
    most-recent-timestamp-wins semantics per record.
  - Bounded connection pool; one watcher per configured entity.
  - Configure via file, environment (INGESTD_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  ingestd --db-name warehouse --db-user etl --entity order --watch-dir /data/incoming/orders
  ingestd --config $HOME/.ingestd/config.toml
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := ingestd.DefaultConfig()
	var (
		cfgPath string
		watch   ingest.EntityWatch
	)

	log := ingestd.Logger()

	root := &cobra.Command{
		Use:     "ingestd",
		Short:   "Ingest batch extract files into PostgreSQL",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Determine config path (default $HOME/.ingestd/config.toml)
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = ingest.DefaultConfigPath()
			}

			// Build set of changed flags
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			// Entity flags define a single watched entity and take
			// precedence over file and environment.
			if changed["watch-dir"] || changed["entity"] {
				cfg.Entities = []ingest.EntityWatch{watch}
			}

			if cfgFile != "" && ingest.FileExists(cfgFile) {
				fc, err := ingest.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := ingest.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			// Environment variables (INGESTD_*) override file config but are
			// overridden by flags (checked via changed map).
			if err := ingest.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			// Log configuration (masking the password)
			logCfg := cfg
			if len(logCfg.Password) > 0 {
				logCfg.Password = "*****"
			}
			log.Info().Interface("config", logCfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := ingestd.Run(ctx, cfg); err != nil {
				return fmt.Errorf("run ingestd: %w", err)
			}
			log.Info().Msg("shut down")
			return nil
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.ingestd/config.toml)")
	root.Flags().StringVar(&cfg.Host, "db-host", cfg.Host, "database host")
	root.Flags().IntVar(&cfg.Port, "db-port", cfg.Port, "database port")
	root.Flags().StringVar(&cfg.Database, "db-name", cfg.Database, "database name")
	root.Flags().StringVar(&cfg.User, "db-user", cfg.User, "database user")
	root.Flags().StringVar(&cfg.Password, "db-password", cfg.Password, "database password")
	root.Flags().IntVar(&cfg.MinConns, "min-conn", cfg.MinConns, "minimum warm connections in the pool")
	root.Flags().IntVar(&cfg.MaxConns, "max-conn", cfg.MaxConns, "hard ceiling on concurrent connections")
	root.Flags().DurationVar(&cfg.AcquireTimeout, "acquire-timeout", cfg.AcquireTimeout, "max wait for a pooled connection (0 = wait forever)")
	root.Flags().StringVar(&watch.Name, "entity", "order", "entity to ingest (order, customer)")
	root.Flags().StringVar(&watch.WatchDir, "watch-dir", "", "directory tree watched for arriving files")
	root.Flags().StringVar(&watch.Pattern, "pattern", ingest.DefaultFilePattern, "glob filter applied to arriving file names")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
