package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds the store connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
}

// ConnString renders the config as a keyword/value pgx connection string.
func (c Config) ConnString() string {
	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("dbname=%s", c.Database),
		fmt.Sprintf("user=%s", c.User),
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.Password))
	}
	return strings.Join(parts, " ")
}

// PgxPool is the bounded pool over pgx connections used by the entity stores.
type PgxPool = Pool[*pgxpool.Conn]

// Open creates the pgx connection pool and wraps it in the bounded Pool.
// The pool is constructed once by the composition root and injected into
// every component that needs it.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*PgxPool, error) {
	pc, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConns = int32(cfg.MaxConns)

	inner, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Int("max_conns", cfg.MaxConns).
		Msg("connection pool initialised")
	return NewPool[*pgxpool.Conn](pgxSource{inner: inner}, cfg.MaxConns, cfg.AcquireTimeout, log), nil
}

// pgxSource adapts *pgxpool.Pool to the ConnSource interface.
type pgxSource struct {
	inner *pgxpool.Pool
}

func (s pgxSource) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return s.inner.Acquire(ctx)
}

func (s pgxSource) Release(conn *pgxpool.Conn) error {
	conn.Release()
	return nil
}

func (s pgxSource) Close() {
	s.inner.Close()
}
