package pgstore

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nightfeed/ingestd/internal/ingest"
)

// EntityStore implements ingest.Store for one entity against Postgres.
// Every file is ingested inside a single transaction on one pooled
// connection, so a failure at any step leaves neither staging rows nor a
// manifest record behind.
type EntityStore struct {
	pool   *PgxPool
	entity ingest.EntityConfig
	log    zerolog.Logger
}

// NewEntityStore creates the store for entity backed by pool.
func NewEntityStore(pool *PgxPool, entity ingest.EntityConfig, log zerolog.Logger) *EntityStore {
	return &EntityStore{
		pool:   pool,
		entity: entity,
		log:    log.With().Str("entity", entity.Name).Logger(),
	}
}

// Setup drops and recreates the staging relation and creates the manifest
// relation if absent.
func (s *EntityStore) Setup(ctx context.Context) error {
	return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		for _, stmt := range setupStatements(s.entity) {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
}

// WithBatch acquires a connection, opens a transaction and hands the batch
// operations to fn. A nil return commits; any error rolls back.
func (s *EntityStore) WithBatch(ctx context.Context, fn func(ingest.Batch) error) error {
	return s.pool.WithConn(ctx, func(conn *pgxpool.Conn) error {
		opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
		return pgx.BeginTxFunc(ctx, conn, opts, func(tx pgx.Tx) error {
			return fn(&batch{tx: tx, entity: s.entity, log: s.log})
		})
	})
}

// batch implements ingest.Batch on one open transaction.
type batch struct {
	tx     pgx.Tx
	entity ingest.EntityConfig
	log    zerolog.Logger
}

func (b *batch) DigestSeen(ctx context.Context, digest string) (bool, error) {
	var seen bool
	if err := b.tx.QueryRow(ctx, digestExistsSQL(b.entity), digest).Scan(&seen); err != nil {
		return false, fmt.Errorf("manifest lookup: %w", err)
	}
	return seen, nil
}

func (b *batch) StageFile(ctx context.Context, path string) (int64, error) {
	if _, err := b.tx.Exec(ctx, truncateStagingSQL(b.entity)); err != nil {
		return 0, fmt.Errorf("truncate staging: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// The file streams straight into the COPY protocol; a malformed row
	// fails the whole load and aborts the transaction.
	tag, err := b.tx.Conn().PgConn().CopyFrom(ctx, f, copyStagingSQL(b.entity))
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", path, err)
	}
	b.log.Debug().Int64("rows", tag.RowsAffected()).Msg("staged file")
	return tag.RowsAffected(), nil
}

func (b *batch) RecordManifest(ctx context.Context, m ingest.Manifest) error {
	_, err := b.tx.Exec(ctx, insertManifestSQL(b.entity),
		m.FileName, m.Digest, m.FileSize, m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert manifest: %w", err)
	}
	return nil
}

func (b *batch) MergeStaging(ctx context.Context) (int64, error) {
	tag, err := b.tx.Exec(ctx, mergeSQL(b.entity))
	if err != nil {
		return 0, fmt.Errorf("upsert into %s: %w", relationName(b.entity.Target), err)
	}
	return tag.RowsAffected(), nil
}
