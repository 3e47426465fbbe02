package pgstore

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nightfeed/ingestd/internal/ingest"
)

func relationName(r ingest.Relation) string {
	if r.Schema != "" {
		return pgx.Identifier{r.Schema, r.Name}.Sanitize()
	}
	return pgx.Identifier{r.Name}.Sanitize()
}

func quoteAll(names []string) []string {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, pgx.Identifier{n}.Sanitize())
	}
	return quoted
}

// setupStatements returns the DDL run at pipeline start: the staging relation
// is dropped and recreated, the manifest is created if absent. The target
// relation is assumed pre-existing and durable.
func setupStatements(e ingest.EntityConfig) []string {
	stmts := []string{fmt.Sprintf("DROP TABLE IF EXISTS %s", relationName(e.Staging))}
	if e.Staging.Schema != "" {
		stmts = append([]string{
			fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{e.Staging.Schema}.Sanitize()),
		}, stmts...)
	}
	stmts = append(stmts,
		createTableSQL(e.Staging, false),
		createTableSQL(e.Manifest, true),
	)
	return stmts
}

func createTableSQL(r ingest.Relation, ifNotExists bool) string {
	defs := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		def := fmt.Sprintf("%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if c.Default != "" {
			def += " DEFAULT " + c.Default
		}
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	create := "CREATE TABLE"
	if ifNotExists {
		create += " IF NOT EXISTS"
	}
	return fmt.Sprintf("%s %s (%s)", create, relationName(r), strings.Join(defs, ", "))
}

func truncateStagingSQL(e ingest.EntityConfig) string {
	return fmt.Sprintf("TRUNCATE %s", relationName(e.Staging))
}

// copyStagingSQL streams a headered CSV into the staging relation over the
// COPY protocol. Only columns without a server default are loaded; the rest
// are filled server-side.
func copyStagingSQL(e ingest.EntityConfig) string {
	return fmt.Sprintf(
		"COPY %s (%s) FROM STDIN WITH (FORMAT csv, HEADER true, NULL 'NULL')",
		relationName(e.Staging),
		strings.Join(quoteAll(e.Staging.CopyColumns()), ", "),
	)
}

func digestExistsSQL(e ingest.EntityConfig) string {
	return fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE digest = $1)",
		relationName(e.Manifest),
	)
}

func insertManifestSQL(e ingest.EntityConfig) string {
	return fmt.Sprintf(
		"INSERT INTO %s (file_name, digest, file_size, processed_at) VALUES ($1, $2, $3, $4)",
		relationName(e.Manifest),
	)
}

// mergeSQL upserts every staged row into the target as a single server-side
// statement. Existing rows are overwritten only when the incoming
// processed_at is strictly newer, evaluated per row.
func mergeSQL(e ingest.EntityConfig) string {
	cols := strings.Join(quoteAll(e.Target.ColumnNames()), ", ")

	sets := make([]string, 0, len(e.Target.Columns))
	for _, name := range quoteAll(e.Target.NonKeyColumns()) {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
	}

	return fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s WHERE EXCLUDED.processed_at > t.processed_at",
		relationName(e.Target),
		cols,
		cols,
		relationName(e.Staging),
		pgx.Identifier{e.PrimaryKey}.Sanitize(),
		strings.Join(sets, ", "),
	)
}
