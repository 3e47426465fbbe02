package ingest

import (
	"fmt"
	"strings"
)

// Column describes a single relation column.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	// Default is a server-side default expression. Columns with a default are
	// excluded from bulk loads and filled by the server at load time.
	Default string
}

// Relation is a table definition: schema, name and ordered columns.
type Relation struct {
	Schema  string
	Name    string
	Columns []Column
}

// ColumnNames returns the names of all columns in definition order.
func (r Relation) ColumnNames() []string {
	names := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		names = append(names, c.Name)
	}
	return names
}

// CopyColumns returns the columns loaded by a bulk copy: exactly those
// without a server-side default.
func (r Relation) CopyColumns() []string {
	names := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if c.Default == "" {
			names = append(names, c.Name)
		}
	}
	return names
}

// NonKeyColumns returns the names of all non-primary-key columns.
func (r Relation) NonKeyColumns() []string {
	names := make([]string, 0, len(r.Columns))
	for _, c := range r.Columns {
		if !c.PrimaryKey {
			names = append(names, c.Name)
		}
	}
	return names
}

// EntityConfig binds an entity name to its staging, manifest and target
// relations and the primary-key column used for merges. Instances are
// immutable after construction and shared read-only.
type EntityConfig struct {
	Name       string
	Staging    Relation
	Manifest   Relation
	Target     Relation
	PrimaryKey string
}

// Manifest is one append-only record of an ingested file, keyed by digest.
type Manifest struct {
	FileName    string
	Digest      string
	FileSize    int64
	ProcessedAt int64
}

// EntityByName returns the built-in configuration for the named entity.
func EntityByName(name string) (EntityConfig, error) {
	switch strings.ToLower(name) {
	case "order", "orders":
		return OrderEntity(), nil
	case "customer", "customers":
		return CustomerEntity(), nil
	default:
		return EntityConfig{}, fmt.Errorf("unknown entity %q", name)
	}
}

// OrderEntity returns the configuration for the order extract feed.
func OrderEntity() EntityConfig {
	return EntityConfig{
		Name:       "order",
		PrimaryKey: "order_id",
		Staging:    Relation{Schema: "raw", Name: "tmp_order", Columns: orderColumns(true)},
		Target:     Relation{Schema: "raw", Name: "order", Columns: orderColumns(false)},
		Manifest:   manifestRelation("order_manifest"),
	}
}

// CustomerEntity returns the configuration for the customer extract feed.
func CustomerEntity() EntityConfig {
	return EntityConfig{
		Name:       "customer",
		PrimaryKey: "customer_id",
		Staging:    Relation{Schema: "raw", Name: "tmp_customer", Columns: customerColumns(true)},
		Target:     Relation{Schema: "raw", Name: "customer", Columns: customerColumns(false)},
		Manifest:   manifestRelation("customer_manifest"),
	}
}

func orderColumns(staging bool) []Column {
	return []Column{
		{Name: "order_id", Type: "uuid", PrimaryKey: true},
		{Name: "order_ts", Type: "timestamp"},
		{Name: "customer_id", Type: "text"},
		{Name: "product_id", Type: "text"},
		{Name: "quantity", Type: "integer"},
		{Name: "price_per_unit", Type: "numeric(10,2)"},
		{Name: "status", Type: "text"},
		processedAtColumn(staging),
	}
}

func customerColumns(staging bool) []Column {
	return []Column{
		{Name: "customer_id", Type: "uuid", PrimaryKey: true},
		{Name: "first_name", Type: "text"},
		{Name: "last_name", Type: "text"},
		{Name: "email", Type: "text"},
		processedAtColumn(staging),
	}
}

// processedAtColumn defaults to now() on staging relations so the load
// timestamp is assigned server-side; target rows carry whatever the merge
// writes.
func processedAtColumn(staging bool) Column {
	c := Column{Name: "processed_at", Type: "timestamp"}
	if staging {
		c.Default = "now()"
	}
	return c
}

func manifestRelation(name string) Relation {
	return Relation{
		Schema: "raw",
		Name:   name,
		Columns: []Column{
			{Name: "file_name", Type: "text"},
			{Name: "digest", Type: "text", PrimaryKey: true},
			{Name: "file_size", Type: "bigint"},
			{Name: "processed_at", Type: "bigint"},
		},
	}
}
