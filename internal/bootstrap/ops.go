// Package bootstrap applies schema migrations and seed records idempotently.
// Every operation is expressed in a converge-to form (ensure-table,
// ensure-column, upsert-by-natural-key), never as an unconditional mutation,
// so re-running a migration list against an already-migrated store is a
// no-op with respect to final state.
package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Column is one table column definition.
type Column struct {
	Name string
	Type string
}

// Op is a single idempotent migration operation.
type Op interface {
	Describe() string
	apply(ctx context.Context, tx Tx) error
}

// EnsureTable creates the table if it does not exist.
type EnsureTable struct {
	Table   string
	Columns []Column
}

func (o EnsureTable) Describe() string { return "ensure_table:" + o.Table }

func (o EnsureTable) apply(ctx context.Context, tx Tx) error {
	return tx.EnsureTable(ctx, o.Table, o.Columns)
}

// EnsureColumn adds the column if absent.
type EnsureColumn struct {
	Table  string
	Column Column
}

func (o EnsureColumn) Describe() string {
	return fmt.Sprintf("ensure_column:%s.%s", o.Table, o.Column.Name)
}

func (o EnsureColumn) apply(ctx context.Context, tx Tx) error {
	return tx.EnsureColumn(ctx, o.Table, o.Column)
}

// EnsureIndex creates the index if absent.
type EnsureIndex struct {
	Name    string
	Table   string
	Columns []string
}

func (o EnsureIndex) Describe() string { return "ensure_index:" + o.Name }

func (o EnsureIndex) apply(ctx context.Context, tx Tx) error {
	return tx.EnsureIndex(ctx, o.Name, o.Table, o.Columns)
}

// UpsertRow inserts or replaces a row keyed by its natural key. Reruns
// refresh the non-key values without duplicating the row.
type UpsertRow struct {
	Table      string
	KeyColumns []string
	Row        map[string]string
}

func (o UpsertRow) Describe() string {
	keys := make([]string, 0, len(o.KeyColumns))
	for _, k := range o.KeyColumns {
		keys = append(keys, o.Row[k])
	}
	return fmt.Sprintf("upsert:%s[%s]", o.Table, strings.Join(keys, ","))
}

func (o UpsertRow) apply(ctx context.Context, tx Tx) error {
	return tx.UpsertRow(ctx, o.Table, o.KeyColumns, o.Row)
}

// sortedKeys gives deterministic column ordering for rendered SQL and
// digests.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
