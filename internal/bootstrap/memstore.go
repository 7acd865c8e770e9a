package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store with the same converge semantics as the
// Postgres implementation. `deckhand validate` dry-runs the migration list
// against it, and the idempotence tests assert on its digests.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]*memTable

	// FailOn, when set, makes the op with this Describe() value fail. Used
	// to induce MigrationError in tests.
	FailOn string
}

type memTable struct {
	Columns map[string]string            // name -> type
	Indexes map[string][]string          // name -> columns
	Rows    map[string]map[string]string // natural key -> row
}

func NewMemStore() *MemStore {
	return &MemStore{tables: map[string]*memTable{}}
}

func (s *MemStore) Begin(_ context.Context) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTx{store: s, staged: s.clone()}, nil
}

// SchemaDigest hashes the canonical JSON of schema and rows together, so the
// seeded-record set participates in the idempotence property.
func (s *MemStore) SchemaDigest(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(s.tables)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RowCount reports the number of rows in a table.
func (s *MemStore) RowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return 0
	}
	return len(t.Rows)
}

// Row returns a seeded row by its natural key.
func (s *MemStore) Row(table string, keyColumns []string, keyValues map[string]string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, false
	}
	row, ok := t.Rows[naturalKey(keyColumns, keyValues)]
	return row, ok
}

func (s *MemStore) clone() map[string]*memTable {
	out := make(map[string]*memTable, len(s.tables))
	for name, t := range s.tables {
		ct := &memTable{
			Columns: map[string]string{},
			Indexes: map[string][]string{},
			Rows:    map[string]map[string]string{},
		}
		for k, v := range t.Columns {
			ct.Columns[k] = v
		}
		for k, v := range t.Indexes {
			ct.Indexes[k] = append([]string(nil), v...)
		}
		for k, row := range t.Rows {
			cr := map[string]string{}
			for ck, cv := range row {
				cr[ck] = cv
			}
			ct.Rows[k] = cr
		}
		out[name] = ct
	}
	return out
}

func naturalKey(keyColumns []string, row map[string]string) string {
	cols := append([]string(nil), keyColumns...)
	sort.Strings(cols)
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + "=" + row[c]
	}
	return strings.Join(parts, "|")
}

// memTx stages changes against a deep copy and swaps it in on Commit,
// mirroring the all-or-nothing transaction boundary.
type memTx struct {
	store  *MemStore
	staged map[string]*memTable
	done   bool
}

func (t *memTx) table(name string) (*memTable, error) {
	tab, ok := t.staged[name]
	if !ok {
		return nil, fmt.Errorf("relation %q does not exist", name)
	}
	return tab, nil
}

func (t *memTx) failCheck(describe string) error {
	if t.store.FailOn != "" && t.store.FailOn == describe {
		return fmt.Errorf("induced failure at %s", describe)
	}
	return nil
}

func (t *memTx) EnsureTable(_ context.Context, table string, columns []Column) error {
	if err := t.failCheck("ensure_table:" + table); err != nil {
		return err
	}
	if _, ok := t.staged[table]; ok {
		return nil
	}
	tab := &memTable{
		Columns: map[string]string{},
		Indexes: map[string][]string{},
		Rows:    map[string]map[string]string{},
	}
	for _, c := range columns {
		tab.Columns[c.Name] = c.Type
	}
	t.staged[table] = tab
	return nil
}

func (t *memTx) EnsureColumn(_ context.Context, table string, col Column) error {
	if err := t.failCheck(fmt.Sprintf("ensure_column:%s.%s", table, col.Name)); err != nil {
		return err
	}
	tab, err := t.table(table)
	if err != nil {
		return err
	}
	if _, ok := tab.Columns[col.Name]; !ok {
		tab.Columns[col.Name] = col.Type
	}
	return nil
}

func (t *memTx) EnsureIndex(_ context.Context, name, table string, columns []string) error {
	if err := t.failCheck("ensure_index:" + name); err != nil {
		return err
	}
	tab, err := t.table(table)
	if err != nil {
		return err
	}
	if _, ok := tab.Indexes[name]; !ok {
		tab.Indexes[name] = append([]string(nil), columns...)
	}
	return nil
}

func (t *memTx) UpsertRow(_ context.Context, table string, keyColumns []string, row map[string]string) error {
	op := UpsertRow{Table: table, KeyColumns: keyColumns, Row: row}
	if err := t.failCheck(op.Describe()); err != nil {
		return err
	}
	tab, err := t.table(table)
	if err != nil {
		return err
	}
	for col := range row {
		if _, ok := tab.Columns[col]; !ok {
			return fmt.Errorf("column %q of relation %q does not exist", col, table)
		}
	}

	key := naturalKey(keyColumns, row)
	existing, ok := tab.Rows[key]
	if !ok {
		existing = map[string]string{}
		tab.Rows[key] = existing
	}
	for col, val := range row {
		existing[col] = val
	}
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	t.store.tables = t.staged
	t.store.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
