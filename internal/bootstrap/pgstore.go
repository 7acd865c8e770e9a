package bootstrap

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // postgres driver
)

// PGStore runs migrations against Postgres. The rendered SQL uses the
// IF NOT EXISTS / ON CONFLICT forms, matching the ops' converge semantics.
type PGStore struct {
	db *sql.DB
}

// OpenPG connects to the datastore with the given connection URL.
func OpenPG(url string) (*PGStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// SchemaDigest hashes the public schema layout: tables, columns and types in
// catalog order. Identical schemas hash identically regardless of the
// migration path that produced them.
func (s *PGStore) SchemaDigest(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, column_name`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var table, column, typ string
		if err := rows.Scan(&table, &column, &typ); err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s.%s:%s\n", table, column, typ)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type pgTx struct {
	tx *sql.Tx
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (t *pgTx) EnsureTable(ctx context.Context, table string, columns []Column) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c.Name) + " " + c.Type
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	_, err := t.tx.ExecContext(ctx, q)
	return err
}

func (t *pgTx) EnsureColumn(ctx context.Context, table string, col Column) error {
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		quoteIdent(table), quoteIdent(col.Name), col.Type)
	_, err := t.tx.ExecContext(ctx, q)
	return err
}

func (t *pgTx) EnsureIndex(ctx context.Context, name, table string, columns []string) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(name), quoteIdent(table), strings.Join(quoted, ", "))
	_, err := t.tx.ExecContext(ctx, q)
	return err
}

func (t *pgTx) UpsertRow(ctx context.Context, table string, keyColumns []string, row map[string]string) error {
	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}

	keySet := map[string]bool{}
	quotedKeys := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		keySet[k] = true
		quotedKeys[i] = quoteIdent(k)
	}

	var updates []string
	for _, c := range cols {
		if !keySet[c] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedKeys, ", "),
		action)
	_, err := t.tx.ExecContext(ctx, q, args...)
	return err
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }
