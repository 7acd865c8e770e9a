package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

// Store is the persistence surface migrations run against. The Postgres
// implementation lives in pgstore.go; tests use an in-memory one.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// SchemaDigest returns a canonical hash of the schema and seed state,
	// stable across identical states regardless of how they were reached.
	SchemaDigest(ctx context.Context) (string, error)
}

// Tx is one transaction boundary. Each migration runs inside its own Tx so
// a failure never partially commits across dependent steps.
type Tx interface {
	EnsureTable(ctx context.Context, table string, columns []Column) error
	EnsureColumn(ctx context.Context, table string, col Column) error
	EnsureIndex(ctx context.Context, name, table string, columns []string) error
	UpsertRow(ctx context.Context, table string, keyColumns []string, row map[string]string) error
	Commit() error
	Rollback() error
}

// Migration is one versioned group of operations with a single transaction
// boundary.
type Migration struct {
	Version int
	Name    string
	Ops     []Op
}

// MigrationError names the specific failing step. It is fatal: the
// remaining sequence is not attempted.
type MigrationError struct {
	Version int
	Name    string
	Step    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed at %s: %v", e.Version, e.Name, e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Bootstrapper applies migration lists to a store.
type Bootstrapper struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Bootstrapper {
	return &Bootstrapper{store: store, logger: logger, now: time.Now}
}

// Apply runs the migrations in order, one transaction per migration, and
// returns the resulting MigrationRecord. Applying the same list twice yields
// an identical SchemaDigest.
func (b *Bootstrapper) Apply(ctx context.Context, migrations []Migration) (*model.MigrationRecord, error) {
	rec := &model.MigrationRecord{AppliedAt: b.now()}

	for _, m := range migrations {
		if err := b.applyOne(ctx, m); err != nil {
			return nil, err
		}
		for _, op := range m.Ops {
			rec.AppliedSteps = append(rec.AppliedSteps, fmt.Sprintf("v%d:%s", m.Version, op.Describe()))
		}
		if m.Version > rec.Version {
			rec.Version = m.Version
		}
		b.logger.Info("migration applied",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
			zap.Int("ops", len(m.Ops)))
	}

	digest, err := b.store.SchemaDigest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute schema digest: %w", err)
	}
	rec.SchemaDigest = digest
	return rec, nil
}

func (b *Bootstrapper) applyOne(ctx context.Context, m Migration) error {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Step: "begin", Err: err}
	}
	for _, op := range m.Ops {
		if err := op.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return &MigrationError{Version: m.Version, Name: m.Name, Step: op.Describe(), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Step: "commit", Err: err}
	}
	return nil
}
