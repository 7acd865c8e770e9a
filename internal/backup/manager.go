// Package backup captures and restores point-in-time snapshots of the
// persistent store and active configuration. Snapshots guard the risky
// phases (certificate install, schema migration); restore is all-or-nothing.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

var bucketSnapshots = []byte("snapshots")

// Dumper moves persistent-store state in and out of a stream. The Postgres
// implementation shells out to pg_dump/psql; tests inject a fake.
type Dumper interface {
	Dump(ctx context.Context, w io.Writer) error
	Restore(ctx context.Context, r io.Reader) error
}

// RollbackError means the last line of defense failed: the dump could not be
// fully replayed and the system is left in its pre-restore state.
type RollbackError struct {
	SnapshotID string
	Err        error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback from snapshot %s failed: %v", e.SnapshotID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Manager owns the snapshot directory and its bbolt index.
type Manager struct {
	dir        string
	retention  time.Duration
	db         *bolt.DB
	dumper     Dumper
	configPath string
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func New(dir string, retention time.Duration, db *bolt.DB, dumper Dumper, configPath string, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to prepare snapshot index: %w", err)
	}
	m := &Manager{
		dir:        dir,
		retention:  retention,
		db:         db,
		dumper:     dumper,
		configPath: configPath,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Snapshot captures the datastore dump and a copy of the active
// configuration into a timestamp-named directory. A dump failure (datastore
// down) is tolerated: the snapshot then carries configuration only, which is
// still worth restoring after a failed first deploy.
func (m *Manager) Snapshot(ctx context.Context, label string) (*model.BackupSnapshot, error) {
	now := m.now().UTC()
	snap := &model.BackupSnapshot{
		ID:        uuid.NewString(),
		Label:     label,
		CreatedAt: now,
	}
	snap.Dir = filepath.Join(m.dir, fmt.Sprintf("%s-%s", now.Format("20060102T150405"), label))

	if err := os.MkdirAll(snap.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	dumpPath := filepath.Join(snap.Dir, "datastore.sql")
	if err := m.writeDump(ctx, dumpPath); err != nil {
		m.logger.Warn("datastore dump failed, keeping configuration-only snapshot",
			zap.String("label", label),
			zap.Error(err))
		_ = os.Remove(dumpPath)
	} else {
		snap.DumpPath = dumpPath
		snap.HasDump = true
	}

	if m.configPath != "" {
		dst := filepath.Join(snap.Dir, filepath.Base(m.configPath))
		if err := copyFile(m.configPath, dst); err != nil {
			return nil, fmt.Errorf("failed to capture configuration: %w", err)
		}
		snap.ConfigPath = dst
	}

	if err := m.index(snap); err != nil {
		return nil, err
	}
	m.logger.Info("snapshot created",
		zap.String("id", snap.ID),
		zap.String("label", label),
		zap.Bool("has_dump", snap.HasDump))
	return snap, nil
}

func (m *Manager) writeDump(ctx context.Context, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := m.dumper.Dump(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Restore replays the snapshot. All-or-nothing: a replay failure returns
// RollbackError and makes no further changes, leaving the system in its
// pre-restore state.
func (m *Manager) Restore(ctx context.Context, snap *model.BackupSnapshot) error {
	if snap.HasDump {
		f, err := os.Open(snap.DumpPath)
		if err != nil {
			return &RollbackError{SnapshotID: snap.ID, Err: err}
		}
		defer f.Close()
		if err := m.dumper.Restore(ctx, f); err != nil {
			return &RollbackError{SnapshotID: snap.ID, Err: err}
		}
	}
	if snap.ConfigPath != "" && m.configPath != "" {
		if err := copyFile(snap.ConfigPath, m.configPath); err != nil {
			return &RollbackError{SnapshotID: snap.ID, Err: err}
		}
	}
	m.logger.Info("snapshot restored", zap.String("id", snap.ID), zap.String("label", snap.Label))
	return nil
}

// Latest returns the most recent snapshot, or nil when none exists.
func (m *Manager) Latest() (*model.BackupSnapshot, error) {
	var snap *model.BackupSnapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		snap = &model.BackupSnapshot{}
		return json.Unmarshal(v, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns all indexed snapshots, oldest first.
func (m *Manager) List() ([]*model.BackupSnapshot, error) {
	var out []*model.BackupSnapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			s := &model.BackupSnapshot{}
			if err := json.Unmarshal(v, s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// Prune removes snapshots older than the retention window. The most recent
// snapshot is never pruned regardless of age.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	snaps, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	cutoff := m.now().Add(-m.retention)
	pruned := 0
	for i, s := range snaps {
		if i == len(snaps)-1 {
			break // newest always survives
		}
		if s.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.Dir); err != nil {
			return pruned, fmt.Errorf("failed to remove snapshot %s: %w", s.ID, err)
		}
		if err := m.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSnapshots).Delete(indexKey(s))
		}); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Info("snapshots pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}

func (m *Manager) index(snap *model.BackupSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(indexKey(snap), data)
	})
}

// indexKey orders snapshots chronologically in the bucket.
func indexKey(s *model.BackupSnapshot) []byte {
	return []byte(s.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + s.ID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
