package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

var (
	bucketPhases     = []byte("phases")
	bucketOutcomes   = []byte("outcomes")
	bucketCerts      = []byte("certificates")
	bucketMigrations = []byte("migrations")
)

// Journal is the durable record of deployment state: per-service phases,
// run outcomes, certificate and migration records. `status` reads it,
// every phase transition writes it.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (creating if needed) the journal database.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPhases, bucketOutcomes, bucketCerts, bucketMigrations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// DB exposes the underlying database so the snapshot index can share it.
func (j *Journal) DB() *bolt.DB { return j.db }

func (j *Journal) Close() error { return j.db.Close() }

// ResetPhases marks every service PENDING at the start of a run. A rerun
// never trusts phase state from a previous run. The bucket is dropped and
// recreated; mutating under ForEach is outside bbolt's contract.
func (j *Journal) ResetPhases(services []string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPhases); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketPhases)
		if err != nil {
			return err
		}
		for _, s := range services {
			if err := b.Put([]byte(s), []byte(model.PhasePending)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *Journal) SetPhase(service string, st model.PhaseState) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPhases).Put([]byte(service), []byte(st))
	})
}

func (j *Journal) Phases() (map[string]model.PhaseState, error) {
	out := map[string]model.PhaseState{}
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPhases).ForEach(func(k, v []byte) error {
			out[string(k)] = model.PhaseState(v)
			return nil
		})
	})
	return out, err
}

func (j *Journal) SaveOutcome(o *model.DeploymentOutcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	key := []byte(o.StartedAt.UTC().Format(time.RFC3339Nano) + "/" + o.RunID)
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).Put(key, data)
	})
}

// LatestOutcome returns the most recent run's outcome, or nil when the host
// has never been deployed.
func (j *Journal) LatestOutcome() (*model.DeploymentOutcome, error) {
	var out *model.DeploymentOutcome
	err := j.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketOutcomes).Cursor().Last()
		if v == nil {
			return nil
		}
		out = &model.DeploymentOutcome{}
		return json.Unmarshal(v, out)
	})
	return out, err
}

func (j *Journal) SaveCertificate(rec *model.CertificateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCerts).Put([]byte(rec.Domain), data)
	})
}

func (j *Journal) Certificate(domain string) (*model.CertificateRecord, error) {
	var rec *model.CertificateRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCerts).Get([]byte(domain))
		if v == nil {
			return nil
		}
		rec = &model.CertificateRecord{}
		return json.Unmarshal(v, rec)
	})
	return rec, err
}

func (j *Journal) SaveMigration(rec *model.MigrationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte(rec.AppliedAt.UTC().Format(time.RFC3339Nano))
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Put(key, data)
	})
}

func (j *Journal) LatestMigration() (*model.MigrationRecord, error) {
	var rec *model.MigrationRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketMigrations).Cursor().Last()
		if v == nil {
			return nil
		}
		rec = &model.MigrationRecord{}
		return json.Unmarshal(v, rec)
	})
	return rec, err
}
