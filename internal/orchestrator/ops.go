package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

// StatusReport is what `status` presents: per-service phase state and the
// durable records from the last run.
type StatusReport struct {
	Phases         map[string]model.PhaseState `json:"phases"`
	LastOutcome    *model.DeploymentOutcome    `json:"last_outcome,omitempty"`
	Certificate    *model.CertificateRecord    `json:"certificate,omitempty"`
	LatestSnapshot *model.BackupSnapshot       `json:"latest_snapshot,omitempty"`
	LastMigration  *model.MigrationRecord      `json:"last_migration,omitempty"`
}

// Status reads the journal. A host that has never been deployed reports an
// empty run rather than an error, so automation can call it first.
func (o *Orchestrator) Status() (*StatusReport, error) {
	phases, err := o.journal.Phases()
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{Phases: phases}

	if rep.LastOutcome, err = o.journal.LatestOutcome(); err != nil {
		return nil, err
	}
	if rep.Certificate, err = o.journal.Certificate(o.cfg.Domain); err != nil {
		return nil, err
	}
	if rep.LatestSnapshot, err = o.backups.Latest(); err != nil {
		return nil, err
	}
	if rep.LastMigration, err = o.journal.LatestMigration(); err != nil {
		return nil, err
	}
	return rep, nil
}

// Rollback restores the most recent snapshot. It is the only recovery action
// the orchestrator performs; failed phases are never retried in place.
func (o *Orchestrator) Rollback(ctx context.Context) (*model.BackupSnapshot, error) {
	snap, err := o.backups.Latest()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	if err := o.backups.Restore(ctx, snap); err != nil {
		return snap, err
	}
	o.logger.Info("manual rollback complete",
		zap.String("snapshot", snap.ID),
		zap.String("label", snap.Label))
	return snap, nil
}

// Backup takes a manual snapshot and applies the retention policy.
func (o *Orchestrator) Backup(ctx context.Context, label string) (*model.BackupSnapshot, error) {
	snap, err := o.backups.Snapshot(ctx, label)
	if err != nil {
		return nil, err
	}
	if _, err := o.backups.Prune(ctx); err != nil {
		o.logger.Warn("snapshot pruning failed", zap.Error(err))
	}
	return snap, nil
}

// RenewCertificate re-provisions the domain's certificate when its expiry is
// inside the renewal window, or unconditionally when forced. The install is
// atomic, so the proxy never sees a half-written pair.
func (o *Orchestrator) RenewCertificate(ctx context.Context, force bool) (*model.CertificateRecord, bool, error) {
	current, err := o.journal.Certificate(o.cfg.Domain)
	if err != nil {
		return nil, false, err
	}
	if !force && current != nil && !o.certs.NeedsRenewal(current, o.cfg.TLS.RenewalWindow) {
		return current, false, nil
	}

	rec, err := o.certs.Provision(ctx, o.cfg.Domain)
	if err != nil {
		return nil, false, err
	}
	if err := o.journal.SaveCertificate(rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}
