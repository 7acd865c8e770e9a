package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deckhand-ops/deckhand/internal/backup"
	"github.com/deckhand-ops/deckhand/internal/bootstrap"
	"github.com/deckhand-ops/deckhand/internal/config"
	"github.com/deckhand-ops/deckhand/internal/healthgate"
	"github.com/deckhand-ops/deckhand/internal/servicegraph"
	"github.com/deckhand-ops/deckhand/internal/tlscert"
	"github.com/deckhand-ops/deckhand/pkg/model"
)

// --- fakes ---------------------------------------------------------------

type fakeIssuer struct{ calls int }

func (f *fakeIssuer) Issue(_ context.Context, domain string) ([]byte, []byte, error) {
	f.calls++
	return tlscert.SelfSigned(domain, time.Now(), 90*24*time.Hour)
}

type fakeResolver struct{ addrs []string }

func (f *fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	return f.addrs, nil
}

type fakeDumper struct {
	mu       sync.Mutex
	state    string
	dumpErr  error
	restored bool
}

// fakeDumper honors context cancellation the way the real tooling does:
// exec.CommandContext kills the child as soon as the context is done.
func (f *fakeDumper) Dump(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dumpErr != nil {
		return f.dumpErr
	}
	_, err := io.WriteString(w, f.state)
	return err
}

func (f *fakeDumper) Restore(ctx context.Context, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.state = string(data)
	f.restored = true
	return nil
}

type fakeRunner struct {
	mu      sync.Mutex
	ran     []string
	failFor map[string]error
}

func (r *fakeRunner) Run(_ context.Context, action servicegraph.ActionSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, action.Command)
	if err, ok := r.failFor[action.Command]; ok {
		return err
	}
	return nil
}

// scriptedProbe fails notReadyFor times, then reports healthy. A negative
// count means never ready.
type scriptedProbe struct {
	mu          sync.Mutex
	notReadyFor int
}

func (p *scriptedProbe) Check(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notReadyFor < 0 {
		return healthgate.ErrNotReady
	}
	if p.notReadyFor > 0 {
		p.notReadyFor--
		return healthgate.ErrNotReady
	}
	return nil
}

// --- harness -------------------------------------------------------------

type harness struct {
	orch   *Orchestrator
	store  *bootstrap.MemStore
	dumper *fakeDumper
	runner *fakeRunner
	issuer *fakeIssuer
	probes map[string]*scriptedProbe
	cfg    *config.Config
}

func newHarness(t *testing.T, dnsMatches bool) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	cfgPath := filepath.Join(dir, "deckhand.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("domain: chat.example.com\n"), 0o600))

	cfg := &config.Config{
		Environment: "development",
		Domain:      "chat.example.com",
		Datastore: config.DatastoreConfig{
			URL:      "postgres://app@localhost:5432/app?sslmode=disable",
			Password: "correct-horse-battery",
		},
		APIKey:        "sk-test-0123456789",
		SessionSecret: "0123456789abcdef0123456789abcdef",
		AppPort:       18080,
		ProxyPort:     18443,
		TLS:           config.TLSConfig{Dir: filepath.Join(dir, "tls"), RenewalWindow: 30 * 24 * time.Hour, Validity: 365 * 24 * time.Hour},
		Snapshots:     config.SnapshotConfig{Dir: filepath.Join(dir, "snapshots"), Retention: 24 * time.Hour},
		Health:        config.HealthConfig{BaseInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxAttempts: 3, Timeout: 5 * time.Second},
		JournalPath:   filepath.Join(dir, "journal.db"),
	}
	require.NoError(t, cfg.Validate())

	journal, err := OpenJournal(cfg.JournalPath)
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	dumper := &fakeDumper{state: "-- baseline dump"}
	backups, err := backup.New(cfg.Snapshots.Dir, cfg.Snapshots.Retention, journal.DB(), dumper, cfgPath, logger)
	require.NoError(t, err)

	resolver := &fakeResolver{addrs: []string{"198.51.100.7"}}
	if dnsMatches {
		resolver.addrs = []string{"203.0.113.10"}
	}
	issuer := &fakeIssuer{}
	certs := tlscert.New(cfg.TLS.Dir, issuer, resolver, "203.0.113.10", cfg.TLS.Validity, logger)

	graph, err := servicegraph.Default(cfg.AppPort, cfg.ProxyPort)
	require.NoError(t, err)

	probes := map[string]*scriptedProbe{
		"postgres": {},
		"redis":    {},
		"app":      {},
		"nginx":    {},
	}

	store := bootstrap.NewMemStore()
	runner := &fakeRunner{failFor: map[string]error{}}

	orch := New(Deps{
		Config:     cfg,
		Graph:      graph,
		Gate:       healthgate.New(logger),
		Certs:      certs,
		Store:      store,
		Backups:    backups,
		Journal:    journal,
		Runner:     runner,
		Migrations: bootstrap.Baseline(cfg.Domain, "admin", cfg.SessionSecret),
		Logger:     logger,
		ProbeFactory: func(spec servicegraph.ServiceSpec) healthgate.Probe {
			return probes[spec.Name]
		},
		MaxParallel: 2,
	})

	return &harness{orch: orch, store: store, dumper: dumper, runner: runner, issuer: issuer, probes: probes, cfg: cfg}
}

func states(out *model.DeploymentOutcome) []model.RunState {
	seen := []model.RunState{}
	for _, tr := range out.Transitions {
		seen = append(seen, tr.To)
	}
	return seen
}

// --- scenarios -----------------------------------------------------------

func TestDeployHappyPath(t *testing.T) {
	h := newHarness(t, true)

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeSuccess, out.Outcome)
	assert.Equal(t, []model.RunState{
		model.StateValidating,
		model.StateProvisioningTLS,
		model.StateStartingDependencies,
		model.StateStartingApp,
		model.StateMigrating,
		model.StateStartingProxy,
		model.StateVerifying,
		model.StateDone,
	}, states(out))

	status, err := h.orch.Status()
	require.NoError(t, err)
	require.NotNil(t, status.Certificate)
	assert.Equal(t, model.StrategyPrimary, status.Certificate.Strategy)
	for svc, st := range status.Phases {
		assert.Equal(t, model.PhaseHealthy, st, "service %s", svc)
	}
	require.NotNil(t, status.LastMigration)
	assert.NotEmpty(t, status.LastMigration.SchemaDigest)
}

func TestDeployDNSMismatchDegradesToFallback(t *testing.T) {
	h := newHarness(t, false)

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeSuccessWithFallback, out.Outcome)
	assert.Zero(t, h.issuer.calls, "primary issuance skipped on mismatch")

	status, err := h.orch.Status()
	require.NoError(t, err)
	require.NotNil(t, status.Certificate)
	assert.Equal(t, model.StrategyFallback, status.Certificate.Strategy)
}

func TestDeployDatastoreNeverReadyRollsBack(t *testing.T) {
	h := newHarness(t, true)
	h.probes["postgres"].notReadyFor = -1

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeRolledBack, out.Outcome)
	assert.Contains(t, out.FailedPhase, "postgres")
	assert.True(t, h.dumper.restored, "snapshot restored")

	for _, st := range states(out) {
		assert.NotEqual(t, model.StateStartingApp, st, "app phase must never be entered")
	}
	assert.Equal(t, model.StateRolledBack, states(out)[len(out.Transitions)-1])

	status, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, model.PhasePending, status.Phases["app"])
	assert.Equal(t, model.PhaseFailed, status.Phases["postgres"])
}

func TestDeployFailsWithoutSnapshot(t *testing.T) {
	h := newHarness(t, true)
	h.probes["postgres"].notReadyFor = -1
	// Break snapshotting entirely: config capture cannot succeed.
	h.dumper.dumpErr = errors.New("datastore down")
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(h.cfg.JournalPath), "deckhand.yaml")))

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeFailed, out.Outcome)
	assert.False(t, h.dumper.restored)
	assert.Equal(t, model.StateFailed, states(out)[len(out.Transitions)-1])
}

func TestDeployRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, true)

	first := h.orch.Deploy(context.Background())
	require.Equal(t, model.OutcomeSuccess, first.Outcome)
	firstStatus, err := h.orch.Status()
	require.NoError(t, err)
	firstUsers := h.store.RowCount("users")

	second := h.orch.Deploy(context.Background())
	require.Equal(t, model.OutcomeSuccess, second.Outcome)
	secondStatus, err := h.orch.Status()
	require.NoError(t, err)

	assert.Equal(t, firstStatus.LastMigration.SchemaDigest, secondStatus.LastMigration.SchemaDigest)
	assert.Equal(t, firstUsers, h.store.RowCount("users"))
	assert.NotEqual(t, first.RunID, second.RunID, "rerun is a fresh run")
}

func TestDeployMigrationErrorRollsBackAndStatusShowsPreFailurePhases(t *testing.T) {
	h := newHarness(t, true)
	h.store.FailOn = "ensure_table:messages"

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeRolledBack, out.Outcome)
	assert.Equal(t, "migrating", out.FailedPhase)

	// The journaled error string names the failing step.
	assert.Contains(t, out.Error, "ensure_table:messages")

	// Services started before the failure keep their pre-failure phases.
	status, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, model.PhaseHealthy, status.Phases["postgres"])
	assert.Equal(t, model.PhaseHealthy, status.Phases["redis"])
	assert.Equal(t, model.PhaseHealthy, status.Phases["app"])
	assert.Equal(t, model.PhasePending, status.Phases["nginx"])
	assert.True(t, h.dumper.restored)
}

func TestManualRollbackRestoresLatestSnapshot(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.orch.Backup(context.Background(), "manual")
	require.NoError(t, err)

	h.dumper.state = "-- mutated after backup"
	snap, err := h.orch.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manual", snap.Label)
	assert.Equal(t, "-- baseline dump", h.dumper.state)
}

func TestManualRollbackWithoutSnapshot(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.orch.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDeployValidationFailureNeverStartsServices(t *testing.T) {
	h := newHarness(t, true)
	h.cfg.SessionSecret = "short"

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeFailed, out.Outcome)
	assert.Equal(t, "validating", out.FailedPhase)
	assert.Empty(t, h.runner.ran, "no start action may run on validation failure")
	assert.False(t, h.dumper.restored, "nothing mutated, nothing to roll back")
}

func TestDeployCancellationReturnsPromptly(t *testing.T) {
	h := newHarness(t, true)
	h.probes["postgres"].notReadyFor = -1
	h.cfg.Health.BaseInterval = time.Hour
	h.cfg.Health.MaxInterval = time.Hour
	h.cfg.Health.Timeout = 2 * time.Hour
	h.cfg.Health.MaxAttempts = 100

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *model.DeploymentOutcome, 1)
	go func() { done <- h.orch.Deploy(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		// Cancellation is a fatal phase failure; the restore still runs to
		// completion on its own context.
		assert.Equal(t, model.OutcomeRolledBack, out.Outcome)
		assert.True(t, h.dumper.restored, "rollback must finish despite the cancelled run context")
		for _, st := range states(out) {
			assert.NotEqual(t, model.StateStartingApp, st)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deploy did not return promptly after cancellation")
	}
}

func TestRenewCertificateHonorsWindow(t *testing.T) {
	h := newHarness(t, true)
	out := h.orch.Deploy(context.Background())
	require.Equal(t, model.OutcomeSuccess, out.Outcome)

	rec, renewed, err := h.orch.RenewCertificate(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, renewed, "fresh certificate is outside the renewal window")
	require.NotNil(t, rec)

	forced, renewed, err := h.orch.RenewCertificate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.NotEqual(t, rec.Fingerprint, forced.Fingerprint)
}

func TestNonCriticalServiceDegradesInsteadOfFailing(t *testing.T) {
	h := newHarness(t, true)

	// Rebuild the graph with a non-critical cache.
	notCritical := false
	specs := []servicegraph.ServiceSpec{
		{Name: "postgres", Role: servicegraph.RoleDatastore, Probe: servicegraph.ProbeSpec{Type: "cmd", Target: "pg_isready"}},
		{Name: "redis", Role: servicegraph.RoleCache, Critical: &notCritical, Probe: servicegraph.ProbeSpec{Type: "tcp", Target: "127.0.0.1:6379"}},
		{Name: "app", Role: servicegraph.RoleApplication, DependsOn: []string{"postgres", "redis"}, Probe: servicegraph.ProbeSpec{Type: "http", Target: "http://127.0.0.1:18080/healthz"}},
		{Name: "nginx", Role: servicegraph.RoleProxy, DependsOn: []string{"app"}, Probe: servicegraph.ProbeSpec{Type: "tcp", Target: "127.0.0.1:18443"}},
	}
	graph, err := servicegraph.New(specs)
	require.NoError(t, err)
	h.orch.graph = graph
	h.probes["redis"].notReadyFor = -1

	out := h.orch.Deploy(context.Background())

	assert.Equal(t, model.OutcomeSuccessWithFallback, out.Outcome)
	status, err := h.orch.Status()
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDegraded, status.Phases["redis"])
	assert.Equal(t, model.PhaseHealthy, status.Phases["app"], "app still starts behind a degraded cache")
}
