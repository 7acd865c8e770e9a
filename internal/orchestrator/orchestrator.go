// Package orchestrator drives the deployment phase state machine: validate,
// provision TLS, start services in dependency order behind health gates,
// bootstrap the schema, and either finish or roll back to the last snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deckhand-ops/deckhand/internal/backup"
	"github.com/deckhand-ops/deckhand/internal/bootstrap"
	"github.com/deckhand-ops/deckhand/internal/config"
	"github.com/deckhand-ops/deckhand/internal/healthgate"
	"github.com/deckhand-ops/deckhand/internal/servicegraph"
	"github.com/deckhand-ops/deckhand/internal/tlscert"
	"github.com/deckhand-ops/deckhand/pkg/model"
)

// ErrHealthCheckTimedOut surfaces a health gate that exhausted its bounded
// retries. Whether it is fatal depends on the owning service's criticality.
var ErrHealthCheckTimedOut = errors.New("health check timed out")

// ErrNoSnapshot means rollback was requested but nothing can be restored.
var ErrNoSnapshot = errors.New("no snapshot available")

// Deps wires the orchestrator's collaborators. Tests inject fakes through
// the interfaces (Runner, bootstrap.Store, backup.Dumper, ProbeFactory).
type Deps struct {
	Config     *config.Config
	Graph      *servicegraph.Graph
	Gate       *healthgate.Gate
	Certs      *tlscert.Provisioner
	Store      bootstrap.Store
	Backups    *backup.Manager
	Journal    *Journal
	Runner     Runner
	Migrations []bootstrap.Migration
	Logger     *zap.Logger

	// ProbeFactory overrides readiness probe construction. Nil means the
	// probe specs build the real HTTP/TCP/SQL/command probes.
	ProbeFactory func(servicegraph.ServiceSpec) healthgate.Probe

	// MaxParallel bounds how many independent services start concurrently.
	MaxParallel int

	Clock func() time.Time
}

// Orchestrator owns the run state machine. Phase state is owned exclusively
// here; components report discriminated outcomes and this is the only place
// that decides fatal versus degradable.
type Orchestrator struct {
	cfg        *config.Config
	graph      *servicegraph.Graph
	gate       *healthgate.Gate
	certs      *tlscert.Provisioner
	store      bootstrap.Store
	backups    *backup.Manager
	journal    *Journal
	runner     Runner
	migrations []bootstrap.Migration
	logger     *zap.Logger

	probeFactory func(servicegraph.ServiceSpec) healthgate.Probe
	maxParallel  int
	now          func() time.Time

	mu        sync.Mutex
	completed map[string]bool
	started   map[string]bool
	degraded  bool
}

func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:          deps.Config,
		graph:        deps.Graph,
		gate:         deps.Gate,
		certs:        deps.Certs,
		store:        deps.Store,
		backups:      deps.Backups,
		journal:      deps.Journal,
		runner:       deps.Runner,
		migrations:   deps.Migrations,
		logger:       deps.Logger,
		probeFactory: deps.ProbeFactory,
		maxParallel:  deps.MaxParallel,
		now:          deps.Clock,
	}
	if o.maxParallel <= 0 {
		o.maxParallel = 4
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Deploy runs the full phase sequence and returns the terminal outcome.
// Every run starts fresh: phases reset, state machine at pending, nothing
// trusted from a previous run.
func (o *Orchestrator) Deploy(ctx context.Context) *model.DeploymentOutcome {
	out := &model.DeploymentOutcome{RunID: uuid.NewString(), StartedAt: o.now()}
	m := o.newMachine(out)

	o.mu.Lock()
	o.completed = map[string]bool{}
	o.started = map[string]bool{}
	o.degraded = false
	o.mu.Unlock()

	plan := o.graph.Plan()
	names := make([]string, len(plan))
	for i, s := range plan {
		names[i] = s.Name
	}
	if err := o.journal.ResetPhases(names); err != nil {
		o.logger.Error("failed to reset journal phases", zap.Error(err))
	}
	for _, n := range names {
		recordPhase(n, model.PhasePending)
	}

	fire := func(ev string) {
		if err := m.Event(ctx, ev); err != nil {
			o.logger.Error("state machine rejected event",
				zap.String("event", ev),
				zap.String("state", m.Current()),
				zap.Error(err))
		}
	}

	// Validation is a pure gate: fatal, and nothing has mutated yet, so a
	// failure here never triggers rollback.
	fire(evValidate)
	if err := o.cfg.Validate(); err != nil {
		return o.finishFailed(ctx, fire, out, "validating", err, nil)
	}

	// Snapshot before TLS or migrations touch shared state.
	snap, err := o.backups.Snapshot(ctx, "pre-deploy")
	if err != nil {
		o.logger.Error("snapshot failed; run continues without rollback cover", zap.Error(err))
		snap = nil
	}

	// TLS provisioning is degradable: the fallback chain means failure
	// lowers the outcome, never blocks the run.
	fire(evProvisionTLS)
	if rec, err := o.certs.Provision(ctx, o.cfg.Domain); err != nil {
		o.logger.Error("certificate provisioning failed, continuing degraded", zap.Error(err))
		o.setDegraded()
	} else {
		if err := o.journal.SaveCertificate(rec); err != nil {
			o.logger.Error("failed to journal certificate", zap.Error(err))
		}
		if rec.Strategy == model.StrategyFallback {
			o.setDegraded()
		}
	}

	depSet, appSpec, proxySpec := o.partition(plan)

	fire(evStartDependencies)
	if svc, err := o.startSet(ctx, depSet); err != nil {
		return o.finishFailed(ctx, fire, out, "starting_dependencies:"+svc, err, snap)
	}

	fire(evStartApp)
	if appSpec != nil {
		if svc, err := o.startSet(ctx, []servicegraph.ServiceSpec{*appSpec}); err != nil {
			return o.finishFailed(ctx, fire, out, "starting_app:"+svc, err, snap)
		}
	}

	fire(evMigrate)
	boot := bootstrap.New(o.store, o.logger)
	rec, err := boot.Apply(ctx, o.migrations)
	if err != nil {
		return o.finishFailed(ctx, fire, out, "migrating", err, snap)
	}
	if err := o.journal.SaveMigration(rec); err != nil {
		o.logger.Error("failed to journal migration record", zap.Error(err))
	}

	fire(evStartProxy)
	if proxySpec != nil {
		if svc, err := o.startSet(ctx, []servicegraph.ServiceSpec{*proxySpec}); err != nil {
			return o.finishFailed(ctx, fire, out, "starting_proxy:"+svc, err, snap)
		}
	}

	fire(evVerify)
	if svc, err := o.verify(ctx, plan); err != nil {
		return o.finishFailed(ctx, fire, out, "verifying:"+svc, err, snap)
	}

	fire(evFinish)
	out.FinishedAt = o.now()
	out.Outcome = model.OutcomeSuccess
	if o.isDegraded() {
		out.Outcome = model.OutcomeSuccessWithFallback
	}
	recordOutcome(out.Outcome)
	if err := o.journal.SaveOutcome(out); err != nil {
		o.logger.Error("failed to journal outcome", zap.Error(err))
	}
	if _, err := o.backups.Prune(ctx); err != nil {
		o.logger.Warn("snapshot pruning failed", zap.Error(err))
	}

	o.logger.Info("deployment finished", zap.String("outcome", string(out.Outcome)))
	return out
}

// finishFailed settles a fatal phase failure: fail, then roll back when this
// run took a snapshot.
func (o *Orchestrator) finishFailed(ctx context.Context, fire func(string), out *model.DeploymentOutcome, phase string, cause error, snap *model.BackupSnapshot) *model.DeploymentOutcome {
	o.logger.Error("deployment phase failed",
		zap.String("phase", phase),
		zap.Error(cause))

	fire(evFail)
	out.FailedPhase = phase
	out.Error = cause.Error()
	out.Outcome = model.OutcomeFailed

	if snap != nil {
		fire(evRollBack)
		// The restore must finish even when the run context was cancelled
		// (SIGINT mid-deploy); it only gets its own deadline.
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
		defer cancel()
		if rerr := o.backups.Restore(restoreCtx, snap); rerr != nil {
			// The last line of defense failed; report it loudly.
			fire(evRollbackFailed)
			o.logger.Error("ROLLBACK FAILED, system left in post-failure state",
				zap.String("snapshot", snap.ID),
				zap.Error(rerr))
			out.Error = fmt.Sprintf("%s; rollback failed: %v", out.Error, rerr)
		} else {
			fire(evRollbackDone)
			out.Outcome = model.OutcomeRolledBack
			o.logger.Info("system restored to prior snapshot",
				zap.String("snapshot", snap.ID),
				zap.String("label", snap.Label))
		}
	}

	out.FinishedAt = o.now()
	recordOutcome(out.Outcome)
	if err := o.journal.SaveOutcome(out); err != nil {
		o.logger.Error("failed to journal outcome", zap.Error(err))
	}
	return out
}

// partition splits the plan into the dependency set and the application and
// proxy services, which get their own phases.
func (o *Orchestrator) partition(plan []servicegraph.ServiceSpec) (deps []servicegraph.ServiceSpec, app, proxy *servicegraph.ServiceSpec) {
	for i := range plan {
		s := plan[i]
		switch s.Role {
		case servicegraph.RoleApplication:
			app = &s
		case servicegraph.RoleProxy:
			proxy = &s
		default:
			deps = append(deps, s)
		}
	}
	return deps, app, proxy
}

type workResult struct {
	name     string
	critical bool
	result   healthgate.Result
	err      error
}

// startSet starts the given services, independent ones concurrently, each
// gated on its readiness probe. It returns the first fatally failing service
// name and error. Degradable failures mark the service DEGRADED and continue.
func (o *Orchestrator) startSet(ctx context.Context, set []servicegraph.ServiceSpec) (string, error) {
	if len(set) == 0 {
		return "", nil
	}
	want := make(map[string]bool, len(set))
	for _, s := range set {
		want[s.Name] = true
	}

	// Services outside this phase's set are presented as already started so
	// NextReady skips over them.
	skip := map[string]bool{}
	for _, s := range o.graph.Plan() {
		if !want[s.Name] {
			skip[s.Name] = true
		}
	}
	o.mu.Lock()
	for n := range o.started {
		skip[n] = true
	}
	completed := make(map[string]bool, len(o.completed))
	for n := range o.completed {
		completed[n] = true
	}
	o.mu.Unlock()

	results := make(chan workResult, len(set))
	inflight := 0
	remaining := len(set)

	for remaining > 0 {
		for inflight < o.maxParallel {
			spec, ok := o.graph.NextReady(completed, skip)
			if !ok {
				break
			}
			skip[spec.Name] = true
			o.mu.Lock()
			o.started[spec.Name] = true
			o.mu.Unlock()
			o.setPhase(spec.Name, model.PhaseRunning)
			inflight++
			go o.startOne(ctx, spec, results)
		}

		if inflight == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("no startable service among %d remaining", remaining)
		}

		r := <-results
		inflight--
		remaining--

		switch {
		case r.err != nil:
			o.setPhase(r.name, model.PhaseFailed)
			if r.critical {
				return r.name, r.err
			}
			o.logger.Warn("non-critical service failed to start, continuing degraded",
				zap.String("service", r.name), zap.Error(r.err))
			o.setPhase(r.name, model.PhaseDegraded)
			o.setDegraded()
			completed[r.name] = true
			o.markCompleted(r.name)
		case r.result == healthgate.Healthy:
			o.setPhase(r.name, model.PhaseHealthy)
			completed[r.name] = true
			o.markCompleted(r.name)
		case r.result == healthgate.Cancelled:
			o.setPhase(r.name, model.PhaseFailed)
			return r.name, context.Canceled
		default: // timed out
			if r.critical {
				o.setPhase(r.name, model.PhaseFailed)
				return r.name, ErrHealthCheckTimedOut
			}
			o.logger.Warn("non-critical service unhealthy, continuing degraded",
				zap.String("service", r.name))
			o.setPhase(r.name, model.PhaseDegraded)
			o.setDegraded()
			completed[r.name] = true
			o.markCompleted(r.name)
		}
	}
	return "", nil
}

func (o *Orchestrator) startOne(ctx context.Context, spec servicegraph.ServiceSpec, results chan<- workResult) {
	if err := o.runner.Run(ctx, spec.Start); err != nil {
		results <- workResult{name: spec.Name, critical: spec.IsCritical(), err: err}
		return
	}
	res, _ := o.gate.Await(ctx, spec.Name, o.probe(spec), o.gateOpts())
	results <- workResult{name: spec.Name, critical: spec.IsCritical(), result: res}
}

// verify is the final health sweep: every completed service must still
// answer its probe, with a short bounded schedule.
func (o *Orchestrator) verify(ctx context.Context, plan []servicegraph.ServiceSpec) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)

	var mu sync.Mutex
	var failedService string

	for i := range plan {
		spec := plan[i]
		o.mu.Lock()
		done := o.completed[spec.Name]
		o.mu.Unlock()
		if !done {
			continue
		}
		g.Go(func() error {
			opts := o.gateOpts()
			opts.MaxAttempts = 3
			res, _ := o.gate.Await(gctx, spec.Name, o.probe(spec), opts)
			if res == healthgate.Healthy {
				return nil
			}
			if spec.IsCritical() {
				mu.Lock()
				if failedService == "" {
					failedService = spec.Name
				}
				mu.Unlock()
				return fmt.Errorf("%s: %w", spec.Name, ErrHealthCheckTimedOut)
			}
			o.setPhase(spec.Name, model.PhaseDegraded)
			o.setDegraded()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failedService, err
	}
	return "", nil
}

func (o *Orchestrator) probe(spec servicegraph.ServiceSpec) healthgate.Probe {
	if o.probeFactory != nil {
		return o.probeFactory(spec)
	}
	switch spec.Probe.Type {
	case "http":
		return &healthgate.HTTPProbe{URL: spec.Probe.Target}
	case "tcp":
		return &healthgate.TCPProbe{Addr: spec.Probe.Target}
	case "sql":
		dsn := spec.Probe.Target
		if dsn == "" {
			dsn = o.cfg.Datastore.URL
		}
		return &healthgate.SQLProbe{DSN: dsn}
	case "cmd":
		return &healthgate.CmdProbe{Command: spec.Probe.Target, Args: spec.Probe.Args}
	default:
		return healthgate.ProbeFunc(func(context.Context) error {
			return fmt.Errorf("unknown probe type %q", spec.Probe.Type)
		})
	}
}

func (o *Orchestrator) gateOpts() healthgate.Options {
	return healthgate.Options{
		BaseInterval: o.cfg.Health.BaseInterval,
		MaxInterval:  o.cfg.Health.MaxInterval,
		MaxAttempts:  o.cfg.Health.MaxAttempts,
		Timeout:      o.cfg.Health.Timeout,
	}
}

func (o *Orchestrator) setPhase(service string, st model.PhaseState) {
	if err := o.journal.SetPhase(service, st); err != nil {
		o.logger.Error("failed to journal phase",
			zap.String("service", service), zap.Error(err))
	}
	recordPhase(service, st)
}

func (o *Orchestrator) markCompleted(name string) {
	o.mu.Lock()
	o.completed[name] = true
	o.mu.Unlock()
}

func (o *Orchestrator) setDegraded() {
	o.mu.Lock()
	o.degraded = true
	o.mu.Unlock()
}

func (o *Orchestrator) isDegraded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded
}
