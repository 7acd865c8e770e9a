package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

var (
	servicePhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deckhand_service_phase",
		Help: "Current phase per service (1 for the active phase, 0 otherwise)",
	}, []string{"service", "phase"})

	runState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deckhand_run_state",
		Help: "Current deployment run state (1 for the active state)",
	}, []string{"state"})

	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deckhand_run_outcomes_total",
		Help: "Terminal deployment outcomes by classification",
	}, []string{"outcome"})
)

var allPhases = []model.PhaseState{
	model.PhasePending, model.PhaseRunning, model.PhaseHealthy,
	model.PhaseDegraded, model.PhaseFailed,
}

var allRunStates = []model.RunState{
	model.StatePending, model.StateValidating, model.StateProvisioningTLS,
	model.StateStartingDependencies, model.StateStartingApp,
	model.StateMigrating, model.StateStartingProxy, model.StateVerifying,
	model.StateDone, model.StateFailed, model.StateRollingBack,
	model.StateRolledBack,
}

func recordPhase(service string, st model.PhaseState) {
	for _, p := range allPhases {
		v := 0.0
		if p == st {
			v = 1
		}
		servicePhase.WithLabelValues(service, string(p)).Set(v)
	}
}

func recordRunState(st model.RunState) {
	for _, s := range allRunStates {
		v := 0.0
		if s == st {
			v = 1
		}
		runState.WithLabelValues(string(s)).Set(v)
	}
}

func recordOutcome(o model.Outcome) {
	runOutcomes.WithLabelValues(string(o)).Inc()
}
