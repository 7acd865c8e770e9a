package model

// PhaseState tracks a single service (or phase) through a deployment run.
type PhaseState string

const (
	PhasePending  PhaseState = "PENDING"
	PhaseRunning  PhaseState = "RUNNING"
	PhaseHealthy  PhaseState = "HEALTHY"
	PhaseDegraded PhaseState = "DEGRADED"
	PhaseFailed   PhaseState = "FAILED"
)

// RunState is a state of the deployment state machine. Values are the FSM
// state names, so they appear verbatim in logs and the journal.
type RunState string

const (
	StatePending              RunState = "pending"
	StateValidating           RunState = "validating"
	StateProvisioningTLS      RunState = "provisioning_tls"
	StateStartingDependencies RunState = "starting_dependencies"
	StateStartingApp          RunState = "starting_app"
	StateMigrating            RunState = "migrating"
	StateStartingProxy        RunState = "starting_proxy"
	StateVerifying            RunState = "verifying"
	StateDone                 RunState = "done"
	StateFailed               RunState = "failed"
	StateRollingBack          RunState = "rolling_back"
	StateRolledBack           RunState = "rolled_back"
)

// Terminal reports whether the run can make no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateRolledBack:
		return true
	}
	return false
}
