package model

import "time"

// Outcome is the terminal classification of a deployment run.
type Outcome string

const (
	OutcomeSuccess             Outcome = "SUCCESS"
	OutcomeSuccessWithFallback Outcome = "SUCCESS_WITH_FALLBACK"
	OutcomeFailed              Outcome = "FAILED"
	OutcomeRolledBack          Outcome = "ROLLED_BACK"
)

// Transition is one recorded edge of the run state machine.
type Transition struct {
	From  RunState  `json:"from"`
	To    RunState  `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// DeploymentOutcome is the terminal record of a run: the classification plus
// the ordered transitions that produced it. It is what `status` reports and
// what the scenario tests assert on.
type DeploymentOutcome struct {
	RunID       string       `json:"run_id"`
	Outcome     Outcome      `json:"outcome"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Transitions []Transition `json:"transitions"`
	FailedPhase string       `json:"failed_phase,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ExitCode maps the outcome to the process exit code contract: zero for any
// successful run, distinct non-zero codes so calling automation can branch.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeSuccess, OutcomeSuccessWithFallback:
		return 0
	case OutcomeRolledBack:
		return 4
	default:
		return 3
	}
}
