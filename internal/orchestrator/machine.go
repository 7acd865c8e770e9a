package orchestrator

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

// Events of the run state machine.
const (
	evValidate          = "validate"
	evProvisionTLS      = "provision_tls"
	evStartDependencies = "start_dependencies"
	evStartApp          = "start_app"
	evMigrate           = "migrate"
	evStartProxy        = "start_proxy"
	evVerify            = "verify"
	evFinish            = "finish"
	evFail              = "fail"
	evRollBack          = "roll_back"
	evRollbackDone      = "rollback_done"
	evRollbackFailed    = "rollback_failed"
)

// nonTerminal lists every state a failure can strike from.
var nonTerminal = []string{
	string(model.StatePending),
	string(model.StateValidating),
	string(model.StateProvisioningTLS),
	string(model.StateStartingDependencies),
	string(model.StateStartingApp),
	string(model.StateMigrating),
	string(model.StateStartingProxy),
	string(model.StateVerifying),
}

// newMachine builds a fresh state machine for one run. Transitions are
// recorded onto the run's outcome as they happen; a rerun always starts from
// pending rather than trusting a previous machine.
func (o *Orchestrator) newMachine(out *model.DeploymentOutcome) *fsm.FSM {
	return fsm.NewFSM(
		string(model.StatePending),
		fsm.Events{
			{Name: evValidate, Src: []string{string(model.StatePending)}, Dst: string(model.StateValidating)},
			{Name: evProvisionTLS, Src: []string{string(model.StateValidating)}, Dst: string(model.StateProvisioningTLS)},
			{Name: evStartDependencies, Src: []string{string(model.StateProvisioningTLS)}, Dst: string(model.StateStartingDependencies)},
			{Name: evStartApp, Src: []string{string(model.StateStartingDependencies)}, Dst: string(model.StateStartingApp)},
			{Name: evMigrate, Src: []string{string(model.StateStartingApp)}, Dst: string(model.StateMigrating)},
			{Name: evStartProxy, Src: []string{string(model.StateMigrating)}, Dst: string(model.StateStartingProxy)},
			{Name: evVerify, Src: []string{string(model.StateStartingProxy)}, Dst: string(model.StateVerifying)},
			{Name: evFinish, Src: []string{string(model.StateVerifying)}, Dst: string(model.StateDone)},
			{Name: evFail, Src: nonTerminal, Dst: string(model.StateFailed)},
			{Name: evRollBack, Src: []string{string(model.StateFailed)}, Dst: string(model.StateRollingBack)},
			{Name: evRollbackDone, Src: []string{string(model.StateRollingBack)}, Dst: string(model.StateRolledBack)},
			{Name: evRollbackFailed, Src: []string{string(model.StateRollingBack)}, Dst: string(model.StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				tr := model.Transition{
					From:  model.RunState(e.Src),
					To:    model.RunState(e.Dst),
					Event: e.Event,
					At:    o.now(),
				}
				out.Transitions = append(out.Transitions, tr)
				recordRunState(model.RunState(e.Dst))
				o.logger.Info("deployment state",
					zap.String("from", e.Src),
					zap.String("to", e.Dst),
					zap.String("event", e.Event))
			},
		},
	)
}
