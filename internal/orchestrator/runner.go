package orchestrator

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/internal/servicegraph"
)

// Runner executes service start/stop actions. The orchestrator treats the
// services themselves as opaque; it only runs their declared commands.
type Runner interface {
	Run(ctx context.Context, action servicegraph.ActionSpec) error
}

// ExecRunner runs actions as host commands.
type ExecRunner struct {
	Logger *zap.Logger
}

func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, action servicegraph.ActionSpec) error {
	if action.Command == "" {
		return nil
	}
	// Run is called concurrently; the nil guard must not write the field.
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, action.Command, action.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (output: %s)", action.Command, err, tail(out, 512))
	}
	logger.Debug("action completed",
		zap.String("command", action.Command),
		zap.Strings("args", action.Args))
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
