package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deckhand-ops/deckhand/internal/servicegraph"
)

func TestExecRunnerRunsAction(t *testing.T) {
	r := NewExecRunner(zaptest.NewLogger(t))
	err := r.Run(context.Background(), servicegraph.ActionSpec{Command: "true"})
	assert.NoError(t, err)
}

func TestExecRunnerWithoutLogger(t *testing.T) {
	// A zero-value runner must still be safe to use.
	r := &ExecRunner{}
	err := r.Run(context.Background(), servicegraph.ActionSpec{Command: "true"})
	assert.NoError(t, err)
}

func TestExecRunnerReportsFailureOutput(t *testing.T) {
	r := NewExecRunner(zaptest.NewLogger(t))
	err := r.Run(context.Background(), servicegraph.ActionSpec{
		Command: "sh", Args: []string{"-c", "echo broken pipe >&2; exit 7"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestExecRunnerEmptyCommandIsNoop(t *testing.T) {
	r := &ExecRunner{}
	assert.NoError(t, r.Run(context.Background(), servicegraph.ActionSpec{}))
}
