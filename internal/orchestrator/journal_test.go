package orchestrator

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-ops/deckhand/pkg/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestResetPhasesDropsStaleEntries(t *testing.T) {
	j := openTestJournal(t)

	// A graph from a previous run left many entries behind.
	stale := make([]string, 200)
	for i := range stale {
		stale[i] = fmt.Sprintf("svc-%03d", i)
	}
	require.NoError(t, j.ResetPhases(stale))
	require.NoError(t, j.SetPhase("svc-000", model.PhaseHealthy))

	require.NoError(t, j.ResetPhases([]string{"postgres", "app"}))

	phases, err := j.Phases()
	require.NoError(t, err)
	assert.Equal(t, map[string]model.PhaseState{
		"postgres": model.PhasePending,
		"app":      model.PhasePending,
	}, phases)
}

func TestLatestOutcomeRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	older := &model.DeploymentOutcome{
		RunID:     "run-1",
		Outcome:   model.OutcomeFailed,
		StartedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	newer := &model.DeploymentOutcome{
		RunID:     "run-2",
		Outcome:   model.OutcomeSuccess,
		StartedAt: time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, j.SaveOutcome(older))
	require.NoError(t, j.SaveOutcome(newer))

	got, err := j.LatestOutcome()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-2", got.RunID)
	assert.Equal(t, model.OutcomeSuccess, got.Outcome)
}

func TestLatestOutcomeEmptyJournal(t *testing.T) {
	j := openTestJournal(t)
	got, err := j.LatestOutcome()
	require.NoError(t, err)
	assert.Nil(t, got)
}
