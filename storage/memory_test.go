package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatsmith/threatsmith/analysis"
)

func TestJobStatusRanksAreMonotonic(t *testing.T) {
	assert.Less(t, StatusQueued.Rank(), StatusRunning.Rank())
	assert.Less(t, StatusRunning.Rank(), StatusCompleted.Rank())
	assert.Equal(t, StatusCompleted.Rank(), StatusFailed.Rank())
	assert.Equal(t, StatusFailed.Rank(), StatusCancelled.Rank())

	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestMemoryStoreJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	j := &AnalysisJob{ID: "j1", ProjectID: "p1", Status: StatusQueued, CreatedAt: time.Now()}
	require.NoError(t, s.CreateJob(ctx, j))
	assert.Error(t, s.CreateJob(ctx, j), "duplicate job IDs are rejected")

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	// Mutating the returned copy must not touch stored state.
	got.Status = StatusFailed
	again, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, again.Status)

	j.Status = StatusRunning
	require.NoError(t, s.UpdateJob(ctx, j))
	updated, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)

	_, err = s.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMemoryStoreActiveSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AcquireActive(ctx, "p1", "j1"))
	assert.ErrorIs(t, s.AcquireActive(ctx, "p1", "j2"), ErrActiveJobExists)

	held, err := s.ActiveJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "j1", held)

	// Releasing with the wrong holder is a no-op.
	require.NoError(t, s.ReleaseActive(ctx, "p1", "j2"))
	_, err = s.ActiveJob(ctx, "p1")
	assert.NoError(t, err)

	require.NoError(t, s.ReleaseActive(ctx, "p1", "j1"))
	_, err = s.ActiveJob(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Releasing a free slot is not an error.
	assert.NoError(t, s.ReleaseActive(ctx, "p1", "j1"))

	// Different projects have independent slots.
	require.NoError(t, s.AcquireActive(ctx, "p2", "j9"))
}

func TestMemoryStoreStageOutputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutStageOutput(ctx, &StageOutput{JobID: "j1", Stage: "system-analyst", Attempts: 1}))
	require.NoError(t, s.PutStageOutput(ctx, &StageOutput{JobID: "j1", Stage: "attack-mapper", Attempts: 2}))
	require.NoError(t, s.PutStageOutput(ctx, &StageOutput{JobID: "j2", Stage: "system-analyst", Attempts: 1}))

	outs, err := s.ListStageOutputs(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "system-analyst", outs[0].Stage)
	assert.Equal(t, "attack-mapper", outs[1].Stage)

	// Re-writing a stage replaces it in place.
	require.NoError(t, s.PutStageOutput(ctx, &StageOutput{JobID: "j1", Stage: "system-analyst", Attempts: 3}))
	outs, err = s.ListStageOutputs(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, 3, outs[0].Attempts)

	empty, err := s.ListStageOutputs(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetResult(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutResult(ctx, "p1", &analysis.ThreatModelResult{OverallRiskScore: 7.5}))
	res, err := s.GetResult(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 7.5, res.OverallRiskScore)

	// A newer result replaces the old one.
	require.NoError(t, s.PutResult(ctx, "p1", &analysis.ThreatModelResult{OverallRiskScore: 2.0}))
	res, err = s.GetResult(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.OverallRiskScore)
}

func TestMemoryStoreInputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetInput(ctx, "p1", "arch")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutInput(ctx, &ProjectInput{ID: "arch", ProjectID: "p1", Text: "a system"}))
	in, err := s.GetInput(ctx, "p1", "arch")
	require.NoError(t, err)
	assert.Equal(t, "a system", in.Text)

	// Same input ID under another project is distinct.
	_, err = s.GetInput(ctx, "p2", "arch")
	assert.ErrorIs(t, err, ErrNotFound)
}
