package storage

import (
	"context"

	"github.com/threatsmith/threatsmith/analysis"
)

// Store is the persistence contract shared by the NATS-backed and
// in-memory implementations.
type Store interface {
	// CreateJob persists a new job record.
	CreateJob(ctx context.Context, j *AnalysisJob) error
	// GetJob retrieves a job by ID, ErrNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*AnalysisJob, error)
	// UpdateJob overwrites an existing job record.
	UpdateJob(ctx context.Context, j *AnalysisJob) error
	// ListJobs returns every stored job. Used by crash recovery.
	ListJobs(ctx context.Context) ([]*AnalysisJob, error)

	// AcquireActive atomically claims the single active-job slot of a
	// project for jobID. Returns ErrActiveJobExists when the slot is
	// already held.
	AcquireActive(ctx context.Context, projectID, jobID string) error
	// ReleaseActive frees the project's active-job slot if jobID holds
	// it. Releasing an unheld slot is not an error.
	ReleaseActive(ctx context.Context, projectID, jobID string) error
	// ActiveJob returns the job ID holding the project's slot,
	// ErrNotFound when the slot is free.
	ActiveJob(ctx context.Context, projectID string) (string, error)

	// PutStageOutput persists one completed stage output.
	PutStageOutput(ctx context.Context, out *StageOutput) error
	// ListStageOutputs returns the stored stage outputs of a job, in
	// the order they were written.
	ListStageOutputs(ctx context.Context, jobID string) ([]*StageOutput, error)

	// PutResult stores the finished threat model for a project,
	// replacing any previous one.
	PutResult(ctx context.Context, projectID string, res *analysis.ThreatModelResult) error
	// GetResult retrieves a project's latest finished threat model.
	GetResult(ctx context.Context, projectID string) (*analysis.ThreatModelResult, error)

	// PutInput stores a normalized project input.
	PutInput(ctx context.Context, in *ProjectInput) error
	// GetInput retrieves a project input by ID.
	GetInput(ctx context.Context, projectID, inputID string) (*ProjectInput, error)
}
