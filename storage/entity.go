// Package storage provides persistence for analysis jobs, stage outputs,
// results, and project inputs, backed by NATS KV in production and an
// in-memory store in tests.
package storage

import (
	"time"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/config"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job statuses. A project with no job at all is reported as idle by the
// API layer; the store only holds jobs that exist.
const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. Transitions must never
// decrease rank; terminal statuses share the highest rank because a job
// reaches at most one of them.
func (s JobStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// StatusChange records one status transition for the job audit trail.
type StatusChange struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// AnalysisJob is the persistent record of one threat-model analysis run.
type AnalysisJob struct {
	ID        string                `json:"id"`
	ProjectID string                `json:"project_id"`
	InputIDs  []string              `json:"input_ids"`
	Status    JobStatus             `json:"status"`
	Config    config.AnalysisConfig `json:"config"`

	CurrentStage    string   `json:"current_stage,omitempty"`
	CompletedStages []string `json:"completed_stages,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Error           string   `json:"error,omitempty"`

	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	StatusChanges []StatusChange `json:"status_changes,omitempty"`
}

// StageOutput is the persisted result of one completed pipeline stage.
// Outputs survive job failure so partial results stay retrievable.
type StageOutput struct {
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`

	Components      []analysis.SystemComponent    `json:"components,omitempty"`
	Techniques      []analysis.IdentifiedTechnique `json:"techniques,omitempty"`
	Gaps            []analysis.ControlGap          `json:"control_gaps,omitempty"`
	Paths           []analysis.AttackPath          `json:"attack_paths,omitempty"`
	Recommendations []analysis.Recommendation      `json:"recommendations,omitempty"`
}

// ProjectInput is a stored system description, already normalized to
// plain text.
type ProjectInput struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"text"`
	UpdatedAt   time.Time `json:"updated_at"`
}
