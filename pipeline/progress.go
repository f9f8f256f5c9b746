package pipeline

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of one job's progress.
type Snapshot struct {
	JobID           string    `json:"job_id"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	CompletedStages []string  `json:"completed_stages"`
	TotalStages     int       `json:"total_stages"`
	PercentComplete float64   `json:"percent_complete"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Tracker holds live progress for running jobs. The durable record is
// the job entry in storage; the tracker only adds sub-second liveness
// for status polls.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Snapshot
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Snapshot)}
}

// Begin registers a job with its planned stage count.
func (t *Tracker) Begin(jobID string, stages []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = &Snapshot{
		JobID:           jobID,
		CompletedStages: []string{},
		TotalStages:     len(stages),
		UpdatedAt:       time.Now(),
	}
}

// StageStarted marks a stage as the current one.
func (t *Tracker) StageStarted(jobID, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.jobs[jobID]; ok {
		s.CurrentStage = stage
		s.UpdatedAt = time.Now()
	}
}

// StageCompleted records a finished stage and recomputes the percentage.
func (t *Tracker) StageCompleted(jobID, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.jobs[jobID]
	if !ok {
		return
	}
	s.CompletedStages = append(s.CompletedStages, stage)
	s.CurrentStage = ""
	if s.TotalStages > 0 {
		s.PercentComplete = float64(len(s.CompletedStages)) / float64(s.TotalStages) * 100
	}
	s.UpdatedAt = time.Now()
}

// Forget drops a job from the tracker once its run ends.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}

// Get returns a copy of a job's snapshot, false if the job is not
// currently running.
func (t *Tracker) Get(jobID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	out := *s
	out.CompletedStages = append([]string(nil), s.CompletedStages...)
	return out, true
}
