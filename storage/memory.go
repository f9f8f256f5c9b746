package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/threatsmith/threatsmith/analysis"
)

// MemoryStore is an in-process Store used by tests and by runs without a
// NATS server. Records are deep-copied through JSON so callers can never
// mutate stored state in place.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*AnalysisJob
	active  map[string]string
	stages  map[string][]*StageOutput
	results map[string]*analysis.ThreatModelResult
	inputs  map[string]*ProjectInput
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*AnalysisJob),
		active:  make(map[string]string),
		stages:  make(map[string][]*StageOutput),
		results: make(map[string]*analysis.ThreatModelResult),
		inputs:  make(map[string]*ProjectInput),
	}
}

func clone[T any](in *T) *T {
	data, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("clone marshal: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("clone unmarshal: %v", err))
	}
	return out
}

// CreateJob persists a new job record.
func (s *MemoryStore) CreateJob(_ context.Context, j *AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = clone(j)
	return nil
}

// GetJob retrieves a job by ID.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(j), nil
}

// UpdateJob overwrites an existing job record.
func (s *MemoryStore) UpdateJob(_ context.Context, j *AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = clone(j)
	return nil
}

// ListJobs returns all stored jobs sorted by creation time.
func (s *MemoryStore) ListJobs(_ context.Context) ([]*AnalysisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*AnalysisJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, clone(j))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// AcquireActive claims the project's active-job slot.
func (s *MemoryStore) AcquireActive(_ context.Context, projectID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[projectID]; ok {
		return ErrActiveJobExists
	}
	s.active[projectID] = jobID
	return nil
}

// ReleaseActive frees the project's slot if jobID holds it.
func (s *MemoryStore) ReleaseActive(_ context.Context, projectID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[projectID] == jobID {
		delete(s.active, projectID)
	}
	return nil
}

// ActiveJob returns the job ID holding the project's slot.
func (s *MemoryStore) ActiveJob(_ context.Context, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.active[projectID]
	if !ok {
		return "", ErrNotFound
	}
	return jobID, nil
}

// PutStageOutput persists one completed stage output.
func (s *MemoryStore) PutStageOutput(_ context.Context, out *StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs := s.stages[out.JobID]
	for i, existing := range outs {
		if existing.Stage == out.Stage {
			outs[i] = clone(out)
			return nil
		}
	}
	s.stages[out.JobID] = append(outs, clone(out))
	return nil
}

// ListStageOutputs returns a job's stage outputs in write order.
func (s *MemoryStore) ListStageOutputs(_ context.Context, jobID string) ([]*StageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs := make([]*StageOutput, 0, len(s.stages[jobID]))
	for _, out := range s.stages[jobID] {
		outs = append(outs, clone(out))
	}
	return outs, nil
}

// PutResult stores a project's finished threat model.
func (s *MemoryStore) PutResult(_ context.Context, projectID string, res *analysis.ThreatModelResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[projectID] = clone(res)
	return nil
}

// GetResult retrieves a project's latest finished threat model.
func (s *MemoryStore) GetResult(_ context.Context, projectID string) (*analysis.ThreatModelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(res), nil
}

// PutInput stores a normalized project input.
func (s *MemoryStore) PutInput(_ context.Context, in *ProjectInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[inputKey(in.ProjectID, in.ID)] = clone(in)
	return nil
}

// GetInput retrieves a project input by ID.
func (s *MemoryStore) GetInput(_ context.Context, projectID, inputID string) (*ProjectInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inputs[inputKey(projectID, inputID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(in), nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*NATSStore)(nil)
