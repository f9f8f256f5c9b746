package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/threatsmith/threatsmith/analysis"
)

// Bucket names for each record type.
const (
	BucketJobs    = "THREATSMITH_JOBS"
	BucketActive  = "THREATSMITH_ACTIVE"
	BucketStages  = "THREATSMITH_STAGES"
	BucketResults = "THREATSMITH_RESULTS"
	BucketInputs  = "THREATSMITH_INPUTS"
)

// NATSStore implements Store on NATS JetStream KV buckets. The
// active-job slot is enforced with KV Create, which fails atomically
// when the key already exists, so two concurrent starts for the same
// project cannot both win.
type NATSStore struct {
	jobs    jetstream.KeyValue
	active  jetstream.KeyValue
	stages  jetstream.KeyValue
	results jetstream.KeyValue
	inputs  jetstream.KeyValue
}

// NewNATSStore creates the KV buckets if needed and returns the store.
func NewNATSStore(ctx context.Context, js jetstream.JetStream) (*NATSStore, error) {
	s := &NATSStore{}
	for _, b := range []struct {
		name string
		kv   *jetstream.KeyValue
	}{
		{BucketJobs, &s.jobs},
		{BucketActive, &s.active},
		{BucketStages, &s.stages},
		{BucketResults, &s.results},
		{BucketInputs, &s.inputs},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", b.name, err)
		}
		*b.kv = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Threatsmith %s storage", strings.ToLower(strings.TrimPrefix(name, "THREATSMITH_"))),
		History:     5, // Keep last 5 revisions
	})
}

// CreateJob persists a new job record.
func (s *NATSStore) CreateJob(ctx context.Context, j *AnalysisJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.jobs.Create(ctx, j.ID, data); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *NATSStore) GetJob(ctx context.Context, jobID string) (*AnalysisJob, error) {
	entry, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	var j AnalysisJob
	if err := json.Unmarshal(entry.Value(), &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}

// UpdateJob overwrites an existing job record.
func (s *NATSStore) UpdateJob(ctx context.Context, j *AnalysisJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.jobs.Put(ctx, j.ID, data); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ListJobs returns all stored jobs.
func (s *NATSStore) ListJobs(ctx context.Context) ([]*AnalysisJob, error) {
	keys, err := s.jobs.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}
	jobs := make([]*AnalysisJob, 0, len(keys))
	for _, key := range keys {
		entry, err := s.jobs.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var j AnalysisJob
		if err := json.Unmarshal(entry.Value(), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// AcquireActive atomically claims the project's active-job slot.
func (s *NATSStore) AcquireActive(ctx context.Context, projectID, jobID string) error {
	if _, err := s.active.Create(ctx, projectID, []byte(jobID)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrActiveJobExists
		}
		return fmt.Errorf("acquire active slot: %w", err)
	}
	return nil
}

// ReleaseActive frees the project's slot if jobID holds it.
func (s *NATSStore) ReleaseActive(ctx context.Context, projectID, jobID string) error {
	entry, err := s.active.Get(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("read active slot: %w", err)
	}
	if string(entry.Value()) != jobID {
		return nil
	}
	if err := s.active.Delete(ctx, projectID); err != nil && !isNotFound(err) {
		return fmt.Errorf("release active slot: %w", err)
	}
	return nil
}

// ActiveJob returns the job ID holding the project's slot.
func (s *NATSStore) ActiveJob(ctx context.Context, projectID string) (string, error) {
	entry, err := s.active.Get(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read active slot: %w", err)
	}
	return string(entry.Value()), nil
}

// PutStageOutput persists one completed stage output.
func (s *NATSStore) PutStageOutput(ctx context.Context, out *StageOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal stage output: %w", err)
	}
	if _, err := s.stages.Put(ctx, stageKey(out.JobID, out.Stage), data); err != nil {
		return fmt.Errorf("store stage output: %w", err)
	}
	return nil
}

// ListStageOutputs returns a job's stage outputs ordered by completion.
func (s *NATSStore) ListStageOutputs(ctx context.Context, jobID string) ([]*StageOutput, error) {
	keys, err := s.stages.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list stage keys: %w", err)
	}
	prefix := jobID + "."
	var outs []*StageOutput
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.stages.Get(ctx, key)
		if err != nil {
			continue
		}
		var out StageOutput
		if err := json.Unmarshal(entry.Value(), &out); err != nil {
			continue
		}
		outs = append(outs, &out)
	}
	sort.Slice(outs, func(i, j int) bool {
		return outs[i].CompletedAt.Before(outs[j].CompletedAt)
	})
	return outs, nil
}

// PutResult stores a project's finished threat model.
func (s *NATSStore) PutResult(ctx context.Context, projectID string, res *analysis.ThreatModelResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.results.Put(ctx, projectID, data); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// GetResult retrieves a project's latest finished threat model.
func (s *NATSStore) GetResult(ctx context.Context, projectID string) (*analysis.ThreatModelResult, error) {
	entry, err := s.results.Get(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get result: %w", err)
	}
	var res analysis.ThreatModelResult
	if err := json.Unmarshal(entry.Value(), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// PutInput stores a normalized project input.
func (s *NATSStore) PutInput(ctx context.Context, in *ProjectInput) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if _, err := s.inputs.Put(ctx, inputKey(in.ProjectID, in.ID), data); err != nil {
		return fmt.Errorf("store input: %w", err)
	}
	return nil
}

// GetInput retrieves a project input by ID.
func (s *NATSStore) GetInput(ctx context.Context, projectID, inputID string) (*ProjectInput, error) {
	entry, err := s.inputs.Get(ctx, inputKey(projectID, inputID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get input: %w", err)
	}
	var in ProjectInput
	if err := json.Unmarshal(entry.Value(), &in); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	return &in, nil
}

func stageKey(jobID, stage string) string {
	return jobID + "." + stage
}

func inputKey(projectID, inputID string) string {
	return projectID + "." + inputID
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
