// Package job manages the lifecycle of analysis jobs: starting them
// under the one-active-job-per-project rule, running the pipeline in
// the background, cancellation, timeouts, and crash recovery.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threatsmith/threatsmith/agent"
	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/pipeline"
	"github.com/threatsmith/threatsmith/storage"
)

// ErrNoActiveJob is returned by Cancel when the project has nothing
// queued or running.
var ErrNoActiveJob = errors.New("no active job for project")

// Terminal failure reasons surfaced in the job record.
const (
	reasonTimeout     = "job timeout exceeded"
	reasonInterrupted = "interrupted by restart"
	reasonCancelled   = "cancelled by request"
)

// StartRequest carries everything needed to launch one analysis.
type StartRequest struct {
	ProjectID string
	InputIDs  []string
	InputText string
	Config    config.AnalysisConfig
}

// Status is the project-level view served by the status endpoint.
type Status struct {
	ProjectID string               `json:"project_id"`
	State     string               `json:"state"` // idle or a job status
	Job       *storage.AnalysisJob `json:"job,omitempty"`
	Progress  *pipeline.Snapshot   `json:"progress,omitempty"`
}

// Manager owns job lifecycles. All status transitions go through it so
// the audit trail and monotonic ordering hold no matter how a job ends.
type Manager struct {
	store            storage.Store
	coordinator      *pipeline.Coordinator
	defaultProviders []string
	jobTimeout       time.Duration
	logger           *slog.Logger
	metrics          *pipeline.Metrics
	now              func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // job ID -> cancel
	wg      sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the job metrics recorder.
func WithMetrics(metrics *pipeline.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a job manager.
func NewManager(store storage.Store, coordinator *pipeline.Coordinator, llmCfg config.LLMConfig, pipeCfg config.PipelineConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:            store,
		coordinator:      coordinator,
		defaultProviders: llmCfg.DefaultProviders,
		jobTimeout:       pipeCfg.JobTimeout,
		logger:           slog.Default(),
		metrics:          pipeline.NopMetrics(),
		now:              time.Now,
		cancels:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start queues a new analysis job and launches it in the background.
// Returns storage.ErrActiveJobExists when the project already has a
// queued or running job.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*storage.AnalysisJob, error) {
	if err := req.Config.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid analysis config: %w", err)
	}

	now := m.now()
	j := &storage.AnalysisJob{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		InputIDs:  req.InputIDs,
		Status:    storage.StatusQueued,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
		StatusChanges: []storage.StatusChange{
			{To: storage.StatusQueued, Timestamp: now},
		},
	}

	if err := m.store.AcquireActive(ctx, req.ProjectID, j.ID); err != nil {
		return nil, err
	}
	if err := m.store.CreateJob(ctx, j); err != nil {
		// Best effort: free the slot so the project is not wedged.
		_ = m.store.ReleaseActive(ctx, req.ProjectID, j.ID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.jobTimeout)
	m.mu.Lock()
	m.cancels[j.ID] = cancel
	m.mu.Unlock()

	m.logger.Info("job queued", "job_id", j.ID, "project_id", req.ProjectID, "depth", req.Config.AnalysisDepth)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, j, req)
	}()

	return snapshot(j), nil
}

// run drives one job from queued to a terminal status.
func (m *Manager) run(ctx context.Context, j *storage.AnalysisJob, req StartRequest) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, j.ID)
		m.mu.Unlock()
		// Release with a fresh context; the run context may be dead.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.ReleaseActive(releaseCtx, j.ProjectID, j.ID); err != nil {
			m.logger.Warn("release active slot", "job_id", j.ID, "error", err)
		}
	}()

	m.transition(j, storage.StatusRunning, "")

	providers := req.Config.ProviderPreference
	if len(providers) == 0 {
		providers = m.defaultProviders
	}
	pc := &agent.Context{
		InputText:        req.InputText,
		ExistingControls: req.Config.ExistingControlsText,
		Depth:            req.Config.AnalysisDepth,
		Providers:        providers,
	}

	res, err := m.coordinator.Run(ctx, j, pc)
	switch {
	case err == nil:
		m.logger.Info("job completed", "job_id", j.ID,
			"risk_score", res.OverallRiskScore, "confidence", res.ConfidenceScore)
		m.transition(j, storage.StatusCompleted, "")
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded:
		m.logger.Warn("job timed out", "job_id", j.ID, "timeout", m.jobTimeout)
		j.Error = reasonTimeout
		m.transition(j, storage.StatusCancelled, reasonTimeout)
	case errors.Is(err, context.Canceled):
		m.logger.Info("job cancelled", "job_id", j.ID)
		m.transition(j, storage.StatusCancelled, reasonCancelled)
	default:
		m.logger.Error("job failed", "job_id", j.ID, "error", err)
		j.Error = err.Error()
		m.transition(j, storage.StatusFailed, err.Error())
	}
}

// Cancel requests cancellation of the project's active job. The job
// finishes its in-flight stage and then stops; the returned job ID
// identifies what was cancelled.
func (m *Manager) Cancel(ctx context.Context, projectID string) (string, error) {
	jobID, err := m.store.ActiveJob(ctx, projectID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNoActiveJob
		}
		return "", err
	}

	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		// Slot held but no runner in this process: an orphan from a
		// crash. Recover() handles those; report no active job.
		return "", ErrNoActiveJob
	}
	cancel()
	m.logger.Info("cancellation requested", "job_id", jobID, "project_id", projectID)
	return jobID, nil
}

// GetStatus reports the project's current state: the active job if one
// exists, otherwise the most recent job, otherwise idle.
func (m *Manager) GetStatus(ctx context.Context, projectID string) (*Status, error) {
	st := &Status{ProjectID: projectID, State: "idle"}

	j, err := m.latestJob(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return st, nil
	}
	st.State = string(j.Status)
	st.Job = j
	if snap, ok := m.coordinator.Progress().Get(j.ID); ok {
		st.Progress = &snap
	}
	return st, nil
}

// latestJob returns the project's newest job record, nil when the
// project has never run one.
func (m *Manager) latestJob(ctx context.Context, projectID string) (*storage.AnalysisJob, error) {
	if jobID, err := m.store.ActiveJob(ctx, projectID); err == nil {
		return m.store.GetJob(ctx, jobID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var latest *storage.AnalysisJob
	for _, j := range jobs {
		if j.ProjectID != projectID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	return latest, nil
}

// Recover marks jobs orphaned by a crash as failed and frees their
// project slots. Call once at startup, before serving requests.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		m.logger.Warn("recovering orphaned job", "job_id", j.ID, "project_id", j.ProjectID, "status", j.Status)
		j.Error = reasonInterrupted
		m.transition(j, storage.StatusFailed, reasonInterrupted)
		if err := m.store.ReleaseActive(ctx, j.ProjectID, j.ID); err != nil {
			m.logger.Warn("release orphaned slot", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// Close cancels all running jobs and waits for their runners to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// transition applies a status change, appends it to the audit trail,
// and persists the record. Rank never decreases; an out-of-order
// transition is dropped with a log line instead of corrupting the trail.
func (m *Manager) transition(j *storage.AnalysisJob, to storage.JobStatus, reason string) {
	if to.Rank() < j.Status.Rank() || (j.Status.Terminal() && to != j.Status) {
		m.logger.Warn("dropping out-of-order transition", "job_id", j.ID, "from", j.Status, "to", to)
		return
	}
	now := m.now()
	j.StatusChanges = append(j.StatusChanges, storage.StatusChange{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case storage.StatusRunning:
		j.StartedAt = &now
	case storage.StatusCompleted, storage.StatusFailed, storage.StatusCancelled:
		j.CompletedAt = &now
		j.CurrentStage = ""
		m.metrics.ObserveJob(string(to))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateJob(ctx, j); err != nil {
		m.logger.Error("persist status transition", "job_id", j.ID, "to", to, "error", err)
	}
}

func snapshot(j *storage.AnalysisJob) *storage.AnalysisJob {
	out := *j
	return &out
}
