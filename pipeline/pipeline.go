// Package pipeline runs the fixed five-stage threat-model analysis
// sequence, persisting each stage output as it completes and folding the
// survivors into the final result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/threatsmith/threatsmith/agent"
	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/storage"
)

// StageDescriptor binds one agent into the pipeline.
type StageDescriptor struct {
	Name  string
	Agent agent.Analyzer

	// Required stages abort the pipeline on failure. Optional stages
	// degrade the result: the run continues with a warning.
	Required bool

	// Enabled gates the stage per job config; nil means always run.
	Enabled func(cfg config.AnalysisConfig) bool
}

// Coordinator drives the stage sequence for one job at a time. The
// stage order is fixed, so identical inputs always produce stages in
// the same sequence.
type Coordinator struct {
	stages     []StageDescriptor
	store      storage.Store
	thresholds config.RiskThresholds
	logger     *slog.Logger
	metrics    *Metrics
	progress   *Tracker
	now        func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a coordinator over an explicit stage list.
func NewCoordinator(stages []StageDescriptor, store storage.Store, thresholds config.RiskThresholds, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		stages:     stages,
		store:      store,
		thresholds: thresholds,
		logger:     slog.Default(),
		metrics:    NopMetrics(),
		progress:   NewTracker(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultStages returns the standard five-stage sequence. The
// mitigation recommender is the only optional stage and the only one a
// job config can disable.
func DefaultStages(gateway agent.Gateway, kb *knowledge.Base, cfg config.PipelineConfig) []StageDescriptor {
	opts := agent.Options{RepairAttempts: cfg.AgentRepairAttempts}
	return []StageDescriptor{
		{
			Name:     string(agent.VariantSystemAnalyst),
			Agent:    agent.NewSystemAnalyst(gateway, opts),
			Required: true,
		},
		{
			Name:     string(agent.VariantAttackMapper),
			Agent:    agent.NewAttackMapper(gateway, kb, cfg.ValidationWorkers, opts),
			Required: true,
		},
		{
			Name:     string(agent.VariantControlEvaluator),
			Agent:    agent.NewControlEvaluator(gateway, opts),
			Required: true,
		},
		{
			Name:     string(agent.VariantRiskAssessor),
			Agent:    agent.NewRiskAssessor(gateway, opts),
			Required: true,
		},
		{
			Name:     string(agent.VariantMitigationRecommender),
			Agent:    agent.NewMitigationRecommender(gateway, kb, opts),
			Required: false,
			Enabled:  func(cfg config.AnalysisConfig) bool { return cfg.Mitigations() },
		},
	}
}

// Progress exposes the live progress tracker.
func (c *Coordinator) Progress() *Tracker {
	return c.progress
}

// Run executes the pipeline for a job. The job record's stage fields
// are updated and persisted as stages complete. On required-stage
// failure or cancellation the already-persisted stage outputs remain
// retrievable as partial results.
func (c *Coordinator) Run(ctx context.Context, j *storage.AnalysisJob, pc *agent.Context) (*analysis.ThreatModelResult, error) {
	enabled := make([]StageDescriptor, 0, len(c.stages))
	for _, st := range c.stages {
		if st.Enabled == nil || st.Enabled(j.Config) {
			enabled = append(enabled, st)
		}
	}

	c.progress.Begin(j.ID, stageNames(enabled))
	defer c.progress.Forget(j.ID)

	// The job context carries cancellation and the overall deadline,
	// observed only at stage boundaries. Stage work runs on a detached
	// context so an in-flight provider call completes naturally instead
	// of being torn down mid-request.
	execCtx := context.WithoutCancel(ctx)

	var results analysis.StageResults
	for _, st := range enabled {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("analysis stopped before stage %s: %w", st.Name, err)
		}

		if !st.Required {
			results.OptionalStages++
		}
		j.CurrentStage = st.Name
		j.UpdatedAt = c.now()
		if err := c.store.UpdateJob(execCtx, j); err != nil {
			c.logger.Warn("persist stage checkpoint", "job_id", j.ID, "stage", st.Name, "error", err)
		}
		c.progress.StageStarted(j.ID, st.Name)
		c.logger.Info("stage started", "job_id", j.ID, "stage", st.Name)

		start := c.now()
		out, err := st.Agent.Analyze(execCtx, pc)
		c.metrics.ObserveStage(st.Name, c.now().Sub(start), err == nil)
		if err != nil {
			if st.Required {
				return nil, fmt.Errorf("stage %s: %w", st.Name, err)
			}
			warning := fmt.Sprintf("stage %s skipped: %v", st.Name, err)
			c.logger.Warn("optional stage failed", "job_id", j.ID, "stage", st.Name, "error", err)
			results.OptionalFailed++
			results.Warnings = append(results.Warnings, warning)
			j.Warnings = append(j.Warnings, warning)
			continue
		}

		c.apply(out, pc, &results)
		if err := c.persistStage(execCtx, j, out); err != nil {
			c.logger.Warn("persist stage output", "job_id", j.ID, "stage", st.Name, "error", err)
		}
		j.CompletedStages = append(j.CompletedStages, st.Name)
		c.progress.StageCompleted(j.ID, st.Name)
		c.logger.Info("stage completed", "job_id", j.ID, "stage", st.Name, "attempts", out.Attempts)
	}

	res := analysis.Aggregate(results, c.thresholds)
	if err := c.store.PutResult(execCtx, j.ProjectID, res); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}
	return res, nil
}

// apply folds a stage output into the pipeline context and the
// aggregation input.
func (c *Coordinator) apply(out *agent.Output, pc *agent.Context, results *analysis.StageResults) {
	results.ExtraAttempts += out.ExtraAttempts()
	switch out.Variant {
	case agent.VariantSystemAnalyst:
		pc.Components = out.Components
		results.Components = out.Components
	case agent.VariantAttackMapper:
		pc.Techniques = out.Techniques
		results.IdentifiedTechniques = out.Techniques
	case agent.VariantControlEvaluator:
		pc.Gaps = out.Gaps
		results.ControlGaps = out.Gaps
	case agent.VariantRiskAssessor:
		pc.Paths = out.Paths
		results.AttackPaths = out.Paths
	case agent.VariantMitigationRecommender:
		pc.Recommendations = out.Recommendations
		results.Recommendations = out.Recommendations
	}
}

func (c *Coordinator) persistStage(ctx context.Context, j *storage.AnalysisJob, out *agent.Output) error {
	return c.store.PutStageOutput(ctx, &storage.StageOutput{
		JobID:           j.ID,
		Stage:           string(out.Variant),
		Attempts:        out.Attempts,
		CompletedAt:     c.now(),
		Components:      out.Components,
		Techniques:      out.Techniques,
		Gaps:            out.Gaps,
		Paths:           out.Paths,
		Recommendations: out.Recommendations,
	})
}

func stageNames(stages []StageDescriptor) []string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return names
}
