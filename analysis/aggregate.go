package analysis

import (
	"fmt"
	"time"

	"github.com/threatsmith/threatsmith/config"
)

// StageResults carries the accumulated pipeline outputs into the
// aggregator, plus the bookkeeping the confidence score is derived from.
type StageResults struct {
	Components           []SystemComponent
	IdentifiedTechniques []IdentifiedTechnique
	ControlGaps          []ControlGap
	AttackPaths          []AttackPath
	Recommendations      []Recommendation

	// Warnings collects degraded-stage notices.
	Warnings []string

	// OptionalStages / OptionalFailed count optional stages configured
	// and failed for this run.
	OptionalStages int
	OptionalFailed int

	// ExtraAttempts is the total number of agent re-prompts across all
	// stages beyond their first attempt.
	ExtraAttempts int
}

// Confidence penalty weights. More degraded stages and more repair
// attempts mean the model leaned harder on recovery paths.
const (
	optionalFailurePenalty = 0.3
	extraAttemptPenalty    = 0.05
)

// Aggregate folds per-stage outputs into the canonical ThreatModelResult.
// It is a pure function of its inputs; the caller persists the result.
func Aggregate(in StageResults, thresholds config.RiskThresholds) *ThreatModelResult {
	now := time.Now().UTC()

	score := overallRiskScore(in.AttackPaths)
	level := thresholds.Level(score)

	result := &ThreatModelResult{
		OverallRiskScore: score,
		ConfidenceScore:  confidenceScore(in),
		ExecutiveSummary: ExecutiveSummary{
			RiskLevel:      level,
			Summary:        summarize(level, in),
			TechniqueCount: len(in.IdentifiedTechniques),
			PathCount:      len(in.AttackPaths),
		},
		AttackPaths:          in.AttackPaths,
		IdentifiedTechniques: in.IdentifiedTechniques,
		Recommendations:      in.Recommendations,
		Warnings:             in.Warnings,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// JSON consumers expect arrays, not null.
	if result.AttackPaths == nil {
		result.AttackPaths = []AttackPath{}
	}
	if result.IdentifiedTechniques == nil {
		result.IdentifiedTechniques = []IdentifiedTechnique{}
	}
	if result.Recommendations == nil {
		result.Recommendations = []Recommendation{}
	}

	return result
}

// overallRiskScore combines per-path risk into a 0-10 score. Paths are
// weighted by their own risk so one critical path dominates a crowd of
// low-risk ones.
func overallRiskScore(paths []AttackPath) float64 {
	if len(paths) == 0 {
		return 0
	}

	var weightedSum, weightTotal float64
	for i := range paths {
		risk := paths[i].RiskScore()
		weightedSum += risk * risk
		weightTotal += risk
	}
	if weightTotal == 0 {
		return 0
	}

	return clamp(weightedSum/weightTotal, 0, 10)
}

// confidenceScore derives a 0-1 confidence from how much the pipeline
// had to rely on degraded stages and agent re-prompts.
func confidenceScore(in StageResults) float64 {
	confidence := 1.0

	if in.OptionalStages > 0 {
		failedFraction := float64(in.OptionalFailed) / float64(in.OptionalStages)
		confidence -= optionalFailurePenalty * failedFraction
	}
	confidence -= extraAttemptPenalty * float64(in.ExtraAttempts)

	return clamp(confidence, 0, 1)
}

func summarize(level string, in StageResults) string {
	return fmt.Sprintf(
		"Analysis of %d system components identified %d applicable ATT&CK techniques, %d control gaps, and %d attack paths. Overall risk is %s.",
		len(in.Components),
		len(in.IdentifiedTechniques),
		len(in.ControlGaps),
		len(in.AttackPaths),
		level,
	)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
