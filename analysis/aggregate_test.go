package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatsmith/threatsmith/config"
)

func thresholds() config.RiskThresholds {
	return config.RiskThresholds{Low: 3.0, Medium: 6.0, High: 8.5}
}

func path(likelihood, impact Rating) AttackPath {
	return AttackPath{
		Name:       "test path",
		Steps:      []AttackStep{{Step: 1, TechniqueID: "T1190", Tactic: "Initial Access", TargetComponent: "api"}},
		Likelihood: likelihood,
		Impact:     impact,
	}
}

func TestPathRiskScoreRange(t *testing.T) {
	low := path(RatingLow, RatingLow)
	assert.InDelta(t, 0.625, low.RiskScore(), 1e-9)

	crit := path(RatingCritical, RatingCritical)
	assert.InDelta(t, 10.0, crit.RiskScore(), 1e-9)

	// Unknown ratings normalize to the lowest ordinal.
	odd := path("weird", RatingCritical)
	assert.InDelta(t, 2.5, odd.RiskScore(), 1e-9)
}

func TestAggregateScoreBounds(t *testing.T) {
	cases := [][]AttackPath{
		nil,
		{path(RatingLow, RatingLow)},
		{path(RatingCritical, RatingCritical)},
		{path(RatingLow, RatingLow), path(RatingCritical, RatingCritical), path(RatingMedium, RatingHigh)},
	}
	for _, paths := range cases {
		res := Aggregate(StageResults{AttackPaths: paths}, thresholds())
		assert.GreaterOrEqual(t, res.OverallRiskScore, 0.0)
		assert.LessOrEqual(t, res.OverallRiskScore, 10.0)
		assert.GreaterOrEqual(t, res.ConfidenceScore, 0.0)
		assert.LessOrEqual(t, res.ConfidenceScore, 1.0)
	}
}

func TestAggregateNoPathsScoresZero(t *testing.T) {
	res := Aggregate(StageResults{}, thresholds())
	assert.Zero(t, res.OverallRiskScore)
	assert.Equal(t, "low", res.ExecutiveSummary.RiskLevel)
}

func TestAggregateRiskWeighting(t *testing.T) {
	// One critical path among many low paths should keep the overall
	// score well above the plain average.
	paths := []AttackPath{path(RatingCritical, RatingCritical)}
	for i := 0; i < 5; i++ {
		paths = append(paths, path(RatingLow, RatingLow))
	}
	res := Aggregate(StageResults{AttackPaths: paths}, thresholds())

	var mean float64
	for i := range paths {
		mean += paths[i].RiskScore()
	}
	mean /= float64(len(paths))
	assert.Greater(t, res.OverallRiskScore, mean)
}

func TestConfidencePenalties(t *testing.T) {
	clean := Aggregate(StageResults{AttackPaths: []AttackPath{path(RatingHigh, RatingHigh)}}, thresholds())
	assert.InDelta(t, 1.0, clean.ConfidenceScore, 1e-9)

	degraded := Aggregate(StageResults{
		AttackPaths:    []AttackPath{path(RatingHigh, RatingHigh)},
		OptionalStages: 1,
		OptionalFailed: 1,
	}, thresholds())
	assert.InDelta(t, 0.7, degraded.ConfidenceScore, 1e-9)

	reprompted := Aggregate(StageResults{
		AttackPaths:   []AttackPath{path(RatingHigh, RatingHigh)},
		ExtraAttempts: 2,
	}, thresholds())
	assert.InDelta(t, 0.9, reprompted.ConfidenceScore, 1e-9)

	// Penalties can never push confidence below zero.
	floor := Aggregate(StageResults{ExtraAttempts: 100}, thresholds())
	assert.Zero(t, floor.ConfidenceScore)
}

func TestAggregateDeterministicForSameInput(t *testing.T) {
	in := StageResults{
		Components:           []SystemComponent{{Name: "api"}, {Name: "db"}},
		IdentifiedTechniques: []IdentifiedTechnique{{TechniqueID: "T1190", ApplicabilityScore: 0.9}},
		AttackPaths:          []AttackPath{path(RatingHigh, RatingCritical), path(RatingMedium, RatingMedium)},
		ExtraAttempts:        1,
	}
	a := Aggregate(in, thresholds())
	b := Aggregate(in, thresholds())
	assert.Equal(t, a.OverallRiskScore, b.OverallRiskScore)
	assert.Equal(t, a.ConfidenceScore, b.ConfidenceScore)
	assert.Equal(t, a.ExecutiveSummary, b.ExecutiveSummary)
}

func TestAggregateJSONShape(t *testing.T) {
	res := Aggregate(StageResults{}, thresholds())
	require.NotNil(t, res.AttackPaths)
	require.NotNil(t, res.IdentifiedTechniques)
	require.NotNil(t, res.Recommendations)
	assert.False(t, res.CreatedAt.IsZero())
}

func TestSummaryCounts(t *testing.T) {
	res := Aggregate(StageResults{
		Components:           []SystemComponent{{Name: "api"}},
		IdentifiedTechniques: []IdentifiedTechnique{{TechniqueID: "T1190"}, {TechniqueID: "T1566"}},
		ControlGaps:          []ControlGap{{Description: "no waf", Severity: RatingHigh}},
		AttackPaths:          []AttackPath{path(RatingHigh, RatingHigh)},
	}, thresholds())
	assert.Equal(t, 2, res.ExecutiveSummary.TechniqueCount)
	assert.Equal(t, 1, res.ExecutiveSummary.PathCount)
	assert.Contains(t, res.ExecutiveSummary.Summary, "1 system components")
	assert.Contains(t, res.ExecutiveSummary.Summary, "2 applicable ATT&CK techniques")
}
