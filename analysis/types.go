// Package analysis defines the threat-model domain types produced by the
// pipeline and the aggregator that folds per-stage outputs into the final
// ThreatModelResult.
package analysis

import (
	"fmt"
	"time"

	"github.com/threatsmith/threatsmith/knowledge"
)

// Rating is the ordinal scale shared by severity, likelihood, and impact.
type Rating string

// Ordinal ratings, lowest to highest.
const (
	RatingLow      Rating = "low"
	RatingMedium   Rating = "medium"
	RatingHigh     Rating = "high"
	RatingCritical Rating = "critical"
)

// Ordinal returns the 1-4 numeric value of a rating; unknown ratings
// normalize to 1.
func (r Rating) Ordinal() int {
	switch r {
	case RatingMedium:
		return 2
	case RatingHigh:
		return 3
	case RatingCritical:
		return 4
	default:
		return 1
	}
}

// IsValid reports whether the rating is one of the recognized values.
func (r Rating) IsValid() bool {
	switch r {
	case RatingLow, RatingMedium, RatingHigh, RatingCritical:
		return true
	default:
		return false
	}
}

// SystemComponent is one architectural element extracted from the system
// description by the system analyst.
type SystemComponent struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"` // frontend, backend, database, service, ...
	Description  string   `json:"description,omitempty"`
	EntryPoint   bool     `json:"entry_point"`
	DataFlows    []string `json:"data_flows,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

// IdentifiedTechnique is one ATT&CK technique the attack mapper judged
// applicable to the modeled system. Technique IDs are validated against
// the knowledge base; unknown IDs never survive mapping.
type IdentifiedTechnique struct {
	TechniqueID        string   `json:"technique_id"`
	TechniqueName      string   `json:"technique_name"`
	Tactic             string   `json:"tactic"`
	ApplicabilityScore float64  `json:"applicability_score"` // 0-1
	SystemComponent    string   `json:"system_component"`
	Rationale          string   `json:"rationale,omitempty"`
	Prerequisites      []string `json:"prerequisites,omitempty"`
}

// Validate checks field constraints on an identified technique.
func (t *IdentifiedTechnique) Validate() error {
	if t.TechniqueID == "" {
		return fmt.Errorf("technique_id is required")
	}
	if t.ApplicabilityScore < 0 || t.ApplicabilityScore > 1 {
		return fmt.Errorf("applicability_score %v out of range [0,1]", t.ApplicabilityScore)
	}
	return nil
}

// ControlGap is one missing or weak security control found by the
// control evaluator.
type ControlGap struct {
	Description        string   `json:"gap_description"`
	Severity           Rating   `json:"severity"`
	AffectedTechniques []string `json:"affected_techniques,omitempty"`
}

// AttackStep is one step of an attack path.
type AttackStep struct {
	Step            int    `json:"step"`
	TechniqueID     string `json:"technique_id"`
	Tactic          string `json:"tactic"`
	TargetComponent string `json:"target_component"`
}

// AttackPath is an ordered chain of techniques representing one plausible
// attack scenario, produced by the risk assessor.
type AttackPath struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Steps       []AttackStep `json:"steps"`
	Likelihood  Rating       `json:"likelihood"`
	Impact      Rating       `json:"impact"`
}

// RiskScore returns the path's likelihood x impact risk normalized to
// the 0-10 scale.
func (p *AttackPath) RiskScore() float64 {
	return float64(p.Likelihood.Ordinal()*p.Impact.Ordinal()) * 10.0 / 16.0
}

// Recommendation is one mitigation recommendation, optionally enriched
// with canonical ATT&CK mitigation text from the knowledge base.
type Recommendation struct {
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Priority        Rating                 `json:"priority"`
	AttackTechnique string                 `json:"attack_technique,omitempty"`
	AffectedAssets  []string               `json:"affected_assets,omitempty"`
	Mitigations     []knowledge.Mitigation `json:"mitigations,omitempty"`
}

// ExecutiveSummary is the headline view of a threat model.
type ExecutiveSummary struct {
	RiskLevel      string `json:"risk_level"` // low, medium, high, critical
	Summary        string `json:"summary"`
	TechniqueCount int    `json:"technique_count"`
	PathCount      int    `json:"path_count"`
}

// ThreatModelResult is the canonical, immutable output of one completed
// analysis job.
type ThreatModelResult struct {
	OverallRiskScore     float64               `json:"overall_risk_score"` // 0-10
	ConfidenceScore      float64               `json:"confidence_score"`   // 0-1
	ExecutiveSummary     ExecutiveSummary      `json:"executive_summary"`
	AttackPaths          []AttackPath          `json:"attack_paths"`
	IdentifiedTechniques []IdentifiedTechnique `json:"identified_techniques"`
	Recommendations      []Recommendation      `json:"recommendations"`
	Warnings             []string              `json:"warnings,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}
