package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/llm"
)

// RiskAssessor chains the identified techniques and control gaps into
// rated attack paths. Every step must reference a technique the mapper
// actually identified.
type RiskAssessor struct {
	base
}

// NewRiskAssessor builds the attack-path agent.
func NewRiskAssessor(gateway Gateway, opts Options) *RiskAssessor {
	return &RiskAssessor{base: base{variant: VariantRiskAssessor, gateway: gateway, opts: opts}}
}

func (a *RiskAssessor) Variant() Variant { return VariantRiskAssessor }

// Analyze produces the rated attack paths.
func (a *RiskAssessor) Analyze(ctx context.Context, pc *Context) (*Output, error) {
	guidance, limit := depthGuidance(string(pc.Depth), 3, 5, 10)
	techniquesJSON, err := json.MarshalIndent(pc.Techniques, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal techniques: %w", err)
	}
	gapsJSON, err := json.MarshalIndent(pc.Gaps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal control gaps: %w", err)
	}
	user := fmt.Sprintf(riskAssessorUserPrompt, guidance, limit, techniquesJSON, gapsJSON)

	known := make(map[string]bool, len(pc.Techniques))
	for _, t := range pc.Techniques {
		known[t.TechniqueID] = true
	}

	var paths []analysis.AttackPath
	out, err := a.run(ctx, pc, riskAssessorSystemPrompt, user, func(content string) error {
		var payload struct {
			AttackPaths []analysis.AttackPath `json:"attack_paths"`
		}
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &payload); err != nil {
			return invalidOutput("parse attack paths JSON: %v", err)
		}
		if len(payload.AttackPaths) == 0 {
			return invalidOutput("no attack paths constructed; chain the identified techniques into at least one path")
		}
		for i, p := range payload.AttackPaths {
			if p.Name == "" {
				return invalidOutput("attack path %d has no name", i)
			}
			if len(p.Steps) == 0 {
				return invalidOutput("attack path %q has no steps", p.Name)
			}
			if !p.Likelihood.IsValid() {
				return invalidOutput("attack path %q has invalid likelihood %q", p.Name, p.Likelihood)
			}
			if !p.Impact.IsValid() {
				return invalidOutput("attack path %q has invalid impact %q", p.Name, p.Impact)
			}
			for j, s := range p.Steps {
				if !known[s.TechniqueID] {
					return invalidOutput("attack path %q step %d uses technique %q that was not identified", p.Name, j+1, s.TechniqueID)
				}
			}
		}
		paths = payload.AttackPaths
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Normalize step numbering; the model's ordering wins, its numbers
	// do not.
	for i := range paths {
		for j := range paths[i].Steps {
			paths[i].Steps[j].Step = j + 1
		}
	}
	out.Paths = paths
	return out, nil
}
