package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/llm"
)

// MitigationRecommender proposes mitigations for the constructed attack
// paths and enriches each one with the canonical ATT&CK mitigations of
// the technique it counters. The stage is optional; jobs configured
// without mitigations skip it entirely.
type MitigationRecommender struct {
	base
	kb *knowledge.Base
}

// NewMitigationRecommender builds the mitigation agent.
func NewMitigationRecommender(gateway Gateway, kb *knowledge.Base, opts Options) *MitigationRecommender {
	return &MitigationRecommender{
		base: base{variant: VariantMitigationRecommender, gateway: gateway, opts: opts},
		kb:   kb,
	}
}

func (a *MitigationRecommender) Variant() Variant { return VariantMitigationRecommender }

// Analyze produces the prioritized recommendation list.
func (a *MitigationRecommender) Analyze(ctx context.Context, pc *Context) (*Output, error) {
	_, limit := depthGuidance(string(pc.Depth), 5, 10, 15)
	pathsJSON, err := json.MarshalIndent(pc.Paths, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal attack paths: %w", err)
	}
	gapsJSON, err := json.MarshalIndent(pc.Gaps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal control gaps: %w", err)
	}
	user := fmt.Sprintf(mitigationUserPrompt, limit, pathsJSON, gapsJSON)

	var recs []analysis.Recommendation
	out, err := a.run(ctx, pc, mitigationSystemPrompt, user, func(content string) error {
		var payload struct {
			Recommendations []analysis.Recommendation `json:"recommendations"`
		}
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &payload); err != nil {
			return invalidOutput("parse recommendations JSON: %v", err)
		}
		if len(payload.Recommendations) == 0 {
			return invalidOutput("no recommendations produced; every attack path admits at least one mitigation")
		}
		for i, r := range payload.Recommendations {
			if r.Title == "" {
				return invalidOutput("recommendation %d has no title", i)
			}
			if !r.Priority.IsValid() {
				return invalidOutput("recommendation %d has invalid priority %q", i, r.Priority)
			}
		}
		recs = payload.Recommendations
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range recs {
		if recs[i].AttackTechnique == "" {
			continue
		}
		if tech, ok := a.kb.Lookup(recs[i].AttackTechnique); ok {
			recs[i].AttackTechnique = tech.ID
			recs[i].Mitigations = tech.Mitigations
		}
	}
	out.Recommendations = recs
	return out, nil
}
