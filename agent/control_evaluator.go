package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/llm"
)

// ControlEvaluator compares the identified techniques against whatever
// controls the caller described and reports the coverage gaps.
type ControlEvaluator struct {
	base
}

// NewControlEvaluator builds the control-gap agent.
func NewControlEvaluator(gateway Gateway, opts Options) *ControlEvaluator {
	return &ControlEvaluator{base: base{variant: VariantControlEvaluator, gateway: gateway, opts: opts}}
}

func (a *ControlEvaluator) Variant() Variant { return VariantControlEvaluator }

// Analyze produces the control-gap list. An empty gap list is a valid
// outcome: it means the described controls cover every technique.
func (a *ControlEvaluator) Analyze(ctx context.Context, pc *Context) (*Output, error) {
	techniquesJSON, err := json.MarshalIndent(pc.Techniques, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal techniques: %w", err)
	}
	controls := noExistingControlsBlock
	if pc.ExistingControls != "" {
		controls = fmt.Sprintf(existingControlsBlock, pc.ExistingControls)
	}
	user := fmt.Sprintf(controlEvaluatorUserPrompt, controls, techniquesJSON, pc.InputText)

	known := make(map[string]bool, len(pc.Techniques))
	for _, t := range pc.Techniques {
		known[t.TechniqueID] = true
	}

	var gaps []analysis.ControlGap
	out, err := a.run(ctx, pc, controlEvaluatorSystemPrompt, user, func(content string) error {
		var payload struct {
			ControlGaps []analysis.ControlGap `json:"control_gaps"`
		}
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &payload); err != nil {
			return invalidOutput("parse control gaps JSON: %v", err)
		}
		for i, g := range payload.ControlGaps {
			if g.Description == "" {
				return invalidOutput("control gap %d has no gap_description", i)
			}
			if !g.Severity.IsValid() {
				return invalidOutput("control gap %d has invalid severity %q", i, g.Severity)
			}
			for _, id := range g.AffectedTechniques {
				if !known[id] {
					return invalidOutput("control gap %d references technique %q that was not identified", i, id)
				}
			}
		}
		gaps = payload.ControlGaps
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Gaps = gaps
	return out, nil
}
