package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/llm"
)

// SystemAnalyst decomposes the normalized system description into
// security-relevant components. It is the first pipeline stage and the
// only one that reads the raw input text directly.
type SystemAnalyst struct {
	base
}

// NewSystemAnalyst builds the decomposition agent.
func NewSystemAnalyst(gateway Gateway, opts Options) *SystemAnalyst {
	return &SystemAnalyst{base: base{variant: VariantSystemAnalyst, gateway: gateway, opts: opts}}
}

func (a *SystemAnalyst) Variant() Variant { return VariantSystemAnalyst }

// Analyze extracts the component inventory from the input text.
func (a *SystemAnalyst) Analyze(ctx context.Context, pc *Context) (*Output, error) {
	guidance, limit := depthGuidance(string(pc.Depth), 6, 12, 20)
	user := fmt.Sprintf(systemAnalystUserPrompt, guidance, limit, pc.InputText)

	var components []analysis.SystemComponent
	out, err := a.run(ctx, pc, systemAnalystSystemPrompt, user, func(content string) error {
		var payload struct {
			Components []analysis.SystemComponent `json:"components"`
		}
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &payload); err != nil {
			return invalidOutput("parse components JSON: %v", err)
		}
		if len(payload.Components) == 0 {
			return invalidOutput("no components extracted; the description names at least one")
		}
		for i, c := range payload.Components {
			if c.Name == "" {
				return invalidOutput("component %d has no name", i)
			}
		}
		components = payload.Components
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Components = components
	return out, nil
}
