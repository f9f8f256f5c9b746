package agent

import (
	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/llm"
)

// Context is the accumulated pipeline context handed to each agent.
// Earlier stage outputs are filled in as the pipeline advances; each
// agent reads only the fields its prompt needs.
type Context struct {
	// InputText is the normalized system description.
	InputText string

	// ExistingControls is the free-text description of controls already
	// in place, if the caller supplied one.
	ExistingControls string

	// Depth tunes prompt breadth and output caps.
	Depth config.AnalysisDepth

	// Providers is the resolved provider preference for this job.
	Providers []string

	Components      []analysis.SystemComponent
	Techniques      []analysis.IdentifiedTechnique
	Gaps            []analysis.ControlGap
	Paths           []analysis.AttackPath
	Recommendations []analysis.Recommendation
}

// MaxTokens returns the completion budget for the configured depth.
func (c *Context) MaxTokens() int {
	switch c.Depth {
	case config.DepthQuick:
		return 2048
	case config.DepthDeep:
		return 8192
	default:
		return 4096
	}
}

// Output is a validated agent result. Exactly one payload slice is
// populated, matching the variant.
type Output struct {
	Variant  Variant
	Raw      string
	Attempts int
	Usage    llm.TokenUsage

	Components      []analysis.SystemComponent
	Techniques      []analysis.IdentifiedTechnique
	Gaps            []analysis.ControlGap
	Paths           []analysis.AttackPath
	Recommendations []analysis.Recommendation
}

// ExtraAttempts is how many re-prompts were needed beyond the first call.
func (o *Output) ExtraAttempts() int {
	if o.Attempts <= 1 {
		return 0
	}
	return o.Attempts - 1
}
