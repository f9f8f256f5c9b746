// Package agent implements the five analysis agents of the threat-model
// pipeline. Each agent turns accumulated pipeline context into one
// validated structured output via the LLM gateway, re-prompting with a
// clarification when the model returns schema-invalid output.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/threatsmith/threatsmith/llm"
)

// Variant identifies an agent implementation.
type Variant string

// Agent variants, in pipeline order.
const (
	VariantSystemAnalyst         Variant = "system-analyst"
	VariantAttackMapper          Variant = "attack-mapper"
	VariantControlEvaluator      Variant = "control-evaluator"
	VariantRiskAssessor          Variant = "risk-assessor"
	VariantMitigationRecommender Variant = "mitigation-recommender"
)

// Analyzer is the shared agent contract. Implementations are stateless;
// everything an agent needs arrives in the pipeline context.
type Analyzer interface {
	Variant() Variant
	Analyze(ctx context.Context, pc *Context) (*Output, error)
}

// Gateway is the slice of the LLM client agents depend on.
type Gateway interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Failure is the terminal error an agent returns once its repair budget
// is exhausted or the gateway fails fatally.
type Failure struct {
	Variant  Variant
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("agent %s failed after %d attempt(s): %v", f.Variant, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// invalidOutputError marks schema-validation failures that are worth a
// re-prompt, as opposed to gateway errors that are not.
type invalidOutputError struct {
	err error
}

func (e *invalidOutputError) Error() string {
	return e.err.Error()
}

func (e *invalidOutputError) Unwrap() error {
	return e.err
}

func invalidOutput(format string, args ...any) error {
	return &invalidOutputError{err: fmt.Errorf(format, args...)}
}

// Options configures agent construction.
type Options struct {
	// RepairAttempts is how many extra re-prompts to allow after
	// schema-invalid output. Zero means a single attempt.
	RepairAttempts int
}

// DefaultOptions returns the default agent options.
func DefaultOptions() Options {
	return Options{RepairAttempts: 2}
}

// base carries the plumbing shared by all agent variants.
type base struct {
	variant Variant
	gateway Gateway
	opts    Options
}

// run executes the prompt/validate/re-prompt loop. parse must validate
// the completion and return an invalidOutput error when a clarification
// re-prompt could help; any other error aborts immediately.
func (b *base) run(ctx context.Context, pc *Context, system, user string, parse func(content string) error) (*Output, error) {
	temp := 0.2 // Low temperature for consistent structured extraction
	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	out := &Output{Variant: b.variant}
	maxAttempts := b.opts.RepairAttempts + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt

		resp, err := b.gateway.Complete(ctx, llm.Request{
			Providers:   pc.Providers,
			Messages:    messages,
			Temperature: &temp,
			MaxTokens:   pc.MaxTokens(),
		})
		if err != nil {
			// Gateway errors already went through retry/fallback; a
			// clarification re-prompt cannot fix them.
			return nil, &Failure{Variant: b.variant, Attempts: attempt, Err: err}
		}

		out.Raw = resp.Content
		out.Usage = out.Usage.Add(resp.Usage)

		parseErr := parse(resp.Content)
		if parseErr == nil {
			return out, nil
		}

		var invalid *invalidOutputError
		if !errors.As(parseErr, &invalid) {
			return nil, &Failure{Variant: b.variant, Attempts: attempt, Err: parseErr}
		}
		lastErr = parseErr

		// Re-prompt with the rejected reply and a clarification.
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: clarificationPrompt(parseErr)},
		)
	}

	return nil, &Failure{Variant: b.variant, Attempts: maxAttempts, Err: lastErr}
}

func clarificationPrompt(err error) string {
	return fmt.Sprintf(
		"Your previous reply was not valid: %v. Respond again with only the JSON object in the exact schema requested, with no commentary.",
		err,
	)
}
