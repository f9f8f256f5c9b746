package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/llm"
)

// AttackMapper maps the component inventory to MITRE ATT&CK techniques.
// Every technique ID the model proposes is cross-checked against the
// knowledge base; unknown IDs are rejected and trigger a re-prompt, so
// hallucinated techniques never reach downstream stages.
type AttackMapper struct {
	base
	kb      *knowledge.Base
	workers int
}

// NewAttackMapper builds the mapping agent. workers bounds the
// concurrency of knowledge-base enrichment lookups.
func NewAttackMapper(gateway Gateway, kb *knowledge.Base, workers int, opts Options) *AttackMapper {
	if workers < 1 {
		workers = 1
	}
	return &AttackMapper{
		base:    base{variant: VariantAttackMapper, gateway: gateway, opts: opts},
		kb:      kb,
		workers: workers,
	}
}

func (a *AttackMapper) Variant() Variant { return VariantAttackMapper }

// Analyze produces the validated technique list for the system.
func (a *AttackMapper) Analyze(ctx context.Context, pc *Context) (*Output, error) {
	guidance, limit := depthGuidance(string(pc.Depth), 8, 15, 30)
	componentsJSON, err := json.MarshalIndent(pc.Components, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal components: %w", err)
	}
	user := fmt.Sprintf(attackMapperUserPrompt, guidance, limit, componentsJSON, pc.InputText)

	var techniques []analysis.IdentifiedTechnique
	out, err := a.run(ctx, pc, attackMapperSystemPrompt, user, func(content string) error {
		var payload struct {
			Techniques []analysis.IdentifiedTechnique `json:"techniques"`
		}
		if err := json.Unmarshal([]byte(llm.ExtractJSON(content)), &payload); err != nil {
			return invalidOutput("parse techniques JSON: %v", err)
		}
		if len(payload.Techniques) == 0 {
			return invalidOutput("no techniques identified; every networked system has at least one applicable technique")
		}
		for i := range payload.Techniques {
			if err := payload.Techniques[i].Validate(); err != nil {
				return invalidOutput("technique %d: %v", i, err)
			}
		}
		if unknown := a.unknownIDs(payload.Techniques); len(unknown) > 0 {
			return invalidOutput("unknown MITRE ATT&CK technique IDs: %s; use only real technique IDs", strings.Join(unknown, ", "))
		}
		techniques = payload.Techniques
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.enrich(techniques)
	out.Techniques = techniques
	return out, nil
}

// unknownIDs returns the technique IDs absent from the knowledge base,
// deduplicated and sorted for a stable clarification prompt.
func (a *AttackMapper) unknownIDs(techniques []analysis.IdentifiedTechnique) []string {
	seen := make(map[string]bool)
	var unknown []string
	for _, t := range techniques {
		if _, ok := a.kb.Lookup(t.TechniqueID); ok {
			continue
		}
		id := strings.ToUpper(strings.TrimSpace(t.TechniqueID))
		if !seen[id] {
			seen[id] = true
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// enrich overwrites model-supplied names and tactics with the canonical
// knowledge-base values. Lookups fan out over a bounded worker pool.
func (a *AttackMapper) enrich(techniques []analysis.IdentifiedTechnique) {
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < a.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				tech, ok := a.kb.Lookup(techniques[i].TechniqueID)
				if !ok {
					continue
				}
				techniques[i].TechniqueID = tech.ID
				techniques[i].TechniqueName = tech.Name
				if techniques[i].Tactic == "" {
					techniques[i].Tactic = tech.Tactic
				}
			}
		}()
	}
	for i := range techniques {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
