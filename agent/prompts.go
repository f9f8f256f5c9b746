package agent

// systemAnalystSystemPrompt is the system prompt for the decomposition stage.
const systemAnalystSystemPrompt = `You are a security architect decomposing a system description into its components for threat modeling.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// systemAnalystUserPrompt is the user prompt template for decomposition.
// Placeholders: depth guidance, component cap, system description.
const systemAnalystUserPrompt = `Decompose the following system description into its security-relevant components.

For each component identify:

1. **name**: Short unique name for the component.
2. **kind**: One of "service", "datastore", "queue", "gateway", "client", "external", "infrastructure".
3. **description**: What the component does, in one or two sentences.
4. **entry_point**: true if the component is directly reachable from outside the system boundary.
5. **data_flows**: Names of other components this one sends data to.
6. **technologies**: Languages, frameworks, or products the description names for this component.

%s
List at most %d components. Only include components actually present in the description; never invent infrastructure.

System description:
---
%s
---

Respond with JSON only:
{"components":[{"name":"...","kind":"...","description":"...","entry_point":false,"data_flows":[...],"technologies":[...]}]}`

// attackMapperSystemPrompt is the system prompt for technique mapping.
const attackMapperSystemPrompt = `You are a threat intelligence analyst mapping system components to MITRE ATT&CK techniques.

Only use real MITRE ATT&CK technique IDs (for example T1190 or T1110.004). Never invent IDs. Always respond with valid JSON with no text outside the JSON object.`

// attackMapperUserPrompt is the user prompt template for technique mapping.
// Placeholders: depth guidance, technique cap, components JSON, system description.
const attackMapperUserPrompt = `Identify the MITRE ATT&CK techniques applicable to this system.

For each applicable technique provide:

1. **technique_id**: The ATT&CK technique ID, e.g. "T1190".
2. **technique_name**: The official technique name.
3. **tactic**: The ATT&CK tactic the technique serves here, e.g. "Initial Access".
4. **applicability_score**: 0.0 to 1.0, how applicable the technique is to this system.
5. **system_component**: Name of the component from the list below the technique targets.
6. **rationale**: One or two sentences on why the technique applies.
7. **prerequisites**: Conditions the attacker needs, as a list. Empty list if none.

%s
List at most %d techniques, most applicable first. Only include techniques with applicability_score of 0.3 or higher.

System components:
%s

System description:
---
%s
---

Respond with JSON only:
{"techniques":[{"technique_id":"...","technique_name":"...","tactic":"...","applicability_score":0.0,"system_component":"...","rationale":"...","prerequisites":[...]}]}`

// controlEvaluatorSystemPrompt is the system prompt for control-gap analysis.
const controlEvaluatorSystemPrompt = `You are a security auditor evaluating whether existing controls cover identified attack techniques.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// controlEvaluatorUserPrompt is the user prompt template for control-gap
// analysis. Placeholders: existing controls block, techniques JSON, system
// description.
const controlEvaluatorUserPrompt = `Evaluate the control coverage for the identified attack techniques and report the gaps.

For each gap provide:

1. **gap_description**: What protection is missing or insufficient.
2. **severity**: One of "low", "medium", "high", "critical".
3. **affected_techniques**: ATT&CK technique IDs from the list below that the gap leaves open.

%s
Identified techniques:
%s

System description:
---
%s
---

Respond with JSON only:
{"control_gaps":[{"gap_description":"...","severity":"...","affected_techniques":[...]}]}`

// existingControlsBlock introduces caller-supplied controls inside the
// control evaluator prompt.
const existingControlsBlock = `Existing controls described by the system owner:
---
%s
---

Treat a technique as covered only when one of these controls clearly addresses it.

`

// noExistingControlsBlock is used when no controls were supplied.
const noExistingControlsBlock = `No existing controls were described. Infer controls only from the system description itself; everything else is a gap.

`

// riskAssessorSystemPrompt is the system prompt for attack path construction.
const riskAssessorSystemPrompt = `You are a risk analyst constructing realistic multi-step attack paths from identified techniques and control gaps.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// riskAssessorUserPrompt is the user prompt template for attack path
// construction. Placeholders: depth guidance, path cap, techniques JSON,
// gaps JSON.
const riskAssessorUserPrompt = `Construct the most plausible attack paths through this system, then rate each one.

For each path provide:

1. **name**: Short descriptive name.
2. **description**: How the attack unfolds, two or three sentences.
3. **steps**: Ordered steps, each with:
   - **step**: 1-based position.
   - **technique_id**: An ATT&CK technique ID from the identified list below.
   - **tactic**: The tactic the step serves.
   - **target_component**: The component the step acts on.
4. **likelihood**: One of "low", "medium", "high", "critical".
5. **impact**: One of "low", "medium", "high", "critical".

%s
Build at most %d paths, highest risk first. Each path needs at least one step, steps ordered from initial access toward the attacker goal. Favor paths that exploit the reported control gaps.

Identified techniques:
%s

Control gaps:
%s

Respond with JSON only:
{"attack_paths":[{"name":"...","description":"...","steps":[{"step":1,"technique_id":"...","tactic":"...","target_component":"..."}],"likelihood":"...","impact":"..."}]}`

// mitigationSystemPrompt is the system prompt for mitigation recommendations.
const mitigationSystemPrompt = `You are a security engineer proposing concrete mitigations for identified attack paths and control gaps.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// mitigationUserPrompt is the user prompt template for mitigation
// recommendations. Placeholders: recommendation cap, attack paths JSON,
// gaps JSON.
const mitigationUserPrompt = `Recommend mitigations that break the attack paths below and close the control gaps.

For each recommendation provide:

1. **title**: Short actionable title.
2. **description**: What to implement and where, two or three sentences.
3. **priority**: One of "low", "medium", "high", "critical", driven by the risk of what it mitigates.
4. **attack_technique**: The ATT&CK technique ID the recommendation primarily counters.
5. **affected_assets**: Component names the recommendation protects.

List at most %d recommendations, highest priority first. Prefer one strong recommendation per gap over many overlapping ones.

Attack paths:
%s

Control gaps:
%s

Respond with JSON only:
{"recommendations":[{"title":"...","description":"...","priority":"...","attack_technique":"...","affected_assets":[...]}]}`

// depthGuidance returns the prompt fragment and item cap for an analysis
// depth. Caps keep quick runs cheap and deep runs thorough.
func depthGuidance(depth string, quick, standard, deep int) (string, int) {
	switch depth {
	case "quick":
		return "Focus only on the most significant findings.", quick
	case "deep":
		return "Be exhaustive; include less obvious findings when the description supports them.", deep
	default:
		return "Cover the significant findings without padding.", standard
	}
}
