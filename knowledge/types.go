// Package knowledge provides a read-only in-memory index over the MITRE
// ATT&CK technique corpus. The corpus is loaded at process start from
// YAML shards and can be reloaded live when the shard files change.
package knowledge

// Technique is one ATT&CK technique or sub-technique.
type Technique struct {
	// ID is the ATT&CK identifier, e.g. "T1190" or "T1505.003".
	ID string `yaml:"id" json:"id"`

	// Name is the canonical technique name.
	Name string `yaml:"name" json:"name"`

	// Tactic is the primary tactic, e.g. "Initial Access".
	Tactic string `yaml:"tactic" json:"tactic"`

	// Description summarizes the adversary behavior.
	Description string `yaml:"description" json:"description"`

	// SubTechniqueOf is the parent technique ID for sub-techniques.
	SubTechniqueOf string `yaml:"sub_technique_of,omitempty" json:"sub_technique_of,omitempty"`

	// Platforms lists affected platforms (Windows, Linux, SaaS, ...).
	Platforms []string `yaml:"platforms,omitempty" json:"platforms,omitempty"`

	// Mitigations lists canonical ATT&CK mitigations for this technique.
	Mitigations []Mitigation `yaml:"mitigations,omitempty" json:"mitigations,omitempty"`
}

// Mitigation is a canonical ATT&CK mitigation reference.
type Mitigation struct {
	// ID is the ATT&CK mitigation identifier, e.g. "M1050".
	ID string `yaml:"id" json:"id"`

	// Name is the mitigation name.
	Name string `yaml:"name" json:"name"`

	// Description is the canonical mitigation text.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// corpusShard is the on-disk format of one corpus YAML file.
type corpusShard struct {
	Version    string      `yaml:"version"`
	Techniques []Technique `yaml:"techniques"`
}
