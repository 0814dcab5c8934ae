package model

// Request is one user turn: the natural-language ask plus, for edit and refine
// turns, the artifact the user is iterating on. Never mutated after creation.
type Request struct {
	Prompt        string    `json:"prompt"`
	PriorArtifact *Artifact `json:"prior_artifact,omitempty"`
}

// Parameter is one named numeric value declared by a generated fragment.
// These are what the GUI exposes as sliders.
type Parameter struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// PartResult is a worker's output for one part spec. Immutable once produced;
// FailureReason is set when generation failed terminally (after retry).
type PartResult struct {
	PartID        string      `json:"part_id"`
	Source        string      `json:"source,omitempty"`
	Parameters    []Parameter `json:"parameters,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// OK reports whether the part was generated successfully.
func (r *PartResult) OK() bool {
	return r.FailureReason == ""
}

// Artifact is one complete assembled model program: merged source text, the
// union of all part parameters, and the plan that produced it. Warnings carry
// non-fatal assembly observations (parameter collisions) into inspection.
// Artifacts contain no timestamps or random ids so that assembling identical
// inputs yields byte-identical artifacts.
type Artifact struct {
	Source     string      `json:"source"`
	Parameters []Parameter `json:"parameters"`
	Plan       *Plan       `json:"plan"`
	Warnings   []Finding   `json:"warnings,omitempty"`
}

// Parameter returns the named parameter and whether it exists.
func (a *Artifact) Parameter(name string) (Parameter, bool) {
	for _, p := range a.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}
