package model

// Severity ranks a finding. Acceptance requires zero findings at SeverityError
// or above; warnings and info are preserved for observability but never block.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	// SeveritySyntax marks source the rendering tool could not compile.
	SeveritySyntax Severity = "syntax"
)

var severityRank = map[Severity]int{
	SeverityInfo:    0,
	SeverityWarning: 1,
	SeverityError:   2,
	SeveritySyntax:  3,
}

// Blocks reports whether a finding of this severity blocks acceptance.
func (s Severity) Blocks() bool {
	return severityRank[s] >= severityRank[SeverityError]
}

// Finding is one structured piece of inspector feedback. PartID references the
// responsible part spec when identifiable, and is empty when the finding
// concerns the whole artifact. Iteration records which loop iteration produced
// it, for the cumulative history fed back to the planner.
type Finding struct {
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	PartID      string   `json:"part_id,omitempty"`
	Iteration   int      `json:"iteration,omitempty"`
}

// ValidationMode records which inspection strategy produced a verdict.
type ValidationMode string

const (
	// ValidationVisual renders the artifact and compares the image to the request.
	ValidationVisual ValidationMode = "visual"
	// ValidationLogical statically checks the artifact source without rendering.
	ValidationLogical ValidationMode = "logical"
)

// Verdict is the inspector's decision on one artifact. The orchestrator is
// agnostic to which mode produced it.
type Verdict struct {
	Accepted bool           `json:"accepted"`
	Mode     ValidationMode `json:"mode"`
	Findings []Finding      `json:"findings,omitempty"`
}

// BlockingFindings returns the findings that prevent acceptance.
func (v *Verdict) BlockingFindings() []Finding {
	var blocking []Finding
	for _, f := range v.Findings {
		if f.Severity.Blocks() {
			blocking = append(blocking, f)
		}
	}
	return blocking
}
