package model

import (
	"fmt"
	"sort"
)

// PartKind selects which worker variant generates a part.
type PartKind string

const (
	// PartKindLoop generates 2D paths and outlines (polygon, circle, square).
	PartKindLoop PartKind = "loop"
	// PartKindProfile generates reusable 2D profile modules.
	PartKindProfile PartKind = "profile"
	// PartKindSolid generates 3D bodies (cylinder, cube, extrusions).
	PartKindSolid PartKind = "solid"
)

// IsValid reports whether the kind is one of the known worker variants.
func (k PartKind) IsValid() bool {
	switch k {
	case PartKindLoop, PartKindProfile, PartKindSolid:
		return true
	}
	return false
}

// CompositionStrategy describes how solid parts combine in the emitted model.
type CompositionStrategy string

const (
	// CompositionUnion merges all solids into one body.
	CompositionUnion CompositionStrategy = "union"
	// CompositionDifference subtracts every solid after the first from the first.
	CompositionDifference CompositionStrategy = "difference"
	// CompositionAssembly places solids independently without a boolean operation.
	CompositionAssembly CompositionStrategy = "assembly"
)

// IsValid reports whether the strategy is one the assembler understands.
func (s CompositionStrategy) IsValid() bool {
	switch s {
	case CompositionUnion, CompositionDifference, CompositionAssembly:
		return true
	}
	return false
}

// PartSpec is one planned part: what to generate and what it builds on.
type PartSpec struct {
	ID          string   `json:"id"`
	Kind        PartKind `json:"kind"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Plan is the planner's decomposition of a request into dependency-ordered parts.
type Plan struct {
	Parts       []PartSpec          `json:"parts"`
	Composition CompositionStrategy `json:"composition"`
	Notes       string              `json:"notes,omitempty"`
}

// Part returns the spec with the given id, or nil.
func (p *Plan) Part(id string) *PartSpec {
	for i := range p.Parts {
		if p.Parts[i].ID == id {
			return &p.Parts[i]
		}
	}
	return nil
}

// PartIDs returns all part ids in plan order.
func (p *Plan) PartIDs() []string {
	ids := make([]string, len(p.Parts))
	for i, part := range p.Parts {
		ids[i] = part.ID
	}
	return ids
}

// Solids returns the solid parts in plan order. The assembler composes only
// solids; loop and profile fragments are support code for them.
func (p *Plan) Solids() []PartSpec {
	var solids []PartSpec
	for _, part := range p.Parts {
		if part.Kind == PartKindSolid {
			solids = append(solids, part)
		}
	}
	return solids
}

// Validate checks the structural invariants of a plan: at least one part,
// valid kinds, unique ids, resolvable dependency references and an acyclic
// dependency graph. A cyclic graph is always rejected, never silently broken.
func (p *Plan) Validate() error {
	if len(p.Parts) == 0 {
		return &PlannerError{Reason: PlanEmpty, Detail: "plan contains no parts"}
	}
	if !p.Composition.IsValid() {
		return &PlannerError{
			Reason: PlanUnparseable,
			Detail: fmt.Sprintf("unknown composition strategy %q", p.Composition),
		}
	}

	seen := make(map[string]bool, len(p.Parts))
	for _, part := range p.Parts {
		if part.ID == "" {
			return &PlannerError{Reason: PlanUnparseable, Detail: "part with empty id"}
		}
		if seen[part.ID] {
			return &PlannerError{
				Reason: PlanUnparseable,
				Detail: fmt.Sprintf("duplicate part id %q", part.ID),
			}
		}
		seen[part.ID] = true
		if !part.Kind.IsValid() {
			return &PlannerError{
				Reason: PlanUnparseable,
				Detail: fmt.Sprintf("part %q has unknown kind %q", part.ID, part.Kind),
			}
		}
	}

	for _, part := range p.Parts {
		for _, dep := range part.DependsOn {
			if !seen[dep] {
				return &PlannerError{
					Reason: PlanUnparseable,
					Detail: fmt.Sprintf("part %q depends on unknown part %q", part.ID, dep),
				}
			}
			if dep == part.ID {
				return &PlannerError{
					Reason: PlanCyclicDependency,
					Detail: fmt.Sprintf("part %q depends on itself", part.ID),
				}
			}
		}
	}

	if _, err := p.Waves(); err != nil {
		return err
	}
	return nil
}

// Waves computes the topological wave schedule over the dependency graph:
// wave 1 holds every part with no unmet dependencies, completing it unblocks
// wave 2, and so on. Returns PlannerError with PlanCyclicDependency when the
// graph contains a cycle.
func (p *Plan) Waves() ([][]PartSpec, error) {
	inDegree := make(map[string]int, len(p.Parts))
	dependents := make(map[string][]string, len(p.Parts))
	byID := make(map[string]PartSpec, len(p.Parts))

	for _, part := range p.Parts {
		byID[part.ID] = part
		if _, ok := inDegree[part.ID]; !ok {
			inDegree[part.ID] = 0
		}
		for _, dep := range part.DependsOn {
			inDegree[part.ID]++
			dependents[dep] = append(dependents[dep], part.ID)
		}
	}

	var current []string
	for _, part := range p.Parts {
		if inDegree[part.ID] == 0 {
			current = append(current, part.ID)
		}
	}

	var waves [][]PartSpec
	scheduled := 0
	for len(current) > 0 {
		sort.Strings(current)
		wave := make([]PartSpec, 0, len(current))
		var next []string
		for _, id := range current {
			wave = append(wave, byID[id])
			scheduled++
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		waves = append(waves, wave)
		current = next
	}

	if scheduled != len(p.Parts) {
		unreached := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				unreached = append(unreached, id)
			}
		}
		sort.Strings(unreached)
		return nil, &PlannerError{
			Reason: PlanCyclicDependency,
			Detail: fmt.Sprintf("dependency cycle involving parts %v", unreached),
		}
	}
	return waves, nil
}

// TopologicalOrder returns part ids in dependency order: every dependency
// appears before its dependents. Emission order for the assembler.
func (p *Plan) TopologicalOrder() ([]string, error) {
	waves, err := p.Waves()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(p.Parts))
	for _, wave := range waves {
		for _, part := range wave {
			order = append(order, part.ID)
		}
	}
	return order, nil
}
