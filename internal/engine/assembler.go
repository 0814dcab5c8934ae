package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
	"github.com/modelsmith/cad-orchestrator/internal/scad"
)

// Assembler deterministically merges part fragments into one artifact.
// Assembly is pure code emission, no model call: identical inputs yield
// byte-identical artifacts.
type Assembler struct {
	log *zap.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(log *zap.Logger) *Assembler {
	return &Assembler{log: log}
}

// Assemble requires a successful result for every part in the plan and never
// emits a partial artifact. The merged source hoists all part parameters into
// one block (name collisions: the later part by plan order wins, recorded as
// an informational finding), emits fragments in dependency order, and closes
// with the composition clause over the plan's solids.
func (a *Assembler) Assemble(plan *model.Plan, results map[string]*model.PartResult) (*model.Artifact, error) {
	var missing []string
	for _, part := range plan.Parts {
		r, ok := results[part.ID]
		if !ok || !r.OK() {
			missing = append(missing, part.ID)
		}
	}
	if len(missing) > 0 {
		return nil, &model.AssemblerError{MissingParts: missing}
	}

	params, warnings := mergeParameters(plan, results)

	order, err := plan.TopologicalOrder()
	if err != nil {
		// Plans reach the assembler already validated; a cycle here means the
		// plan was mutated after validation.
		return nil, err
	}

	var b strings.Builder
	b.WriteString("// ")
	b.WriteString(headerNote(plan))
	b.WriteString("\n$fn = 100;\n")

	if len(params) > 0 {
		b.WriteString("\n// Parameters\n")
		for _, p := range params {
			fmt.Fprintf(&b, "%s = %s;\n", p.Name, formatValue(p.Value))
		}
	}

	for _, id := range order {
		part := plan.Part(id)
		fragment := scad.StripParameters(results[id].Source)
		if fragment == "" {
			continue
		}
		fmt.Fprintf(&b, "\n// --- %s (%s) ---\n%s\n", part.ID, part.Kind, fragment)
	}

	solids := plan.Solids()
	if len(solids) == 0 {
		warnings = append(warnings, model.Finding{
			Severity:    model.SeverityWarning,
			Description: "plan contains no solid parts; nothing is composed at top level",
		})
	} else {
		b.WriteString("\n// --- composition ---\n")
		b.WriteString(compositionClause(plan.Composition, solids))
	}

	artifact := &model.Artifact{
		Source:     b.String(),
		Parameters: params,
		Plan:       plan,
		Warnings:   warnings,
	}
	a.log.Info("artifact assembled",
		zap.Int("parts", len(plan.Parts)),
		zap.Int("parameters", len(params)),
		zap.Int("warnings", len(warnings)))
	return artifact, nil
}

// mergeParameters unions part parameters in plan order. First declaration
// fixes a name's position; a later part redeclaring it overwrites the value
// and produces an informational finding.
func mergeParameters(plan *model.Plan, results map[string]*model.PartResult) ([]model.Parameter, []model.Finding) {
	var params []model.Parameter
	var warnings []model.Finding
	index := make(map[string]int)
	owner := make(map[string]string)

	for _, part := range plan.Parts {
		for _, p := range results[part.ID].Parameters {
			if i, seen := index[p.Name]; seen {
				warnings = append(warnings, model.Finding{
					Severity: model.SeverityInfo,
					Description: fmt.Sprintf("parameter %s from part %s overrides value declared by part %s",
						p.Name, part.ID, owner[p.Name]),
					PartID: part.ID,
				})
				params[i].Value = p.Value
				owner[p.Name] = part.ID
				continue
			}
			index[p.Name] = len(params)
			owner[p.Name] = part.ID
			params = append(params, p)
		}
	}
	return params, warnings
}

// compositionClause emits the top-level invocation of the solid modules.
func compositionClause(strategy model.CompositionStrategy, solids []model.PartSpec) string {
	var b strings.Builder
	switch strategy {
	case model.CompositionDifference:
		b.WriteString("difference() {\n")
		for _, s := range solids {
			fmt.Fprintf(&b, "    %s();\n", s.ID)
		}
		b.WriteString("}\n")
	case model.CompositionAssembly:
		for _, s := range solids {
			fmt.Fprintf(&b, "%s();\n", s.ID)
		}
	default: // union
		b.WriteString("union() {\n")
		for _, s := range solids {
			fmt.Fprintf(&b, "    %s();\n", s.ID)
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func headerNote(plan *model.Plan) string {
	if plan.Notes != "" {
		return plan.Notes
	}
	return fmt.Sprintf("model with %d parts", len(plan.Parts))
}

// formatValue prints a parameter value without a trailing ".0" so the output
// matches what a person would type.
func formatValue(v float64) string {
	s := fmt.Sprintf("%g", v)
	return s
}
