package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/agents"
	"github.com/modelsmith/cad-orchestrator/internal/model"
	"github.com/modelsmith/cad-orchestrator/internal/render"
	"github.com/modelsmith/cad-orchestrator/internal/scad"
)

// Inspector validates an artifact through one of two strategies: a visual
// render-and-compare when the rendering tool is available, or a static
// logical check of the source otherwise. Both produce the same verdict shape;
// the orchestrator never cares which ran.
type Inspector struct {
	renderer   *render.Renderer
	comparator agents.Comparator
	log        *zap.Logger
}

// NewInspector creates an inspector. renderer and comparator may be nil, in
// which case only the logical strategy is used.
func NewInspector(renderer *render.Renderer, comparator agents.Comparator, log *zap.Logger) *Inspector {
	return &Inspector{renderer: renderer, comparator: comparator, log: log}
}

// Inspect validates the artifact against the request. Assembly warnings ride
// along into the verdict so they stay observable. A rendering tool failure
// demotes this inspection to the logical strategy; a compile failure becomes
// a syntax finding. Only a comparator invocation failure returns an error.
func (i *Inspector) Inspect(ctx context.Context, request string, artifact *model.Artifact) (*model.Verdict, error) {
	carried := append([]model.Finding(nil), artifact.Warnings...)

	if i.renderer != nil && i.renderer.Available() && i.comparator != nil {
		verdict, err := i.inspectVisual(ctx, request, artifact, carried)
		if err != nil {
			return nil, err
		}
		if verdict != nil {
			return verdict, nil
		}
		// Tool failure: fall through to the logical strategy for this round.
	}

	return i.inspectLogical(artifact, carried), nil
}

// inspectVisual renders the artifact and asks the comparator whether the
// image matches intent. Returns (nil, nil) when the rendering tool itself
// failed and the caller should demote to the logical strategy.
func (i *Inspector) inspectVisual(ctx context.Context, request string, artifact *model.Artifact, carried []model.Finding) (*model.Verdict, error) {
	imagePath, err := i.renderer.Render(ctx, artifact.Source)
	if err != nil {
		var renderErr *model.RenderError
		if errors.As(err, &renderErr) && renderErr.Compile {
			finding := model.Finding{
				Severity:    model.SeveritySyntax,
				Description: compileDescription(renderErr.Output),
				PartID:      responsiblePart(renderErr.Output, artifact.Plan),
			}
			return &model.Verdict{
				Accepted: false,
				Mode:     model.ValidationVisual,
				Findings: append(carried, finding),
			}, nil
		}
		i.log.Warn("rendering tool failed, demoting to logical inspection", zap.Error(err))
		return nil, nil
	}

	imageB64, err := encodeImage(imagePath)
	if err != nil {
		i.log.Warn("could not read rendered image, demoting to logical inspection", zap.Error(err))
		return nil, nil
	}

	review, err := i.comparator.Compare(ctx, agents.ReviewInput{
		Request:  request,
		Source:   artifact.Source,
		ImageB64: imageB64,
	})
	if err != nil {
		return nil, err
	}

	findings := append(carried, review.Findings...)
	return &model.Verdict{
		Accepted: review.Accepted && !hasBlocking(findings),
		Mode:     model.ValidationVisual,
		Findings: findings,
	}, nil
}

// inspectLogical statically checks the artifact source: well-formedness,
// presence of every planned solid module, and parameter sanity.
func (i *Inspector) inspectLogical(artifact *model.Artifact, carried []model.Finding) *model.Verdict {
	findings := carried

	if strings.TrimSpace(artifact.Source) == "" {
		findings = append(findings, model.Finding{
			Severity:    model.SeverityError,
			Description: "artifact source is empty",
		})
	}
	if !scad.BalancedBraces(artifact.Source) {
		findings = append(findings, model.Finding{
			Severity:    model.SeveritySyntax,
			Description: "unbalanced braces or brackets in artifact source",
		})
	}

	if artifact.Plan != nil {
		for _, part := range artifact.Plan.Solids() {
			if !scad.HasModule(artifact.Source, part.ID) {
				findings = append(findings, model.Finding{
					Severity:    model.SeverityError,
					Description: fmt.Sprintf("module %s is not defined in the artifact", part.ID),
					PartID:      part.ID,
				})
			}
		}
	}

	findings = append(findings, scad.CheckParameters(artifact.Parameters, "")...)
	if len(artifact.Parameters) == 0 {
		findings = append(findings, model.Finding{
			Severity:    model.SeverityInfo,
			Description: "artifact declares no adjustable parameters",
		})
	}

	return &model.Verdict{
		Accepted: !hasBlocking(findings),
		Mode:     model.ValidationLogical,
		Findings: findings,
	}
}

func hasBlocking(findings []model.Finding) bool {
	for _, f := range findings {
		if f.Severity.Blocks() {
			return true
		}
	}
	return false
}

// responsiblePart scans the tool's diagnostics for a part id, so syntax
// findings can reference the offending part when identifiable.
func responsiblePart(output string, plan *model.Plan) string {
	if plan == nil {
		return ""
	}
	for _, part := range plan.Parts {
		if strings.Contains(output, part.ID) {
			return part.ID
		}
	}
	return ""
}

func compileDescription(output string) string {
	out := strings.TrimSpace(output)
	if len(out) > 500 {
		out = out[:500] + "..."
	}
	if out == "" {
		return "generated source failed to compile"
	}
	return "generated source failed to compile: " + out
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
