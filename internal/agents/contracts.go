// Package agents defines the typed contracts of the generation roles and
// their production implementations backed by the agent runtime service. Each
// role is an opaque, potentially slow, potentially non-deterministic remote
// call; outputs are validated against the expected shape at this boundary and
// never defaulted silently.
package agents

import (
	"context"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// PlanInput is everything the planner sees for one planning round. Findings
// carries the cumulative history across all prior iterations, not just the
// latest verdict, so revised plans cannot oscillate back to a rejected shape.
type PlanInput struct {
	Request    string          `json:"request"`
	PriorPlan  *model.Plan     `json:"prior_plan,omitempty"`
	PriorCode  string          `json:"prior_code,omitempty"`
	Findings   []model.Finding `json:"findings,omitempty"`
}

// Planner decomposes a request into a dependency-ordered part plan.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (*model.Plan, error)
}

// PartInput is one worker invocation: the spec to generate plus the results
// of the parts it depends on (all from earlier waves).
type PartInput struct {
	Request      string             `json:"request"`
	Spec         model.PartSpec     `json:"spec"`
	Dependencies []model.PartResult `json:"dependencies,omitempty"`
}

// PartWorker generates the source fragment for one part spec.
type PartWorker interface {
	Kind() model.PartKind
	Generate(ctx context.Context, in PartInput) (*model.PartResult, error)
}

// ReviewInput is the visual comparator's view of a rendered artifact.
type ReviewInput struct {
	Request  string `json:"request"`
	Source   string `json:"source"`
	ImageB64 string `json:"image_b64,omitempty"`
}

// Review is the comparator's judgement of whether the render matches intent.
type Review struct {
	Accepted bool            `json:"accepted"`
	Findings []model.Finding `json:"findings,omitempty"`
}

// Comparator checks a rendered artifact against the request's intent.
type Comparator interface {
	Compare(ctx context.Context, in ReviewInput) (*Review, error)
}

// WorkerSet maps part kinds to their worker variants.
type WorkerSet struct {
	workers map[model.PartKind]PartWorker
}

// NewWorkerSet builds a set from the given workers, keyed by kind.
func NewWorkerSet(workers ...PartWorker) WorkerSet {
	set := WorkerSet{workers: make(map[model.PartKind]PartWorker, len(workers))}
	for _, w := range workers {
		set.workers[w.Kind()] = w
	}
	return set
}

// For returns the worker for a kind and whether one is registered.
func (s WorkerSet) For(kind model.PartKind) (PartWorker, bool) {
	w, ok := s.workers[kind]
	return w, ok
}
