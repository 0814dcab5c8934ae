package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/model"
	"github.com/modelsmith/cad-orchestrator/internal/scad"
)

// Runtime role names for the part worker variants.
const (
	RoleLoopWorker    = "loop"
	RoleProfileWorker = "profile"
	RoleSolidWorker   = "solid"
)

// partPayload is the wire shape of a worker's reply.
type partPayload struct {
	Source string `json:"source"`
}

// RuntimeWorker calls one part-generation role. The same implementation
// serves all three variants; the kind selects the runtime role.
type RuntimeWorker struct {
	client  *RuntimeClient
	kind    model.PartKind
	role    string
	timeout time.Duration
	log     *zap.Logger
}

// NewRuntimeWorker creates a worker for the given kind.
func NewRuntimeWorker(client *RuntimeClient, kind model.PartKind, timeout time.Duration, log *zap.Logger) *RuntimeWorker {
	role := RoleSolidWorker
	switch kind {
	case model.PartKindLoop:
		role = RoleLoopWorker
	case model.PartKindProfile:
		role = RoleProfileWorker
	}
	return &RuntimeWorker{client: client, kind: kind, role: role, timeout: timeout, log: log}
}

// Kind implements PartWorker.
func (w *RuntimeWorker) Kind() model.PartKind {
	return w.kind
}

// Generate implements PartWorker. The returned result is tagged with the part
// id and carries the parameters its fragment declares, extracted from the
// cleaned source.
func (w *RuntimeWorker) Generate(ctx context.Context, in PartInput) (*model.PartResult, error) {
	raw, err := w.client.Invoke(ctx, w.role, w.timeout, in)
	if err != nil {
		return nil, &model.WorkerError{PartID: in.Spec.ID, Err: err}
	}

	var payload partPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &model.WorkerError{PartID: in.Spec.ID, Err: fmt.Errorf("undecodable output: %w", err)}
	}

	source := scad.Clean(payload.Source)
	if source == "" {
		return nil, &model.WorkerError{PartID: in.Spec.ID, Err: fmt.Errorf("empty source fragment")}
	}

	result := &model.PartResult{
		PartID:     in.Spec.ID,
		Source:     source,
		Parameters: scad.ExtractParameters(source),
	}
	w.log.Debug("part generated",
		zap.String("part_id", in.Spec.ID),
		zap.String("kind", string(w.kind)),
		zap.Int("parameters", len(result.Parameters)))
	return result, nil
}
