package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/agents"
	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// fakePlanner replays scripted plans and records every input it saw.
type fakePlanner struct {
	plans  []*model.Plan
	err    error
	inputs []agents.PlanInput
}

func (p *fakePlanner) Plan(ctx context.Context, in agents.PlanInput) (*model.Plan, error) {
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return nil, p.err
	}
	idx := len(p.inputs) - 1
	if idx >= len(p.plans) {
		idx = len(p.plans) - 1
	}
	return p.plans[idx], nil
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (s *recordingSink) Publish(ev model.ProgressEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.Type
	}
	return types
}

// recordingStore collects iteration snapshots.
type recordingStore struct {
	mu     sync.Mutex
	states []model.LoopState
	err    error
}

func (s *recordingStore) SaveIteration(ctx context.Context, sessionID uuid.UUID, state model.LoopState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.states = append(s.states, state)
	return nil
}

func washerOnlyPlan() *model.Plan {
	return &model.Plan{
		Composition: model.CompositionUnion,
		Parts:       []model.PartSpec{{ID: "washer_body", Kind: model.PartKindSolid}},
	}
}

// scriptedSolidWorker returns the scripted source for each successive call.
type scriptedSolidWorker struct {
	mu      sync.Mutex
	sources []string
	calls   int
}

func (w *scriptedSolidWorker) Kind() model.PartKind { return model.PartKindSolid }

func (w *scriptedSolidWorker) Generate(ctx context.Context, in agents.PartInput) (*model.PartResult, error) {
	w.mu.Lock()
	idx := w.calls
	if idx >= len(w.sources) {
		idx = len(w.sources) - 1
	}
	source := w.sources[idx]
	w.calls++
	w.mu.Unlock()

	if source == "" {
		return nil, fmt.Errorf("scripted failure")
	}
	return &model.PartResult{
		PartID:     in.Spec.ID,
		Source:     source,
		Parameters: []model.Parameter{{Name: "outer_diameter", Value: 16}},
	}, nil
}

const (
	goodWasherSource = "outer_diameter = 16;\nmodule washer_body() {\n    cylinder(d=outer_diameter, h=2);\n}"
	// No module definition, so logical inspection rejects it.
	badWasherSource = "cylinder(d=16, h=2);"
)

func newTestEngine(planner agents.Planner, worker agents.PartWorker, store SnapshotStore, feed EventSink, cfg Config) *Engine {
	log := zap.NewNop()
	return New(
		planner,
		NewPool(agents.NewWorkerSet(worker), log),
		NewAssembler(log),
		NewInspector(nil, nil, log),
		store,
		feed,
		nil,
		cfg,
		log,
	)
}

func TestEngine_Run_AcceptedFirstIteration(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}
	store := &recordingStore{}
	sink := &recordingSink{}

	eng := newTestEngine(planner, worker, store, sink, Config{})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "an M8 washer"}, 3)
	require.NoError(t, err)

	assert.Equal(t, model.StatusAccepted, result.Status)
	assert.Equal(t, 1, result.Iterations)
	require.NotNil(t, result.Artifact)
	assert.Contains(t, result.Artifact.Source, "module washer_body()")
	require.NotNil(t, result.Verdict)
	assert.True(t, result.Verdict.Accepted)

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, model.EventPlanningStarted, types[0])
	assert.Equal(t, model.EventTerminal, types[len(types)-1])
}

func TestEngine_Run_RejectedTwiceThenAccepted(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{badWasherSource, badWasherSource, goodWasherSource}}

	eng := newTestEngine(planner, worker, &recordingStore{}, nil, Config{})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "an M8 washer"}, 3)
	require.NoError(t, err)

	assert.Equal(t, model.StatusAccepted, result.Status)
	assert.Equal(t, 3, result.Iterations)

	// The planner's third round saw the full history of both rejections.
	require.Len(t, planner.inputs, 3)
	third := planner.inputs[2]
	iterations := map[int]bool{}
	for _, f := range third.Findings {
		iterations[f.Iteration] = true
	}
	assert.True(t, iterations[1])
	assert.True(t, iterations[2])
}

func TestEngine_Run_ExhaustedReturnsBestArtifact(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{badWasherSource}}
	store := &recordingStore{}

	eng := newTestEngine(planner, worker, store, nil, Config{})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "an M8 washer"}, 2)
	require.NoError(t, err, "an exhausted budget is an outcome, not an error")

	assert.Equal(t, model.StatusExhausted, result.Status)
	assert.Equal(t, 2, result.Iterations)
	require.NotNil(t, result.Artifact, "caller still gets the best artifact seen")

	iterations := map[int]bool{}
	for _, f := range result.Findings {
		iterations[f.Iteration] = true
	}
	assert.True(t, iterations[1])
	assert.True(t, iterations[2])

	// Final snapshot carries the terminal status.
	require.NotEmpty(t, store.states)
	assert.Equal(t, model.StatusExhausted, store.states[len(store.states)-1].Status)
}

func TestEngine_Run_CyclicPlanIsFatalBeforeDispatch(t *testing.T) {
	cyclic := &model.Plan{
		Composition: model.CompositionUnion,
		Parts: []model.PartSpec{
			{ID: "washer_body", Kind: model.PartKindSolid, DependsOn: []string{"washer_body"}},
		},
	}
	planner := &fakePlanner{plans: []*model.Plan{cyclic}}
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}

	eng := newTestEngine(planner, worker, nil, nil, Config{})

	_, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.Error(t, err)

	var orchErr *model.OrchestrationError
	require.True(t, errors.As(err, &orchErr))
	assert.Equal(t, model.StatusFatal, orchErr.Status)

	var plannerErr *model.PlannerError
	require.True(t, errors.As(err, &plannerErr))
	assert.Equal(t, model.PlanCyclicDependency, plannerErr.Reason)

	assert.Equal(t, 0, worker.calls, "no workers run on an invalid plan")
}

func TestEngine_Run_PlannerErrorIsFatal(t *testing.T) {
	planner := &fakePlanner{err: &model.PlannerError{Reason: model.PlanEmpty, Detail: "no parts"}}
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}

	eng := newTestEngine(planner, worker, nil, nil, Config{})

	_, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.Error(t, err)

	var orchErr *model.OrchestrationError
	require.True(t, errors.As(err, &orchErr))
	assert.Equal(t, model.StatusFatal, orchErr.Status)
}

func TestEngine_Run_CancelledBeforePlanning(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}

	eng := newTestEngine(planner, worker, nil, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Run(ctx, uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Empty(t, planner.inputs)
}

// cancellingWorker triggers run cancellation from inside its first invocation
// and still returns a usable fragment, like a worker caught mid-flight.
type cancellingWorker struct {
	cancel context.CancelFunc
	calls  int
}

func (w *cancellingWorker) Kind() model.PartKind { return model.PartKindSolid }

func (w *cancellingWorker) Generate(ctx context.Context, in agents.PartInput) (*model.PartResult, error) {
	w.calls++
	w.cancel()
	return &model.PartResult{
		PartID: in.Spec.ID,
		Source: fmt.Sprintf("module %s() {}", in.Spec.ID),
	}, nil
}

func TestEngine_Run_CancelledDuringGeneration(t *testing.T) {
	plan := &model.Plan{
		Composition: model.CompositionUnion,
		Parts: []model.PartSpec{
			{ID: "washer_body", Kind: model.PartKindSolid},
			{ID: "cap", Kind: model.PartKindSolid, DependsOn: []string{"washer_body"}},
		},
	}
	planner := &fakePlanner{plans: []*model.Plan{plan}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := &cancellingWorker{cancel: cancel}

	eng := newTestEngine(planner, worker, nil, nil, Config{})

	_, err := eng.Run(ctx, uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrCancelled,
		"a signal between waves surfaces as cancellation, not a generation failure")

	var orchErr *model.OrchestrationError
	require.True(t, errors.As(err, &orchErr))
	assert.Equal(t, model.StatusFatal, orchErr.Status)

	// The first wave's worker completed; the second wave never started.
	assert.Equal(t, 1, worker.calls)
}

func TestEngine_Run_WorkerFailureBecomesFindingNotFatal(t *testing.T) {
	plan := &model.Plan{
		Composition: model.CompositionUnion,
		Parts: []model.PartSpec{
			{ID: "washer_body", Kind: model.PartKindSolid},
			{ID: "outline", Kind: model.PartKindLoop},
		},
	}
	planner := &fakePlanner{plans: []*model.Plan{plan}}
	// Loop worker never registered, so outline fails while washer_body succeeds.
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}

	eng := newTestEngine(planner, worker, nil, nil, Config{})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "a washer"}, 1)
	require.NoError(t, err)

	assert.Equal(t, model.StatusExhausted, result.Status)
	assert.Nil(t, result.Artifact, "partial results are never assembled")

	found := false
	for _, f := range result.Findings {
		if f.PartID == "outline" && f.Severity == model.SeverityError {
			found = true
		}
	}
	assert.True(t, found, "the failed part surfaces as an error finding")
}

func TestEngine_Run_DropStaleFindings(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{badWasherSource, goodWasherSource}}

	eng := newTestEngine(planner, worker, nil, nil, Config{DropStaleFindings: true})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, result.Status)

	// washer_body stays in the plan, so its findings survive the filter.
	require.Len(t, planner.inputs, 2)
	assert.NotEmpty(t, planner.inputs[1].Findings)
}

func TestEngine_Run_SnapshotFailureDoesNotAbortRun(t *testing.T) {
	planner := &fakePlanner{plans: []*model.Plan{washerOnlyPlan()}}
	worker := &scriptedSolidWorker{sources: []string{goodWasherSource}}
	store := &recordingStore{err: errors.New("db down")}

	eng := newTestEngine(planner, worker, store, nil, Config{})

	result, err := eng.Run(context.Background(), uuid.New(), model.Request{Prompt: "a washer"}, 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, result.Status)
}
