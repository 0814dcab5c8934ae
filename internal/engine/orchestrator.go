// Package engine implements the generation loop: a Plan → Generate →
// Assemble → Inspect state machine bounded by a retry budget, with
// dependency-ordered parallel part generation inside each iteration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelsmith/cad-orchestrator/internal/agents"
	"github.com/modelsmith/cad-orchestrator/internal/metrics"
	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// DefaultMaxIterations bounds the loop when the caller does not.
const DefaultMaxIterations = 3

// EventSink receives progress events for the presentation feed. Publish must
// not block the loop.
type EventSink interface {
	Publish(ev model.ProgressEvent)
}

// SnapshotStore persists loop state at iteration boundaries, never mid-wave.
type SnapshotStore interface {
	SaveIteration(ctx context.Context, sessionID uuid.UUID, state model.LoopState) error
}

// Config tunes loop behavior.
type Config struct {
	// MaxIterations is the retry budget when a run does not specify one.
	MaxIterations int
	// DropStaleFindings discards findings whose part id vanished from the
	// current plan before handing history to the planner. Off by default:
	// stale findings still describe rejected approaches worth remembering.
	DropStaleFindings bool
}

// Result is the outcome of a run that reached Accepted or Exhausted. Fatal
// outcomes are returned as an OrchestrationError instead.
type Result struct {
	Status     model.RunStatus
	Artifact   *model.Artifact
	Verdict    *model.Verdict
	Findings   []model.Finding
	Iterations int
}

// Engine drives the generation loop. LoopState is owned exclusively by the
// engine for the duration of a run and never mutated concurrently.
type Engine struct {
	planner   agents.Planner
	pool      *Pool
	assembler *Assembler
	inspector *Inspector
	store     SnapshotStore
	feed      EventSink
	metrics   *metrics.RunMetrics
	cfg       Config
	tracer    trace.Tracer
	log       *zap.Logger
}

// New wires an engine. store, feed and runMetrics may be nil.
func New(planner agents.Planner, pool *Pool, assembler *Assembler, inspector *Inspector,
	store SnapshotStore, feed EventSink, runMetrics *metrics.RunMetrics, cfg Config, log *zap.Logger) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Engine{
		planner:   planner,
		pool:      pool,
		assembler: assembler,
		inspector: inspector,
		store:     store,
		feed:      feed,
		metrics:   runMetrics,
		cfg:       cfg,
		tracer:    otel.Tracer("generation-engine"),
		log:       log,
	}
}

// Run executes the loop for one request. maxIterations overrides the
// configured budget when positive. Accepted and Exhausted outcomes return a
// Result; Fatal returns an OrchestrationError carrying the full finding
// history. Cancellation is honored between stages: a signal arriving mid-wave
// lets in-flight workers finish before the run turns Fatal.
func (e *Engine) Run(ctx context.Context, sessionID uuid.UUID, req model.Request, maxIterations int) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID.String()))

	if maxIterations <= 0 {
		maxIterations = e.cfg.MaxIterations
	}

	start := time.Now()
	if e.metrics != nil {
		e.metrics.RecordRunStarted(ctx, sessionID.String())
	}

	state := model.LoopState{MaxIterations: maxIterations, Status: model.StatusPending}
	var priorPlan *model.Plan
	var priorCode string
	if req.PriorArtifact != nil {
		priorPlan = req.PriorArtifact.Plan
		priorCode = req.PriorArtifact.Source
	}
	var best *model.Artifact
	var lastVerdict *model.Verdict

	fatal := func(reason string, err error) (*Result, error) {
		state.Status = model.StatusFatal
		e.snapshot(sessionID, state)
		e.terminal(ctx, sessionID, state, start)
		return nil, &model.OrchestrationError{
			Status:   model.StatusFatal,
			Reason:   reason,
			Findings: state.Findings,
			Err:      err,
		}
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		state.Iteration = iteration
		if err := ctx.Err(); err != nil {
			return fatal("cancelled before planning", model.ErrCancelled)
		}

		e.publish(model.ProgressEvent{
			SessionID: sessionID,
			Type:      model.EventPlanningStarted,
			Iteration: iteration,
		})

		plan, err := e.planner.Plan(ctx, agents.PlanInput{
			Request:   req.Prompt,
			PriorPlan: priorPlan,
			PriorCode: priorCode,
			Findings:  e.plannerFindings(state.Findings, priorPlan),
		})
		if err != nil {
			return fatal("planning failed", err)
		}
		// The planner contract validates its own output, but the loop's
		// guarantees (no dispatch on a cyclic or empty plan) must not depend
		// on which implementation is injected.
		if err := plan.Validate(); err != nil {
			return fatal("planner emitted an invalid plan", err)
		}
		state.Plan = plan
		priorPlan = plan
		e.log.Info("iteration planned",
			zap.String("session_id", sessionID.String()),
			zap.Int("iteration", iteration),
			zap.Int("parts", len(plan.Parts)))

		if err := ctx.Err(); err != nil {
			return fatal("cancelled before generation", model.ErrCancelled)
		}

		results, err := e.pool.GenerateAll(ctx, req.Prompt, plan, func(wave, total int) {
			e.publish(model.ProgressEvent{
				SessionID:  sessionID,
				Type:       model.EventWaveCompleted,
				Iteration:  iteration,
				Wave:       wave,
				TotalWaves: total,
			})
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fatal("cancelled during generation", model.ErrCancelled)
			}
			return fatal("part generation failed", err)
		}

		verdict, fatalErr := e.inspectIteration(ctx, req, plan, results, &state, &best, &priorCode)
		if fatalErr != nil {
			return fatal("inspection failed", fatalErr)
		}
		lastVerdict = verdict

		e.publish(model.ProgressEvent{
			SessionID: sessionID,
			Type:      model.EventInspectionResult,
			Iteration: iteration,
			Verdict:   verdict,
		})

		for _, f := range verdict.Findings {
			f.Iteration = iteration
			state.Findings = append(state.Findings, f)
		}

		e.publish(model.ProgressEvent{
			SessionID: sessionID,
			Type:      model.EventIterationFinished,
			Iteration: iteration,
		})
		e.snapshot(sessionID, state)

		if verdict.Accepted {
			state.Status = model.StatusAccepted
			e.snapshot(sessionID, state)
			e.terminal(ctx, sessionID, state, start)
			return &Result{
				Status:     model.StatusAccepted,
				Artifact:   state.Artifact,
				Verdict:    verdict,
				Findings:   state.Findings,
				Iterations: iteration,
			}, nil
		}
		e.log.Info("iteration rejected",
			zap.String("session_id", sessionID.String()),
			zap.Int("iteration", iteration),
			zap.String("mode", string(verdict.Mode)),
			zap.Int("findings", len(verdict.Findings)))
	}

	// Budget exhausted without acceptance: not an error. The caller gets the
	// best artifact seen plus the full history explaining why.
	state.Status = model.StatusExhausted
	e.snapshot(sessionID, state)
	e.terminal(ctx, sessionID, state, start)
	return &Result{
		Status:     model.StatusExhausted,
		Artifact:   best,
		Verdict:    lastVerdict,
		Findings:   state.Findings,
		Iterations: maxIterations,
	}, nil
}

// inspectIteration assembles (when every part succeeded) and inspects, or
// synthesizes a rejection verdict from worker failures. It returns a non-nil
// error only for failures that cannot be expressed as findings.
func (e *Engine) inspectIteration(ctx context.Context, req model.Request, plan *model.Plan,
	results map[string]*model.PartResult, state *model.LoopState, best **model.Artifact, priorCode *string) (*model.Verdict, error) {

	if failures := failureFindings(plan, results); len(failures) > 0 {
		return &model.Verdict{
			Accepted: false,
			Mode:     model.ValidationLogical,
			Findings: failures,
		}, nil
	}

	artifact, err := e.assembler.Assemble(plan, results)
	if err != nil {
		return nil, err
	}
	state.Artifact = artifact
	*best = artifact
	*priorCode = artifact.Source

	if err := ctx.Err(); err != nil {
		return nil, model.ErrCancelled
	}
	return e.inspector.Inspect(ctx, req.Prompt, artifact)
}

// failureFindings converts failed part results into findings, in plan order.
func failureFindings(plan *model.Plan, results map[string]*model.PartResult) []model.Finding {
	var findings []model.Finding
	for _, part := range plan.Parts {
		r, ok := results[part.ID]
		if !ok {
			findings = append(findings, model.Finding{
				Severity:    model.SeverityError,
				Description: fmt.Sprintf("no result produced for part %s", part.ID),
				PartID:      part.ID,
			})
			continue
		}
		if !r.OK() {
			findings = append(findings, model.Finding{
				Severity:    model.SeverityError,
				Description: fmt.Sprintf("part generation failed: %s", r.FailureReason),
				PartID:      part.ID,
			})
		}
	}
	return findings
}

// plannerFindings returns the history handed to the planner, optionally
// dropping findings that reference parts absent from the current plan.
func (e *Engine) plannerFindings(history []model.Finding, plan *model.Plan) []model.Finding {
	if !e.cfg.DropStaleFindings || plan == nil {
		return history
	}
	kept := make([]model.Finding, 0, len(history))
	for _, f := range history {
		if f.PartID == "" || plan.Part(f.PartID) != nil {
			kept = append(kept, f)
		}
	}
	return kept
}

// snapshot persists loop state at an iteration boundary. Persistence trouble
// is logged, not fatal: the loop's result does not depend on the store.
func (e *Engine) snapshot(sessionID uuid.UUID, state model.LoopState) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveIteration(ctx, sessionID, state); err != nil {
		e.log.Error("failed to persist iteration snapshot",
			zap.String("session_id", sessionID.String()),
			zap.Int("iteration", state.Iteration),
			zap.Error(err))
	}
}

func (e *Engine) terminal(ctx context.Context, sessionID uuid.UUID, state model.LoopState, start time.Time) {
	e.publish(model.ProgressEvent{
		SessionID: sessionID,
		Type:      model.EventTerminal,
		Iteration: state.Iteration,
		Status:    state.Status,
	})
	if e.metrics != nil {
		e.metrics.RecordRunFinished(ctx, sessionID.String(), string(state.Status), state.Iteration, time.Since(start))
	}
	e.log.Info("run finished",
		zap.String("session_id", sessionID.String()),
		zap.String("status", string(state.Status)),
		zap.Int("iterations", state.Iteration))
}

func (e *Engine) publish(ev model.ProgressEvent) {
	if e.feed == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	e.feed.Publish(ev)
}
