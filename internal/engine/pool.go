package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/modelsmith/cad-orchestrator/internal/agents"
	"github.com/modelsmith/cad-orchestrator/internal/model"
)

// workerRetries is how many times a failed worker invocation is retried
// in-process before the failure is recorded as terminal for the part.
const workerRetries = 1

// WaveProgress is called after each completed wave with its 1-based index
// and the total wave count.
type WaveProgress func(wave, total int)

// Pool executes the part-generation tasks of a plan as a dependency-ordered
// parallel schedule: every part whose dependencies are satisfied runs
// concurrently with its wave, and a wave must fully complete before the next
// one starts. Each part's slot in the result map is written exactly once.
type Pool struct {
	workers agents.WorkerSet
	log     *zap.Logger
}

// NewPool creates a worker pool over the given worker set.
func NewPool(workers agents.WorkerSet, log *zap.Logger) *Pool {
	return &Pool{workers: workers, log: log}
}

// GenerateAll produces exactly one PartResult per part spec in the plan. A
// single part failure does not abort its siblings; it is recorded as a failed
// result and surfaces as a finding at inspection. The returned error is
// non-nil only when nothing succeeded (total failure) or the context was
// cancelled between waves.
func (p *Pool) GenerateAll(ctx context.Context, request string, plan *model.Plan, onWave WaveProgress) (map[string]*model.PartResult, error) {
	waves, err := plan.Waves()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]*model.PartResult, len(plan.Parts))
	record := func(r *model.PartResult) {
		mu.Lock()
		results[r.PartID] = r
		mu.Unlock()
	}

	for waveIdx, wave := range waves {
		// Cancellation between waves; in-flight workers of the previous wave
		// have already finished by construction.
		if err := ctx.Err(); err != nil {
			return results, err
		}

		g := new(errgroup.Group)
		for _, spec := range wave {
			spec := spec
			g.Go(func() error {
				record(p.generateOne(ctx, request, spec, results, &mu))
				return nil
			})
		}
		// Join semantics: the goroutines above never return errors, so this
		// only waits for the wave to drain.
		_ = g.Wait()

		if onWave != nil {
			onWave(waveIdx+1, len(waves))
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.OK() {
			succeeded++
		}
	}
	if succeeded == 0 {
		return results, fmt.Errorf("all %d parts failed to generate", len(plan.Parts))
	}
	return results, nil
}

// generateOne runs one worker invocation with a single in-process retry.
// It always returns a result, failed or not, so the slot is never left empty.
func (p *Pool) generateOne(ctx context.Context, request string, spec model.PartSpec, results map[string]*model.PartResult, mu *sync.Mutex) *model.PartResult {
	deps, failedDep := p.dependencyResults(spec, results, mu)
	if failedDep != "" {
		return &model.PartResult{
			PartID:        spec.ID,
			FailureReason: fmt.Sprintf("dependency %q failed to generate", failedDep),
		}
	}

	worker, ok := p.workers.For(spec.Kind)
	if !ok {
		return &model.PartResult{
			PartID:        spec.ID,
			FailureReason: fmt.Sprintf("no worker registered for kind %q", spec.Kind),
		}
	}

	in := agents.PartInput{Request: request, Spec: spec, Dependencies: deps}

	// Run cancellation is honored between waves only: a dispatched worker
	// finishes its invocation, bounded by its own per-role timeout, so a
	// completed wave never holds torn-down partial results.
	workerCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= workerRetries; attempt++ {
		result, err := worker.Generate(workerCtx, in)
		if err == nil {
			return result
		}
		lastErr = err
		p.log.Warn("worker invocation failed",
			zap.String("part_id", spec.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return &model.PartResult{PartID: spec.ID, FailureReason: lastErr.Error()}
}

// dependencyResults collects the results of a part's dependencies, all of
// which belong to earlier, already-joined waves. Returns the id of the first
// failed dependency, if any.
func (p *Pool) dependencyResults(spec model.PartSpec, results map[string]*model.PartResult, mu *sync.Mutex) ([]model.PartResult, string) {
	mu.Lock()
	defer mu.Unlock()

	deps := make([]model.PartResult, 0, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		r, ok := results[dep]
		if !ok || !r.OK() {
			return nil, dep
		}
		deps = append(deps, *r)
	}
	return deps, ""
}
