package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/expression"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// IterationFailure is one failed iteration inside a loop.
type IterationFailure struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// LoopError aggregates the failures of a loop step. It enumerates every
// failed iteration with its index and the total iteration count.
type LoopError struct {
	StepName        string             `json:"step_name"`
	TotalIterations int                `json:"total_iterations"`
	Failures        []IterationFailure `json:"failures"`
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("iteration %d: %s", f.Index, f.Message)
	}
	return fmt.Sprintf("loop %q failed in %d of %d iterations: %s",
		e.StepName, len(e.Failures), e.TotalIterations, strings.Join(parts, "; "))
}

// iterationOutcome is the result slot of one iteration: either skipped (never
// started, fail-fast or resume), failed, or the ordered outputs of its nested
// steps.
type iterationOutcome struct {
	skipped bool
	err     error
	outputs []interface{}
	results []*execcontext.StepResult
}

// executeLoop runs a loop step in task-set or for-each mode with bounded
// structured concurrency. Result order always matches input order; fail-fast
// is signalled through a shared flag that not-yet-started iterations consult,
// in-flight iterations are never cancelled.
func (e *Executor) executeLoop(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	resume := e.takeResume()

	if step.ForEach == "" {
		return e.executeTaskSet(ctx, step, ec, cb)
	}

	items, err := e.resolveForEach(step, ec)
	if err != nil {
		return nil, nil, err
	}
	total := len(items)
	concurrency := step.EffectiveConcurrency()

	log.Debug().
		Str("step", step.Name).
		Int("iterations", total).
		Int("concurrency", concurrency).
		Msg("Starting loop")

	// Headless runs accumulate iteration events locally; with an external
	// callback the events are forwarded and the local list stays empty.
	var collector *events.Collector
	iterCb := cb
	if cb == nil {
		collector = events.NewCollector()
		iterCb = collector.Callback()
	}

	slots := make([]iterationOutcome, total)
	var failed atomic.Bool

	runIteration := func(i int) {
		if failed.Load() {
			slots[i] = iterationOutcome{skipped: true}
			return
		}
		var res *LoopResume
		if resume != nil && i == resume.Iteration {
			res = resume
		}
		slots[i] = e.runLoopIteration(ctx, step, ec, iterCb, items[i], i, total, res)
		if slots[i].err != nil {
			failed.Store(true)
		}
	}

	start := 0
	if resume != nil {
		// Earlier iterations already completed in the interrupted run; they
		// are pre-marked skipped and emit no events.
		for i := 0; i < resume.Iteration && i < total; i++ {
			slots[i] = iterationOutcome{skipped: true}
		}
		start = resume.Iteration
	}

	if concurrency == 1 {
		// Sequential mode runs in-line so iteration order is strict.
		for i := start; i < total; i++ {
			runIteration(i)
		}
	} else {
		var sem *semaphore.Weighted
		if concurrency > 0 {
			sem = semaphore.NewWeighted(int64(concurrency))
		}
		var wg sync.WaitGroup
		for i := start; i < total; i++ {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					slots[i] = iterationOutcome{skipped: true, err: err}
					failed.Store(true)
					continue
				}
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if sem != nil {
					defer sem.Release(1)
				}
				runIteration(i)
			}(i)
		}
		wg.Wait()
	}

	return e.assembleLoopOutput(step, slots, total, collector)
}

// runLoopIteration executes the loop body sequentially under a derived
// iteration context and brackets it with iteration events.
func (e *Executor) runLoopIteration(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback, item interface{}, index, total int, resume *LoopResume) iterationOutcome {
	// The parent loop name is whatever loop we are already inside of; nested
	// loops use it to attribute their iteration events.
	parentLoop := ec.Iteration.LoopStep

	iterStart := time.Now()
	cb.Emit(events.Event{
		Type:            events.LoopIterationStarted,
		Timestamp:       iterStart,
		StepName:        step.Name,
		StepPath:        step.Name,
		IterationIndex:  index,
		TotalIterations: total,
		ItemLabel:       itemLabel(item, index),
		ParentStepName:  parentLoop,
	})

	iterCtx := ec.ForIteration(item, index, step.Name)
	nestedCb := events.Prefixed(cb, events.IterationPrefix(step.Name, index))

	outcome := iterationOutcome{}
	for j, nested := range step.Steps {
		if resume != nil && j <= resume.NestedStep {
			// Completed before the checkpoint; hold the slot with a
			// placeholder.
			outcome.outputs = append(outcome.outputs, nil)
			continue
		}
		result := e.ExecuteStep(ctx, nested, iterCtx, nestedCb)
		outcome.results = append(outcome.results, result)
		outcome.outputs = append(outcome.outputs, result.Output)
		if !result.Success {
			outcome.err = fmt.Errorf("step %q: %s", nested.Name, result.Error)
			// Checkpoint progress belongs to the outermost loop: the runner
			// resumes at its iteration index, and an inner loop's indexes
			// mean nothing at that level.
			if !ec.Iteration.Active {
				e.recordLoopProgress(index, j-1)
			}
			break
		}
	}

	errMsg := ""
	if outcome.err != nil {
		errMsg = outcome.err.Error()
	}
	cb.Emit(events.Event{
		Type:           events.LoopIterationCompleted,
		Timestamp:      time.Now(),
		StepName:       step.Name,
		StepPath:       step.Name,
		IterationIndex: index,
		Success:        outcome.err == nil,
		DurationMS:     time.Since(iterStart).Milliseconds(),
		Error:          errMsg,
	})
	return outcome
}

// executeTaskSet runs the loop's steps themselves as the task set, scheduled
// with the loop's effective concurrency. Result order matches step order.
func (e *Executor) executeTaskSet(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	total := len(step.Steps)
	concurrency := step.EffectiveConcurrency()
	slots := make([]iterationOutcome, total)
	var failed atomic.Bool

	runTask := func(i int) {
		if failed.Load() {
			slots[i] = iterationOutcome{skipped: true}
			return
		}
		result := e.ExecuteStep(ctx, step.Steps[i], ec, events.Prefixed(cb, step.Name))
		outcome := iterationOutcome{
			outputs: []interface{}{result.Output},
			results: []*execcontext.StepResult{result},
		}
		if !result.Success {
			outcome.err = fmt.Errorf("step %q: %s", step.Steps[i].Name, result.Error)
			failed.Store(true)
		}
		slots[i] = outcome
	}

	if concurrency == 1 {
		for i := 0; i < total; i++ {
			runTask(i)
		}
	} else {
		var sem *semaphore.Weighted
		if concurrency > 0 {
			sem = semaphore.NewWeighted(int64(concurrency))
		}
		var wg sync.WaitGroup
		for i := 0; i < total; i++ {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					slots[i] = iterationOutcome{skipped: true, err: err}
					failed.Store(true)
					continue
				}
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if sem != nil {
					defer sem.Release(1)
				}
				runTask(i)
			}(i)
		}
		wg.Wait()
	}

	return e.assembleLoopOutput(step, slots, total, nil)
}

// assembleLoopOutput inspects the result slots after the task group drains:
// any failure raises the aggregated LoopError, otherwise the loop output is
// {results, events} preserving input order.
func (e *Executor) assembleLoopOutput(step *ast.Step, slots []iterationOutcome, total int, collector *events.Collector) (interface{}, []*execcontext.StepResult, error) {
	var failures []IterationFailure
	results := make([]interface{}, total)
	var nested []*execcontext.StepResult

	for i, slot := range slots {
		nested = append(nested, slot.results...)
		if slot.err != nil {
			failures = append(failures, IterationFailure{Index: i, Message: slot.err.Error()})
		}
		if slot.skipped {
			results[i] = nil
			continue
		}
		if step.ForEach != "" {
			results[i] = slot.outputs
		} else if len(slot.outputs) > 0 {
			results[i] = slot.outputs[0]
		}
	}

	if len(failures) > 0 {
		sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
		return map[string]interface{}{"results": results}, nested, &LoopError{
			StepName:        step.Name,
			TotalIterations: total,
			Failures:        failures,
		}
	}

	var collected []events.Event
	if collector != nil {
		collected = collector.Events()
	}
	output := map[string]interface{}{
		"results": results,
	}
	if collected != nil {
		evs := make([]interface{}, len(collected))
		for i, ev := range collected {
			evs[i] = ev
		}
		output["events"] = evs
	} else {
		output["events"] = []interface{}{}
	}
	return output, nested, nil
}

func (e *Executor) resolveForEach(step *ast.Step, ec *execcontext.ExecutionContext) ([]interface{}, error) {
	val, err := e.resolver.Render(step.ForEach, ec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve for_each: %w", err)
	}
	items, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("for_each must evaluate to an array, got %T", val)
	}
	return items, nil
}

// itemLabel derives a human-readable label for an iteration item: the first
// of label/name/title/phase/id for maps, the string itself for strings,
// otherwise "Item <n>".
func itemLabel(item interface{}, index int) string {
	switch v := item.(type) {
	case map[string]interface{}:
		for _, key := range []string{"label", "name", "title", "phase", "id"} {
			if val, ok := v[key]; ok {
				if s := expression.ValueToString(val); s != "" {
					return s
				}
			}
		}
	case string:
		if v != "" {
			return v
		}
	}
	return fmt.Sprintf("Item %d", index+1)
}
