// Package engine implements workflow execution: the step executor, the
// control-flow handlers (branch, loop, validate, subworkflow), the top-level
// runner with preflight and input binding, and checkpoint persistence.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/expression"
	"github.com/get2knowio/maverick-sub001/internal/registry"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// Executor dispatches step records to their concrete execution, measures
// duration, emits lifecycle events and records results into the context.
type Executor struct {
	registry *registry.Registry
	resolver *expression.Resolver

	// resume holds one-shot loop resume state set by the runner when a run
	// restarts from a checkpoint. The loop handler consumes it.
	resume *LoopResume

	// progress records the first loop iteration failure of the current
	// top-level step, for checkpointing partial loop state.
	progressMu sync.Mutex
	progress   *LoopResume
}

// LoopResume marks where a resumed loop picks up: iterations before Iteration
// are pre-marked skipped; within iteration Iteration, nested steps up to and
// including NestedStep are skipped.
type LoopResume struct {
	Iteration  int `json:"iteration"`
	NestedStep int `json:"nested_step"`
}

// NewExecutor creates a step executor over a component registry.
func NewExecutor(reg *registry.Registry) *Executor {
	return &Executor{
		registry: reg,
		resolver: expression.NewResolver(),
	}
}

// SetResume arms one-shot loop resume state for the next loop step executed.
func (e *Executor) SetResume(r *LoopResume) {
	e.resume = r
}

// takeResume consumes the armed resume state.
func (e *Executor) takeResume() *LoopResume {
	r := e.resume
	e.resume = nil
	return r
}

func (e *Executor) clearLoopProgress() {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.progress = nil
}

// recordLoopProgress keeps the first failed iteration's position. NestedStep
// is the index of the last nested step that completed inside that iteration.
func (e *Executor) recordLoopProgress(iteration, nestedStep int) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if e.progress == nil {
		e.progress = &LoopResume{Iteration: iteration, NestedStep: nestedStep}
	}
}

func (e *Executor) loopProgress() *LoopResume {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	return e.progress
}

// ExecuteStep runs one step against the context and returns its finalized
// result. It never returns an error: every failure mode is folded into a
// failed StepResult. The result is inserted into the context before return.
func (e *Executor) ExecuteStep(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) *execcontext.StepResult {
	// The when guard runs before any event is emitted: skipped steps leave no
	// trace in the event stream.
	ok, err := e.resolver.EvaluateCondition(step.When, ec)
	if err != nil {
		result := &execcontext.StepResult{
			Name:    step.Name,
			Type:    step.Type,
			Success: false,
			Error:   fmt.Sprintf("failed to evaluate when condition: %v", err),
		}
		ec.SetResult(result)
		return result
	}
	if !ok {
		log.Debug().Str("step", step.Name).Msg("Step skipped by when condition")
		result := &execcontext.StepResult{
			Name:    step.Name,
			Type:    step.Type,
			Success: true,
			Output:  execcontext.SkipMarker{},
		}
		ec.SetResult(result)
		return result
	}

	start := time.Now()
	cb.Emit(events.Event{
		Type:      events.StepStarted,
		Timestamp: start,
		StepName:  step.Name,
		StepType:  string(step.Type),
		StepPath:  step.Name,
	})

	output, nested, err := e.dispatch(ctx, step, ec, cb)
	duration := time.Since(start).Milliseconds()

	result := &execcontext.StepResult{
		Name:       step.Name,
		Type:       step.Type,
		Success:    err == nil,
		Output:     output,
		DurationMS: duration,
		Nested:     nested,
	}
	if err != nil {
		result.Error = err.Error()
		log.Warn().Str("step", step.Name).Err(err).Msg("Step failed")
	}

	cb.Emit(events.Event{
		Type:       events.StepCompleted,
		Timestamp:  time.Now(),
		StepName:   step.Name,
		StepType:   string(step.Type),
		StepPath:   step.Name,
		Success:    result.Success,
		DurationMS: duration,
		Error:      result.Error,
	})

	ec.SetResult(result)
	return result
}

// dispatch selects the handler for the step variant. Panics from handler
// targets are converted to step failures.
func (e *Executor) dispatch(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (output interface{}, nested []*execcontext.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()

	switch step.Type {
	case ast.StepAction:
		output, err = e.executeAction(ctx, step, ec)
	case ast.StepAgent:
		output, err = e.executeAgent(ctx, step, ec)
	case ast.StepGenerate:
		output, err = e.executeGenerate(ctx, step, ec)
	case ast.StepValidate:
		output, nested, err = e.executeValidate(ctx, step, ec, cb)
	case ast.StepBranch:
		output, nested, err = e.executeBranch(ctx, step, ec, cb)
	case ast.StepLoop:
		output, nested, err = e.executeLoop(ctx, step, ec, cb)
	case ast.StepSubworkflow:
		output, nested, err = e.executeSubworkflow(ctx, step, ec, cb)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}
	return output, nested, err
}

// executeAction resolves the keyword arguments and calls the registered
// action. The return value becomes the step output verbatim.
func (e *Executor) executeAction(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext) (interface{}, error) {
	action, ok := e.registry.GetAction(step.Action)
	if !ok {
		return nil, fmt.Errorf("action %q is not registered", step.Action)
	}

	kwargs, err := e.resolver.ResolveMap(step.With, ec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve action arguments: %w", err)
	}

	output, err := action(ctx, kwargs)
	if err != nil {
		return nil, fmt.Errorf("action %q failed: %w", step.Action, err)
	}
	return output, nil
}

func (e *Executor) executeAgent(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext) (interface{}, error) {
	agent, ok := e.registry.GetAgent(step.Agent)
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", step.Agent)
	}

	contextMap, err := e.resolveContextSpec(step.Context, ec)
	if err != nil {
		return nil, err
	}

	output, err := agent.Execute(ctx, contextMap)
	if err != nil {
		return nil, fmt.Errorf("agent %q failed: %w", step.Agent, err)
	}
	return output, nil
}

func (e *Executor) executeGenerate(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext) (interface{}, error) {
	gen, ok := e.registry.GetGenerator(step.Generator)
	if !ok {
		return nil, fmt.Errorf("generator %q is not registered", step.Generator)
	}

	contextMap, err := e.resolveContextSpec(step.Context, ec)
	if err != nil {
		return nil, err
	}

	output, err := gen.Generate(ctx, contextMap)
	if err != nil {
		return nil, fmt.Errorf("generator %q failed: %w", step.Generator, err)
	}
	return output, nil
}

// resolveContextSpec produces the context map of an agent or generate step:
// either a static map resolved through the template resolver or the product
// of a named context builder invoked with (inputs, step outputs).
func (e *Executor) resolveContextSpec(spec *ast.ContextSpec, ec *execcontext.ExecutionContext) (map[string]interface{}, error) {
	if spec == nil {
		return map[string]interface{}{}, nil
	}
	if spec.Builder != "" {
		builder, ok := e.registry.GetContextBuilder(spec.Builder)
		if !ok {
			return nil, fmt.Errorf("context builder %q is not registered", spec.Builder)
		}
		contextMap, err := builder(ec.Inputs, ec.OutputMap())
		if err != nil {
			return nil, fmt.Errorf("context builder %q failed: %w", spec.Builder, err)
		}
		return contextMap, nil
	}
	return e.resolver.ResolveMap(spec.Static, ec)
}
