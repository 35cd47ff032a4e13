package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/registry"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// Runner orchestrates a workflow run: preflight validation, input binding,
// sequential top-level stepping with fail-stop, rollbacks, checkpointing and
// final result assembly.
type Runner struct {
	registry    *registry.Registry
	config      execcontext.Config
	checkpoints CheckpointStore
}

// NewRunner creates a runner over a component registry. The config handle may
// be nil; validate steps then resolve to the empty stage list.
func NewRunner(reg *registry.Registry, cfg execcontext.Config) *Runner {
	return &Runner{registry: reg, config: cfg}
}

// WithCheckpoints enables checkpoint persistence after each top-level step.
func (r *Runner) WithCheckpoints(store CheckpointStore) *Runner {
	r.checkpoints = store
	return r
}

// Run executes a workflow. The returned error is non-nil only for failures
// that pre-empt execution (validation, preflight, input binding): once the
// first step starts, failures are reported through the WorkflowResult.
func (r *Runner) Run(ctx context.Context, wf *ast.Workflow, inputs map[string]interface{}, cb events.Callback) (*execcontext.WorkflowResult, error) {
	start := time.Now()

	cb.Emit(events.Event{Type: events.ValidationStarted, Timestamp: time.Now(), WorkflowName: wf.Name})
	err := r.validate(wf)
	cb.Emit(events.Event{
		Type:         events.ValidationCompleted,
		Timestamp:    time.Now(),
		WorkflowName: wf.Name,
		Success:      err == nil,
	})
	if err != nil {
		return nil, err
	}

	cb.Emit(events.Event{Type: events.PreflightStarted, Timestamp: time.Now(), WorkflowName: wf.Name})
	bound, err := BindInputs(wf, inputs)
	cb.Emit(events.Event{
		Type:         events.PreflightCompleted,
		Timestamp:    time.Now(),
		WorkflowName: wf.Name,
		Success:      err == nil,
	})
	if err != nil {
		return nil, err
	}

	ec := execcontext.New(wf, bound, r.config)
	log.Info().
		Str("run_id", ec.RunID).
		Str("workflow", wf.Name).
		Int("steps", len(wf.Steps)).
		Msg("Starting workflow")

	return r.execute(ctx, wf, ec, 0, nil, cb, start)
}

// Resume restarts a run from a checkpoint: the context is rebuilt from the
// recorded inputs and results, execution continues at the recorded step, and
// a partially completed loop picks up at its recorded iteration.
func (r *Runner) Resume(ctx context.Context, wf *ast.Workflow, cp *Checkpoint, cb events.Callback) (*execcontext.WorkflowResult, error) {
	if cp.Workflow != wf.Name {
		return nil, fmt.Errorf("checkpoint belongs to workflow %q, not %q", cp.Workflow, wf.Name)
	}
	if err := r.validate(wf); err != nil {
		return nil, err
	}

	ec := execcontext.New(wf, cp.Inputs, r.config)
	ec.RunID = cp.RunID
	for _, result := range cp.Results {
		ec.SetResult(result)
	}

	log.Info().
		Str("run_id", cp.RunID).
		Str("workflow", wf.Name).
		Int("step_index", cp.StepIndex).
		Msg("Resuming workflow")

	prior := make([]*execcontext.StepResult, len(cp.Results))
	copy(prior, cp.Results)
	start := cp.StepIndex
	if n := len(prior); n > 0 && cp.StepIndex < len(wf.Steps) && prior[n-1].Name == wf.Steps[cp.StepIndex].Name {
		if prior[n-1].Success {
			// The checkpointed step completed; continue after it.
			start = cp.StepIndex + 1
		} else {
			// The checkpointed step re-runs; its failed result is dropped.
			prior = prior[:n-1]
		}
	}
	return r.execute(ctx, wf, ec, start, prior, cb, time.Now(), withResume(cp.Loop)...)
}

type runOption func(*Executor)

func withResume(lr *LoopResume) []runOption {
	if lr == nil {
		return nil
	}
	return []runOption{func(e *Executor) { e.SetResume(lr) }}
}

// execute walks the top-level steps from startIndex, stopping at the first
// failure and running rollbacks in reverse order.
func (r *Runner) execute(ctx context.Context, wf *ast.Workflow, ec *execcontext.ExecutionContext, startIndex int, prior []*execcontext.StepResult, cb events.Callback, start time.Time, opts ...runOption) (*execcontext.WorkflowResult, error) {
	executor := NewExecutor(r.registry)
	for _, opt := range opts {
		opt(executor)
	}

	cb.Emit(events.Event{
		Type:         events.WorkflowStarted,
		Timestamp:    time.Now(),
		WorkflowName: wf.Name,
		TotalSteps:   len(wf.Steps),
	})

	results := prior
	success := true
	errMsg := ""
	var finalOutput interface{}
	if n := len(results); n > 0 {
		finalOutput = results[n-1].Output
	}

	for i := startIndex; i < len(wf.Steps); i++ {
		step := wf.Steps[i]
		executor.clearLoopProgress()

		result := executor.ExecuteStep(ctx, step, ec, cb)
		results = append(results, result)
		finalOutput = result.Output

		r.saveCheckpoint(ec, wf, i, results, executor.loopProgress())

		if !result.Success {
			success = false
			errMsg = fmt.Sprintf("step %q failed: %s", step.Name, result.Error)
			r.runRollbacks(ec)
			break
		}
	}

	duration := time.Since(start).Milliseconds()
	cb.Emit(events.Event{
		Type:         events.WorkflowCompleted,
		Timestamp:    time.Now(),
		WorkflowName: wf.Name,
		Success:      success,
		DurationMS:   duration,
	})

	log.Info().
		Str("run_id", ec.RunID).
		Str("workflow", wf.Name).
		Bool("success", success).
		Int64("duration_ms", duration).
		Msg("Workflow finished")

	return &execcontext.WorkflowResult{
		RunID:       ec.RunID,
		Workflow:    wf.Name,
		Success:     success,
		Steps:       results,
		FinalOutput: finalOutput,
		Error:       errMsg,
		DurationMS:  duration,
	}, nil
}

// validate runs structural and semantic validation. Both must pass before
// any step executes.
func (r *Runner) validate(wf *ast.Workflow) error {
	if structural := ast.NewValidator().ValidateWorkflow(wf); structural.HasErrors() {
		return fmt.Errorf("workflow validation failed: %s", structural.Error())
	}
	semantic := parser.NewSemanticValidator(r.registry)
	if result := semantic.Validate(wf); result.HasErrors() {
		return fmt.Errorf("semantic validation failed: %s", result.Error())
	}
	return nil
}

// runRollbacks executes registered rollbacks in reverse registration order.
// Rollback errors are logged and suppressed.
func (r *Runner) runRollbacks(ec *execcontext.ExecutionContext) {
	rollbacks := ec.Rollbacks()
	for i := len(rollbacks) - 1; i >= 0; i-- {
		func(i int) {
			defer func() {
				if p := recover(); p != nil {
					log.Warn().Str("run_id", ec.RunID).Interface("panic", p).Msg("Rollback panicked")
				}
			}()
			if err := rollbacks[i](); err != nil {
				log.Warn().Str("run_id", ec.RunID).Err(err).Msg("Rollback failed")
			}
		}(i)
	}
}

func (r *Runner) saveCheckpoint(ec *execcontext.ExecutionContext, wf *ast.Workflow, stepIndex int, results []*execcontext.StepResult, loop *LoopResume) {
	if r.checkpoints == nil {
		return
	}
	cp := &Checkpoint{
		RunID:     ec.RunID,
		Workflow:  wf.Name,
		StepIndex: stepIndex,
		Inputs:    ec.Inputs,
		Results:   results,
		Loop:      loop,
		UpdatedAt: time.Now(),
	}
	if err := r.checkpoints.Save(cp); err != nil {
		log.Warn().Str("run_id", ec.RunID).Err(err).Msg("Failed to save checkpoint")
	}
}

// InputBindingError reports a missing or mistyped workflow input.
type InputBindingError struct {
	Input   string
	Message string
}

func (e *InputBindingError) Error() string {
	return fmt.Sprintf("input %q: %s", e.Input, e.Message)
}

// BindInputs resolves the caller-supplied input map against the workflow's
// declarations: defaults applied, required inputs enforced, every value
// type-checked. Inputs that are neither required nor defaulted stay absent.
func BindInputs(wf *ast.Workflow, provided map[string]interface{}) (map[string]interface{}, error) {
	bound := make(map[string]interface{}, len(wf.Inputs))

	for name := range provided {
		if _, ok := wf.GetInput(name); !ok {
			return nil, &InputBindingError{Input: name, Message: "not declared by the workflow"}
		}
	}

	for _, decl := range wf.Inputs {
		val, ok := provided[decl.Name]
		if !ok {
			if decl.Default != nil {
				bound[decl.Name] = decl.Default
				continue
			}
			if decl.Required {
				return nil, &InputBindingError{Input: decl.Name, Message: "required input is missing"}
			}
			// Neither required nor defaulted: absent, distinct from null.
			continue
		}
		if err := checkInputType(decl.Type, val); err != nil {
			return nil, &InputBindingError{Input: decl.Name, Message: err.Error()}
		}
		bound[decl.Name] = val
	}
	return bound, nil
}

func checkInputType(t ast.InputType, val interface{}) error {
	switch t {
	case ast.InputString:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected a string, got %T", val)
		}
	case ast.InputInteger:
		switch v := val.(type) {
		case int, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected an integer, got %v", v)
			}
		default:
			return fmt.Errorf("expected an integer, got %T", val)
		}
	case ast.InputBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected a boolean, got %T", val)
		}
	case ast.InputArray:
		if _, ok := val.([]interface{}); !ok {
			return fmt.Errorf("expected an array, got %T", val)
		}
	case ast.InputObject:
		if _, ok := val.(map[string]interface{}); !ok {
			return fmt.Errorf("expected an object, got %T", val)
		}
	}
	return nil
}
