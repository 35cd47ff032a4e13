// Package execcontext holds the mutable per-run state of a workflow
// execution: resolved inputs, completed step results, iteration variables and
// registered rollbacks. The context is owned by the runner and passed by
// reference to every handler; loop iterations receive a derived copy with a
// private results view.
package execcontext

import (
	"context"
	"sync"
	"time"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/utils"
)

// Config is the opaque host configuration handle. The engine touches it only
// from the validate step handler, for stage resolution and stage running.
type Config interface {
	// ValidationStages returns the default stage list used when a validate
	// step declares no stages.
	ValidationStages() []string

	// NamedStages resolves a stage key to its configured stage list.
	NamedStages(key string) ([]string, bool)

	// RunValidationStages runs the given stages once and reports the outcome.
	RunValidationStages(ctx context.Context, stages []string) (*ValidationOutcome, error)
}

// ValidationOutcome is the result of one validation stage run.
type ValidationOutcome struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Iteration carries the loop variables of the current iteration. LoopStep is
// the name of the innermost enclosing loop; nested loops use it to attribute
// their iteration events to the correct parent.
type Iteration struct {
	Item     interface{}
	Index    int
	LoopStep string
	Active   bool
}

// Rollback is a compensating callable registered during execution and invoked
// in reverse order when the workflow fails.
type Rollback func() error

// ExecutionContext is the runtime state threaded through a workflow run.
type ExecutionContext struct {
	RunID     string
	Workflow  *ast.Workflow
	Inputs    map[string]interface{}
	Iteration Iteration
	Config    Config
	StartTime time.Time

	mu      sync.RWMutex
	results map[string]*StepResult

	rollbackMu sync.Mutex
	rollbacks  []Rollback
}

// New creates an execution context for a run with the given resolved inputs.
func New(wf *ast.Workflow, inputs map[string]interface{}, cfg Config) *ExecutionContext {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	return &ExecutionContext{
		RunID:     utils.GenerateRunID(),
		Workflow:  wf,
		Inputs:    inputs,
		Config:    cfg,
		StartTime: time.Now(),
		results:   make(map[string]*StepResult),
	}
}

// SetResult records a finalized step result under its step name.
func (ec *ExecutionContext) SetResult(result *StepResult) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[result.Name] = result
}

// GetResult returns the result of a completed step.
func (ec *ExecutionContext) GetResult(name string) (*StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[name]
	return r, ok
}

// GetStepOutput returns the output of a completed step.
func (ec *ExecutionContext) GetStepOutput(name string) (interface{}, bool) {
	r, ok := ec.GetResult(name)
	if !ok {
		return nil, false
	}
	return r.Output, true
}

// OutputMap returns a snapshot mapping step name to output, the shape context
// builders receive.
func (ec *ExecutionContext) OutputMap() map[string]interface{} {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]interface{}, len(ec.results))
	for name, r := range ec.results {
		out[name] = r.Output
	}
	return out
}

// ForIteration derives an iteration context: same inputs and config, its own
// item/index, and a private results map seeded from this context. Writes made
// through the derived context are not visible to peer iterations.
func (ec *ExecutionContext) ForIteration(item interface{}, index int, loopStep string) *ExecutionContext {
	ec.mu.RLock()
	seeded := make(map[string]*StepResult, len(ec.results))
	for name, r := range ec.results {
		seeded[name] = r
	}
	ec.mu.RUnlock()

	return &ExecutionContext{
		RunID:     ec.RunID,
		Workflow:  ec.Workflow,
		Inputs:    ec.Inputs,
		Config:    ec.Config,
		StartTime: ec.StartTime,
		results:   seeded,
		Iteration: Iteration{
			Item:     item,
			Index:    index,
			LoopStep: loopStep,
			Active:   true,
		},
	}
}

// RegisterRollback appends a compensating callable. Rollbacks run in reverse
// registration order when the workflow fails.
func (ec *ExecutionContext) RegisterRollback(rb Rollback) {
	ec.rollbackMu.Lock()
	defer ec.rollbackMu.Unlock()
	ec.rollbacks = append(ec.rollbacks, rb)
}

// Rollbacks returns the registered rollbacks in registration order.
func (ec *ExecutionContext) Rollbacks() []Rollback {
	ec.rollbackMu.Lock()
	defer ec.rollbackMu.Unlock()
	out := make([]Rollback, len(ec.rollbacks))
	copy(out, ec.rollbacks)
	return out
}
