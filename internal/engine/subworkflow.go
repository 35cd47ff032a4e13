package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// executeSubworkflow resolves the target workflow, binds its inputs from the
// parent context and runs it through the runner under a fresh execution
// context. The nested workflow's events are emitted under the subworkflow
// step's path prefix; its WorkflowResult becomes the step output.
func (e *Executor) executeSubworkflow(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	var wf *ast.Workflow
	switch {
	case step.Definition != nil:
		wf = step.Definition
	default:
		target, ok := e.registry.GetSubworkflow(step.Workflow)
		if !ok {
			return nil, nil, fmt.Errorf("subworkflow %q is not registered", step.Workflow)
		}
		wf = target
	}

	bindings, err := e.resolver.ResolveMap(step.Inputs, ec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve subworkflow inputs: %w", err)
	}

	log.Debug().Str("step", step.Name).Str("workflow", wf.Name).Msg("Entering subworkflow")

	runner := NewRunner(e.registry, ec.Config)
	result, err := runner.Run(ctx, wf, bindings, events.Prefixed(cb, step.Name))
	if err != nil {
		return nil, nil, fmt.Errorf("subworkflow %q: %w", wf.Name, err)
	}
	if !result.Success {
		return result, result.Steps, fmt.Errorf("subworkflow %q failed: %s", wf.Name, result.Error)
	}
	return result, result.Steps, nil
}
