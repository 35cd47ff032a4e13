package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// executeBranch evaluates the branch options in declared order and executes
// the step of the first truthy condition. Conditions after the winner are not
// evaluated. No match and no default is a no-op skip.
func (e *Executor) executeBranch(ctx context.Context, step *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	for i, opt := range step.Branches {
		matched, err := e.resolver.EvaluateCondition(opt.When, ec)
		if err != nil {
			return nil, nil, fmt.Errorf("branch option %d: failed to evaluate condition: %w", i, err)
		}
		if !matched {
			continue
		}

		log.Debug().Str("step", step.Name).Int("option", i).Msg("Branch option matched")
		return e.runBranchTarget(ctx, opt.Step, ec, cb)
	}

	if step.Default != nil {
		log.Debug().Str("step", step.Name).Msg("Branch falling through to default")
		return e.runBranchTarget(ctx, step.Default, ec, cb)
	}

	return execcontext.SkipMarker{}, nil, nil
}

func (e *Executor) runBranchTarget(ctx context.Context, target *ast.Step, ec *execcontext.ExecutionContext, cb events.Callback) (interface{}, []*execcontext.StepResult, error) {
	result := e.ExecuteStep(ctx, target, ec, cb)
	nested := []*execcontext.StepResult{result}
	if !result.Success {
		return result.Output, nested, fmt.Errorf("branch step %q failed: %s", target.Name, result.Error)
	}
	return result.Output, nested, nil
}
