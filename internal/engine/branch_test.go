package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
)

func branchStep(name string, options []*ast.BranchOption, def *ast.Step) *ast.Step {
	return &ast.Step{Name: name, Type: ast.StepBranch, Branches: options, Default: def}
}

func TestBranchFirstTruthyWins(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(map[string]interface{}{"env": "staging"}, nil)

	step := branchStep("route", []*ast.BranchOption{
		{When: "${{ inputs.env == 'prod' }}", Step: actionStep("deploy_prod", "echo", map[string]interface{}{"message": "prod"})},
		{When: "${{ inputs.env == 'staging' }}", Step: actionStep("deploy_staging", "echo", map[string]interface{}{"message": "staging"})},
	}, nil)

	result := e.ExecuteStep(context.Background(), step, ec, nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "staging", result.Output)

	_, prodRan := ec.GetResult("deploy_prod")
	assert.False(t, prodRan)
	_, stagingRan := ec.GetResult("deploy_staging")
	assert.True(t, stagingRan)
}

func TestBranchConditionsAfterWinnerNotEvaluated(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	// The second condition references a missing input and would error if
	// evaluated.
	ec := newTestContext(map[string]interface{}{"go": true}, nil)

	step := branchStep("route", []*ast.BranchOption{
		{When: "${{ inputs.go }}", Step: actionStep("chosen", "echo", map[string]interface{}{"message": "ok"})},
		{When: "${{ inputs.absent }}", Step: actionStep("never", "echo", nil)},
	}, nil)

	result := e.ExecuteStep(context.Background(), step, ec, nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "ok", result.Output)
}

func TestBranchNoMatchIsSkip(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(map[string]interface{}{"env": "dev"}, nil)

	step := branchStep("route", []*ast.BranchOption{
		{When: "${{ inputs.env == 'prod' }}", Step: actionStep("deploy_prod", "echo", nil)},
		{When: "${{ inputs.env == 'staging' }}", Step: actionStep("deploy_staging", "echo", nil)},
	}, nil)

	result := e.ExecuteStep(context.Background(), step, ec, nil)
	require.True(t, result.Success, result.Error)
	assert.True(t, execcontext.IsSkipped(result.Output))

	_, ok := ec.GetResult("deploy_prod")
	assert.False(t, ok)
	_, ok = ec.GetResult("deploy_staging")
	assert.False(t, ok)
}

func TestBranchDefaultTaken(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(map[string]interface{}{"env": "dev"}, nil)

	step := branchStep("route", []*ast.BranchOption{
		{When: "${{ inputs.env == 'prod' }}", Step: actionStep("deploy_prod", "echo", nil)},
	}, actionStep("fallback", "echo", map[string]interface{}{"message": "default"}))

	result := e.ExecuteStep(context.Background(), step, ec, nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "default", result.Output)
}

func TestBranchInnerFailurePropagates(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(map[string]interface{}{"go": true}, nil)

	step := branchStep("route", []*ast.BranchOption{
		{When: "${{ inputs.go }}", Step: actionStep("broken", "fail", map[string]interface{}{"message": "inner broke"})},
	}, nil)

	result := e.ExecuteStep(context.Background(), step, ec, nil)
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "inner broke")
	require.Len(t, result.Nested, 1)
	assert.False(t, result.Nested[0].Success)
}
