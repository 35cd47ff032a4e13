package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/ast"
)

func validateStep(retry int, stages *ast.StageSpec, onFailure *ast.Step) *ast.Step {
	return &ast.Step{
		Name:      "verify",
		Type:      ast.StepValidate,
		Retry:     retry,
		Stages:    stages,
		OnFailure: onFailure,
	}
}

func TestValidateSucceedsFirstAttempt(t *testing.T) {
	cfg := &fakeConfig{defaults: []string{"lint"}, outcomes: []bool{true}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	result := e.ExecuteStep(context.Background(), validateStep(3, nil, nil), ec, nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, cfg.stageCalls())
}

func TestValidateRetriesUntilSuccess(t *testing.T) {
	// Stages fail three times and pass on the fourth call.
	cfg := &fakeConfig{defaults: []string{"lint", "test"}, outcomes: []bool{false, false, false, true}}
	reg := newTestRegistry(t)

	onFailureRuns := 0
	require.NoError(t, reg.RegisterAction("fixup", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		onFailureRuns++
		return nil, nil
	}))

	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	step := validateStep(3, nil, actionStep("fixup", "fixup", nil))
	result := e.ExecuteStep(context.Background(), step, ec, nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 4, cfg.stageCalls(), "stages run once plus one per retry")
	assert.Equal(t, 3, onFailureRuns, "on_failure runs before each retry")

	output := result.Output.(map[string]interface{})
	assert.Equal(t, 4, output["attempts"])
}

func TestValidateExhaustsRetries(t *testing.T) {
	cfg := &fakeConfig{defaults: []string{"lint"}, outcomes: []bool{false}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	result := e.ExecuteStep(context.Background(), validateStep(2, nil, nil), ec, nil)

	require.False(t, result.Success)
	assert.Equal(t, 3, cfg.stageCalls())
	assert.Contains(t, result.Error, "2 retries")
}

func TestValidateOnFailureErrorsSwallowed(t *testing.T) {
	cfg := &fakeConfig{defaults: []string{"lint"}, outcomes: []bool{false, true}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	// on_failure fails every time; the retry loop proceeds regardless.
	step := validateStep(1, nil, actionStep("broken_hook", "fail", map[string]interface{}{"message": "hook broke"}))
	result := e.ExecuteStep(context.Background(), step, ec, nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 2, cfg.stageCalls())
}

func TestValidateStageKeyResolution(t *testing.T) {
	cfg := &fakeConfig{
		defaults:    []string{"lint"},
		namedStages: map[string][]string{"quick": {"lint"}},
		outcomes:    []bool{true},
	}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	result := e.ExecuteStep(context.Background(), validateStep(0, &ast.StageSpec{Key: "quick"}, nil), ec, nil)
	require.True(t, result.Success, result.Error)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, []string{"lint"}, output["stages"])
}

func TestValidateStageKeyNotFound(t *testing.T) {
	cfg := &fakeConfig{namedStages: map[string][]string{}, outcomes: []bool{true}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	result := e.ExecuteStep(context.Background(), validateStep(0, &ast.StageSpec{Key: "absent"}, nil), ec, nil)
	require.False(t, result.Success)
	assert.Contains(t, result.Error, `stage key "absent" not found`)
}

func TestValidateNoConfigIsSuccess(t *testing.T) {
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, nil)

	result := e.ExecuteStep(context.Background(), validateStep(5, nil, nil), ec, nil)
	require.True(t, result.Success, result.Error)
}

func TestValidateEmptyStageListIsSuccess(t *testing.T) {
	// A config whose resolved stage list is empty behaves like no config:
	// zero attempts, vacuous success, the host never invoked.
	cfg := &fakeConfig{defaults: []string{}, outcomes: []bool{false}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	result := e.ExecuteStep(context.Background(), validateStep(2, nil, nil), ec, nil)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 0, cfg.stageCalls())

	output := result.Output.(map[string]interface{})
	assert.Equal(t, 0, output["attempts"])
	assert.Equal(t, true, output["success"])
}

func TestValidateExplicitStageList(t *testing.T) {
	cfg := &fakeConfig{defaults: []string{"other"}, outcomes: []bool{true}}
	reg := newTestRegistry(t)
	e := NewExecutor(reg)
	ec := newTestContext(nil, cfg)

	spec := &ast.StageSpec{List: []string{"unit", "integration"}}
	result := e.ExecuteStep(context.Background(), validateStep(0, spec, nil), ec, nil)
	require.True(t, result.Success, result.Error)

	output := result.Output.(map[string]interface{})
	assert.Equal(t, []string{"unit", "integration"}, output["stages"])
}
