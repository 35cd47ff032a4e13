package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	_ "github.com/get2knowio/maverick-sub001/internal/testhelper"
)

func testContext(inputs map[string]interface{}) *execcontext.ExecutionContext {
	wf := &ast.Workflow{Version: "1.0", Name: "test_workflow"}
	return execcontext.New(wf, inputs, nil)
}

func TestParseValidExpressions(t *testing.T) {
	valid := []string{
		"inputs.name",
		"inputs.items[0]",
		"inputs.items[-1]",
		`inputs.config["key"]`,
		"inputs.a.b.c",
		"steps.build.output",
		"steps.build.output.artifacts[2].path",
		"item",
		"item.name",
		"item[0]",
		"index",
		"not inputs.flag",
		"inputs.a and inputs.b",
		"inputs.a or inputs.b and inputs.c",
		"inputs.a if inputs.cond else inputs.b",
		"inputs.env == 'prod'",
		"inputs.count != 3",
		"inputs.title if inputs.title else steps.gen.output",
		"'literal'",
		"true",
	}
	for _, src := range valid {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.NoError(t, err)
		})
	}
}

func TestParseInvalidExpressions(t *testing.T) {
	cases := []string{
		"",
		// accessor constraints on references
		"inputs",
		"steps.build",
		"steps.build.value",
		"index.foo",
		"index[0]",
		// not applies once, to simple references only
		"not not inputs.a",
		"not (inputs.a)",
		"not 'literal'",
		// malformed syntax
		".foo",
		"and inputs.a",
		"inputs.items[",
		"inputs.items['unclosed]",
		"inputs.items[1.5.2]",
		"inputs.a @ inputs.b",
		"inputs.a if inputs.b",
		"inputs.a == ",
		"inputs.a inputs.b",
		"steps..output",
		// unknown root
		"outputs.a",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateReferences(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"name":  "maverick",
		"count": 3,
		"flag":  true,
		"items": []interface{}{"a", "b", "c"},
		"config": map[string]interface{}{
			"region": "us-east-1",
			"nested": map[string]interface{}{"depth": 2},
		},
	})
	ec.SetResult(&execcontext.StepResult{
		Name:    "build",
		Type:    ast.StepAction,
		Success: true,
		Output: map[string]interface{}{
			"artifacts": []interface{}{"a.tar", "b.tar"},
		},
	})

	ev := NewEvaluator()
	tests := []struct {
		expr     string
		expected interface{}
	}{
		{"inputs.name", "maverick"},
		{"inputs.count", 3},
		{"inputs.items[0]", "a"},
		{"inputs.items[-1]", "c"},
		{`inputs.config["region"]`, "us-east-1"},
		{"inputs.config.nested.depth", 2},
		{"steps.build.output.artifacts[1]", "b.tar"},
		{"steps.missing.output", nil},
		{"steps.missing.output.deep.path", nil},
		{"not inputs.flag", false},
		{"inputs.name == 'maverick'", true},
		{"inputs.name != 'maverick'", false},
		{"inputs.count == 3", true},
		{"inputs.flag and inputs.name", "maverick"},
		{"inputs.flag or inputs.name", true},
		{"inputs.name if inputs.flag else inputs.count", "maverick"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			val, err := ev.Evaluate(tt.expr, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestEvaluateMissingInputIsHardError(t *testing.T) {
	ec := testContext(map[string]interface{}{"present": 1})
	ev := NewEvaluator()

	_, err := ev.Evaluate("inputs.absent", ec)
	require.Error(t, err)

	var refErr *ReferenceNotFoundError
	assert.ErrorAs(t, err, &refErr)
}

func TestEvaluateShortCircuit(t *testing.T) {
	// The right operand references a missing input; it must not be evaluated
	// when the left operand decides the result.
	ec := testContext(map[string]interface{}{"off": false, "on": true})
	ev := NewEvaluator()

	val, err := ev.Evaluate("inputs.off and inputs.absent", ec)
	require.NoError(t, err)
	assert.Equal(t, false, val)

	val, err = ev.Evaluate("inputs.on or inputs.absent", ec)
	require.NoError(t, err)
	assert.Equal(t, true, val)
}

func TestEvaluateIterationVariables(t *testing.T) {
	parent := testContext(map[string]interface{}{})
	ec := parent.ForIteration(map[string]interface{}{"phase": "build"}, 2, "phases")
	ev := NewEvaluator()

	val, err := ev.Evaluate("item.phase", ec)
	require.NoError(t, err)
	assert.Equal(t, "build", val)

	val, err = ev.Evaluate("index", ec)
	require.NoError(t, err)
	assert.Equal(t, 2, val)

	_, err = ev.Evaluate("index", parent)
	assert.Error(t, err, "index outside a loop iteration")
}

func TestEvaluateIdempotent(t *testing.T) {
	ec := testContext(map[string]interface{}{
		"items": []interface{}{"x", "y"},
	})
	ev := NewEvaluator()

	first, err := ev.Evaluate("inputs.items", ec)
	require.NoError(t, err)
	second, err := ev.Evaluate("inputs.items", ec)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]interface{}{}))
	assert.False(t, Truthy(map[string]interface{}{}))
	assert.False(t, Truthy(execcontext.SkipMarker{}))

	assert.True(t, Truthy(true))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy([]interface{}{1}))
	assert.True(t, Truthy(map[string]interface{}{"k": 1}))
}
