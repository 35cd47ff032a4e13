package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/registry"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

func mustParse(t *testing.T, doc string) *ast.Workflow {
	t.Helper()
	wf, err := parser.NewYAMLParser().ParseBytes([]byte(doc))
	require.NoError(t, err)
	return wf
}

func TestRunTrivialFlow(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAction("ok_action", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return "ok", nil
	}))

	wf := mustParse(t, `
version: "1.0"
name: trivial
steps:
  - name: step1
    type: python
    action: ok_action
`)

	collector := events.NewCollector()
	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, nil, collector.Callback())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.FinalOutput)
	require.Len(t, result.Steps, 1)

	var sequence []events.Type
	for _, ev := range collector.Events() {
		sequence = append(sequence, ev.Type)
	}
	assert.Equal(t, []events.Type{
		events.ValidationStarted,
		events.ValidationCompleted,
		events.PreflightStarted,
		events.PreflightCompleted,
		events.WorkflowStarted,
		events.StepStarted,
		events.StepCompleted,
		events.WorkflowCompleted,
	}, sequence)

	last := collector.Events()[len(collector.Events())-1]
	assert.True(t, last.Success)
}

func TestRunParallelForEach(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAction("process", func(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
		return "processed_" + kwargs["value"].(string), nil
	}))

	wf := mustParse(t, `
version: "1.0"
name: fanout
inputs:
  items: array
steps:
  - name: process_all
    type: loop
    for_each: ${{ inputs.items }}
    parallel: true
    steps:
      - name: process_one
        type: python
        action: process
        with:
          value: ${{ item }}
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, map[string]interface{}{
		"items": []interface{}{"apple", "banana", "cherry"},
	}, nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	results := result.FinalOutput.(map[string]interface{})["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, []interface{}{"processed_apple"}, results[0])
	assert.Equal(t, []interface{}{"processed_banana"}, results[1])
	assert.Equal(t, []interface{}{"processed_cherry"}, results[2])
}

func TestRunSequentialFailFast(t *testing.T) {
	reg := newTestRegistry(t)
	rec := &recordingAction{failFor: "fail"}
	require.NoError(t, reg.RegisterAction("record", rec.action))

	wf := mustParse(t, `
version: "1.0"
name: failfast
inputs:
  items: array
steps:
  - name: process_all
    type: loop
    for_each: ${{ inputs.items }}
    max_concurrency: 1
    steps:
      - name: process_one
        type: python
        action: record
        with:
          value: ${{ item }}
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, map[string]interface{}{
		"items": []interface{}{"a", "b", "fail", "c", "d"},
	}, nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"a", "b", "fail"}, rec.invocations())
	assert.Contains(t, result.Error, "iteration 2")
}

func TestRunBranchFallThrough(t *testing.T) {
	reg := newTestRegistry(t)

	wf := mustParse(t, `
version: "1.0"
name: routed
inputs:
  env: string
steps:
  - name: route
    type: branch
    branches:
      - when: ${{ inputs.env == 'prod' }}
        step:
          name: deploy_prod
          type: python
          action: echo
          with:
            message: prod
      - when: ${{ inputs.env == 'staging' }}
        step:
          name: deploy_staging
          type: python
          action: echo
          with:
            message: staging
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, map[string]interface{}{"env": "dev"}, nil)
	require.NoError(t, err)

	require.True(t, result.Success, result.Error)
	assert.True(t, execcontext.IsSkipped(result.Steps[0].Output))
}

func TestRunTemplateFallThroughToStepOutput(t *testing.T) {
	reg := newTestRegistry(t)
	var receivedTitle interface{}
	require.NoError(t, reg.RegisterAction("publish", func(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
		receivedTitle = kwargs["title"]
		return "published", nil
	}))
	require.NoError(t, reg.RegisterGenerator("titler", registry.GeneratorFunc(func(_ context.Context, _ map[string]interface{}) (string, error) {
		return "auto", nil
	})))

	wf := mustParse(t, `
version: "1.0"
name: titled
inputs:
  title:
    type: string
    required: false
    default: ""
steps:
  - name: gen
    type: generate
    generator: titler
  - name: publish
    type: python
    action: publish
    with:
      title: ${{ inputs.title if inputs.title else steps.gen.output }}
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "auto", receivedTitle)
}

func TestRunSiblingStopOnFailure(t *testing.T) {
	reg := newTestRegistry(t)
	ran := false
	require.NoError(t, reg.RegisterAction("after", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		ran = true
		return nil, nil
	}))

	wf := mustParse(t, `
version: "1.0"
name: stopper
steps:
  - name: breaks
    type: python
    action: fail
    with:
      message: first failure
  - name: never_runs
    type: python
    action: after
`)

	collector := events.NewCollector()
	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, nil, collector.Callback())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, ran, "siblings after a failure never start")
	require.Len(t, result.Steps, 1)

	for _, ev := range collector.Events() {
		if ev.Type == events.StepStarted {
			assert.Equal(t, "breaks", ev.StepName)
		}
	}
}

func TestPreflightFailurePreemptsExecution(t *testing.T) {
	reg := newTestRegistry(t)

	wf := mustParse(t, `
version: "1.0"
name: invalid
steps:
  - name: s1
    type: python
    action: unregistered_action
`)

	collector := events.NewCollector()
	runner := NewRunner(reg, nil)
	_, err := runner.Run(context.Background(), wf, nil, collector.Callback())
	require.Error(t, err)

	for _, ev := range collector.Events() {
		assert.NotEqual(t, events.StepStarted, ev.Type, "no step starts when preflight fails")
	}
}

func TestInputBinding(t *testing.T) {
	wf := mustParse(t, `
version: "1.0"
name: typed
inputs:
  topic: string
  count:
    type: integer
    required: false
    default: 3
  verbose:
    type: boolean
    required: false
steps:
  - name: s1
    type: python
    action: echo
`)

	t.Run("defaults applied", func(t *testing.T) {
		bound, err := BindInputs(wf, map[string]interface{}{"topic": "go"})
		require.NoError(t, err)
		assert.Equal(t, "go", bound["topic"])
		assert.Equal(t, 3, bound["count"])
		_, present := bound["verbose"]
		assert.False(t, present, "absent is distinct from null")
	})

	t.Run("required missing", func(t *testing.T) {
		_, err := BindInputs(wf, nil)
		require.Error(t, err)
		var bindErr *InputBindingError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, "topic", bindErr.Input)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := BindInputs(wf, map[string]interface{}{"topic": 42})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected a string")
	})

	t.Run("undeclared input", func(t *testing.T) {
		_, err := BindInputs(wf, map[string]interface{}{"topic": "go", "extra": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not declared")
	})

	t.Run("integral float accepted", func(t *testing.T) {
		bound, err := BindInputs(wf, map[string]interface{}{"topic": "go", "count": 4.0})
		require.NoError(t, err)
		assert.Equal(t, 4.0, bound["count"])
	})
}

func TestRollbacksRunInReverseOrder(t *testing.T) {
	reg := newTestRegistry(t)

	var mu sync.Mutex
	var order []string
	var ecRef *execcontext.ExecutionContext

	require.NoError(t, reg.RegisterAction("setup", func(_ context.Context, kwargs map[string]interface{}) (interface{}, error) {
		name := kwargs["name"].(string)
		ecRef.RegisterRollback(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
		return name, nil
	}))

	wf := mustParse(t, `
version: "1.0"
name: compensated
steps:
  - name: first
    type: python
    action: setup
    with:
      name: first
  - name: second
    type: python
    action: setup
    with:
      name: second
  - name: breaks
    type: python
    action: fail
`)

	// The setup action needs the run's context to register rollbacks; hook it
	// through a wrapper runner invocation.
	runner := NewRunner(reg, nil)

	// Build the context the way Run does, then execute directly.
	bound, err := BindInputs(wf, nil)
	require.NoError(t, err)
	ecRef = execcontext.New(wf, bound, nil)

	result, err := runner.execute(context.Background(), wf, ecRef, 0, nil, nil, ecRef.StartTime)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRollbackErrorsSwallowed(t *testing.T) {
	reg := newTestRegistry(t)
	runner := NewRunner(reg, nil)

	wf := mustParse(t, `
version: "1.0"
name: wf
steps:
  - name: breaks
    type: python
    action: fail
`)

	ec := execcontext.New(wf, nil, nil)
	ran := false
	ec.RegisterRollback(func() error { return assert.AnError })
	ec.RegisterRollback(func() error { panic("rollback panicked") })
	ec.RegisterRollback(func() error { ran = true; return nil })

	result, err := runner.execute(context.Background(), wf, ec, 0, nil, nil, ec.StartTime)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, ran, "rollback proceeds past failing entries")
}

func TestSubworkflowRun(t *testing.T) {
	reg := newTestRegistry(t)

	child := mustParse(t, `
version: "1.0"
name: child
inputs:
  greeting: string
steps:
  - name: say
    type: python
    action: echo
    with:
      message: ${{ inputs.greeting }}
`)
	require.NoError(t, reg.RegisterSubworkflow("child", child))

	parent := mustParse(t, `
version: "1.0"
name: parent
inputs:
  name: string
steps:
  - name: delegate
    type: subworkflow
    workflow: child
    inputs:
      greeting: hello ${{ inputs.name }}
`)

	collector := events.NewCollector()
	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), parent, map[string]interface{}{"name": "world"}, collector.Callback())
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	sub := result.Steps[0].Output.(*execcontext.WorkflowResult)
	assert.True(t, sub.Success)
	assert.Equal(t, "hello world", sub.FinalOutput)

	// Nested workflow events appear under the subworkflow step's path.
	var nestedPaths []string
	for _, ev := range collector.Events() {
		if ev.Type == events.StepStarted && ev.StepName == "say" {
			nestedPaths = append(nestedPaths, ev.StepPath)
		}
	}
	assert.Equal(t, []string{"delegate/say"}, nestedPaths)
}

func TestSubworkflowInlineDefinition(t *testing.T) {
	reg := newTestRegistry(t)

	parent := mustParse(t, `
version: "1.0"
name: parent
steps:
  - name: inline
    type: subworkflow
    definition:
      version: "1.0"
      name: embedded
      steps:
        - name: work
          type: python
          action: echo
          with:
            message: inner
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), parent, nil, nil)
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	sub := result.Steps[0].Output.(*execcontext.WorkflowResult)
	assert.Equal(t, "inner", sub.FinalOutput)
}

func TestSubworkflowFailurePropagates(t *testing.T) {
	reg := newTestRegistry(t)

	child := mustParse(t, `
version: "1.0"
name: child
steps:
  - name: breaks
    type: python
    action: fail
    with:
      message: child broke
`)
	require.NoError(t, reg.RegisterSubworkflow("child", child))

	parent := mustParse(t, `
version: "1.0"
name: parent
steps:
  - name: delegate
    type: subworkflow
    workflow: child
`)

	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), parent, nil, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "child")
}

func TestEventPairingAcrossNestedStructures(t *testing.T) {
	reg := newTestRegistry(t)
	rec := &recordingAction{}
	require.NoError(t, reg.RegisterAction("record", rec.action))

	wf := mustParse(t, `
version: "1.0"
name: nested
inputs:
  items: array
steps:
  - name: prep
    type: python
    action: echo
    with:
      message: start
  - name: fan
    type: loop
    for_each: ${{ inputs.items }}
    max_concurrency: 2
    steps:
      - name: work
        type: python
        action: record
        with:
          value: ${{ item }}
`)

	collector := events.NewCollector()
	runner := NewRunner(reg, nil)
	result, err := runner.Run(context.Background(), wf, map[string]interface{}{
		"items": []interface{}{"a", "b", "c", "d"},
	}, collector.Callback())
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	// Every StepStarted with path P pairs with exactly one StepCompleted
	// with path P, and vice versa.
	started := make(map[string]int)
	completed := make(map[string]int)
	for _, ev := range collector.Events() {
		switch ev.Type {
		case events.StepStarted:
			started[ev.StepPath]++
		case events.StepCompleted:
			completed[ev.StepPath]++
		}
	}
	assert.Equal(t, started, completed)
	for path, n := range started {
		assert.Equal(t, 1, n, path)
	}
}
