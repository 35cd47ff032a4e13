package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/registry"
)

func TestFileCheckpointStore(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	cp := &Checkpoint{
		RunID:     "run_test",
		Workflow:  "wf",
		StepIndex: 1,
		Inputs:    map[string]interface{}{"topic": "go"},
		Loop:      &LoopResume{Iteration: 2, NestedStep: -1},
	}
	require.NoError(t, store.Save(cp))

	loaded, err := store.Load("run_test")
	require.NoError(t, err)
	assert.Equal(t, "wf", loaded.Workflow)
	assert.Equal(t, 1, loaded.StepIndex)
	assert.Equal(t, map[string]interface{}{"topic": "go"}, loaded.Inputs)
	require.NotNil(t, loaded.Loop)
	assert.Equal(t, 2, loaded.Loop.Iteration)

	runs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"run_test"}, runs)

	require.NoError(t, store.Delete("run_test"))
	_, err = store.Load("run_test")
	assert.Error(t, err)
}

func TestCheckpointAndResumeLoop(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	doc := `
version: "1.0"
name: resumable
inputs:
  items: array
steps:
  - name: prep
    type: python
    action: echo
    with:
      message: ready
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
`

	inputs := map[string]interface{}{
		"items": []interface{}{"a", "b", "fail", "d"},
	}

	// First run fails at iteration 2 and leaves a checkpoint.
	firstReg := newTestRegistry(t)
	firstRec := &recordingAction{failFor: "fail"}
	require.NoError(t, firstReg.RegisterAction("record", firstRec.action))

	wf := mustParse(t, doc)
	runner := NewRunner(firstReg, nil).WithCheckpoints(store)
	result, err := runner.Run(context.Background(), wf, inputs, nil)
	require.NoError(t, err)
	require.False(t, result.Success)

	cp, err := store.Load(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.StepIndex, "checkpoint points at the failed loop step")
	require.NotNil(t, cp.Loop, "partial loop progress is recorded")
	assert.Equal(t, 2, cp.Loop.Iteration)
	assert.Equal(t, -1, cp.Loop.NestedStep)

	// Resume with the failure cause removed: completed iterations are
	// skipped, the failing iteration re-runs.
	secondReg := newTestRegistry(t)
	secondRec := &recordingAction{}
	require.NoError(t, secondReg.RegisterAction("record", secondRec.action))

	resumeRunner := NewRunner(secondReg, nil).WithCheckpoints(store)
	resumed, err := resumeRunner.Resume(context.Background(), wf, cp, nil)
	require.NoError(t, err)

	require.True(t, resumed.Success, resumed.Error)
	assert.Equal(t, result.RunID, resumed.RunID)
	assert.Equal(t, []string{"fail", "d"}, secondRec.invocations())

	// The prep step's result is carried from the checkpoint, not re-run.
	var names []string
	for _, step := range resumed.Steps {
		names = append(names, step.Name)
	}
	assert.Equal(t, []string{"prep", "process_all"}, names)
}

func TestResumeRejectsWrongWorkflow(t *testing.T) {
	reg := registry.New()
	runner := NewRunner(reg, nil)

	wf := mustParse(t, `
version: "1.0"
name: alpha
steps:
  - name: s1
    type: python
    action: echo
`)
	_, err := runner.Resume(context.Background(), wf, &Checkpoint{Workflow: "beta"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beta")
}
