package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	_ "github.com/get2knowio/maverick-sub001/internal/testhelper"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	// Copy the root to avoid mutating global command state between tests.
	cmd := &cobra.Command{
		Use:   root.Use,
		Short: root.Short,
		Long:  root.Long,
		Run:   root.Run,
	}

	for _, subCmd := range root.Commands() {
		cmd.AddCommand(subCmd)
	}

	cmd.Flags().AddFlagSet(root.Flags())
	cmd.PersistentFlags().AddFlagSet(root.PersistentFlags())

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	assert.NoError(t, err)
	assert.Contains(t, output, "declarative automation workflows")
	assert.Contains(t, output, "Available Commands:")
}

func TestGlobalFlags(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "string", flag.Value.Type())

	flag = rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, flag)
	assert.Equal(t, "disabled", flag.DefValue)

	flag = rootCmd.PersistentFlags().Lookup("output")
	require.NotNil(t, flag)
	assert.Equal(t, "text", flag.DefValue)
}

func TestGetVersion(t *testing.T) {
	version := getVersion()
	assert.Contains(t, version, "dev")
	assert.Contains(t, version, "unknown")
}

func TestInitLogging(t *testing.T) {
	require.NotPanics(t, func() {
		initLogging()
	})
}

func TestVersionCommand(t *testing.T) {
	output, err := executeCommand(rootCmd, "version")
	assert.NoError(t, err)
	assert.Contains(t, output, "maverick dev")
}

func TestSchemaCommand(t *testing.T) {
	output, err := executeCommand(rootCmd, "schema")
	require.NoError(t, err)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &schema))
	assert.Contains(t, schema, "properties")
}

func TestCoerceInputs(t *testing.T) {
	wf := &ast.Workflow{
		Version: "1.0",
		Name:    "wf",
		Inputs: ast.Inputs{
			{Name: "topic", Type: ast.InputString},
			{Name: "count", Type: ast.InputInteger},
			{Name: "dry", Type: ast.InputBoolean},
			{Name: "items", Type: ast.InputArray},
		},
	}

	inputs, err := coerceInputs(wf, map[string]string{
		"topic": "go",
		"count": "3",
		"dry":   "true",
		"items": `["a","b"]`,
	})
	require.NoError(t, err)
	assert.Equal(t, "go", inputs["topic"])
	assert.Equal(t, 3, inputs["count"])
	assert.Equal(t, true, inputs["dry"])
	assert.Equal(t, []interface{}{"a", "b"}, inputs["items"])

	_, err = coerceInputs(wf, map[string]string{"count": "many"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected an integer")

	// Undeclared keys pass through for input binding to reject.
	inputs, err = coerceInputs(wf, map[string]string{"mystery": "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", inputs["mystery"])
}

func TestBuildRunOutput(t *testing.T) {
	result := &execcontext.WorkflowResult{
		RunID:    "run_1",
		Workflow: "wf",
		Success:  false,
		Error:    `step "b" failed: boom`,
		Steps: []*execcontext.StepResult{
			{Name: "a", Type: ast.StepAction, Success: true, Output: "done", DurationMS: 5},
			{Name: "skip_me", Type: ast.StepAction, Success: true, Output: execcontext.SkipMarker{}},
			{Name: "b", Type: ast.StepLoop, Success: false, Error: "boom"},
		},
	}

	out := buildRunOutput("wf.yaml", map[string]interface{}{"k": "v"}, result)
	assert.Equal(t, "failed", out.Status)
	assert.Equal(t, "run_1", out.RunID)
	require.Len(t, out.Steps, 3)
	assert.Equal(t, "completed", out.Steps[0].Status)
	assert.Equal(t, "done", out.Steps[0].Output)
	assert.Equal(t, "skipped", out.Steps[1].Status)
	assert.Equal(t, "failed", out.Steps[2].Status)
	assert.Equal(t, "loop", out.Steps[2].Type)
}

func TestProgressTracker(t *testing.T) {
	t.Setenv("MAVERICK_TEST", "true")

	var buf bytes.Buffer
	tracker := newProgressTracker(&buf)
	tracker.Start()

	cb := tracker.Callback()
	now := time.Now()
	cb(events.Event{Type: events.WorkflowStarted, Timestamp: now, TotalSteps: 2})
	cb(events.Event{Type: events.StepStarted, Timestamp: now, StepName: "build", StepPath: "build"})
	cb(events.Event{Type: events.StepCompleted, Timestamp: now, StepName: "build", StepPath: "build", Success: true, DurationMS: 100})
	cb(events.Event{Type: events.StepStarted, Timestamp: now, StepName: "all", StepPath: "all"})
	cb(events.Event{Type: events.LoopIterationStarted, Timestamp: now, StepName: "all", StepPath: "all", IterationIndex: 0, TotalIterations: 3, ItemLabel: "alpha"})
	cb(events.Event{Type: events.StepCompleted, Timestamp: now, StepName: "all", StepPath: "all", Success: false, Error: "boom"})
	tracker.Stop()

	output := buf.String()
	assert.Contains(t, output, "[SPINNER START]")
	assert.Contains(t, output, "[SET SUFFIX] Step 1/2:")
	assert.Contains(t, output, "[SET SUFFIX] Step 2/2:")
	assert.Contains(t, output, "[1/3]")
	assert.Contains(t, output, "[FINAL MSG]")
	assert.Contains(t, output, "[SPINNER STOP]")
}

func TestValidateSingleFile(t *testing.T) {
	yamlParser := parser.NewYAMLParser()
	semantic := parser.NewSemanticValidator(newComponentRegistry())

	valid := writeTempWorkflow(t, `
version: "1.0"
name: ok
steps:
  - name: hello
    type: python
    action: echo
    with:
      message: hi
`)
	result := validateSingleFile(yamlParser, semantic, valid)
	assert.True(t, result.Valid, result.Errors)
	assert.Empty(t, result.Errors)

	// Host-registered components warn instead of failing.
	hostAction := writeTempWorkflow(t, `
version: "1.0"
name: host
steps:
  - name: custom
    type: python
    action: deploy_service
`)
	result = validateSingleFile(yamlParser, semantic, hostAction)
	assert.True(t, result.Valid, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "deploy_service")

	badExpr := writeTempWorkflow(t, `
version: "1.0"
name: bad
steps:
  - name: broken
    type: python
    action: echo
    when: ${{ inputs }}
`)
	result = validateSingleFile(yamlParser, semantic, badExpr)
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "accessor")
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml")
	writeFile(t, dir, "b.yml")
	writeFile(t, dir, "notes.txt")

	files, err := collectFiles([]string{dir}, false)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = collectFiles([]string{dir + "/missing.yaml"}, false)
	assert.Error(t, err)
}

func writeTempWorkflow(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x: 1\n"), 0o644))
}
