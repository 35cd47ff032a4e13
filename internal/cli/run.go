package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/engine"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/registry"
	"github.com/get2knowio/maverick-sub001/internal/style"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [workflow.yaml]",
	Short: "Execute a workflow",
	Long: `Execute a workflow locally with real-time progress reporting.

This command:
- Parses and validates the workflow document
- Binds inputs against the workflow's declarations
- Executes steps sequentially with fail-stop semantics
- Streams per-step progress, including loop iterations

Examples:
  maverick run workflow.yaml                     # Run with default settings
  maverick run workflow.yaml --input key=value   # Provide input parameters
  maverick run workflow.yaml --dry-run           # Validate without execution
  maverick run workflow.yaml --output json       # JSON output for automation
  maverick run workflow.yaml --state-dir .state  # Checkpoint for later resume`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWorkflow(cmd, args[0])
	},
}

var (
	runInputs   map[string]string
	runDryRun   bool
	runTimeout  time.Duration
	runStateDir string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringToStringVarP(&runInputs, "input", "i", map[string]string{}, "input parameters (key=value)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and bind inputs without executing")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "overall execution timeout")
	runCmd.Flags().StringVar(&runStateDir, "state-dir", "", "directory for run checkpoints (enables resume)")
}

func runWorkflow(cmd *cobra.Command, workflowFile string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down gracefully")
		cancel()
	}()

	if runTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	workflow, err := parser.NewYAMLParser().ParseFile(workflowFile)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to parse workflow: %v", err))
		os.Exit(1)
	}

	log.Info().
		Str("workflow", workflowFile).
		Str("version", workflow.Version).
		Int("steps", len(workflow.Steps)).
		Msg("Workflow loaded")

	inputs, err := coerceInputs(workflow, runInputs)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), err.Error())
		os.Exit(1)
	}

	components := newComponentRegistry()

	if runDryRun {
		if err := dryRunWorkflow(components, workflow, inputs); err != nil {
			style.Error(cmd.ErrOrStderr(), err.Error())
			os.Exit(1)
		}
		if !viper.GetBool("quiet") {
			style.Success(cmd.OutOrStdout(), "Workflow validation completed (dry-run mode)")
		}
		return
	}

	runner := engine.NewRunner(components, nil)
	if runStateDir != "" {
		store, err := engine.NewFileCheckpointStore(runStateDir)
		if err != nil {
			style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to open state directory: %v", err))
			os.Exit(1)
		}
		runner = runner.WithCheckpoints(store)
	}

	var cb events.Callback
	if showProgress() {
		tracker := newProgressTracker(cmd.OutOrStdout())
		tracker.Start()
		defer tracker.Stop()
		cb = tracker.Callback()

		if !viper.GetBool("quiet") {
			fmt.Fprintf(cmd.OutOrStdout(), "\nRunning %s (%d steps)\n\n",
				style.InfoStyle.Render(workflow.Name), len(workflow.Steps))
		}
	}

	result, err := runner.Run(ctx, workflow, inputs, cb)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), err.Error())
		os.Exit(1)
	}

	printRunOutput(cmd.OutOrStdout(), buildRunOutput(workflowFile, inputs, result))

	if !result.Success {
		os.Exit(1)
	}
}

// dryRunWorkflow performs the pre-execution phases only.
func dryRunWorkflow(components *registry.Registry, workflow *ast.Workflow, inputs map[string]interface{}) error {
	if structural := ast.NewValidator().ValidateWorkflow(workflow); structural.HasErrors() {
		return fmt.Errorf("workflow validation failed: %s", structural.Error())
	}
	if result := parser.NewSemanticValidator(components).Validate(workflow); result.HasErrors() {
		return fmt.Errorf("semantic validation failed: %s", result.Error())
	}
	_, err := engine.BindInputs(workflow, inputs)
	return err
}

// newComponentRegistry builds the registry available to CLI-invoked
// workflows: the built-in actions.
func newComponentRegistry() *registry.Registry {
	components := registry.New()
	if err := registry.RegisterBuiltins(components); err != nil {
		// Registration of the fixed built-in set cannot collide.
		panic(err)
	}
	return components
}

// coerceInputs converts key=value flag strings to the types the workflow
// declares. Undeclared keys pass through untouched so input binding can
// report them.
func coerceInputs(workflow *ast.Workflow, raw map[string]string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(raw))
	for name, val := range raw {
		decl, ok := workflow.GetInput(name)
		if !ok {
			inputs[name] = val
			continue
		}
		switch decl.Type {
		case ast.InputInteger:
			i, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("input %q: expected an integer, got %q", name, val)
			}
			inputs[name] = i
		case ast.InputBoolean:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("input %q: expected a boolean, got %q", name, val)
			}
			inputs[name] = b
		case ast.InputArray, ast.InputObject:
			var parsed interface{}
			if err := json.Unmarshal([]byte(val), &parsed); err != nil {
				return nil, fmt.Errorf("input %q: expected JSON, got %q", name, val)
			}
			inputs[name] = parsed
		default:
			inputs[name] = val
		}
	}
	return inputs, nil
}

func showProgress() bool {
	return !viper.GetBool("quiet") && viper.GetString("output") == "text"
}
