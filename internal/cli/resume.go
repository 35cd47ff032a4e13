package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/get2knowio/maverick-sub001/internal/engine"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/style"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

var (
	resumeStateDir string
	resumeTimeout  time.Duration
)

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume [workflow.yaml] [run-id]",
	Short: "Resume an interrupted workflow run",
	Long: `Resume a workflow run from its last checkpoint.

The checkpoint records completed step results and partial loop progress, so
completed work is not repeated: a loop that failed at iteration N picks up at
iteration N.

Without a run ID the available checkpoints in the state directory are listed.

Examples:
  maverick resume workflow.yaml --state-dir .state          # List resumable runs
  maverick resume workflow.yaml run_abc123 --state-dir .state`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			listCheckpoints(cmd)
			return
		}
		resumeWorkflow(cmd, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().StringVar(&resumeStateDir, "state-dir", ".maverick/state", "directory holding run checkpoints")
	resumeCmd.Flags().DurationVar(&resumeTimeout, "timeout", 30*time.Minute, "overall execution timeout")
}

func listCheckpoints(cmd *cobra.Command) {
	store, err := engine.NewFileCheckpointStore(resumeStateDir)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to open state directory: %v", err))
		os.Exit(1)
	}

	runs, err := store.List()
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to list checkpoints: %v", err))
		os.Exit(1)
	}

	if len(runs) == 0 {
		style.Info(cmd.OutOrStdout(), "No resumable runs found")
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Resumable runs in %s:\n", resumeStateDir)
	for _, runID := range runs {
		cp, err := store.Load(runID)
		if err != nil {
			fmt.Fprintf(out, "  %s (unreadable: %v)\n", runID, err)
			continue
		}
		fmt.Fprintf(out, "  %s  workflow=%s step=%d updated=%s\n",
			style.AccentStyle.Render(runID), cp.Workflow, cp.StepIndex,
			cp.UpdatedAt.Format(time.RFC3339))
	}
}

func resumeWorkflow(cmd *cobra.Command, workflowFile, runID string) {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down gracefully")
		cancel()
	}()

	if resumeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, resumeTimeout)
		defer cancel()
	}

	workflow, err := parser.NewYAMLParser().ParseFile(workflowFile)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to parse workflow: %v", err))
		os.Exit(1)
	}

	store, err := engine.NewFileCheckpointStore(resumeStateDir)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to open state directory: %v", err))
		os.Exit(1)
	}

	cp, err := store.Load(runID)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to load checkpoint %q: %v", runID, err))
		os.Exit(1)
	}

	runner := engine.NewRunner(newComponentRegistry(), nil).WithCheckpoints(store)

	var cb events.Callback
	if showProgress() {
		tracker := newProgressTracker(cmd.OutOrStdout())
		tracker.Start()
		defer tracker.Stop()
		cb = tracker.Callback()

		if !viper.GetBool("quiet") {
			fmt.Fprintf(cmd.OutOrStdout(), "\nResuming %s from step %d\n\n",
				style.InfoStyle.Render(cp.Workflow), cp.StepIndex)
		}
	}

	result, err := runner.Resume(ctx, workflow, cp, cb)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), err.Error())
		os.Exit(1)
	}

	printRunOutput(cmd.OutOrStdout(), buildRunOutput(workflowFile, cp.Inputs, result))

	if !result.Success {
		os.Exit(1)
	}
}
