package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/get2knowio/maverick-sub001/internal/server"
	"github.com/get2knowio/maverick-sub001/internal/style"
)

var (
	servePort        int
	serveHost        string
	serveConcurrency int
	serveWorkflows   []string
	serveWorkflowDir string
	serveMetrics     bool
	serveCORS        bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [workflow files...]",
	Short: "Start HTTP server for workflow execution",
	Long: `Start an HTTP server that executes workflows via REST API.

The server provides:
- REST API for triggering workflow executions
- WebSocket streaming of real-time progress events
- Prometheus metrics endpoint
- Concurrent execution of multiple workflows

Examples:
  maverick serve workflow.yaml                  # Serve single workflow
  maverick serve a.yaml b.yaml                  # Serve multiple workflows
  maverick serve --workflow-dir ./workflows     # Serve all workflows in directory
  maverick serve --port 8080 --host 0.0.0.0     # Custom host and port
  maverick serve --concurrency 10 workflow.yaml # Allow 10 concurrent executions`,
	Run: func(cmd *cobra.Command, args []string) {
		workflowFiles := append(args, serveWorkflows...)
		if len(workflowFiles) == 0 && serveWorkflowDir == "" {
			style.Error(cmd.ErrOrStderr(), "No workflow files specified. Use arguments or --workflow-dir")
			os.Exit(1)
		}
		startServer(cmd, workflowFiles)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "server port")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVar(&serveConcurrency, "concurrency", 5, "maximum concurrent executions")

	serveCmd.Flags().StringSliceVarP(&serveWorkflows, "workflow", "w", []string{}, "workflow files to serve")
	serveCmd.Flags().StringVar(&serveWorkflowDir, "workflow-dir", "", "directory containing workflow files")

	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", true, "enable Prometheus metrics endpoint")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "enable CORS headers")
}

func startServer(cmd *cobra.Command, workflowFiles []string) {
	config := &server.Config{
		Host:            serveHost,
		Port:            servePort,
		Concurrency:     serveConcurrency,
		EnableMetrics:   serveMetrics,
		EnableCORS:      serveCORS,
		WorkflowFiles:   workflowFiles,
		WorkflowDir:     serveWorkflowDir,
		ReadTimeout:     server.DefaultConfig().ReadTimeout,
		WriteTimeout:    server.DefaultConfig().WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		ShutdownTimeout: server.DefaultConfig().ShutdownTimeout,
	}

	srv, err := server.New(config, newComponentRegistry(), nil)
	if err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to create server: %v", err))
		os.Exit(1)
	}

	if err := srv.LoadWorkflows(); err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Failed to load workflows: %v", err))
		os.Exit(1)
	}

	if !viper.GetBool("quiet") {
		out := cmd.OutOrStdout()
		style.Info(out, fmt.Sprintf("Serving %d workflow(s) on http://%s", srv.GetWorkflowCount(), srv.GetAddr()))
		if serveMetrics {
			style.Info(out, fmt.Sprintf("Metrics at http://%s/metrics", srv.GetAddr()))
		}
	}

	if err := srv.StartWithGracefulShutdown(); err != nil {
		style.Error(cmd.ErrOrStderr(), fmt.Sprintf("Server error: %v", err))
		os.Exit(1)
	}
}
