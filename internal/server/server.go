package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/execcontext"
	"github.com/get2knowio/maverick-sub001/internal/parser"
	"github.com/get2knowio/maverick-sub001/internal/registry"
	"github.com/get2knowio/maverick-sub001/internal/utils"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// Config holds the server configuration
type Config struct {
	Host            string
	Port            int
	Concurrency     int
	EnableMetrics   bool
	EnableCORS      bool
	WorkflowFiles   []string
	WorkflowDir     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            8080,
		Concurrency:     5,
		EnableMetrics:   true,
		EnableCORS:      true,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkflowRegistry holds parsed and validated workflow documents, keyed by the
// ID they are exposed under.
type WorkflowRegistry struct {
	workflows map[string]*ast.Workflow
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates an empty workflow registry
func NewWorkflowRegistry() *WorkflowRegistry {
	return &WorkflowRegistry{
		workflows: make(map[string]*ast.Workflow),
	}
}

// Register adds a workflow to the registry
func (r *WorkflowRegistry) Register(id string, workflow *ast.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[id] = workflow
}

// Get retrieves a workflow by ID
func (r *WorkflowRegistry) Get(id string) (*ast.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workflow, exists := r.workflows[id]
	return workflow, exists
}

// List returns all workflow IDs
func (r *WorkflowRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered workflows
func (r *WorkflowRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// ExecutionStatus tracks one workflow run from the API's point of view.
type ExecutionStatus struct {
	RunID      string                      `json:"run_id"`
	WorkflowID string                      `json:"workflow_id"`
	Status     string                      `json:"status"`
	StartTime  time.Time                   `json:"start_time"`
	EndTime    *time.Time                  `json:"end_time,omitempty"`
	Duration   time.Duration               `json:"duration"`
	Inputs     map[string]interface{}      `json:"inputs"`
	Result     *execcontext.WorkflowResult `json:"result,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Progress   []events.Event              `json:"progress,omitempty"`

	// WebSocket connections streaming this run's events.
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	cancel context.CancelFunc
}

// ExecutionManager tracks concurrent workflow executions and exports run
// metrics.
type ExecutionManager struct {
	executions     map[string]*ExecutionStatus
	maxConcurrency int
	currentCount   int
	mu             sync.RWMutex

	totalExecutions   prometheus.Counter
	activeExecutions  prometheus.Gauge
	executionDuration prometheus.HistogramVec
	executionStatus   prometheus.CounterVec
}

// NewExecutionManager creates an execution manager registered with the default
// prometheus registerer.
func NewExecutionManager(maxConcurrency int) *ExecutionManager {
	return NewExecutionManagerWithRegistry(maxConcurrency, prometheus.DefaultRegisterer)
}

// NewExecutionManagerWithRegistry creates an execution manager with a custom
// prometheus registerer. Tests pass their own to avoid global registration
// conflicts.
func NewExecutionManagerWithRegistry(maxConcurrency int, registerer prometheus.Registerer) *ExecutionManager {
	em := &ExecutionManager{
		executions:     make(map[string]*ExecutionStatus),
		maxConcurrency: maxConcurrency,

		totalExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maverick_executions_total",
			Help: "Total number of workflow executions started",
		}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maverick_executions_active",
			Help: "Number of currently active workflow executions",
		}),
		executionDuration: *prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "maverick_execution_duration_seconds",
			Help: "Workflow execution duration in seconds",
		}, []string{"workflow_id", "status"}),
		executionStatus: *prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maverick_execution_status_total",
			Help: "Total executions by status",
		}, []string{"workflow_id", "status"}),
	}

	if registerer != nil {
		registerer.MustRegister(em.totalExecutions)
		registerer.MustRegister(em.activeExecutions)
		registerer.MustRegister(em.executionDuration)
		registerer.MustRegister(em.executionStatus)
	}

	return em
}

// CanStartExecution checks if a new execution can be started
func (em *ExecutionManager) CanStartExecution() bool {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.currentCount < em.maxConcurrency
}

// StartExecution starts tracking a new execution
func (em *ExecutionManager) StartExecution(runID, workflowID string, cancel context.CancelFunc, inputs map[string]interface{}) *ExecutionStatus {
	em.mu.Lock()
	defer em.mu.Unlock()

	status := &ExecutionStatus{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     "running",
		StartTime:  time.Now(),
		Inputs:     inputs,
		Progress:   make([]events.Event, 0),
		clients:    make(map[*websocket.Conn]bool),
		cancel:     cancel,
	}

	em.executions[runID] = status
	em.currentCount++

	em.totalExecutions.Inc()
	em.activeExecutions.Inc()

	return status
}

// FinishExecution records the run's outcome and closes streaming clients. A
// nil result with a non-nil err means the run never started (preflight or
// binding failure).
func (em *ExecutionManager) FinishExecution(runID string, result *execcontext.WorkflowResult, err error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	status, exists := em.executions[runID]
	if !exists {
		return
	}

	now := time.Now()
	status.EndTime = &now
	status.Duration = now.Sub(status.StartTime)
	status.Result = result

	switch {
	case err != nil:
		status.Status = "failed"
		status.Error = err.Error()
	case result != nil && !result.Success:
		status.Status = "failed"
		status.Error = result.Error
	default:
		status.Status = "completed"
	}

	em.currentCount--

	em.activeExecutions.Dec()
	em.executionDuration.WithLabelValues(status.WorkflowID, status.Status).Observe(status.Duration.Seconds())
	em.executionStatus.WithLabelValues(status.WorkflowID, status.Status).Inc()

	status.clientsMu.Lock()
	for client := range status.clients {
		client.Close()
	}
	status.clientsMu.Unlock()
}

// AddProgressEvent appends an engine event to the run's progress log and
// broadcasts it to connected websocket clients.
func (em *ExecutionManager) AddProgressEvent(runID string, event events.Event) {
	em.mu.RLock()
	status, exists := em.executions[runID]
	em.mu.RUnlock()

	if !exists {
		return
	}

	em.mu.Lock()
	status.Progress = append(status.Progress, event)
	em.mu.Unlock()

	status.clientsMu.RLock()
	defer status.clientsMu.RUnlock()

	eventJSON, _ := json.Marshal(event)
	for client := range status.clients {
		client.WriteMessage(websocket.TextMessage, eventJSON)
	}
}

// GetExecution retrieves an execution status
func (em *ExecutionManager) GetExecution(runID string) (*ExecutionStatus, bool) {
	em.mu.RLock()
	defer em.mu.RUnlock()
	status, exists := em.executions[runID]
	return status, exists
}

// GetActiveExecutions returns the number of active executions
func (em *ExecutionManager) GetActiveExecutions() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.currentCount
}

// Server exposes preloaded workflows over HTTP: list, execute, poll status and
// stream events over websocket. Execution goes through the engine's public
// runner contract only.
type Server struct {
	config     *Config
	workflows  *WorkflowRegistry
	components *registry.Registry
	engineCfg  execcontext.Config
	manager    *ExecutionManager
	server     *http.Server
	upgrader   websocket.Upgrader
}

// New creates a server over a component registry. The engine config handle may
// be nil; validate steps in served workflows then resolve to no stages.
func New(config *Config, components *registry.Registry, engineCfg execcontext.Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if components == nil {
		return nil, fmt.Errorf("component registry is required")
	}

	return &Server{
		config:     config,
		workflows:  NewWorkflowRegistry(),
		components: components,
		engineCfg:  engineCfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return config.EnableCORS
			},
		},
	}, nil
}

func (s *Server) initializeManager() {
	if s.manager == nil {
		s.manager = NewExecutionManager(s.config.Concurrency)
	}
}

// LoadWorkflows parses and registers the workflow documents named by the
// configuration. Any document that fails to parse aborts startup.
func (s *Server) LoadWorkflows() error {
	workflowFiles := s.config.WorkflowFiles
	if s.config.WorkflowDir != "" {
		dirFiles, err := findWorkflowFiles(s.config.WorkflowDir)
		if err != nil {
			return fmt.Errorf("failed to scan workflow directory: %w", err)
		}
		workflowFiles = append(workflowFiles, dirFiles...)
	}

	if len(workflowFiles) == 0 {
		return fmt.Errorf("no workflow files specified")
	}

	yamlParser := parser.NewYAMLParser()

	log.Info().Msg("Loading and validating workflows")
	for _, file := range workflowFiles {
		workflow, err := yamlParser.ParseFile(file)
		if err != nil {
			return fmt.Errorf("failed to parse workflow %s: %w", file, err)
		}

		workflowID := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		s.workflows.Register(workflowID, workflow)

		log.Info().
			Str("workflow_id", workflowID).
			Str("file", file).
			Str("version", workflow.Version).
			Msg("Workflow loaded")
	}

	if s.workflows.Count() == 0 {
		return fmt.Errorf("no valid workflows loaded")
	}

	return nil
}

// router assembles the HTTP routes. Extracted from Start so tests can mount
// the handler tree on an httptest server.
func (s *Server) router() *mux.Router {
	s.initializeManager()

	router := mux.NewRouter()

	if s.config.EnableCORS {
		router.Use(s.corsMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/workflows", s.listWorkflows).Methods("GET")
	api.HandleFunc("/workflows/{id}/execute", s.executeWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}/stream", s.streamWorkflow).Methods("GET")

	api.HandleFunc("/executions/{runId}", s.getExecution).Methods("GET")

	if s.config.EnableCORS {
		api.Methods("OPTIONS").HandlerFunc(s.handleOptions)
	}

	if s.config.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	router.HandleFunc("/health", s.healthCheck)

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	router := s.router()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	log.Info().
		Str("addr", addr).
		Int("workflows", s.workflows.Count()).
		Int("concurrency", s.config.Concurrency).
		Bool("metrics", s.config.EnableMetrics).
		Msg("Starting server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Info().Msg("Shutting down server")
	return s.server.Shutdown(ctx)
}

// StartWithGracefulShutdown starts the server and blocks until SIGINT or
// SIGTERM triggers a graceful shutdown.
func (s *Server) StartWithGracefulShutdown() error {
	if err := s.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer shutdownCancel()

		if err := s.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}

		cancel()
	}()

	<-ctx.Done()
	log.Info().Msg("Server shutdown complete")
	return nil
}

// GetAddr returns the server address
func (s *Server) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// GetWorkflowCount returns the number of loaded workflows
func (s *Server) GetWorkflowCount() int {
	return s.workflows.Count()
}

// newRunID mints the server-side run identifier. The engine's own context run
// ID is reported in the final result; the server keys tracking and streaming
// by this one so clients learn it before execution starts.
func newRunID() string {
	return utils.GenerateRunID()
}

func findWorkflowFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && (strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			files = append(files, path)
		}

		return nil
	})

	return files, err
}

// handleOptions handles CORS preflight requests
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
