package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/get2knowio/maverick-sub001/internal/ast"
	"github.com/get2knowio/maverick-sub001/internal/engine"
	"github.com/get2knowio/maverick-sub001/pkg/events"
)

// listWorkflows returns all available workflows
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := make(map[string]interface{})

	for _, id := range s.workflows.List() {
		workflow, _ := s.workflows.Get(id)
		workflows[id] = map[string]interface{}{
			"version":     workflow.Version,
			"name":        workflow.Name,
			"description": workflow.Description,
			"steps":       len(workflow.Steps),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workflows": workflows,
	})
}

// executeWorkflow starts a workflow execution and returns its run ID
// immediately; the run itself proceeds in the background.
func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workflowID := vars["id"]

	workflow, exists := s.workflows.Get(workflowID)
	if !exists {
		http.Error(w, fmt.Sprintf("Workflow '%s' not found", workflowID), http.StatusNotFound)
		return
	}

	if !s.manager.CanStartExecution() {
		http.Error(w, "Server at capacity, try again later", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Inputs map[string]interface{} `json:"inputs"`
	}

	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}

	if req.Inputs == nil {
		req.Inputs = make(map[string]interface{})
	}

	// Bind up front so the caller gets a 400 instead of an async failure.
	bound, err := engine.BindInputs(workflow, req.Inputs)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":   "Input validation failed",
			"message": err.Error(),
		})
		return
	}

	// Runs outlive the request, so the execution context hangs off the
	// background context rather than the request's.
	ctx, cancel := context.WithCancel(context.Background())

	runID := newRunID()
	status := s.manager.StartExecution(runID, workflowID, cancel, bound)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run_id":      runID,
		"workflow_id": workflowID,
		"status":      "running",
		"started_at":  status.StartTime,
	})

	go s.executeWorkflowAsync(ctx, workflow, bound, runID, workflowID)
}

// executeWorkflowAsync runs the workflow and records its outcome.
func (s *Server) executeWorkflowAsync(ctx context.Context, workflow *ast.Workflow, inputs map[string]interface{}, runID, workflowID string) {
	runner := engine.NewRunner(s.components, s.engineCfg)

	cb := func(ev events.Event) {
		s.manager.AddProgressEvent(runID, ev)
	}

	result, err := runner.Run(ctx, workflow, inputs, cb)
	s.manager.FinishExecution(runID, result, err)

	log.Info().
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Err(err).
		Msg("Workflow execution completed")
}

// getExecution returns the status of a specific execution
func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := vars["runId"]

	status, exists := s.manager.GetExecution(runID)
	if !exists {
		http.Error(w, fmt.Sprintf("Execution '%s' not found", runID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// streamWorkflow upgrades to a websocket and streams the run's events:
// already-recorded progress is replayed first, then live events until the run
// finishes or the client disconnects.
func (s *Server) streamWorkflow(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id query parameter required", http.StatusBadRequest)
		return
	}

	status, exists := s.manager.GetExecution(runID)
	if !exists {
		http.Error(w, fmt.Sprintf("Execution '%s' not found", runID), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	status.clientsMu.Lock()
	status.clients[conn] = true
	status.clientsMu.Unlock()

	for _, event := range status.Progress {
		eventJSON, _ := json.Marshal(event)
		conn.WriteMessage(websocket.TextMessage, eventJSON)
	}

	// A run that finished before the client connected still gets a terminal
	// event.
	if status.Status != "running" {
		finalEvent := events.Event{
			Type:         events.WorkflowCompleted,
			Timestamp:    time.Now(),
			WorkflowName: status.WorkflowID,
			Success:      status.Status == "completed",
			Error:        status.Error,
		}
		eventJSON, _ := json.Marshal(finalEvent)
		conn.WriteMessage(websocket.TextMessage, eventJSON)
	}

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}

		status, exists := s.manager.GetExecution(runID)
		if !exists || status.Status != "running" {
			break
		}
	}

	status.clientsMu.Lock()
	delete(status.clients, conn)
	status.clientsMu.Unlock()
}

// healthCheck returns server health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":            "healthy",
		"workflows_loaded":  s.workflows.Count(),
		"active_executions": s.manager.GetActiveExecutions(),
		"timestamp":         time.Now(),
	})
}
