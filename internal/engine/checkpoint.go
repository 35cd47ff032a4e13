package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/get2knowio/maverick-sub001/internal/execcontext"
)

// Checkpoint is the persisted state of a run after a top-level step: enough
// to rebuild the context and continue. StepIndex is the index of the step
// that last executed; resume re-runs it when it failed.
type Checkpoint struct {
	RunID     string                    `json:"run_id"`
	Workflow  string                    `json:"workflow"`
	StepIndex int                       `json:"step_index"`
	Inputs    map[string]interface{}    `json:"inputs"`
	Results   []*execcontext.StepResult `json:"results"`
	Loop      *LoopResume               `json:"loop,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by run ID.
type CheckpointStore interface {
	Save(cp *Checkpoint) error
	Load(runID string) (*Checkpoint, error)
	List() ([]string, error)
	Delete(runID string) error
}

// FileCheckpointStore stores one JSON file per run under a state directory.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates the state directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

// Save writes the checkpoint atomically via a temp file rename.
func (s *FileCheckpointStore) Save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	tmp := s.path(cp.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return os.Rename(tmp, s.path(cp.RunID))
}

// Load reads the checkpoint for a run.
func (s *FileCheckpointStore) Load(runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", runID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint for %s: %w", runID, err)
	}
	return &cp, nil
}

// List returns the run IDs with a stored checkpoint, sorted.
func (s *FileCheckpointStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var runs []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, ".json") {
			runs = append(runs, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Delete removes a run's checkpoint.
func (s *FileCheckpointStore) Delete(runID string) error {
	return os.Remove(s.path(runID))
}

func (s *FileCheckpointStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}
