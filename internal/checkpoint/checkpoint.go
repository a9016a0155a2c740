// Package checkpoint persists run progress locally so a restarted worker
// can skip stages it already completed.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ppiankov/evigate/internal/fsatomic"
)

// Checkpoint records pipeline progress for one run. There is one checkpoint
// file per run, overwritten in place via atomic replace.
type Checkpoint struct {
	RunID          string                 `json:"run_id"`
	Stage          string                 `json:"stage"` // Most recently completed stage
	CompletedSteps []string               `json:"completed_steps"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Artifacts      map[string]string      `json:"artifacts,omitempty"`
	Version        int                    `json:"version"`
}

// Completed reports whether the stage has already run.
func (c *Checkpoint) Completed(stage string) bool {
	for _, s := range c.CompletedSteps {
		if s == stage {
			return true
		}
	}
	return false
}

// Store persists checkpoints under a directory, one JSON file per run.
type Store struct {
	dir string
}

// NewStore creates a checkpoint store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save merges the completed stage and its data into the run's checkpoint and
// writes the result atomically.
func (s *Store) Save(runID, stage string, data map[string]interface{}, artifacts map[string]string) error {
	cp := s.Load(runID)

	if !cp.Completed(stage) {
		cp.CompletedSteps = append(cp.CompletedSteps, stage)
	}
	cp.Stage = stage
	if cp.Data == nil {
		cp.Data = map[string]interface{}{}
	}
	for k, v := range data {
		cp.Data[k] = v
	}
	if cp.Artifacts == nil {
		cp.Artifacts = map[string]string{}
	}
	for k, v := range artifacts {
		cp.Artifacts[k] = v
	}
	cp.Version++

	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := fsatomic.WriteFile(s.path(runID), payload, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load returns the run's checkpoint, or a default skeleton when the file is
// missing or corrupt. It never fails.
func (s *Store) Load(runID string) *Checkpoint {
	skeleton := &Checkpoint{
		RunID:          runID,
		CompletedSteps: []string{},
		Data:           map[string]interface{}{},
		Artifacts:      map[string]string{},
	}

	raw, err := os.ReadFile(s.path(runID))
	if err != nil {
		return skeleton
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return skeleton
	}
	if cp.RunID == "" {
		cp.RunID = runID
	}
	return &cp
}

// Clear deletes the checkpoint after successful run completion.
func (s *Store) Clear(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}
