package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/harrison/ralph/internal/filelock"
)

// PausedStatus represents the state of a run stopped by exhausted rate-limit retries
type PausedStatus string

const (
	StatusPaused  PausedStatus = "paused"
	StatusReady   PausedStatus = "ready"   // Reset time has passed
	StatusExpired PausedStatus = "expired" // Too old to be a useful hint
)

// maxPausedAge is how long a paused run is considered worth resuming.
const maxPausedAge = 7 * 24 * time.Hour

// PausedRun records enough to tell the operator how to pick up a run that
// gave up after repeated rate limits.
type PausedRun struct {
	RunID               string       `json:"run_id"`
	Identity            string       `json:"identity"`
	CompletedIterations int          `json:"completed_iterations"`
	RemainingIterations int          `json:"remaining_iterations"`
	ResumeCommand       string       `json:"resume_command"`
	PausedAt            time.Time    `json:"paused_at"`
	ResumeAt            time.Time    `json:"resume_at"`
	Status              PausedStatus `json:"status"`
}

// StateManager handles saving/loading paused runs
type StateManager struct {
	stateDir string // .ralph/state/
	now      func() time.Time
}

// NewStateManager creates a manager with the given state directory
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir: stateDir,
		now:      time.Now,
	}
}

// Save persists a paused run to {stateDir}/{runID}.json.
func (sm *StateManager) Save(run *PausedRun) error {
	if run.RunID == "" {
		return fmt.Errorf("paused run has no run id")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal paused run: %w", err)
	}

	path := filepath.Join(sm.stateDir, run.RunID+".json")
	if err := filelock.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write paused run: %w", err)
	}

	return nil
}

// List returns all paused runs, soonest resume first.
func (sm *StateManager) List() ([]*PausedRun, error) {
	entries, err := os.ReadDir(sm.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*PausedRun{}, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var runs []*PausedRun
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sm.stateDir, entry.Name()))
		if err != nil {
			continue
		}

		var run PausedRun
		if err := json.Unmarshal(data, &run); err != nil {
			// Skip corrupt files
			continue
		}
		run.Status = sm.calculateStatus(&run)
		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ResumeAt.Before(runs[j].ResumeAt)
	})

	return runs, nil
}

// ClearIdentity deletes every paused run recorded for identity and returns
// how many were removed.
func (sm *StateManager) ClearIdentity(identity string) (int, error) {
	runs, err := sm.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, run := range runs {
		if run.Identity != identity {
			continue
		}
		if err := sm.Delete(run.RunID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Delete removes a paused run record. Missing records are not an error.
func (sm *StateManager) Delete(runID string) error {
	path := filepath.Join(sm.stateDir, runID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete paused run: %w", err)
	}
	return nil
}

func (sm *StateManager) calculateStatus(run *PausedRun) PausedStatus {
	now := sm.now()

	if now.Sub(run.PausedAt) > maxPausedAge {
		return StatusExpired
	}
	if !run.ResumeAt.After(now) {
		return StatusReady
	}
	return StatusPaused
}
