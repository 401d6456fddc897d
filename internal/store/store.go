// Package store persists simulation trajectories for later analysis.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for tests and single-process runs).
package store

import (
	"context"
	"errors"

	"github.com/atmx/option-sim/internal/model"
)

// ErrNotFound is returned when no trajectory exists for a key.
var ErrNotFound = errors.New("store: trajectory not found")

// Run status values recorded with each trajectory.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// RunInfo describes one stored trajectory.
type RunInfo struct {
	ExperimentID string `json:"experiment_id"`
	SubsetID     int    `json:"subset"`
	Subset       string `json:"subset_name"`
	RunID        int    `json:"run"`
	Timesteps    int    `json:"timesteps"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// Key returns the (subset, run) key of the trajectory.
func (r RunInfo) Key() model.RunKey {
	return model.RunKey{SubsetID: r.SubsetID, RunID: r.RunID}
}

// Store is the trajectory persistence interface. Saving the same
// (experiment, subset, run) twice replaces the earlier trajectory.
type Store interface {
	// SaveTrajectory persists every state of a trajectory and its status.
	SaveTrajectory(ctx context.Context, experimentID string, t *model.Trajectory) error

	// GetTrajectory loads one trajectory. A failed run comes back with Err
	// set to the recorded failure message.
	GetTrajectory(ctx context.Context, experimentID string, subset, run int) (*model.Trajectory, error)

	// ListRuns returns the stored runs of an experiment ordered by
	// (subset, run).
	ListRuns(ctx context.Context, experimentID string) ([]RunInfo, error)
}

// runInfo builds the RunInfo stored alongside a trajectory.
func runInfo(experimentID string, t *model.Trajectory) RunInfo {
	info := RunInfo{
		ExperimentID: experimentID,
		SubsetID:     t.SubsetID,
		Subset:       t.Subset,
		RunID:        t.RunID,
		Timesteps:    len(t.States),
		Status:       StatusOK,
	}
	if t.Err != nil {
		info.Status = StatusFailed
		info.Error = t.Err.Error()
	}
	return info
}

// restoreErr reattaches the recorded failure of a run to a loaded
// trajectory.
func restoreErr(t *model.Trajectory, info RunInfo) {
	t.Subset = info.Subset
	if info.Status == StatusFailed {
		t.Err = errors.New(info.Error)
	}
}
