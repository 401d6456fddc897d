package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/option-sim/internal/metrics"
	"github.com/atmx/option-sim/internal/model"
)

type memoryEntry struct {
	info    RunInfo
	records []model.Record
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// for runs that do not configure a database.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[model.RunKey]memoryEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]map[model.RunKey]memoryEntry),
	}
}

func (s *MemoryStore) SaveTrajectory(_ context.Context, experimentID string, t *model.Trajectory) error {
	defer metrics.ObserveStore("memory", "save", time.Now())
	if len(t.States) == 0 {
		return fmt.Errorf("save trajectory %s: no states", t.Key())
	}

	// Records hold copies of every agent, so later changes to t do not leak
	// into the store.
	entry := memoryEntry{info: runInfo(experimentID, t), records: t.Records(experimentID)}

	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.runs[experimentID]
	if !ok {
		exp = make(map[model.RunKey]memoryEntry)
		s.runs[experimentID] = exp
	}
	exp[t.Key()] = entry
	return nil
}

func (s *MemoryStore) GetTrajectory(_ context.Context, experimentID string, subset, run int) (*model.Trajectory, error) {
	defer metrics.ObserveStore("memory", "get", time.Now())
	s.mu.RLock()
	entry, ok := s.runs[experimentID][model.RunKey{SubsetID: subset, RunID: run}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s subset %d run %d", ErrNotFound, experimentID, subset, run)
	}

	t, err := model.TrajectoryFromRecords(entry.records)
	if err != nil {
		return nil, err
	}
	restoreErr(t, entry.info)
	return t, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, experimentID string) ([]RunInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]RunInfo, 0, len(s.runs[experimentID]))
	for _, e := range s.runs[experimentID] {
		runs = append(runs, e.info)
	}
	sortRuns(runs)
	return runs, nil
}

func sortRuns(runs []RunInfo) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].SubsetID != runs[j].SubsetID {
			return runs[i].SubsetID < runs[j].SubsetID
		}
		return runs[i].RunID < runs[j].RunID
	})
}
