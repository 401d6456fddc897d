package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/option-sim/internal/metrics"
	"github.com/atmx/option-sim/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary. Cache failures are never
// surfaced to callers.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// cachedTrajectory is the cache encoding of a trajectory. Trajectory.Err is
// not serialised, so the run status travels beside it.
type cachedTrajectory struct {
	Records []model.Record `json:"records"`
	Info    RunInfo        `json:"info"`
}

func (s *CachedStore) SaveTrajectory(ctx context.Context, experimentID string, t *model.Trajectory) error {
	if err := s.primary.SaveTrajectory(ctx, experimentID, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, trajectoryKey(experimentID, t.SubsetID, t.RunID), runsKey(experimentID))
	return nil
}

func (s *CachedStore) GetTrajectory(ctx context.Context, experimentID string, subset, run int) (*model.Trajectory, error) {
	key := trajectoryKey(experimentID, subset, run)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var c cachedTrajectory
		if json.Unmarshal(data, &c) == nil {
			if t, err := model.TrajectoryFromRecords(c.Records); err == nil {
				metrics.CacheRequests.WithLabelValues("hit").Inc()
				restoreErr(t, c.Info)
				return t, nil
			}
		}
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	t, err := s.primary.GetTrajectory(ctx, experimentID, subset, run)
	if err != nil {
		return nil, err
	}

	c := cachedTrajectory{Records: t.Records(experimentID), Info: runInfo(experimentID, t)}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return t, nil
}

func (s *CachedStore) ListRuns(ctx context.Context, experimentID string) ([]RunInfo, error) {
	key := runsKey(experimentID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var runs []RunInfo
		if json.Unmarshal(data, &runs) == nil {
			metrics.CacheRequests.WithLabelValues("hit").Inc()
			return runs, nil
		}
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	runs, err := s.primary.ListRuns(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(runs); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return runs, nil
}

func trajectoryKey(exp string, subset, run int) string {
	return fmt.Sprintf("trajectory:%s:%d:%d", exp, subset, run)
}

func runsKey(exp string) string { return fmt.Sprintf("runs:%s", exp) }
