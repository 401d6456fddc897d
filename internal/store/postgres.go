package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/option-sim/internal/metrics"
	"github.com/atmx/option-sim/internal/model"
)

// Schema creates the trajectory tables. Currency columns are NUMERIC for
// exact decimal precision; agent records are stored per timestep as JSONB.
const Schema = `
CREATE TABLE IF NOT EXISTS trajectory_runs (
    experiment_id TEXT        NOT NULL,
    subset_id     INTEGER     NOT NULL,
    subset_name   TEXT        NOT NULL,
    run_id        INTEGER     NOT NULL,
    timesteps     INTEGER     NOT NULL,
    status        TEXT        NOT NULL,
    error         TEXT        NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (experiment_id, subset_id, run_id)
);

CREATE TABLE IF NOT EXISTS trajectory_states (
    experiment_id        TEXT             NOT NULL,
    subset_id            INTEGER          NOT NULL,
    run_id               INTEGER          NOT NULL,
    timestep             INTEGER          NOT NULL,
    volatile_asset_price NUMERIC          NOT NULL,
    risk_free_rate       DOUBLE PRECISION NOT NULL,
    discounted_payoff    NUMERIC          NOT NULL,
    agents               JSONB            NOT NULL,
    PRIMARY KEY (experiment_id, subset_id, run_id, timestep),
    FOREIGN KEY (experiment_id, subset_id, run_id)
        REFERENCES trajectory_runs (experiment_id, subset_id, run_id) ON DELETE CASCADE
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the trajectory tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveTrajectory writes the run row and every state in one transaction.
// States are sent as a single batch.
func (s *PostgresStore) SaveTrajectory(ctx context.Context, experimentID string, t *model.Trajectory) error {
	defer metrics.ObserveStore("postgres", "save", time.Now())
	if len(t.States) == 0 {
		return fmt.Errorf("save trajectory %s: no states", t.Key())
	}
	info := runInfo(experimentID, t)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Replacing a run drops its old states through the cascade.
		if _, err := tx.Exec(ctx,
			`DELETE FROM trajectory_runs WHERE experiment_id = $1 AND subset_id = $2 AND run_id = $3`,
			experimentID, t.SubsetID, t.RunID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO trajectory_runs (experiment_id, subset_id, subset_name, run_id, timesteps, status, error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			info.ExperimentID, info.SubsetID, info.Subset, info.RunID,
			info.Timesteps, info.Status, info.Error); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, r := range t.Records(experimentID) {
			agents, err := json.Marshal(r.Agents)
			if err != nil {
				return fmt.Errorf("encode agents at t=%d: %w", r.Timestep, err)
			}
			batch.Queue(
				`INSERT INTO trajectory_states
				   (experiment_id, subset_id, run_id, timestep, volatile_asset_price, risk_free_rate, discounted_payoff, agents)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::JSONB)`,
				r.ExperimentID, r.SubsetID, r.RunID, r.Timestep,
				r.VolatileAssetPrice.String(), r.RiskFreeRate, r.DiscountedPayoff.String(),
				string(agents),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert state %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return fmt.Errorf("save trajectory %s/%s: %w", experimentID, t.Key(), err)
	}
	return nil
}

func (s *PostgresStore) GetTrajectory(ctx context.Context, experimentID string, subset, run int) (*model.Trajectory, error) {
	defer metrics.ObserveStore("postgres", "get", time.Now())

	var info RunInfo
	err := s.pool.QueryRow(ctx,
		`SELECT experiment_id, subset_id, subset_name, run_id, timesteps, status, error
		 FROM trajectory_runs
		 WHERE experiment_id = $1 AND subset_id = $2 AND run_id = $3`,
		experimentID, subset, run).
		Scan(&info.ExperimentID, &info.SubsetID, &info.Subset, &info.RunID,
			&info.Timesteps, &info.Status, &info.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: experiment %s subset %d run %d", ErrNotFound, experimentID, subset, run)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s/%d/%d: %w", experimentID, subset, run, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT timestep, volatile_asset_price::TEXT, risk_free_rate, discounted_payoff::TEXT, agents::TEXT
		 FROM trajectory_states
		 WHERE experiment_id = $1 AND subset_id = $2 AND run_id = $3
		 ORDER BY timestep`,
		experimentID, subset, run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]model.Record, 0, info.Timesteps)
	for rows.Next() {
		r := model.Record{
			ExperimentID: experimentID,
			SubsetID:     subset,
			Subset:       info.Subset,
			RunID:        run,
		}
		var price, payoff, agents string
		if err := rows.Scan(&r.Timestep, &price, &r.RiskFreeRate, &payoff, &agents); err != nil {
			return nil, err
		}
		r.VolatileAssetPrice, _ = decimal.NewFromString(price)
		r.DiscountedPayoff, _ = decimal.NewFromString(payoff)
		if err := json.Unmarshal([]byte(agents), &r.Agents); err != nil {
			return nil, fmt.Errorf("decode agents at t=%d: %w", r.Timestep, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	t, err := model.TrajectoryFromRecords(records)
	if err != nil {
		return nil, err
	}
	restoreErr(t, info)
	return t, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, experimentID string) ([]RunInfo, error) {
	defer metrics.ObserveStore("postgres", "list", time.Now())

	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, subset_id, subset_name, run_id, timesteps, status, error
		 FROM trajectory_runs
		 WHERE experiment_id = $1
		 ORDER BY subset_id, run_id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var info RunInfo
		if err := rows.Scan(&info.ExperimentID, &info.SubsetID, &info.Subset, &info.RunID,
			&info.Timesteps, &info.Status, &info.Error); err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, rows.Err()
}
