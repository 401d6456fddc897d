// Package sim drives the state-update pipeline across timesteps, runs and
// subsets and collects the resulting trajectories.
//
// Timesteps of one run are strictly sequential. Runs share nothing mutable,
// so they are dispatched to a bounded pool of workers; results are stored
// by (subset, run) position and come back in a fixed order whatever the
// scheduling.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/option-sim/internal/agent"
	"github.com/atmx/option-sim/internal/counterparty"
	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/metrics"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
	"github.com/atmx/option-sim/internal/pipeline"
	"github.com/atmx/option-sim/internal/pricepath"
)

// ErrRunPanicked marks a run aborted by a panic in the pipeline. The panic
// is confined to the run that raised it.
var ErrRunPanicked = errors.New("sim: run panicked")

// Sink receives every finished trajectory. store.Store implements it.
type Sink interface {
	SaveTrajectory(ctx context.Context, experimentID string, t *model.Trajectory) error
}

// Orchestrator runs experiments.
type Orchestrator struct {
	// Workers bounds the number of runs in flight. Zero means GOMAXPROCS.
	Workers int

	// Sink, if set, receives each trajectory as soon as its run ends. A
	// sink failure aborts the experiment.
	Sink Sink

	// NewDecider returns the trial source of one run. Nil means a
	// BernoulliDecider seeded from the experiment.
	NewDecider func(e *Experiment, subset, run int) matching.Decider

	// Blocks builds the pipeline for a population. Nil means
	// pipeline.Blocks.
	Blocks func(agentIDs []string) []pipeline.Block
}

// Result holds the trajectories of an experiment ordered by subset, then
// run.
type Result struct {
	ExperimentID string
	Trajectories []*model.Trajectory
}

// Failed returns the trajectories of runs aborted by an error.
func (r *Result) Failed() []*model.Trajectory {
	var failed []*model.Trajectory
	for _, t := range r.Trajectories {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// Get returns the trajectory of a (subset, run).
func (r *Result) Get(subset, run int) (*model.Trajectory, bool) {
	for _, t := range r.Trajectories {
		if t.SubsetID == subset && t.RunID == run {
			return t, true
		}
	}
	return nil, false
}

// CheckConsistency runs the counterparty validation pass over every
// trajectory and joins the violations found.
func (r *Result) CheckConsistency() error {
	var errs []error
	for _, t := range r.Trajectories {
		if err := counterparty.CheckTrajectory(t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Run executes every (subset, run) of the experiment. Runs that hit an
// invariant violation carry it in Trajectory.Err and do not stop the
// others; the returned error reports only failures of the experiment as a
// whole (invalid experiment, sink failure, cancellation).
func (o *Orchestrator) Run(ctx context.Context, e *Experiment) (*Result, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	paths := make([]*pricepath.Set, len(e.Subsets))
	for i, s := range e.Subsets {
		set, err := pricepath.GenerateSet(s.Path, e.Runs)
		if err != nil {
			return nil, fmt.Errorf("subset %s: %w", s.Name, err)
		}
		paths[i] = set
	}

	workers := o.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	slog.Info("experiment started",
		"experiment", e.ID,
		"subsets", len(e.Subsets),
		"runs", e.Runs,
		"timesteps", e.Timesteps,
		"agents", e.Population.Len(),
		"workers", workers,
	)
	start := time.Now()

	res := &Result{
		ExperimentID: e.ID,
		Trajectories: make([]*model.Trajectory, len(e.Subsets)*e.Runs),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for si, s := range e.Subsets {
		for run := 1; run <= e.Runs; run++ {
			idx := si*e.Runs + run - 1
			path, _ := paths[si].Path(run)
			g.Go(func() error {
				t := o.runOne(gctx, e, s, path)
				res.Trajectories[idx] = t
				if errors.Is(t.Err, context.Canceled) || errors.Is(t.Err, context.DeadlineExceeded) {
					return t.Err
				}
				if o.Sink != nil {
					if err := o.Sink.SaveTrajectory(gctx, e.ID, t); err != nil {
						return fmt.Errorf("save %s: %w", t.Key(), err)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	slog.Info("experiment finished",
		"experiment", e.ID,
		"trajectories", len(res.Trajectories),
		"failed", len(res.Failed()),
		"duration", time.Since(start).String(),
	)
	return res, nil
}

// runOne produces the trajectory of one (subset, run).
func (o *Orchestrator) runOne(ctx context.Context, e *Experiment, s Subset, path pricepath.Path) *model.Trajectory {
	run := path.Run()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	start := time.Now()

	params := &pipeline.Params{
		Path:     path,
		Contract: s.Contract,
		Policy: matching.NewPolicy(
			s.Contract,
			option.NewVolatilityEstimator(e.WarmupVolatility, s.Contract.Maturity),
			o.decider(e, s.ID, run),
		),
	}
	blocks := o.blocks(e.Population.IDs())

	state := model.InitialState(s.ID, run, model.Money(path.At(0)), s.Contract.RiskFreeRate, e.Population)
	t := &model.Trajectory{
		SubsetID: s.ID,
		Subset:   s.Name,
		RunID:    run,
		States:   make([]model.SimulationState, 0, e.Timesteps+1),
	}
	t.States = append(t.States, state)

	events := eventCounts{}
	for step := 1; step <= e.Timesteps; step++ {
		if err := ctx.Err(); err != nil {
			t.Err = err
			return t
		}
		next, sig, err := applyStep(blocks, params, t.States, state)
		if err != nil {
			t.Err = err
			o.recordFailure(e, s, run, err)
			return t
		}
		if r, ok := sig[pipeline.SignalAgents].(matching.Result); ok {
			events.add(r)
		}
		t.States = append(t.States, next)
		state = next
	}

	events.flush(s.Name)
	metrics.TimestepsTotal.WithLabelValues(s.Name).Add(float64(e.Timesteps))
	metrics.RunsTotal.WithLabelValues(s.Name, "ok").Inc()
	metrics.RunDuration.WithLabelValues(s.Name).Observe(time.Since(start).Seconds())
	slog.Debug("run finished",
		"experiment", e.ID,
		"subset", s.Name,
		"run", run,
		"matches", events.matches,
		"exercises", events.exercises,
		"duration", time.Since(start).String(),
	)
	return t
}

// applyStep runs one pipeline application, turning a panic into an error.
func applyStep(blocks []pipeline.Block, p *pipeline.Params, history []model.SimulationState, prev model.SimulationState) (next model.SimulationState, sig pipeline.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, sig, err = prev, nil, fmt.Errorf("%w at t=%d: %v", ErrRunPanicked, prev.Timestep+1, r)
		}
	}()
	return pipeline.Apply(blocks, p, history, prev)
}

func (o *Orchestrator) recordFailure(e *Experiment, s Subset, run int, err error) {
	metrics.RunsTotal.WithLabelValues(s.Name, "failed").Inc()

	attrs := []any{"experiment", e.ID, "subset", s.Name, "run", run, "err", err}
	var inv *agent.InvariantError
	if errors.As(err, &inv) {
		metrics.InvariantViolations.WithLabelValues(inv.Invariant.Error()).Inc()
		attrs = append(attrs, "timestep", inv.Timestep, "buyer", inv.BuyerID, "seller", inv.SellerID)
	}
	slog.Error("run aborted", attrs...)
}

func (o *Orchestrator) decider(e *Experiment, subset, run int) matching.Decider {
	if o.NewDecider != nil {
		return o.NewDecider(e, subset, run)
	}
	return matching.NewBernoulliDecider(e.Probabilities, e.Seed, subset, run)
}

func (o *Orchestrator) blocks(ids []string) []pipeline.Block {
	if o.Blocks != nil {
		return o.Blocks(ids)
	}
	return pipeline.Blocks(ids)
}

type eventCounts struct {
	offers, matches, exercises, unfilled int
}

func (c *eventCounts) add(r matching.Result) {
	c.offers += r.Offers
	c.matches += r.Matches
	c.exercises += r.Exercises
	c.unfilled += r.Unfilled
}

func (c *eventCounts) flush(subset string) {
	metrics.AgentEvents.WithLabelValues(subset, "offer").Add(float64(c.offers))
	metrics.AgentEvents.WithLabelValues(subset, "match").Add(float64(c.matches))
	metrics.AgentEvents.WithLabelValues(subset, "exercise").Add(float64(c.exercises))
	metrics.AgentEvents.WithLabelValues(subset, "unfilled_buy").Add(float64(c.unfilled))
}
