package sim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/atmx/option-sim/internal/agent"
	"github.com/atmx/option-sim/internal/config"
	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
	"github.com/atmx/option-sim/internal/pipeline"
	"github.com/atmx/option-sim/internal/pricepath"
)

func testExperiment(runs, timesteps int) *Experiment {
	contract := option.Contract{Type: option.Call, StrikePrice: 2000, Maturity: 365, RiskFreeRate: 0.03}
	path := func(mu float64) pricepath.Params {
		return pricepath.Params{
			InitialPrice: 2000,
			Mu:           mu,
			Sigma:        0.25,
			Dt:           pricepath.DailyDt,
			Timesteps:    timesteps,
			Seed:         42,
		}
	}
	return &Experiment{
		ID: "test",
		Subsets: []Subset{
			{ID: 0, Name: "bull", Contract: contract, Path: path(0.10)},
			{ID: 1, Name: "bear", Contract: contract.WithType(option.Put), Path: path(-0.15)},
		},
		Runs:       runs,
		Timesteps:  timesteps,
		Seed:       42,
		Population: model.NewPopulation(10),
		Probabilities: matching.Probabilities{
			PSell:     0.2,
			PBuy:      0.2,
			PExercise: 0.2,
		},
		WarmupVolatility: option.DefaultWarmupVolatility,
	}
}

func recordsJSON(t *testing.T, res *Result) string {
	t.Helper()
	var all []model.Record
	for _, tr := range res.Trajectories {
		all = append(all, tr.Records(res.ExperimentID)...)
	}
	b, err := json.Marshal(all)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	return string(b)
}

func TestRun_ProducesEveryTrajectory(t *testing.T) {
	e := testExperiment(3, 20)
	res, err := (&Orchestrator{Workers: 2}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Trajectories) != 6 {
		t.Fatalf("expected 6 trajectories, got %d", len(res.Trajectories))
	}
	i := 0
	for subset := 0; subset < 2; subset++ {
		for run := 1; run <= 3; run++ {
			tr := res.Trajectories[i]
			i++
			if tr.SubsetID != subset || tr.RunID != run {
				t.Errorf("position %d: expected subset=%d run=%d, got %s", i-1, subset, run, tr.Key())
			}
			if tr.Err != nil {
				t.Errorf("%s: unexpected run error: %v", tr.Key(), tr.Err)
			}
			if len(tr.States) != 21 {
				t.Errorf("%s: expected 21 states, got %d", tr.Key(), len(tr.States))
			}
			for step, s := range tr.States {
				if s.Timestep != step {
					t.Errorf("%s: state %d has timestep %d", tr.Key(), step, s.Timestep)
				}
				if s.Agents.Len() != 10 {
					t.Errorf("%s t=%d: expected 10 agents, got %d", tr.Key(), step, s.Agents.Len())
				}
			}
		}
	}
	if got, ok := res.Get(1, 2); !ok || got.Subset != "bear" {
		t.Errorf("Get(1, 2): expected bear run 2, got %v %v", got, ok)
	}
	if len(res.Failed()) != 0 {
		t.Errorf("expected no failed runs, got %d", len(res.Failed()))
	}
}

func TestRun_PricesFollowPaths(t *testing.T) {
	e := testExperiment(2, 15)
	res, err := (&Orchestrator{Workers: 1}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tr := range res.Trajectories {
		path := pricepath.Generate(e.Subsets[tr.SubsetID].Path, tr.RunID)
		for step, s := range tr.States {
			want := model.Money(path.At(step))
			if !s.VolatileAssetPrice.Equal(want) {
				t.Fatalf("%s t=%d: expected price %s, got %s", tr.Key(), step, want, s.VolatileAssetPrice)
			}
		}
	}
}

func TestRun_DeterministicAcrossWorkerCounts(t *testing.T) {
	serial, err := (&Orchestrator{Workers: 1}).Run(context.Background(), testExperiment(4, 30))
	if err != nil {
		t.Fatalf("serial run: %v", err)
	}
	parallel, err := (&Orchestrator{Workers: 8}).Run(context.Background(), testExperiment(4, 30))
	if err != nil {
		t.Fatalf("parallel run: %v", err)
	}
	if recordsJSON(t, serial) != recordsJSON(t, parallel) {
		t.Error("trajectories differ between 1 and 8 workers")
	}
}

func TestRun_SeedChangesOutcome(t *testing.T) {
	a, err := (&Orchestrator{}).Run(context.Background(), testExperiment(2, 30))
	if err != nil {
		t.Fatal(err)
	}
	e := testExperiment(2, 30)
	e.Seed = 7
	b, err := (&Orchestrator{}).Run(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if recordsJSON(t, a) == recordsJSON(t, b) {
		t.Error("expected a different decider seed to change the trajectories")
	}
}

func TestRun_TrajectoriesAreConsistent(t *testing.T) {
	e := testExperiment(5, 60)
	e.Probabilities = matching.Probabilities{PSell: 0.3, PBuy: 0.3, PExercise: 0.3}
	res, err := (&Orchestrator{}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := res.CheckConsistency(); err != nil {
		t.Errorf("counterparty check failed: %v", err)
	}

	var matched int
	for _, tr := range res.Trajectories {
		for _, a := range tr.Final().Agents.Agents() {
			if a.BoughtFromID != "" {
				matched++
			}
		}
	}
	if matched == 0 {
		t.Error("expected at least one match across 10 runs at p=0.3")
	}
}

func TestRun_FailedRunIsIsolated(t *testing.T) {
	e := testExperiment(3, 10)
	fault := &agent.InvariantError{Invariant: agent.ErrCounterpartyMismatch, Timestep: 4, BuyerID: "b", SellerID: "s"}
	o := &Orchestrator{
		Workers: 3,
		Blocks: func(ids []string) []pipeline.Block {
			return append(pipeline.Blocks(ids), pipeline.Block{
				Description: "fault injection",
				Policies: []pipeline.PolicyFunc{
					func(p *pipeline.Params, _ []model.SimulationState, s model.SimulationState) (pipeline.Signal, error) {
						if p.Path.Run() == 2 && p.Contract.Type == option.Call && s.Timestep == 4 {
							return nil, fault
						}
						return pipeline.Signal{}, nil
					},
				},
			})
		},
	}
	res, err := o.Run(context.Background(), e)
	if err != nil {
		t.Fatalf("a failed run must not fail the experiment: %v", err)
	}

	failed := res.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed run, got %d", len(failed))
	}
	tr := failed[0]
	if tr.SubsetID != 0 || tr.RunID != 2 {
		t.Errorf("expected subset=0 run=2 to fail, got %s", tr.Key())
	}
	if !errors.Is(tr.Err, agent.ErrCounterpartyMismatch) {
		t.Errorf("expected ErrCounterpartyMismatch, got %v", tr.Err)
	}
	var inv *agent.InvariantError
	if !errors.As(tr.Err, &inv) || inv.Timestep != 4 {
		t.Errorf("expected an InvariantError at t=4, got %v", tr.Err)
	}
	// States 0..3 were produced before the fault.
	if len(tr.States) != 4 {
		t.Errorf("expected 4 states before the fault, got %d", len(tr.States))
	}

	for _, other := range res.Trajectories {
		if other == tr {
			continue
		}
		if other.Err != nil || len(other.States) != 11 {
			t.Errorf("%s: expected a complete run, got %d states err=%v", other.Key(), len(other.States), other.Err)
		}
	}
}

func TestRun_CustomDecider(t *testing.T) {
	e := testExperiment(1, 5)
	e.Population = model.NewPopulation(2)
	var mu sync.Mutex
	calls := map[int]int{}
	o := &Orchestrator{
		NewDecider: func(_ *Experiment, subset, _ int) matching.Decider {
			return matching.DeciderFunc(func(int, model.Agent) matching.Outcome {
				mu.Lock()
				calls[subset]++
				mu.Unlock()
				return matching.Outcome{}
			})
		},
	}
	res, err := o.Run(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 2 agents × 5 timesteps per subset.
	for subset := 0; subset < 2; subset++ {
		if calls[subset] != 10 {
			t.Errorf("subset %d: expected 10 decisions, got %d", subset, calls[subset])
		}
	}
	for _, tr := range res.Trajectories {
		for _, a := range tr.Final().Agents.Agents() {
			if a.State() != model.StateIdle {
				t.Errorf("%s: agent %s left idle without a trial", tr.Key(), a.ID)
			}
		}
	}
}

type failingSink struct{ err error }

func (s failingSink) SaveTrajectory(context.Context, string, *model.Trajectory) error {
	return s.err
}

type collectingSink struct {
	mu   sync.Mutex
	keys map[model.RunKey]int
}

func (s *collectingSink) SaveTrajectory(_ context.Context, _ string, t *model.Trajectory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[t.Key()] = len(t.States)
	return nil
}

func TestRun_Sink(t *testing.T) {
	sink := &collectingSink{keys: map[model.RunKey]int{}}
	_, err := (&Orchestrator{Workers: 4, Sink: sink}).Run(context.Background(), testExperiment(3, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.keys) != 6 {
		t.Errorf("expected 6 saved trajectories, got %d", len(sink.keys))
	}
	for k, n := range sink.keys {
		if n != 6 {
			t.Errorf("%s: expected 6 states saved, got %d", k, n)
		}
	}

	boom := errors.New("disk full")
	_, err = (&Orchestrator{Sink: failingSink{boom}}).Run(context.Background(), testExperiment(2, 5))
	if !errors.Is(err, boom) {
		t.Errorf("expected sink error, got %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Orchestrator{}).Run(ctx, testExperiment(2, 5))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExperiment_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Experiment)
	}{
		{"no runs", func(e *Experiment) { e.Runs = 0 }},
		{"no timesteps", func(e *Experiment) { e.Timesteps = 0 }},
		{"no agents", func(e *Experiment) { e.Population = model.NewPopulation(0) }},
		{"no subsets", func(e *Experiment) { e.Subsets = nil }},
		{"bad probability", func(e *Experiment) { e.Probabilities.PBuy = 2 }},
		{"bad contract", func(e *Experiment) { e.Subsets[0].Contract.StrikePrice = 0 }},
		{"bad path", func(e *Experiment) { e.Subsets[1].Path.Sigma = 0 }},
		{"path length mismatch", func(e *Experiment) { e.Subsets[0].Path.Timesteps = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testExperiment(2, 5)
			tt.mutate(e)
			if err := e.Validate(); err == nil {
				t.Error("expected an error")
			}
			if _, err := (&Orchestrator{}).Run(context.Background(), e); err == nil {
				t.Error("expected Run to reject the experiment")
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Runs = 2
	cfg.Simulation.Timesteps = 10
	e, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID == "" {
		t.Error("expected an experiment ID")
	}
	if len(e.Subsets) != len(cfg.Subsets) {
		t.Fatalf("expected %d subsets, got %d", len(cfg.Subsets), len(e.Subsets))
	}
	for i, s := range e.Subsets {
		if s.ID != i || s.Name != cfg.Subsets[i].Name {
			t.Errorf("subset %d: got id=%d name=%q", i, s.ID, s.Name)
		}
		if s.Path.Timesteps != 10 {
			t.Errorf("subset %d: expected path of 10 timesteps, got %d", i, s.Path.Timesteps)
		}
	}
	if e.Population.Len() != cfg.Simulation.Agents {
		t.Errorf("expected %d agents, got %d", cfg.Simulation.Agents, e.Population.Len())
	}

	res, err := (&Orchestrator{Workers: cfg.Simulation.Workers}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Trajectories) != 2*len(cfg.Subsets) {
		t.Errorf("expected %d trajectories, got %d", 2*len(cfg.Subsets), len(res.Trajectories))
	}
}

func highSigmaConfig(t *testing.T, sigma float64) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Simulation.Runs = 3
	cfg.Subsets = []config.SubsetConfig{{Name: "wild", Mu: 0, Sigma: sigma}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config rejected: %v", err)
	}
	return cfg
}

func TestRun_HighSigmaCompletes(t *testing.T) {
	cfg := highSigmaConfig(t, 7)
	e, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := (&Orchestrator{}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tr := range res.Trajectories {
		if tr.Err != nil {
			t.Errorf("%s: unexpected run error: %v", tr.Key(), tr.Err)
		}
		if len(tr.States) != cfg.Simulation.Timesteps+1 {
			t.Errorf("%s: expected %d states, got %d", tr.Key(), cfg.Simulation.Timesteps+1, len(tr.States))
		}
	}
}

func TestRun_UnderflowedPathFailsOnlyItsRun(t *testing.T) {
	// At σ=60 the daily drift of -σ²/2·dt drives every path to 0 well
	// before maturity.
	e, err := FromConfig(highSigmaConfig(t, 60))
	if err != nil {
		t.Fatal(err)
	}
	res, err := (&Orchestrator{}).Run(context.Background(), e)
	if err != nil {
		t.Fatalf("run failures must not fail the experiment: %v", err)
	}
	if len(res.Trajectories) != 3 {
		t.Fatalf("expected 3 trajectories, got %d", len(res.Trajectories))
	}
	if len(res.Failed()) == 0 {
		t.Fatal("expected underflowed runs to fail")
	}
	for _, tr := range res.Failed() {
		if !errors.Is(tr.Err, matching.ErrNonFiniteMarket) {
			t.Errorf("%s: expected ErrNonFiniteMarket, got %v", tr.Key(), tr.Err)
		}
	}
}

func TestRun_PanicIsConfinedToRun(t *testing.T) {
	o := &Orchestrator{
		Workers: 2,
		Blocks: func(ids []string) []pipeline.Block {
			return append(pipeline.Blocks(ids), pipeline.Block{
				Description: "panics",
				Policies: []pipeline.PolicyFunc{
					func(p *pipeline.Params, _ []model.SimulationState, s model.SimulationState) (pipeline.Signal, error) {
						if p.Path.Run() == 1 && p.Contract.Type == option.Put && s.Timestep == 2 {
							p.Path.At(10_000)
						}
						return pipeline.Signal{}, nil
					},
				},
			})
		},
	}
	res, err := o.Run(context.Background(), testExperiment(2, 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].SubsetID != 1 || failed[0].RunID != 1 {
		t.Fatalf("expected only subset=1 run=1 to fail, got %d failures", len(failed))
	}
	if !errors.Is(failed[0].Err, ErrRunPanicked) {
		t.Errorf("expected ErrRunPanicked, got %v", failed[0].Err)
	}
	if len(failed[0].States) != 2 {
		t.Errorf("expected 2 states before the panic, got %d", len(failed[0].States))
	}
}
