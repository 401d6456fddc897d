package sim

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/atmx/option-sim/internal/config"
	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
	"github.com/atmx/option-sim/internal/pricepath"
)

// Subset is one parameter scenario: a contract and the price process its
// runs are driven by.
type Subset struct {
	ID       int
	Name     string
	Contract option.Contract
	Path     pricepath.Params
}

// Experiment is everything the orchestrator needs to produce the
// trajectories of every (subset, run). Runs are numbered from 1.
type Experiment struct {
	ID               string
	Subsets          []Subset
	Runs             int
	Timesteps        int
	Seed             uint64
	Population       *model.Population
	Probabilities    matching.Probabilities
	WarmupVolatility float64
}

// FromConfig builds an experiment with a fresh ID from a validated config,
// using the default population factory.
func FromConfig(cfg *config.Config) (*Experiment, error) {
	e := &Experiment{
		ID:               uuid.New().String(),
		Runs:             cfg.Simulation.Runs,
		Timesteps:        cfg.Simulation.Timesteps,
		Seed:             cfg.Simulation.Seed,
		Population:       model.NewPopulation(cfg.Simulation.Agents),
		Probabilities:    cfg.Probabilities(),
		WarmupVolatility: cfg.Policy.WarmupVolatility,
	}
	for i, s := range cfg.Subsets {
		c, err := cfg.Contract(s)
		if err != nil {
			return nil, fmt.Errorf("subset %s: %w", s.Name, err)
		}
		e.Subsets = append(e.Subsets, Subset{
			ID:       i,
			Name:     s.Name,
			Contract: c,
			Path:     cfg.PathParams(s),
		})
	}
	return e, e.Validate()
}

// Validate rejects experiments that cannot run.
func (e *Experiment) Validate() error {
	switch {
	case e.Runs < 1:
		return errors.New("sim: runs must be >= 1")
	case e.Timesteps < 1:
		return errors.New("sim: timesteps must be >= 1")
	case e.Population.Len() == 0:
		return errors.New("sim: population is empty")
	case len(e.Subsets) == 0:
		return errors.New("sim: no subsets")
	}
	if err := e.Probabilities.Validate(); err != nil {
		return err
	}
	for _, s := range e.Subsets {
		if err := s.Contract.Validate(); err != nil {
			return fmt.Errorf("subset %s: %w", s.Name, err)
		}
		if err := s.Path.Validate(); err != nil {
			return fmt.Errorf("subset %s: %w", s.Name, err)
		}
		if s.Path.Timesteps != e.Timesteps {
			return fmt.Errorf("subset %s: path has %d timesteps, experiment has %d", s.Name, s.Path.Timesteps, e.Timesteps)
		}
	}
	return nil
}
