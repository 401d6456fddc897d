package matching

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/atmx/option-sim/internal/model"
)

// Default trial probabilities.
const (
	DefaultPSell     = 0.05
	DefaultPBuy      = 0.05
	DefaultPExercise = 0.05
)

// decisionStream separates the trial stream from the price-path stream
// seeded with the same (seed, run).
const decisionStream uint64 = 0x9e3779b97f4a7c15

var ErrInvalidProbability = errors.New("matching: probability must be within [0, 1]")

// Probabilities are the per-agent, per-timestep success probabilities of
// the three Bernoulli trials.
type Probabilities struct {
	PSell     float64 `json:"p_sell"`
	PBuy      float64 `json:"p_buy"`
	PExercise float64 `json:"p_exercise"`
}

// DefaultProbabilities returns 5% for every trial.
func DefaultProbabilities() Probabilities {
	return Probabilities{PSell: DefaultPSell, PBuy: DefaultPBuy, PExercise: DefaultPExercise}
}

// Validate rejects probabilities outside [0, 1].
func (p Probabilities) Validate() error {
	checks := []struct {
		name string
		v    float64
	}{
		{"p_sell", p.PSell},
		{"p_buy", p.PBuy},
		{"p_exercise", p.PExercise},
	}
	for _, c := range checks {
		if !(c.v >= 0 && c.v <= 1) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidProbability, c.name, c.v)
		}
	}
	return nil
}

// Outcome is the result of one agent's three trials at one timestep.
type Outcome struct {
	Sell     bool
	Buy      bool
	Exercise bool
}

// Decider supplies trial outcomes. Decide is called exactly once per agent
// per timestep, in agent-creation order.
type Decider interface {
	Decide(t int, a model.Agent) Outcome
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(t int, a model.Agent) Outcome

func (f DeciderFunc) Decide(t int, a model.Agent) Outcome { return f(t, a) }

// BernoulliDecider draws independent uniform trials from a run-scoped PCG
// stream. Three draws are consumed per call in the order sell, buy,
// exercise, whatever the agent's state, so the stream position depends
// only on how many calls came before.
type BernoulliDecider struct {
	p   Probabilities
	rng *rand.Rand
}

// NewBernoulliDecider returns the decider of one (subset, run). It is not
// safe for concurrent use; each run owns its own.
func NewBernoulliDecider(p Probabilities, seed uint64, subset, run int) *BernoulliDecider {
	stream := uint64(subset)<<32 | uint64(uint32(run))
	return &BernoulliDecider{
		p:   p,
		rng: rand.New(rand.NewPCG(seed^decisionStream, stream)),
	}
}

func (b *BernoulliDecider) Decide(_ int, _ model.Agent) Outcome {
	sell := b.rng.Float64() < b.p.PSell
	buy := b.rng.Float64() < b.p.PBuy
	exercise := b.rng.Float64() < b.p.PExercise
	return Outcome{Sell: sell, Buy: buy, Exercise: exercise}
}
