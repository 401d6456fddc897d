// Package matching runs the per-timestep agent policy: probabilistic order
// arrival followed by deterministic first-fit matching and exercise.
//
// Agents are visited in creation order and each agent's transitions are
// applied before the next agent is visited, so a seller that offers early
// in a timestep can be matched by a later agent in the same timestep.
package matching

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/option-sim/internal/agent"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
)

// ErrNonFiniteMarket is returned when the volatility estimate or the premium
// of a timestep is NaN or infinite, which happens once a price path has
// underflowed to zero.
var ErrNonFiniteMarket = errors.New("matching: non-finite volatility or premium")

// Policy is the agent policy of one run.
type Policy struct {
	Contract   option.Contract // terms only; market fields are refreshed each step
	Volatility option.VolatilityEstimator
	Decider    Decider
}

// NewPolicy returns a policy for the contract terms.
func NewPolicy(terms option.Contract, vol option.VolatilityEstimator, d Decider) *Policy {
	return &Policy{Contract: terms, Volatility: vol, Decider: d}
}

// Market is the market view of one timestep. History holds the asset price
// at timesteps 0..Timestep.
type Market struct {
	Timestep     int
	Price        float64
	RiskFreeRate float64
	History      []float64
}

// Result is the outcome of one Step.
type Result struct {
	Agents     *model.Population
	Volatility float64
	Premium    decimal.Decimal
	Offers     int
	Matches    int
	Exercises  int
	Unfilled   int // buy trials that found no seller
}

// contractAt values the contract terms at market m and returns the
// volatility estimate used.
func (p *Policy) contractAt(m Market) (option.Contract, float64) {
	sigma := p.Volatility.Estimate(m.History, m.Timestep)
	return p.Contract.WithMarket(m.Price, m.RiskFreeRate, sigma), sigma
}

// Step applies the policy to every agent of pop at market m. pop is not
// modified; the updated records are returned in a new population. An
// *agent.InvariantError aborts the step.
func (p *Policy) Step(pop *model.Population, m Market) (Result, error) {
	c, sigma := p.contractAt(m)
	if !finite(sigma) {
		return Result{Agents: pop}, fmt.Errorf("%w: σ=%v at t=%d", ErrNonFiniteMarket, sigma, m.Timestep)
	}
	premium := c.Price(m.Timestep)
	if !finite(premium) {
		return Result{Agents: pop}, fmt.Errorf("%w: premium=%v at t=%d", ErrNonFiniteMarket, premium, m.Timestep)
	}
	res := Result{
		Agents:     pop.Clone(),
		Volatility: sigma,
		Premium:    model.Money(premium),
	}
	agents := res.Agents
	t := m.Timestep

	for i := 0; i < agents.Len(); i++ {
		out := p.Decider.Decide(t, agents.At(i))
		a := agents.At(i)
		if a.Exercised {
			continue
		}

		if out.Sell && a.State() == model.StateIdle {
			offered, err := agent.Offer(a, t)
			if err != nil {
				return res, err
			}
			a = offered
			if err := agents.Set(a); err != nil {
				return res, err
			}
			res.Offers++
		}

		if out.Buy && !a.HasCounterparty {
			j := firstSeller(agents, i)
			if j < 0 {
				res.Unfilled++
			} else {
				buyer, seller, err := agent.Match(a, agents.At(j), t, res.Premium)
				if err != nil {
					return res, err
				}
				if err := setPair(agents, buyer, seller); err != nil {
					return res, err
				}
				a = buyer
				res.Matches++
			}
		}

		if out.Exercise && t <= c.Maturity && a.Side == model.SideBuy && a.HasCounterparty &&
			agent.InTheMoney(a, c, m.Price) {
			seller, _ := agents.Get(a.BoughtFromID)
			buyer, seller, err := agent.Exercise(a, seller, c, m.Price, t)
			if err != nil {
				return res, err
			}
			if err := setPair(agents, buyer, seller); err != nil {
				return res, err
			}
			res.Exercises++
		}
	}
	return res, nil
}

// firstSeller returns the index of the first agent in creation order, other
// than the buyer at index self, that is accepting buy orders; -1 if none.
func firstSeller(agents *model.Population, self int) int {
	for j := 0; j < agents.Len(); j++ {
		if j == self {
			continue
		}
		s := agents.At(j)
		if s.AcceptingBuyOrder && !s.HasCounterparty && !s.Exercised {
			return j
		}
	}
	return -1
}

func setPair(agents *model.Population, buyer, seller model.Agent) error {
	if err := agents.Set(buyer); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	if err := agents.Set(seller); err != nil {
		return fmt.Errorf("matching: %w", err)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
