package pipeline

import (
	"fmt"

	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
	"github.com/atmx/option-sim/internal/pricepath"
)

// Signal keys produced by the canonical blocks.
const (
	SignalPrice            = "volatile_asset_price"
	SignalDiscountedPayoff = "discounted_payoff"
	SignalAgents           = "agents"
)

// Params are the read-only parameters of one run.
type Params struct {
	Path     pricepath.Path
	Contract option.Contract // terms; the market fields are filled per timestep
	Policy   *matching.Policy
}

// Blocks returns the canonical pipeline for a population with the given
// agent IDs: underlying price, then discounted payoff, then the agent
// policy with one state variable per agent.
func Blocks(agentIDs []string) []Block {
	agentVars := make([]UpdateFunc, len(agentIDs))
	for i, id := range agentIDs {
		agentVars[i] = updateAgent(id)
	}
	return []Block{
		{
			Description: "update volatile asset price",
			Policies:    []PolicyFunc{priceSignal},
			Variables:   []UpdateFunc{updatePrice},
		},
		{
			Description: "update discounted payoff",
			Policies:    []PolicyFunc{discountedPayoffSignal},
			Variables:   []UpdateFunc{updateDiscountedPayoff},
		},
		{
			Description: "agent policy",
			Policies:    []PolicyFunc{agentSignal},
			Variables:   agentVars,
		},
	}
}

func priceSignal(p *Params, _ []model.SimulationState, s model.SimulationState) (Signal, error) {
	return Signal{SignalPrice: model.Money(p.Path.At(s.Timestep))}, nil
}

func updatePrice(_ *Params, sig Signal, _ model.SimulationState) (string, any, error) {
	return model.KeyVolatileAssetPrice, sig[SignalPrice], nil
}

// discountedPayoffSignal values the terminal payoff at the current price,
// discounted over the time remaining to maturity.
func discountedPayoffSignal(p *Params, _ []model.SimulationState, s model.SimulationState) (Signal, error) {
	c := p.Contract.WithMarket(s.Price(), s.RiskFreeRate, 0)
	return Signal{SignalDiscountedPayoff: model.Money(c.DiscountedPayoff(s.Timestep))}, nil
}

func updateDiscountedPayoff(_ *Params, sig Signal, _ model.SimulationState) (string, any, error) {
	return model.KeyDiscountedPayoff, sig[SignalDiscountedPayoff], nil
}

// agentSignal runs the agent policy. The market view is read from the
// run's float64 path rather than the rounded state prices, which collapse
// to zero once a path falls below the currency scale.
func agentSignal(p *Params, _ []model.SimulationState, s model.SimulationState) (Signal, error) {
	prices := p.Path.Prices()[:s.Timestep+1]

	res, err := p.Policy.Step(s.Agents, matching.Market{
		Timestep:     s.Timestep,
		Price:        prices[s.Timestep],
		RiskFreeRate: s.RiskFreeRate,
		History:      prices,
	})
	if err != nil {
		return nil, err
	}
	return Signal{SignalAgents: res}, nil
}

func updateAgent(id string) UpdateFunc {
	return func(_ *Params, sig Signal, _ model.SimulationState) (string, any, error) {
		res, ok := sig[SignalAgents].(matching.Result)
		if !ok {
			return "", nil, fmt.Errorf("missing %q signal", SignalAgents)
		}
		a, ok := res.Agents.Get(id)
		if !ok {
			return "", nil, fmt.Errorf("agent %q missing from policy result", id)
		}
		return model.AgentKey(id), a, nil
	}
}
