package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// State-variable keys understood by SimulationState.With. Agent records use
// AgentKey(id).
const (
	KeyVolatileAssetPrice = "volatile_asset_price"
	KeyDiscountedPayoff   = "discounted_payoff"
	KeyRiskFreeRate       = "risk_free_rate"

	agentKeyPrefix = "agent_"
)

// SimulationState is one snapshot of a run. States are immutable by
// replacement: each timestep derives a new state with Next and merges the
// timestep's updates into it with With.
type SimulationState struct {
	SubsetID           int             `json:"subset"`
	RunID              int             `json:"run"`
	Timestep           int             `json:"timestep"`
	VolatileAssetPrice decimal.Decimal `json:"volatile_asset_price"`
	RiskFreeRate       float64         `json:"risk_free_rate"`
	DiscountedPayoff   decimal.Decimal `json:"discounted_payoff"`
	Agents             *Population     `json:"agents"`
}

// InitialState builds the timestep-0 state of a run.
func InitialState(subset, run int, price decimal.Decimal, rate float64, agents *Population) SimulationState {
	return SimulationState{
		SubsetID:           subset,
		RunID:              run,
		Timestep:           0,
		VolatileAssetPrice: price,
		RiskFreeRate:       rate,
		DiscountedPayoff:   decimal.Zero,
		Agents:             agents.Clone(),
	}
}

// Next returns a copy of s advanced by one timestep with its own agent
// population, ready to receive the timestep's updates.
func (s SimulationState) Next() SimulationState {
	next := s
	next.Timestep = s.Timestep + 1
	next.Agents = s.Agents.Clone()
	return next
}

// With merges one state-variable update. Agent updates write into the
// population owned by s, so With must only be applied to a state obtained
// from Next (or InitialState) that no earlier snapshot shares.
func (s SimulationState) With(key string, value any) (SimulationState, error) {
	switch key {
	case KeyVolatileAssetPrice:
		v, ok := value.(decimal.Decimal)
		if !ok {
			return s, fmt.Errorf("state: %s expects decimal.Decimal, got %T", key, value)
		}
		s.VolatileAssetPrice = v
		return s, nil
	case KeyDiscountedPayoff:
		v, ok := value.(decimal.Decimal)
		if !ok {
			return s, fmt.Errorf("state: %s expects decimal.Decimal, got %T", key, value)
		}
		s.DiscountedPayoff = v
		return s, nil
	case KeyRiskFreeRate:
		v, ok := value.(float64)
		if !ok {
			return s, fmt.Errorf("state: %s expects float64, got %T", key, value)
		}
		s.RiskFreeRate = v
		return s, nil
	}

	if !strings.HasPrefix(key, agentKeyPrefix) {
		return s, fmt.Errorf("state: unknown state variable %q", key)
	}
	a, ok := value.(Agent)
	if !ok {
		return s, fmt.Errorf("state: %s expects model.Agent, got %T", key, value)
	}
	if a.Key() != key {
		return s, fmt.Errorf("state: agent %q stored under key %q", a.ID, key)
	}
	if err := s.Agents.Set(a); err != nil {
		return s, err
	}
	return s, nil
}

// Price returns the asset price as float64 for the pricing packages.
func (s SimulationState) Price() float64 {
	return s.VolatileAssetPrice.InexactFloat64()
}
