// Package model defines the core domain types shared across the simulation.
// All monetary values use shopspring/decimal; the pricing packages work in
// float64 and convert at the record boundary with Money.
package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places kept on currency fields.
const PriceScale int32 = 8

// Money converts a float64 pricing result into a currency value.
func Money(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(PriceScale)
}

// OptionSide is the side of the contract an agent holds.
type OptionSide string

const (
	SideNone OptionSide = "none"
	SideBuy  OptionSide = "buy"
	SideSell OptionSide = "sell"
)

// AgentState is the lifecycle state derived from an agent record.
type AgentState int

const (
	StateIdle AgentState = iota
	StateOffering
	StateMatched
	StateExercised
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateMatched:
		return "matched"
	case StateExercised:
		return "exercised"
	}
	return "unknown"
}

// Agent is one participant's record. Records are values: transitions in
// package agent return updated copies and never mutate through pointers.
// UnderwrittenAt and ExercisedAt are nil until the event happens; the
// counterparty IDs are empty until a match.
type Agent struct {
	ID                string          `json:"agent_id"`
	Side              OptionSide      `json:"option_side"`
	HasCounterparty   bool            `json:"has_counterparty"`
	UnderwrittenAt    *int            `json:"underwritten_at"`
	BoughtFromID      string          `json:"bought_from_id,omitempty"`
	SoldToID          string          `json:"sold_to_id,omitempty"`
	PremiumPaid       decimal.Decimal `json:"premium_paid"`
	PremiumReceived   decimal.Decimal `json:"premium_received"`
	AcceptingBuyOrder bool            `json:"accepting_buy_order"`
	Exercised         bool            `json:"exercised"`
	ExercisedAt       *int            `json:"exercised_at"`

	PayoffReceived           decimal.Decimal `json:"payoff_received"`
	PayoffPaid               decimal.Decimal `json:"payoff_paid"`
	DiscountedPayoffReceived decimal.Decimal `json:"discounted_payoff_received"`
	DiscountedPayoffPaid     decimal.Decimal `json:"discounted_payoff_paid"`
	TimeHeld                 int             `json:"time_held"`
}

// NewAgent returns a freshly constructed idle agent.
func NewAgent(id string) Agent {
	return Agent{
		ID:                       id,
		Side:                     SideNone,
		PremiumPaid:              decimal.Zero,
		PremiumReceived:          decimal.Zero,
		PayoffReceived:           decimal.Zero,
		PayoffPaid:               decimal.Zero,
		DiscountedPayoffReceived: decimal.Zero,
		DiscountedPayoffPaid:     decimal.Zero,
	}
}

// AgentKey returns the state-variable key of the agent with the given ID.
func AgentKey(id string) string {
	return "agent_" + id
}

// Key returns the agent's state-variable key, e.g. "agent_3".
func (a Agent) Key() string {
	return AgentKey(a.ID)
}

// State derives the lifecycle state from the record's flags.
func (a Agent) State() AgentState {
	switch {
	case a.Exercised:
		return StateExercised
	case a.HasCounterparty:
		return StateMatched
	case a.AcceptingBuyOrder:
		return StateOffering
	default:
		return StateIdle
	}
}

// Counterparty returns the ID of the opposite side of the agent's trade,
// or "" if the agent has never been matched.
func (a Agent) Counterparty() string {
	if a.BoughtFromID != "" {
		return a.BoughtFromID
	}
	return a.SoldToID
}

// PnL returns the agent's realised profit: discounted payoff received minus
// premium paid on the buy side, premium received minus discounted payoff
// paid on the sell side.
func (a Agent) PnL() decimal.Decimal {
	buyer := a.DiscountedPayoffReceived.Sub(a.PremiumPaid)
	seller := a.PremiumReceived.Sub(a.DiscountedPayoffPaid)
	return buyer.Add(seller)
}

// NewPopulation builds the default initial population: n idle agents with
// IDs "0".."n-1" in creation order.
func NewPopulation(n int) *Population {
	agents := make([]Agent, n)
	for i := range agents {
		agents[i] = NewAgent(strconv.Itoa(i))
	}
	p, _ := PopulationOf(agents...)
	return p
}

// At returns a pointer to a new int holding t, for the nullable timestep
// fields of Agent.
func At(t int) *int {
	return &t
}
