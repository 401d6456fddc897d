// Package option implements the option contract valuator: Black-Scholes-Merton
// pricing, terminal payoff and discounting for call, put and straddle
// contracts, plus the trailing-window volatility estimator used to price
// them during a run.
//
// The valuator is stateless. A Contract is a value refreshed each timestep
// from market state; every method is a pure function of its receiver and
// arguments and is safe to call concurrently.
package option

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of contract traded in a run.
type Type string

// Supported contract types.
const (
	Call     Type = "call"
	Put      Type = "put"
	Straddle Type = "straddle"
)

var validTypes = map[Type]bool{
	Call:     true,
	Put:      true,
	Straddle: true,
}

var (
	ErrInvalidType       = errors.New("option: unsupported option type")
	ErrInvalidStrike     = errors.New("option: strike price must be positive")
	ErrInvalidMaturity   = errors.New("option: maturity must be at least one timestep")
	ErrInvalidVolatility = errors.New("option: volatility must be non-negative")
)

// ParseType parses a contract type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !validTypes[t] {
		return "", fmt.Errorf("%w: %q (expected call, put or straddle)", ErrInvalidType, s)
	}
	return t, nil
}

// Contract is the market state needed to value one option at a timestep.
// Maturity is expressed in timesteps (days); RiskFreeRate is an APR.
type Contract struct {
	Type            Type    `json:"type"`
	UnderlyingPrice float64 `json:"underlying_price"`
	StrikePrice     float64 `json:"strike_price"`
	Maturity        int     `json:"maturity"`
	RiskFreeRate    float64 `json:"risk_free_rate"`
	Volatility      float64 `json:"volatility"`
}

// Validate checks the immutable contract terms.
func (c Contract) Validate() error {
	if !validTypes[c.Type] {
		return fmt.Errorf("%w: %q", ErrInvalidType, c.Type)
	}
	if c.StrikePrice <= 0 {
		return ErrInvalidStrike
	}
	if c.Maturity < 1 {
		return ErrInvalidMaturity
	}
	if c.Volatility < 0 {
		return ErrInvalidVolatility
	}
	return nil
}

// WithMarket returns a copy of the contract refreshed with the current
// underlying price, risk-free rate and volatility.
func (c Contract) WithMarket(underlying, rate, volatility float64) Contract {
	c.UnderlyingPrice = underlying
	c.RiskFreeRate = rate
	c.Volatility = volatility
	return c
}

// WithType returns a copy of the contract with a different contract type.
func (c Contract) WithType(t Type) Contract {
	c.Type = t
	return c
}
