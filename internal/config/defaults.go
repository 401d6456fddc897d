package config

import (
	"runtime"
	"time"

	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/option"
)

// Default values for optional configuration fields.
const (
	DefaultTimesteps    = 365
	DefaultRuns         = 10
	DefaultAgents       = 100
	DefaultSeed         = 42
	DefaultInitialPrice = 2000.0
	DefaultRiskFreeRate = 0.03
	DefaultOptionType   = string(option.Call)
	DefaultMaturity     = 365
	DefaultCacheTTL     = 30 * time.Second
)

// DefaultSubsets are the bull and bear market scenarios.
func DefaultSubsets() []SubsetConfig {
	return []SubsetConfig{
		{Name: "Bull", Mu: 0.10, Sigma: 0.25},
		{Name: "Bear", Mu: -0.15, Sigma: 0.25},
	}
}

// base returns the defaults of fields for which zero is a meaningful
// setting. Files are parsed on top of it, so an explicit 0 survives.
func base() *Config {
	return &Config{
		Simulation: SimulationConfig{
			RiskFreeRate: DefaultRiskFreeRate,
		},
		Policy: PolicyConfig{
			PSell:            matching.DefaultPSell,
			PBuy:             matching.DefaultPBuy,
			PExercise:        matching.DefaultPExercise,
			WarmupVolatility: option.DefaultWarmupVolatility,
		},
	}
}

// applyDefaults fills zero-valued fields, including the derived ones: the
// strike defaults to the initial price and workers to GOMAXPROCS.
func (c *Config) applyDefaults() {
	if c.Simulation.Timesteps == 0 {
		c.Simulation.Timesteps = DefaultTimesteps
	}
	if c.Simulation.Runs == 0 {
		c.Simulation.Runs = DefaultRuns
	}
	if c.Simulation.Agents == 0 {
		c.Simulation.Agents = DefaultAgents
	}
	if c.Simulation.Seed == 0 {
		c.Simulation.Seed = DefaultSeed
	}
	if c.Simulation.Workers == 0 {
		c.Simulation.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Simulation.InitialPrice == 0 {
		c.Simulation.InitialPrice = DefaultInitialPrice
	}

	if c.Option.Type == "" {
		c.Option.Type = DefaultOptionType
	}
	if c.Option.Strike == 0 {
		c.Option.Strike = c.Simulation.InitialPrice
	}
	if c.Option.Maturity == 0 {
		c.Option.Maturity = DefaultMaturity
	}

	if len(c.Subsets) == 0 {
		c.Subsets = DefaultSubsets()
	}

	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = DefaultCacheTTL
	}
}
