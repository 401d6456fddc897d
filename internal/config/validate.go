package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/option-sim/internal/option"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	s := c.Simulation
	if s.Timesteps < 1 {
		return errors.New("simulation.timesteps must be >= 1")
	}
	if s.Runs < 1 {
		return errors.New("simulation.runs must be >= 1")
	}
	if s.Agents < 1 {
		return errors.New("simulation.agents must be >= 1")
	}
	if s.Workers < 1 {
		return errors.New("simulation.workers must be >= 1")
	}
	if !(s.InitialPrice > 0) || math.IsInf(s.InitialPrice, 0) {
		return fmt.Errorf("simulation.initial_price must be > 0, got %v", s.InitialPrice)
	}
	if math.IsNaN(s.RiskFreeRate) || math.IsInf(s.RiskFreeRate, 0) {
		return fmt.Errorf("simulation.risk_free_rate must be finite, got %v", s.RiskFreeRate)
	}

	if _, err := option.ParseType(c.Option.Type); err != nil {
		return fmt.Errorf("option.type: %w", err)
	}
	if !(c.Option.Strike > 0) || math.IsInf(c.Option.Strike, 0) {
		return fmt.Errorf("option.strike must be > 0, got %v", c.Option.Strike)
	}
	if c.Option.Maturity < 1 {
		return fmt.Errorf("option.maturity must be >= 1, got %d", c.Option.Maturity)
	}

	if err := c.Probabilities().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if !(c.Policy.WarmupVolatility > 0) {
		return fmt.Errorf("policy.warmup_volatility must be > 0, got %v", c.Policy.WarmupVolatility)
	}

	if len(c.Subsets) == 0 {
		return errors.New("at least one subset is required")
	}
	seen := make(map[string]bool, len(c.Subsets))
	for i, sub := range c.Subsets {
		prefix := fmt.Sprintf("subsets[%d]", i)
		if sub.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if seen[sub.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, sub.Name)
		}
		seen[sub.Name] = true
		if math.IsNaN(sub.Mu) || math.IsInf(sub.Mu, 0) {
			return fmt.Errorf("%s.mu must be finite, got %v", prefix, sub.Mu)
		}
		if !(sub.Sigma > 0) || math.IsInf(sub.Sigma, 0) {
			return fmt.Errorf("%s.sigma must be > 0, got %v", prefix, sub.Sigma)
		}
		if sub.OptionType != "" {
			if _, err := option.ParseType(sub.OptionType); err != nil {
				return fmt.Errorf("%s.option_type: %w", prefix, err)
			}
		}
	}

	if c.Store.CacheTTL < 0 {
		return fmt.Errorf("store.cache_ttl must be >= 0, got %s", c.Store.CacheTTL)
	}
	if c.Store.RedisURL != "" && c.Store.DatabaseURL == "" {
		return errors.New("store.redis_url requires store.database_url")
	}
	return nil
}
