// Package config loads simulation configuration from YAML. ${VAR}
// references are expanded from the environment before parsing; defaults
// fill unset fields and Validate rejects invalid settings before any run
// begins.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/option-sim/internal/matching"
	"github.com/atmx/option-sim/internal/option"
	"github.com/atmx/option-sim/internal/pricepath"
)

// Config is the complete configuration of an experiment.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Option     OptionConfig     `yaml:"option"`
	Policy     PolicyConfig     `yaml:"policy"`
	Subsets    []SubsetConfig   `yaml:"subsets"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// SimulationConfig sizes the experiment.
type SimulationConfig struct {
	Timesteps    int     `yaml:"timesteps"`
	Runs         int     `yaml:"runs"`
	Agents       int     `yaml:"agents"`
	Seed         uint64  `yaml:"seed"`
	Workers      int     `yaml:"workers"`
	InitialPrice float64 `yaml:"initial_price"`
	RiskFreeRate float64 `yaml:"risk_free_rate"`
}

// OptionConfig holds the contract terms shared by every subset.
type OptionConfig struct {
	Type     string  `yaml:"type"`
	Strike   float64 `yaml:"strike"`
	Maturity int     `yaml:"maturity"` // timesteps
}

// PolicyConfig holds the agent policy parameters.
type PolicyConfig struct {
	PSell            float64 `yaml:"p_sell"`
	PBuy             float64 `yaml:"p_buy"`
	PExercise        float64 `yaml:"p_exercise"`
	WarmupVolatility float64 `yaml:"warmup_volatility"`
}

// SubsetConfig is one market scenario. OptionType overrides the contract
// type for this subset only.
type SubsetConfig struct {
	Name       string  `yaml:"name"`
	Mu         float64 `yaml:"mu"`
	Sigma      float64 `yaml:"sigma"`
	OptionType string  `yaml:"option_type,omitempty"`
}

// StoreConfig selects the trajectory store. With no database URL the
// in-memory store is used; the Redis cache needs a database.
type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file, expanding ${VAR} environment references.
// No defaults are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := parse(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values. The file is
// parsed over the defaults, so settings it leaves out keep their default
// even where zero is a valid value.
func LoadWithDefaults(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := base()
	if err := parse(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

func parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ContractType returns the contract type traded in a subset.
func (c *Config) ContractType(s SubsetConfig) (option.Type, error) {
	if s.OptionType != "" {
		return option.ParseType(s.OptionType)
	}
	return option.ParseType(c.Option.Type)
}

// Contract returns the contract terms of a subset. Market fields other
// than the risk-free rate are filled in per timestep.
func (c *Config) Contract(s SubsetConfig) (option.Contract, error) {
	typ, err := c.ContractType(s)
	if err != nil {
		return option.Contract{}, err
	}
	return option.Contract{
		Type:            typ,
		UnderlyingPrice: c.Simulation.InitialPrice,
		StrikePrice:     c.Option.Strike,
		Maturity:        c.Option.Maturity,
		RiskFreeRate:    c.Simulation.RiskFreeRate,
	}, nil
}

// PathParams returns the price process parameters of a subset.
func (c *Config) PathParams(s SubsetConfig) pricepath.Params {
	return pricepath.Params{
		InitialPrice: c.Simulation.InitialPrice,
		Mu:           s.Mu,
		Sigma:        s.Sigma,
		Dt:           pricepath.DailyDt,
		Timesteps:    c.Simulation.Timesteps,
		Seed:         c.Simulation.Seed,
	}
}

// Probabilities returns the agent trial probabilities.
func (c *Config) Probabilities() matching.Probabilities {
	return matching.Probabilities{
		PSell:     c.Policy.PSell,
		PBuy:      c.Policy.PBuy,
		PExercise: c.Policy.PExercise,
	}
}

// SubsetNames lists the configured subset names in order.
func (c *Config) SubsetNames() string {
	names := make([]string, len(c.Subsets))
	for i, s := range c.Subsets {
		names[i] = s.Name
	}
	return strings.Join(names, ",")
}
