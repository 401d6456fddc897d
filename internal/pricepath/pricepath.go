// Package pricepath generates the underlying asset price paths that drive
// each Monte Carlo run. Paths are produced ahead of simulation with
// discretized geometric Brownian motion:
//
//	S[t+1] = S[t] · exp((μ − σ²/2)·dt + σ·√dt·Z),  Z ~ N(0,1)
//
// Every run draws Z from its own PCG stream seeded by (seed, run), so a
// path is a pure function of its parameters and run number.
package pricepath

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// DailyDt is the GBM time increment of one daily timestep, in years.
const DailyDt = 1.0 / 365.0

var (
	ErrInvalidPrice     = errors.New("pricepath: initial price must be positive")
	ErrInvalidSigma     = errors.New("pricepath: sigma must be positive")
	ErrInvalidDt        = errors.New("pricepath: dt must be positive")
	ErrInvalidTimesteps = errors.New("pricepath: timesteps must be at least 1")
)

// Params are the scenario parameters of a GBM price process.
type Params struct {
	InitialPrice float64
	Mu           float64 // annual drift
	Sigma        float64 // annual volatility
	Dt           float64 // years per timestep
	Timesteps    int
	Seed         uint64
}

// Validate checks that the parameters describe a usable process.
func (p Params) Validate() error {
	switch {
	case p.InitialPrice <= 0 || math.IsNaN(p.InitialPrice):
		return ErrInvalidPrice
	case p.Sigma <= 0 || math.IsNaN(p.Sigma):
		return ErrInvalidSigma
	case p.Dt <= 0:
		return ErrInvalidDt
	case p.Timesteps < 1:
		return ErrInvalidTimesteps
	}
	return nil
}

// Path is the immutable price sequence of one run. At(t) is the price at
// timestep t for t in [0, Timesteps].
type Path struct {
	run    int
	prices []float64
}

// Run returns the run number the path was generated for.
func (p Path) Run() int { return p.run }

// Len returns the number of prices, Timesteps+1.
func (p Path) Len() int { return len(p.prices) }

// At returns the price at timestep t. An out-of-range timestep is a
// programming error and panics.
func (p Path) At(t int) float64 {
	if t < 0 || t >= len(p.prices) {
		panic(fmt.Sprintf("pricepath: timestep %d out of range [0, %d] for run %d", t, len(p.prices)-1, p.run))
	}
	return p.prices[t]
}

// Prices returns a copy of the whole sequence.
func (p Path) Prices() []float64 {
	out := make([]float64, len(p.prices))
	copy(out, p.prices)
	return out
}

// Generate builds the path of one run.
func Generate(params Params, run int) Path {
	rng := rand.New(rand.NewPCG(params.Seed, uint64(run)))

	drift := (params.Mu - params.Sigma*params.Sigma/2) * params.Dt
	diffusion := params.Sigma * math.Sqrt(params.Dt)

	prices := make([]float64, params.Timesteps+1)
	prices[0] = params.InitialPrice
	for t := 1; t <= params.Timesteps; t++ {
		z := rng.NormFloat64()
		prices[t] = prices[t-1] * math.Exp(drift+diffusion*z)
	}
	return Path{run: run, prices: prices}
}

// Set holds the precomputed paths of a subset, keyed by run number.
type Set struct {
	paths map[int]Path
}

// GenerateSet precomputes paths for runs 1..runs.
func GenerateSet(params Params, runs int) (*Set, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	s := &Set{paths: make(map[int]Path, runs)}
	for run := 1; run <= runs; run++ {
		s.paths[run] = Generate(params, run)
	}
	return s, nil
}

// Path returns the path of a run.
func (s *Set) Path(run int) (Path, bool) {
	p, ok := s.paths[run]
	return p, ok
}

// Price is the pure lookup price(run, t). Unknown runs and out-of-range
// timesteps panic.
func (s *Set) Price(run, t int) float64 {
	p, ok := s.paths[run]
	if !ok {
		panic(fmt.Sprintf("pricepath: no path for run %d", run))
	}
	return p.At(t)
}
