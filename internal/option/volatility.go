package option

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// DefaultWarmupVolatility is used until enough price history exists.
const DefaultWarmupVolatility = 0.1

// warmupTimesteps is the last timestep priced with the warm-up constant.
const warmupTimesteps = 2

// VolatilityEstimator estimates σ from the trailing price history of a run.
//
// For t ≤ 2 it returns Warmup. After that it takes the log-returns of the
// prices at timesteps 0..t and scales their population standard deviation
// by √(maturity in years).
type VolatilityEstimator struct {
	Warmup   float64
	Maturity int
}

// NewVolatilityEstimator returns an estimator for a contract maturing at
// the given timestep.
func NewVolatilityEstimator(warmup float64, maturity int) VolatilityEstimator {
	return VolatilityEstimator{Warmup: warmup, Maturity: maturity}
}

// Estimate returns σ at timestep t. prices[i] is the asset price at
// timestep i; entries after t are ignored.
func (e VolatilityEstimator) Estimate(prices []float64, t int) float64 {
	if t <= warmupTimesteps {
		return e.Warmup
	}
	window := prices
	if t+1 < len(window) {
		window = window[:t+1]
	}
	if len(window) < 2 {
		return e.Warmup
	}

	returns := make([]float64, len(window)-1)
	for i := 1; i < len(window); i++ {
		returns[i-1] = math.Log(window[i] / window[i-1])
	}
	return stat.PopStdDev(returns, nil) * math.Sqrt(float64(e.Maturity)/YearBasis)
}
