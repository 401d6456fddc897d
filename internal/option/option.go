package option

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// YearBasis is the number of timesteps (days) in one year.
	YearBasis = 365.0

	// MinTimeToMaturity is the floor on τ, one day expressed in years.
	// At or past maturity the BSM formula divides by σ√τ = 0, so τ is
	// clamped here instead.
	MinTimeToMaturity = 1 / YearBasis

	// MinVolatility is the floor on σ used inside the pricing formula. A
	// flat price history estimates σ = 0, which has the same 0/0 problem.
	MinVolatility = 1e-8
)

// TimeToMaturity returns τ in years at timestep t, clamped to
// MinTimeToMaturity.
func (c Contract) TimeToMaturity(t int) float64 {
	tau := float64(c.Maturity-t) / YearBasis
	if tau < MinTimeToMaturity {
		return MinTimeToMaturity
	}
	return tau
}

// d1d2 returns the BSM d1 and d2 terms:
//
//	d1 = (ln(S/K) + (r + σ²/2)·τ) / (σ·√τ)
//	d2 = d1 − σ·√τ
func (c Contract) d1d2(tau float64) (float64, float64) {
	sigma := math.Max(c.Volatility, MinVolatility)
	volSqrtT := sigma * math.Sqrt(tau)
	d1 := (math.Log(c.UnderlyingPrice/c.StrikePrice) + (c.RiskFreeRate+sigma*sigma/2)*tau) / volSqrtT
	return d1, d1 - volSqrtT
}

// CallPrice is S·Φ(d1) − K·e^(−rτ)·Φ(d2).
func (c Contract) CallPrice(t int) float64 {
	tau := c.TimeToMaturity(t)
	d1, d2 := c.d1d2(tau)
	return c.UnderlyingPrice*phi(d1) - c.StrikePrice*math.Exp(-c.RiskFreeRate*tau)*phi(d2)
}

// PutPrice is K·e^(−rτ)·Φ(−d2) − S·Φ(−d1).
func (c Contract) PutPrice(t int) float64 {
	tau := c.TimeToMaturity(t)
	d1, d2 := c.d1d2(tau)
	return c.StrikePrice*math.Exp(-c.RiskFreeRate*tau)*phi(-d2) - c.UnderlyingPrice*phi(-d1)
}

// Price returns the theoretical BSM value of the contract at timestep t.
// A straddle is priced as a call plus a put on the same terms.
func (c Contract) Price(t int) float64 {
	switch c.Type {
	case Call:
		return c.CallPrice(t)
	case Put:
		return c.PutPrice(t)
	case Straddle:
		return c.CallPrice(t) + c.PutPrice(t)
	}
	return 0
}

// Payoff returns the terminal payoff of the contract type for an
// underlying price and strike.
func (c Contract) Payoff(underlying, strike float64) float64 {
	return Payoff(c.Type, underlying, strike)
}

// Payoff returns the terminal payoff for a contract type:
// call max(S−K, 0), put max(K−S, 0), straddle |S−K|.
func Payoff(typ Type, underlying, strike float64) float64 {
	switch typ {
	case Call:
		return math.Max(underlying-strike, 0)
	case Put:
		return math.Max(strike-underlying, 0)
	case Straddle:
		return math.Abs(underlying - strike)
	}
	return 0
}

// DiscountFactor returns e^(−r·(maturity−t)/YearBasis), the factor that
// present-values a payoff settled at t. Past maturity no time remains and
// the factor is 1.
func (c Contract) DiscountFactor(t int) float64 {
	remaining := c.Maturity - t
	if remaining < 0 {
		remaining = 0
	}
	return math.Exp(-c.RiskFreeRate * float64(remaining) / YearBasis)
}

// DiscountedPayoff is Payoff(S, K) · DiscountFactor(t) on the contract's own
// underlying price and strike.
func (c Contract) DiscountedPayoff(t int) float64 {
	return c.Payoff(c.UnderlyingPrice, c.StrikePrice) * c.DiscountFactor(t)
}

func phi(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}
