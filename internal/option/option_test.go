package option

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func closeTo(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func atm(typ Type) Contract {
	return Contract{
		Type:            typ,
		UnderlyingPrice: 100,
		StrikePrice:     100,
		Maturity:        365,
		RiskFreeRate:    0.05,
		Volatility:      0.2,
	}
}

// --- Price tests ---

func TestCallPrice_KnownValue(t *testing.T) {
	// S=K=100, r=5%, σ=20%, τ=1y.
	price := atm(Call).Price(0)
	if !closeTo(price, 10.4506, 1e-3) {
		t.Errorf("expected call ≈ 10.4506, got %.6f", price)
	}
}

func TestPutPrice_KnownValue(t *testing.T) {
	price := atm(Put).Price(0)
	if !closeTo(price, 5.5735, 1e-3) {
		t.Errorf("expected put ≈ 5.5735, got %.6f", price)
	}
}

func TestPrice_TimeDecay(t *testing.T) {
	c := atm(Call)
	early := c.Price(0)
	late := c.Price(300)
	if late >= early {
		t.Errorf("ATM call should lose value as maturity nears: t=0 %.4f, t=300 %.4f", early, late)
	}
}

func TestPrice_StraddleIsCallPlusPut(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Contract{
			Type:            Straddle,
			UnderlyingPrice: rapid.Float64Range(100, 5000).Draw(t, "S"),
			StrikePrice:     rapid.Float64Range(100, 5000).Draw(t, "K"),
			Maturity:        rapid.IntRange(1, 730).Draw(t, "maturity"),
			RiskFreeRate:    rapid.Float64Range(0, 0.1).Draw(t, "r"),
			Volatility:      rapid.Float64Range(0.01, 1.5).Draw(t, "sigma"),
		}
		step := rapid.IntRange(0, c.Maturity+10).Draw(t, "t")

		straddle := c.Price(step)
		call := c.WithType(Call).Price(step)
		put := c.WithType(Put).Price(step)

		if !closeTo(straddle, call+put, 1e-9*math.Max(1, math.Abs(straddle))) {
			t.Fatalf("straddle %.12f != call %.12f + put %.12f", straddle, call, put)
		}
	})
}

func TestPrice_PutCallParity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := Contract{
			UnderlyingPrice: rapid.Float64Range(100, 5000).Draw(t, "S"),
			StrikePrice:     rapid.Float64Range(100, 5000).Draw(t, "K"),
			Maturity:        365,
			RiskFreeRate:    rapid.Float64Range(0, 0.1).Draw(t, "r"),
			Volatility:      rapid.Float64Range(0.05, 1).Draw(t, "sigma"),
		}
		step := rapid.IntRange(0, 364).Draw(t, "t")
		tau := c.TimeToMaturity(step)

		lhs := c.CallPrice(step) - c.PutPrice(step)
		rhs := c.UnderlyingPrice - c.StrikePrice*math.Exp(-c.RiskFreeRate*tau)
		if !closeTo(lhs, rhs, 1e-6*c.UnderlyingPrice) {
			t.Fatalf("C-P=%.8f, S-Ke^(-rτ)=%.8f", lhs, rhs)
		}
	})
}

func TestPrice_TerminalConvergence(t *testing.T) {
	tests := []struct {
		name     string
		spot     float64
		expected float64
	}{
		{"in the money", 2100, 100},
		{"out of the money", 1900, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Contract{
				Type:            Call,
				UnderlyingPrice: tt.spot,
				StrikePrice:     2000,
				Maturity:        365,
				RiskFreeRate:    0.03,
				Volatility:      0.1,
			}
			// At maturity τ is clamped to one day; only the one-day
			// discount on the strike separates price from intrinsic value.
			price := c.Price(365)
			if !closeTo(price, tt.expected, 0.25) {
				t.Errorf("expected call ≈ %.2f at maturity, got %.6f", tt.expected, price)
			}
		})
	}
}

func TestPrice_NoDivisionByZero(t *testing.T) {
	for _, typ := range []Type{Call, Put, Straddle} {
		c := Contract{
			Type:            typ,
			UnderlyingPrice: 2000,
			StrikePrice:     2000,
			Maturity:        10,
			RiskFreeRate:    0.03,
			Volatility:      0,
		}
		for _, step := range []int{0, 10, 11, 500} {
			p := c.Price(step)
			if math.IsNaN(p) || math.IsInf(p, 0) {
				t.Errorf("%s price at t=%d is %v", typ, step, p)
			}
		}
	}
}

func TestTimeToMaturity_Clamp(t *testing.T) {
	c := atm(Call)
	if tau := c.TimeToMaturity(0); !closeTo(tau, 1, 1e-12) {
		t.Errorf("expected τ=1 at t=0, got %v", tau)
	}
	for _, step := range []int{364, 365, 400} {
		if tau := c.TimeToMaturity(step); !closeTo(tau, MinTimeToMaturity, 1e-12) {
			t.Errorf("expected τ clamped to one day at t=%d, got %v", step, tau)
		}
	}
}

// --- Payoff tests ---

func TestPayoff(t *testing.T) {
	tests := []struct {
		typ      Type
		spot     float64
		strike   float64
		expected float64
	}{
		{Call, 2100, 2000, 100},
		{Call, 1900, 2000, 0},
		{Put, 1900, 2000, 100},
		{Put, 2100, 2000, 0},
		{Straddle, 2100, 2000, 100},
		{Straddle, 1900, 2000, 100},
		{Type("binary"), 2100, 2000, 0},
	}
	for _, tt := range tests {
		got := Payoff(tt.typ, tt.spot, tt.strike)
		if got != tt.expected {
			t.Errorf("%s payoff(S=%.0f, K=%.0f): expected %.0f, got %.4f",
				tt.typ, tt.spot, tt.strike, tt.expected, got)
		}
	}
}

func TestDiscountedPayoff_ThirtyDaysRemaining(t *testing.T) {
	c := Contract{
		Type:            Call,
		UnderlyingPrice: 2100,
		StrikePrice:     2000,
		Maturity:        60,
		RiskFreeRate:    0.03,
	}
	got := c.DiscountedPayoff(30)
	expected := 100 * math.Exp(-0.03*30/365)
	if !closeTo(got, expected, 1e-9) {
		t.Errorf("expected %.6f, got %.6f", expected, got)
	}
	if !closeTo(got, 99.75, 0.01) {
		t.Errorf("expected ≈ 99.75, got %.6f", got)
	}
}

func TestDiscountFactor_PastMaturity(t *testing.T) {
	c := atm(Call)
	if f := c.DiscountFactor(365); f != 1 {
		t.Errorf("expected factor 1 at maturity, got %v", f)
	}
	if f := c.DiscountFactor(400); f != 1 {
		t.Errorf("expected factor 1 past maturity, got %v", f)
	}
}
