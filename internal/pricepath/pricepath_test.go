package pricepath

import (
	"errors"
	"math"
	"testing"
)

func testParams() Params {
	return Params{
		InitialPrice: 2000,
		Mu:           0.1,
		Sigma:        0.25,
		Dt:           DailyDt,
		Timesteps:    365,
		Seed:         42,
	}
}

func TestGenerate_Length(t *testing.T) {
	p := Generate(testParams(), 1)
	if p.Len() != 366 {
		t.Fatalf("expected 366 prices, got %d", p.Len())
	}
	if p.At(0) != 2000 {
		t.Errorf("expected initial price 2000, got %v", p.At(0))
	}
	if p.Run() != 1 {
		t.Errorf("expected run 1, got %d", p.Run())
	}
}

func TestGenerate_Reproducible(t *testing.T) {
	a := Generate(testParams(), 3)
	b := Generate(testParams(), 3)
	for i := 0; i < a.Len(); i++ {
		if a.At(i) != b.At(i) {
			t.Fatalf("paths diverge at t=%d: %v vs %v", i, a.At(i), b.At(i))
		}
	}
}

func TestGenerate_RunsAreIndependentStreams(t *testing.T) {
	a := Generate(testParams(), 1)
	b := Generate(testParams(), 2)
	same := 0
	for i := 1; i < a.Len(); i++ {
		if a.At(i) == b.At(i) {
			same++
		}
	}
	if same == a.Len()-1 {
		t.Error("runs 1 and 2 produced identical paths")
	}
}

func TestGenerate_SeedChangesPath(t *testing.T) {
	params := testParams()
	a := Generate(params, 1)
	params.Seed = 43
	b := Generate(params, 1)
	if a.At(365) == b.At(365) {
		t.Error("different seeds produced the same terminal price")
	}
}

func TestGenerate_PricesStayPositive(t *testing.T) {
	params := testParams()
	params.Sigma = 2
	p := Generate(params, 7)
	for i, price := range p.Prices() {
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			t.Fatalf("invalid price %v at t=%d", price, i)
		}
	}
}

func TestGenerate_DriftOnAverage(t *testing.T) {
	// E[S_T] = S_0·e^(μT); averaged over many runs the sample mean lands
	// near 2000·e^0.1 ≈ 2210.
	const runs = 2000
	set, err := GenerateSet(testParams(), runs)
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for run := 1; run <= runs; run++ {
		sum += set.Price(run, 365)
	}
	mean := sum / runs
	expected := 2000 * math.Exp(0.1)
	if math.Abs(mean-expected)/expected > 0.03 {
		t.Errorf("expected mean terminal price ≈ %.0f, got %.2f", expected, mean)
	}
}

func TestAt_OutOfRangePanics(t *testing.T) {
	p := Generate(testParams(), 1)
	for _, step := range []int{-1, 366} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for t=%d", step)
				}
			}()
			p.At(step)
		}()
	}
}

func TestSet_UnknownRunPanics(t *testing.T) {
	set, err := GenerateSet(testParams(), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for run 0")
		}
	}()
	set.Price(0, 0)
}

func TestSet_MatchesGenerate(t *testing.T) {
	set, err := GenerateSet(testParams(), 3)
	if err != nil {
		t.Fatal(err)
	}
	direct := Generate(testParams(), 2)
	path, ok := set.Path(2)
	if !ok {
		t.Fatal("run 2 missing from set")
	}
	if path.At(100) != direct.At(100) {
		t.Errorf("set path differs from Generate: %v vs %v", path.At(100), direct.At(100))
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr error
	}{
		{"valid", func(*Params) {}, nil},
		{"zero price", func(p *Params) { p.InitialPrice = 0 }, ErrInvalidPrice},
		{"zero sigma", func(p *Params) { p.Sigma = 0 }, ErrInvalidSigma},
		{"zero dt", func(p *Params) { p.Dt = 0 }, ErrInvalidDt},
		{"no timesteps", func(p *Params) { p.Timesteps = 0 }, ErrInvalidTimesteps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if _, err := GenerateSet(Params{}, 1); err == nil {
		t.Error("GenerateSet accepted zero params")
	}
}
