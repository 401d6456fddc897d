package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RunKey identifies one trajectory within an experiment.
type RunKey struct {
	SubsetID int `json:"subset"`
	RunID    int `json:"run"`
}

func (k RunKey) String() string {
	return fmt.Sprintf("subset=%d run=%d", k.SubsetID, k.RunID)
}

// Trajectory is the ordered state history of one (subset, run). States[0]
// is the initial state; States[t] is the state at timestep t. A run that
// hit a fatal invariant violation keeps the states produced before the
// fault and carries the fault in Err.
type Trajectory struct {
	SubsetID int               `json:"subset"`
	Subset   string            `json:"subset_name"`
	RunID    int               `json:"run"`
	States   []SimulationState `json:"states"`
	Err      error             `json:"-"`
}

// Key returns the trajectory's (subset, run) key.
func (t *Trajectory) Key() RunKey {
	return RunKey{SubsetID: t.SubsetID, RunID: t.RunID}
}

// Final returns the last recorded state.
func (t *Trajectory) Final() SimulationState {
	return t.States[len(t.States)-1]
}

// Record is the tabular form of one (subset, run, timestep) snapshot.
type Record struct {
	ExperimentID       string          `json:"experiment_id"`
	SubsetID           int             `json:"subset"`
	Subset             string          `json:"subset_name"`
	RunID              int             `json:"run"`
	Timestep           int             `json:"timestep"`
	VolatileAssetPrice decimal.Decimal `json:"volatile_asset_price"`
	RiskFreeRate       float64         `json:"risk_free_rate"`
	DiscountedPayoff   decimal.Decimal `json:"discounted_payoff"`
	Agents             []Agent         `json:"agents"`
}

// Records flattens the trajectory into one record per timestep.
func (t *Trajectory) Records(experimentID string) []Record {
	records := make([]Record, len(t.States))
	for i, s := range t.States {
		records[i] = Record{
			ExperimentID:       experimentID,
			SubsetID:           s.SubsetID,
			Subset:             t.Subset,
			RunID:              s.RunID,
			Timestep:           s.Timestep,
			VolatileAssetPrice: s.VolatileAssetPrice,
			RiskFreeRate:       s.RiskFreeRate,
			DiscountedPayoff:   s.DiscountedPayoff,
			Agents:             s.Agents.Agents(),
		}
	}
	return records
}

// TrajectoryFromRecords rebuilds a trajectory from records of a single
// (subset, run) ordered by timestep.
func TrajectoryFromRecords(records []Record) (*Trajectory, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("trajectory: no records")
	}
	first := records[0]
	t := &Trajectory{
		SubsetID: first.SubsetID,
		Subset:   first.Subset,
		RunID:    first.RunID,
		States:   make([]SimulationState, len(records)),
	}
	for i, r := range records {
		if r.SubsetID != first.SubsetID || r.RunID != first.RunID {
			return nil, fmt.Errorf("trajectory: record %d belongs to %v, want %v",
				i, RunKey{r.SubsetID, r.RunID}, t.Key())
		}
		if r.Timestep != i {
			return nil, fmt.Errorf("trajectory: record %d has timestep %d", i, r.Timestep)
		}
		agents, err := PopulationOf(r.Agents...)
		if err != nil {
			return nil, fmt.Errorf("trajectory: timestep %d: %w", i, err)
		}
		t.States[i] = SimulationState{
			SubsetID:           r.SubsetID,
			RunID:              r.RunID,
			Timestep:           r.Timestep,
			VolatileAssetPrice: r.VolatileAssetPrice,
			RiskFreeRate:       r.RiskFreeRate,
			DiscountedPayoff:   r.DiscountedPayoff,
			Agents:             agents,
		}
	}
	return t, nil
}

// RunSummary condenses a trajectory's final state for logging.
type RunSummary struct {
	Offering   int             `json:"offering"`
	Matched    int             `json:"matched_pairs"`
	Exercised  int             `json:"exercised_pairs"`
	FinalPrice decimal.Decimal `json:"final_price"`
	BuyerPnL   decimal.Decimal `json:"buyer_pnl"`
	SellerPnL  decimal.Decimal `json:"seller_pnl"`
}

// Summary counts open offers, live pairs and exercised pairs at the end of
// the trajectory and totals realised PnL per side.
func (t *Trajectory) Summary() RunSummary {
	final := t.Final()
	sum := RunSummary{
		FinalPrice: final.VolatileAssetPrice,
		BuyerPnL:   decimal.Zero,
		SellerPnL:  decimal.Zero,
	}
	for i := 0; i < final.Agents.Len(); i++ {
		a := final.Agents.At(i)
		switch a.State() {
		case StateOffering:
			sum.Offering++
		case StateMatched:
			if a.Side == SideBuy {
				sum.Matched++
			}
		case StateExercised:
			if a.BoughtFromID != "" {
				sum.Exercised++
			}
		}
		switch {
		case a.BoughtFromID != "":
			sum.BuyerPnL = sum.BuyerPnL.Add(a.PnL())
		case a.SoldToID != "":
			sum.SellerPnL = sum.SellerPnL.Add(a.PnL())
		}
	}
	return sum
}
