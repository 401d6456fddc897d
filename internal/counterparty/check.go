// Package counterparty validates the counterparty linkage recorded in a
// completed trajectory.
//
// The agent transitions keep linkage consistent at every step, so any
// violation reported here is an engine defect rather than a runtime
// condition. The pass runs after the simulation and over the whole
// history, which catches faults that no single transition can see, such
// as an agent whose counterparty changes between timesteps.
package counterparty

import (
	"errors"
	"fmt"

	"github.com/atmx/option-sim/internal/model"
)

var (
	// ErrMultipleCounterparties is reported when an agent's recorded
	// counterparty changes once set.
	ErrMultipleCounterparties = errors.New("counterparty: agent linked to more than one counterparty")

	// ErrBothSides is reported when an agent has both bought and sold.
	ErrBothSides = errors.New("counterparty: agent is both buyer and seller")

	// ErrAsymmetricLink is reported when A names B as counterparty but B
	// does not name A.
	ErrAsymmetricLink = errors.New("counterparty: counterparty link is not symmetric")

	// ErrPremiumMismatch is reported when the premium paid by a buyer
	// differs from the premium its seller received.
	ErrPremiumMismatch = errors.New("counterparty: premium paid differs from premium received")

	// ErrExerciseAsymmetry is reported when only one side of a pair is
	// exercised, or the sides disagree on when or for how long.
	ErrExerciseAsymmetry = errors.New("counterparty: exercise not applied to both sides")

	// ErrExerciseReverted is reported when an exercised agent becomes
	// active again.
	ErrExerciseReverted = errors.New("counterparty: exercised agent became active")
)

// Violation is one consistency failure observed at a timestep.
type Violation struct {
	Err          error
	Timestep     int
	AgentID      string
	Counterparty string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%v (t=%d agent=%s counterparty=%s)", v.Err, v.Timestep, v.AgentID, v.Counterparty)
}

func (v *Violation) Unwrap() error { return v.Err }

// Check returns every violation found in the trajectory, in timestep and
// agent-creation order.
func Check(t *model.Trajectory) []*Violation {
	var found []*Violation
	report := func(err error, step int, a model.Agent, other string) {
		found = append(found, &Violation{Err: err, Timestep: step, AgentID: a.ID, Counterparty: other})
	}

	boughtFrom := make(map[string]string)
	soldTo := make(map[string]string)
	exercised := make(map[string]bool)

	for _, s := range t.States {
		pop := s.Agents
		for i := 0; i < pop.Len(); i++ {
			a := pop.At(i)

			if a.BoughtFromID != "" && a.SoldToID != "" {
				report(ErrBothSides, s.Timestep, a, a.BoughtFromID)
			}
			if changed(boughtFrom, a.ID, a.BoughtFromID) {
				report(ErrMultipleCounterparties, s.Timestep, a, a.BoughtFromID)
			}
			if changed(soldTo, a.ID, a.SoldToID) {
				report(ErrMultipleCounterparties, s.Timestep, a, a.SoldToID)
			}
			if exercised[a.ID] && !a.Exercised {
				report(ErrExerciseReverted, s.Timestep, a, a.Counterparty())
			}
			exercised[a.ID] = exercised[a.ID] || a.Exercised

			if a.BoughtFromID == "" {
				continue
			}
			seller, ok := pop.Get(a.BoughtFromID)
			if !ok || seller.SoldToID != a.ID {
				report(ErrAsymmetricLink, s.Timestep, a, a.BoughtFromID)
				continue
			}
			if !a.PremiumPaid.Equal(seller.PremiumReceived) {
				report(ErrPremiumMismatch, s.Timestep, a, seller.ID)
			}
			if !sameExercise(a, seller) {
				report(ErrExerciseAsymmetry, s.Timestep, a, seller.ID)
			}
		}

		// Sellers pointing at a buyer that does not point back.
		for i := 0; i < pop.Len(); i++ {
			a := pop.At(i)
			if a.SoldToID == "" {
				continue
			}
			if buyer, ok := pop.Get(a.SoldToID); !ok || buyer.BoughtFromID != a.ID {
				report(ErrAsymmetricLink, s.Timestep, a, a.SoldToID)
			}
		}
	}
	return found
}

// CheckTrajectory returns the first violation in the trajectory, or nil.
func CheckTrajectory(t *model.Trajectory) error {
	if v := Check(t); len(v) > 0 {
		return v[0]
	}
	return nil
}

// changed records id's first non-empty counterparty in seen and reports
// whether a later value differs from it.
func changed(seen map[string]string, id, current string) bool {
	first, ok := seen[id]
	if !ok {
		if current != "" {
			seen[id] = current
		}
		return false
	}
	return current != first
}

func sameExercise(buyer, seller model.Agent) bool {
	if buyer.Exercised != seller.Exercised {
		return false
	}
	if !buyer.Exercised {
		return true
	}
	if buyer.ExercisedAt == nil || seller.ExercisedAt == nil {
		return false
	}
	return *buyer.ExercisedAt == *seller.ExercisedAt && buyer.TimeHeld == seller.TimeHeld
}
