// Package agent implements the agent lifecycle as pure transitions over
// model.Agent values:
//
//	Idle ──Offer──▶ Offering ──Match(as seller)──▶ Matched ──Exercise──▶ Exercised
//	Idle ──Match(as buyer)──▶ Matched
//
// Exercised is terminal. Every transition takes records by value and
// returns updated copies; a failed precondition returns the inputs
// unchanged together with an *InvariantError.
package agent

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/option"
)

var (
	// ErrExpiredOption is returned when exercise is attempted after maturity.
	ErrExpiredOption = errors.New("agent: exercising expired option")

	// ErrCounterpartyMismatch is returned when the seller passed to Exercise
	// is not the buyer's recorded counterparty.
	ErrCounterpartyMismatch = errors.New("agent: buyer/seller mismatch")

	ErrAlreadyExercised = errors.New("agent: agent already exercised")
	ErrAlreadyOffering  = errors.New("agent: agent already offering")
	ErrHasCounterparty  = errors.New("agent: agent already has a counterparty")
	ErrNotOffering      = errors.New("agent: seller is not accepting buy orders")
	ErrNoPosition       = errors.New("agent: buyer holds no open position")
	ErrSelfMatch        = errors.New("agent: buyer and seller are the same agent")
)

// InvariantError reports a violated transition precondition together with
// the timestep and the agents involved. Invariant is one of the sentinel
// errors above.
type InvariantError struct {
	Invariant error
	Timestep  int
	BuyerID   string
	SellerID  string
}

func (e *InvariantError) Error() string {
	switch {
	case e.BuyerID != "" && e.SellerID != "":
		return fmt.Sprintf("%v (t=%d buyer=%s seller=%s)", e.Invariant, e.Timestep, e.BuyerID, e.SellerID)
	case e.SellerID != "":
		return fmt.Sprintf("%v (t=%d seller=%s)", e.Invariant, e.Timestep, e.SellerID)
	default:
		return fmt.Sprintf("%v (t=%d buyer=%s)", e.Invariant, e.Timestep, e.BuyerID)
	}
}

func (e *InvariantError) Unwrap() error { return e.Invariant }

func violation(err error, t int, buyer, seller string) *InvariantError {
	return &InvariantError{Invariant: err, Timestep: t, BuyerID: buyer, SellerID: seller}
}

// Offer posts a sell offer. Only idle agents can offer.
func Offer(a model.Agent, t int) (model.Agent, error) {
	switch {
	case a.Exercised:
		return a, violation(ErrAlreadyExercised, t, "", a.ID)
	case a.HasCounterparty:
		return a, violation(ErrHasCounterparty, t, "", a.ID)
	case a.AcceptingBuyOrder:
		return a, violation(ErrAlreadyOffering, t, "", a.ID)
	}
	a.AcceptingBuyOrder = true
	a.Side = model.SideSell
	return a, nil
}

// Match fills the seller's offer for the buyer at timestep t. Both records
// are updated together: sides, counterparty links, premium and
// underwriting time. A buyer that was itself offering withdraws its offer.
func Match(buyer, seller model.Agent, t int, premium decimal.Decimal) (model.Agent, model.Agent, error) {
	var err error
	switch {
	case buyer.ID == seller.ID:
		err = ErrSelfMatch
	case buyer.Exercised || seller.Exercised:
		err = ErrAlreadyExercised
	case buyer.HasCounterparty:
		err = ErrHasCounterparty
	case !seller.AcceptingBuyOrder || seller.HasCounterparty:
		err = ErrNotOffering
	}
	if err != nil {
		return buyer, seller, violation(err, t, buyer.ID, seller.ID)
	}

	buyer.Side = model.SideBuy
	buyer.BoughtFromID = seller.ID
	buyer.HasCounterparty = true
	buyer.PremiumPaid = premium
	buyer.UnderwrittenAt = model.At(t)
	buyer.AcceptingBuyOrder = false

	seller.Side = model.SideSell
	seller.SoldToID = buyer.ID
	seller.HasCounterparty = true
	seller.PremiumReceived = premium
	seller.UnderwrittenAt = model.At(t)
	seller.AcceptingBuyOrder = false

	return buyer, seller, nil
}

// Exercise settles the buyer's option against its seller at timestep t
// with the asset at assetPrice. The payoff uses the contract's type and
// strike and is discounted over the time remaining to maturity. Both sides
// become Exercised in the same transition.
func Exercise(buyer, seller model.Agent, c option.Contract, assetPrice float64, t int) (model.Agent, model.Agent, error) {
	var err error
	switch {
	case t > c.Maturity:
		err = ErrExpiredOption
	case buyer.BoughtFromID == "" || seller.ID != buyer.BoughtFromID || seller.SoldToID != buyer.ID:
		err = ErrCounterpartyMismatch
	case buyer.Exercised || seller.Exercised:
		err = ErrAlreadyExercised
	case !buyer.HasCounterparty || buyer.UnderwrittenAt == nil:
		err = ErrNoPosition
	}
	if err != nil {
		return buyer, seller, violation(err, t, buyer.ID, seller.ID)
	}

	payoff := c.Payoff(assetPrice, c.StrikePrice)
	discounted := payoff * c.DiscountFactor(t)
	held := t - *buyer.UnderwrittenAt

	buyer.PayoffReceived = model.Money(payoff)
	buyer.DiscountedPayoffReceived = model.Money(discounted)
	seller.PayoffPaid = model.Money(payoff)
	seller.DiscountedPayoffPaid = model.Money(discounted)

	buyer = settle(buyer, t, held)
	seller = settle(seller, t, held)
	return buyer, seller, nil
}

func settle(a model.Agent, t, held int) model.Agent {
	a.Exercised = true
	a.ExercisedAt = model.At(t)
	a.TimeHeld = held
	a.Side = model.SideNone
	a.HasCounterparty = false
	a.AcceptingBuyOrder = false
	return a
}

// InTheMoney reports whether exercising now would profit the buyer: the
// raw payoff at assetPrice exceeds the premium paid.
func InTheMoney(buyer model.Agent, c option.Contract, assetPrice float64) bool {
	payoff := model.Money(c.Payoff(assetPrice, c.StrikePrice))
	return payoff.Sub(buyer.PremiumPaid).IsPositive()
}
