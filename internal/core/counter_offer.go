package core

import (
	"LendVault/internal/event"
	"LendVault/internal/state"
)

func (c *DeterministicCore) handleProposeCounterOffer(cl *call, msg *event.ProposeCounterOffer) error {
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}
	if cl.state.HasLender() {
		return ErrLenderAlreadySet
	}

	active := *cl.state.OpenInterest
	offer := msg.Offer
	if !offer.MatchesTerms(active) {
		return ErrCounterOfferTermsMismatch
	}
	if offer.LiquidityCoin.Amount.IsZero() {
		return errInvalidCoinAmount("liquidity_coin")
	}
	if offer.LiquidityCoin.Amount.GTE(active.LiquidityCoin.Amount) {
		return ErrCounterOfferNotSmaller
	}

	denom := offer.LiquidityCoin.Denom
	received, err := cl.attachedFunds(denom)
	if err != nil {
		return err
	}
	if !received.Eq(offer.LiquidityCoin.Amount) {
		return &VaultError{
			Code:     CodeCounterOfferEscrowMismatch,
			Denom:    denom,
			Expected: offer.LiquidityCoin.Amount,
			Received: received,
		}
	}

	proposer := cl.sender()
	if _, exists := cl.state.CounterOffers[proposer]; exists {
		return ErrCounterOfferAlreadyExists
	}

	evicted, err := evictionFor(cl.state, offer)
	if err != nil {
		return err
	}

	// Validation is complete; from here on the book only changes.
	if evicted != nil {
		if _, err := cl.state.RemoveCounterOffer(evicted.Proposer); err != nil {
			return errInternal("evict counter offer: %v", err)
		}
	}
	if err := cl.state.AddCounterOffer(proposer, offer); err != nil {
		return errInternal("add counter offer: %v", err)
	}

	cl.out.Attr("action", "propose_counter_offer")
	cl.out.Attr("proposer", proposer)
	cl.out.Attr("liquidity_amount", offer.LiquidityCoin.Amount.String())
	if evicted != nil {
		cl.out.Attr("evicted_proposer", evicted.Proposer)
		cl.out.Send(evicted.Proposer, evicted.RefundCoins())
	}
	return nil
}

// evictionFor returns the entry to evict so offer fits, or nil when the book
// has room. A full book only admits an offer strictly larger than its minimum.
func evictionFor(v *state.VaultState, offer state.OpenInterest) (*state.CounterOffer, error) {
	if !v.IsFull() {
		return nil, nil
	}
	worst, ok := v.EvictionCandidate()
	if !ok {
		return nil, nil
	}
	if offer.LiquidityCoin.Amount.Cmp(worst.EscrowAmount()) <= 0 {
		return nil, &VaultError{
			Code:    CodeCounterOfferNotCompetitive,
			Denom:   offer.LiquidityCoin.Denom,
			Minimum: worst.EscrowAmount(),
		}
	}
	return &worst, nil
}

func (c *DeterministicCore) handleAcceptCounterOffer(cl *call, msg *event.AcceptCounterOffer) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}
	if cl.state.HasLender() {
		return ErrLenderAlreadySet
	}
	if err := validateAddress(msg.Proposer, "proposer"); err != nil {
		return err
	}

	accepted, ok := cl.state.CounterOffers[msg.Proposer]
	if !ok {
		return &VaultError{Code: CodeCounterOfferNotFound, Proposer: msg.Proposer}
	}
	if !accepted.Equal(msg.Offer) {
		return &VaultError{Code: CodeCounterOfferMismatch, Proposer: msg.Proposer}
	}

	refunded := 0
	for _, offer := range cl.state.DrainCounterOffers() {
		if offer.Proposer == msg.Proposer {
			continue
		}
		cl.out.Send(offer.Proposer, offer.RefundCoins())
		refunded++
	}
	cl.state.BindLender(msg.Proposer, accepted, cl.now)

	cl.out.Attr("action", "accept_counter_offer")
	cl.out.Attr("lender", msg.Proposer)
	cl.out.Attr("liquidity_amount", accepted.LiquidityCoin.Amount.String())
	cl.out.Attr("refunded_offers", itoa(refunded))
	return nil
}

func (c *DeterministicCore) handleCancelCounterOffer(cl *call, _ *event.CancelCounterOffer) error {
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}

	proposer := cl.sender()
	if _, ok := cl.state.CounterOffers[proposer]; !ok {
		return &VaultError{Code: CodeCounterOfferNotFound, Proposer: proposer}
	}

	offer, err := cl.state.RemoveCounterOffer(proposer)
	if err != nil {
		return errInternal("cancel counter offer: %v", err)
	}

	cl.out.Attr("action", "cancel_counter_offer")
	cl.out.Attr("proposer", proposer)
	cl.out.Attr("liquidity_amount", offer.LiquidityCoin.Amount.String())
	cl.out.Send(proposer, offer.LiquidityCoin)
	return nil
}
