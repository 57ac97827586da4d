// internal/event/counter_offer.go
package event

import "LendVault/internal/state"

// ProposeCounterOffer escrows a smaller liquidity offer. The attached funds
// in the liquidity denom must equal the offered amount.
type ProposeCounterOffer struct {
	MsgInfo
	Offer state.OpenInterest `json:"open_interest"`
}

func (m *ProposeCounterOffer) EventType() EventType { return EventTypeProposeCounterOffer }

// AcceptCounterOffer binds Proposer as lender. Offer must equal the stored entry.
type AcceptCounterOffer struct {
	MsgInfo
	Proposer string             `json:"proposer"`
	Offer    state.OpenInterest `json:"open_interest"`
}

func (m *AcceptCounterOffer) EventType() EventType { return EventTypeAcceptCounterOffer }

type CancelCounterOffer struct {
	MsgInfo
}

func (m *CancelCounterOffer) EventType() EventType { return EventTypeCancelCounterOffer }
