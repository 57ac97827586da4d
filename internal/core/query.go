package core

import (
	"LendVault/internal/ledger"
	"LendVault/internal/state"
	"time"
)

// InfoResponse describes the vault as seen by clients.
type InfoResponse struct {
	Message         string               `json:"message"`
	Owner           string               `json:"owner"`
	Lender          *string              `json:"lender,omitempty"`
	OpenInterest    *state.OpenInterest  `json:"open_interest,omitempty"`
	CounterOffers   []state.CounterOffer `json:"counter_offers,omitempty"`
	Expiry          *time.Time           `json:"expiry,omitempty"`
	OutstandingDebt *ledger.Coin         `json:"outstanding_debt,omitempty"`
}

// BuildInfo renders a vault state. Counter offers are listed in ascending
// proposer order and omitted when the book is empty.
func BuildInfo(v *state.VaultState) (*InfoResponse, error) {
	if v == nil {
		return nil, ErrNotInstantiated
	}
	resp := &InfoResponse{
		Message:         infoMessage(v),
		Owner:           v.Owner,
		Lender:          v.Lender,
		OpenInterest:    v.OpenInterest,
		Expiry:          v.Expiry,
		OutstandingDebt: v.OutstandingDebt,
	}
	if len(v.CounterOffers) > 0 {
		resp.CounterOffers = v.CounterOffersSorted()
	}
	return resp, nil
}

func infoMessage(v *state.VaultState) string {
	switch {
	case v.OpenInterest == nil:
		return "Vault is idle"
	case v.HasLender() && v.OutstandingDebt != nil:
		return "Loan is being liquidated"
	case v.HasLender():
		return "Loan is active"
	default:
		return "Open interest is accepting offers"
	}
}

// Info renders the committed vault state.
func (c *DeterministicCore) Info() (*InfoResponse, error) {
	return BuildInfo(c.store.Snapshot())
}
