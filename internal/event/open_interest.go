// internal/event/open_interest.go
package event

import "LendVault/internal/state"

// Instantiate initializes the vault. Owner defaults to the sender.
type Instantiate struct {
	MsgInfo
	Owner                        *string `json:"owner,omitempty"`
	LiquidationUnbondingDuration *uint64 `json:"liquidation_unbonding_duration,omitempty"`
}

func (m *Instantiate) EventType() EventType { return EventTypeInstantiate }

// OpenInterest posts new loan terms.
type OpenInterest struct {
	MsgInfo
	Terms state.OpenInterest `json:"open_interest"`
}

func (m *OpenInterest) EventType() EventType { return EventTypeOpenInterest }

type CloseOpenInterest struct {
	MsgInfo
}

func (m *CloseOpenInterest) EventType() EventType { return EventTypeCloseOpenInterest }

// FundOpenInterest binds the sender as lender at the posted terms.
type FundOpenInterest struct {
	MsgInfo
	Expected state.OpenInterest `json:"open_interest"`
}

func (m *FundOpenInterest) EventType() EventType { return EventTypeFundOpenInterest }

type RepayOpenInterest struct {
	MsgInfo
}

func (m *RepayOpenInterest) EventType() EventType { return EventTypeRepayOpenInterest }

type Liquidate struct {
	MsgInfo
}

func (m *Liquidate) EventType() EventType { return EventTypeLiquidate }
