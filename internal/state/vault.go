package state

import (
	"LendVault/internal/ledger"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// VaultState is the complete persistent state of one vault.
type VaultState struct {
	Owner           string                  `json:"owner"`
	Lender          *string                 `json:"lender,omitempty"`
	OutstandingDebt *ledger.Coin            `json:"outstanding_debt,omitempty"`
	OpenInterest    *OpenInterest           `json:"open_interest,omitempty"`
	Expiry          *time.Time              `json:"open_interest_expiry,omitempty"`
	CounterOffers   map[string]OpenInterest `json:"counter_offers"`

	LiquidationUnbondingDuration uint64     `json:"liquidation_unbonding_duration"` // Seconds
	LastLiquidationUnbonding     *time.Time `json:"last_liquidation_unbonding,omitempty"`
}

// NewVaultState returns a freshly instantiated vault.
func NewVaultState(owner string, unbondingDuration uint64) *VaultState {
	return &VaultState{
		Owner:                        owner,
		CounterOffers:                make(map[string]OpenInterest),
		LiquidationUnbondingDuration: unbondingDuration,
	}
}

// Clone returns a deep copy.
func (v *VaultState) Clone() *VaultState {
	if v == nil {
		return nil
	}
	out := *v
	if v.Lender != nil {
		lender := *v.Lender
		out.Lender = &lender
	}
	if v.OutstandingDebt != nil {
		debt := *v.OutstandingDebt
		out.OutstandingDebt = &debt
	}
	if v.OpenInterest != nil {
		oi := *v.OpenInterest
		out.OpenInterest = &oi
	}
	if v.Expiry != nil {
		expiry := *v.Expiry
		out.Expiry = &expiry
	}
	if v.LastLiquidationUnbonding != nil {
		last := *v.LastLiquidationUnbonding
		out.LastLiquidationUnbonding = &last
	}
	out.CounterOffers = make(map[string]OpenInterest, len(v.CounterOffers))
	for proposer, offer := range v.CounterOffers {
		out.CounterOffers[proposer] = offer
	}
	return &out
}

// HasLender reports whether a lender is bound.
func (v *VaultState) HasLender() bool { return v.Lender != nil }

// BindLender sets the lender and the expiry measured from blockTime, and
// clears any escrow debt.
func (v *VaultState) BindLender(lender string, oi OpenInterest, blockTime time.Time) {
	expiry := oi.ExpiryFrom(blockTime)
	v.Lender = &lender
	v.OpenInterest = &oi
	v.Expiry = &expiry
	v.OutstandingDebt = nil
}

// ClearPosition resets every lifecycle field.
func (v *VaultState) ClearPosition() {
	v.OpenInterest = nil
	v.Lender = nil
	v.Expiry = nil
	v.OutstandingDebt = nil
	v.CounterOffers = make(map[string]OpenInterest)
}

// CheckInvariants verifies the structural invariants that must hold after
// every committed call.
func (v *VaultState) CheckInvariants() error {
	if len(v.CounterOffers) > MaxCounterOffers {
		return fmt.Errorf("counter offer book holds %d entries, capacity %d", len(v.CounterOffers), MaxCounterOffers)
	}
	if v.Lender != nil {
		if len(v.CounterOffers) != 0 {
			return fmt.Errorf("counter offers present while lender %s is bound", *v.Lender)
		}
		if v.OpenInterest == nil || v.Expiry == nil {
			return fmt.Errorf("lender bound without open interest or expiry")
		}
		return nil
	}
	if v.Expiry != nil {
		return fmt.Errorf("expiry set without a lender")
	}
	if len(v.CounterOffers) > 0 && v.OpenInterest == nil {
		return fmt.Errorf("counter offers present without an open interest")
	}

	escrow, err := v.EscrowTotal()
	if err != nil {
		return err
	}
	switch {
	case len(v.CounterOffers) == 0 && v.OutstandingDebt != nil:
		return fmt.Errorf("outstanding debt %s with an empty counter offer book", *v.OutstandingDebt)
	case len(v.CounterOffers) > 0 && v.OutstandingDebt == nil:
		return fmt.Errorf("counter offers escrow %s but outstanding debt is unset", escrow)
	case v.OutstandingDebt != nil && !v.OutstandingDebt.Equal(escrow):
		return fmt.Errorf("outstanding debt %s does not match escrow %s", *v.OutstandingDebt, escrow)
	}
	return nil
}

// Store owns the committed vault state and stages writes for the call in
// flight. Only the core goroutine writes; readers take snapshots.
type Store struct {
	mu        sync.RWMutex
	committed *VaultState
}

func NewStore() *Store {
	return &Store{}
}

// Tx is a staged copy of the vault state. Writes become visible to
// readers only on Commit.
type Tx struct {
	store *Store
	State *VaultState
	done  bool
}

// Begin stages a copy of the committed state. State is nil when the vault
// has not been instantiated.
func (s *Store) Begin() *Tx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Tx{store: s, State: s.committed.Clone()}
}

// Commit publishes the staged state.
func (tx *Tx) Commit() {
	if tx.done {
		panic("state: commit on finished transaction")
	}
	tx.done = true
	tx.store.mu.Lock()
	tx.store.committed = tx.State
	tx.store.mu.Unlock()
}

// Discard drops the staged state.
func (tx *Tx) Discard() {
	tx.done = true
	tx.State = nil
}

// Snapshot returns a copy of the committed state, or nil before instantiation.
func (s *Store) Snapshot() *VaultState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.Clone()
}

// Restore replaces the committed state, used on snapshot recovery.
func (s *Store) Restore(v *VaultState) {
	if v != nil && v.CounterOffers == nil {
		v.CounterOffers = make(map[string]OpenInterest)
	}
	s.mu.Lock()
	s.committed = v
	s.mu.Unlock()
}

// MarshalState returns the canonical JSON encoding of the committed state.
// Map keys are sorted by encoding/json, so equal states encode identically.
func (s *Store) MarshalState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.committed)
}
