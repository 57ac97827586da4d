package state

import (
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"fmt"
	"sort"
)

// MaxCounterOffers bounds the counter offer book.
const MaxCounterOffers = 255

// CounterOffer is a book entry.
type CounterOffer struct {
	Proposer     string       `json:"proposer"`
	OpenInterest OpenInterest `json:"open_interest"`
}

// CounterOffersSorted returns the book in ascending proposer order.
func (v *VaultState) CounterOffersSorted() []CounterOffer {
	out := make([]CounterOffer, 0, len(v.CounterOffers))
	for proposer, oi := range v.CounterOffers {
		out = append(out, CounterOffer{Proposer: proposer, OpenInterest: oi})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proposer < out[j].Proposer })
	return out
}

// EvictionCandidate returns the least competitive entry: the smallest
// liquidity amount, and among equal amounts the lowest proposer address.
func (v *VaultState) EvictionCandidate() (CounterOffer, bool) {
	var (
		worst CounterOffer
		found bool
	)
	for _, offer := range v.CounterOffersSorted() {
		if !found || offer.OpenInterest.LiquidityCoin.Amount.LT(worst.OpenInterest.LiquidityCoin.Amount) {
			worst = offer
			found = true
		}
	}
	return worst, found
}

// IsFull reports whether the book is at capacity.
func (v *VaultState) IsFull() bool {
	return len(v.CounterOffers) >= MaxCounterOffers
}

// AddCounterOffer inserts an entry and accrues its escrow into the outstanding debt.
func (v *VaultState) AddCounterOffer(proposer string, oi OpenInterest) error {
	if _, exists := v.CounterOffers[proposer]; exists {
		return fmt.Errorf("counter offer from %s already present", proposer)
	}
	if err := v.addEscrowDebt(oi.LiquidityCoin); err != nil {
		return err
	}
	v.CounterOffers[proposer] = oi
	return nil
}

// RemoveCounterOffer deletes an entry and releases its escrow from the
// outstanding debt. It returns the removed terms.
func (v *VaultState) RemoveCounterOffer(proposer string) (OpenInterest, error) {
	oi, ok := v.CounterOffers[proposer]
	if !ok {
		return OpenInterest{}, fmt.Errorf("counter offer from %s not present", proposer)
	}
	if err := v.releaseEscrowDebt(oi.LiquidityCoin); err != nil {
		return OpenInterest{}, err
	}
	delete(v.CounterOffers, proposer)
	return oi, nil
}

// DrainCounterOffers empties the book in ascending proposer order and
// clears the escrow debt. The returned entries are owed refunds.
func (v *VaultState) DrainCounterOffers() []CounterOffer {
	drained := v.CounterOffersSorted()
	v.CounterOffers = make(map[string]OpenInterest)
	v.OutstandingDebt = nil
	return drained
}

// EscrowTotal sums the liquidity of every entry. With an empty book the
// zero coin carries the active liquidity denom, if any.
func (v *VaultState) EscrowTotal() (ledger.Coin, error) {
	total := ledger.Coin{}
	if v.OpenInterest != nil {
		total.Denom = v.OpenInterest.LiquidityCoin.Denom
	}
	for proposer, oi := range v.CounterOffers {
		if total.Denom != "" && oi.LiquidityCoin.Denom != total.Denom {
			return ledger.Coin{}, fmt.Errorf("counter offer from %s escrows %s, expected %s", proposer, oi.LiquidityCoin.Denom, total.Denom)
		}
		total.Denom = oi.LiquidityCoin.Denom
		sum, err := total.Amount.CheckedAdd(oi.LiquidityCoin.Amount)
		if err != nil {
			return ledger.Coin{}, fmt.Errorf("escrow total: %w", err)
		}
		total.Amount = sum
	}
	return total, nil
}

func (v *VaultState) addEscrowDebt(c ledger.Coin) error {
	if v.OutstandingDebt == nil {
		debt := c
		v.OutstandingDebt = &debt
		return nil
	}
	if v.OutstandingDebt.Denom != c.Denom {
		return fmt.Errorf("escrow denom %s does not match outstanding debt denom %s", c.Denom, v.OutstandingDebt.Denom)
	}
	sum, err := v.OutstandingDebt.Amount.CheckedAdd(c.Amount)
	if err != nil {
		return fmt.Errorf("outstanding debt: %w", err)
	}
	v.OutstandingDebt = &ledger.Coin{Denom: c.Denom, Amount: sum}
	return nil
}

func (v *VaultState) releaseEscrowDebt(c ledger.Coin) error {
	if v.OutstandingDebt == nil {
		return fmt.Errorf("release of %s without outstanding debt", c)
	}
	if v.OutstandingDebt.Denom != c.Denom {
		return fmt.Errorf("escrow denom %s does not match outstanding debt denom %s", c.Denom, v.OutstandingDebt.Denom)
	}
	rest, err := v.OutstandingDebt.Amount.CheckedSub(c.Amount)
	if err != nil {
		return fmt.Errorf("outstanding debt: %w", err)
	}
	if rest.IsZero() {
		v.OutstandingDebt = nil
		return nil
	}
	v.OutstandingDebt = &ledger.Coin{Denom: c.Denom, Amount: rest}
	return nil
}

// RefundCoins returns what the vault owes a drained entry.
func (c CounterOffer) RefundCoins() ledger.Coin {
	return c.OpenInterest.LiquidityCoin
}

// EscrowAmount is the liquidity escrowed by the entry.
func (c CounterOffer) EscrowAmount() fpmath.Uint256 {
	return c.OpenInterest.LiquidityCoin.Amount
}
