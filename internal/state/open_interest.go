package state

import (
	"LendVault/internal/ledger"
	"time"
)

// MaxExpiryDuration is the longest expiry, in seconds, representable as a time.Duration.
const MaxExpiryDuration = uint64(1<<63-1) / uint64(time.Second)

// OpenInterest is the posted loan terms of the vault's single position.
type OpenInterest struct {
	LiquidityCoin  ledger.Coin `json:"liquidity_coin"`
	InterestCoin   ledger.Coin `json:"interest_coin"`
	ExpiryDuration uint64      `json:"expiry_duration"` // Seconds
	Collateral     ledger.Coin `json:"collateral"`
}

func (oi OpenInterest) Equal(o OpenInterest) bool {
	return oi.LiquidityCoin.Equal(o.LiquidityCoin) &&
		oi.InterestCoin.Equal(o.InterestCoin) &&
		oi.ExpiryDuration == o.ExpiryDuration &&
		oi.Collateral.Equal(o.Collateral)
}

// MatchesTerms reports whether o differs from oi at most in the liquidity amount.
func (oi OpenInterest) MatchesTerms(o OpenInterest) bool {
	return oi.LiquidityCoin.Denom == o.LiquidityCoin.Denom &&
		oi.InterestCoin.Equal(o.InterestCoin) &&
		oi.ExpiryDuration == o.ExpiryDuration &&
		oi.Collateral.Equal(o.Collateral)
}

// ExpiryFrom returns the loan expiry for a lender bound at blockTime.
func (oi OpenInterest) ExpiryFrom(blockTime time.Time) time.Time {
	return blockTime.Add(time.Duration(oi.ExpiryDuration) * time.Second).UTC()
}
