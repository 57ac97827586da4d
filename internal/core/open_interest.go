package core

import (
	"LendVault/internal/event"
	"LendVault/internal/state"
	"strconv"
)

func (c *DeterministicCore) handleOpenInterest(cl *call, msg *event.OpenInterest) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if cl.state.OpenInterest != nil {
		return ErrOpenInterestAlreadyExists
	}

	terms := msg.Terms
	if err := validateOpenInterest(terms); err != nil {
		return err
	}
	if err := ensureCollateralAvailable(cl, terms); err != nil {
		return err
	}

	// A stale book is dropped without refunds; it must already be empty here.
	cl.state.CounterOffers = make(map[string]state.OpenInterest)
	cl.state.OpenInterest = &terms

	openInterestAttributes(cl.out, "open_interest", terms)
	cl.out.Attr("expiry_duration", strconv.FormatUint(terms.ExpiryDuration, 10))
	return nil
}

// ensureCollateralAvailable requires the vault to hold the collateral, either
// liquid or, for the bonded denom, recoverable from rewards and stake.
func ensureCollateralAvailable(cl *call, oi state.OpenInterest) error {
	denom := oi.Collateral.Denom
	required := oi.Collateral.Amount

	available, err := cl.balance(denom)
	if err != nil {
		return err
	}
	if available.GTE(required) {
		return nil
	}

	bonded, err := cl.bondedDenom()
	if err != nil {
		return err
	}
	if denom != bonded {
		return errInsufficientBalance(denom, available, required)
	}

	coverage, err := cl.stakingCoverage(denom)
	if err != nil {
		return err
	}
	total, err := available.CheckedAdd(coverage)
	if err != nil {
		return errInternal("collateral coverage for %s: %v", denom, err)
	}
	if total.LT(required) {
		return errInsufficientBalance(denom, total, required)
	}
	return nil
}

func (c *DeterministicCore) handleCloseOpenInterest(cl *call, _ *event.CloseOpenInterest) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if cl.state.HasLender() {
		return ErrLenderAlreadySet
	}
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}

	terms := *cl.state.OpenInterest
	cl.state.OpenInterest = nil
	refunded := cl.refundAll()

	openInterestAttributes(cl.out, "close_open_interest", terms)
	cl.out.Attr("refunded_offers", itoa(refunded))
	return nil
}

func (c *DeterministicCore) handleFundOpenInterest(cl *call, msg *event.FundOpenInterest) error {
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}
	if cl.state.HasLender() {
		return ErrLenderAlreadySet
	}
	terms := *cl.state.OpenInterest
	if !terms.Equal(msg.Expected) {
		return ErrOpenInterestMismatch
	}

	denom := terms.LiquidityCoin.Denom
	received, err := cl.attachedFunds(denom)
	if err != nil {
		return err
	}
	if !received.Eq(terms.LiquidityCoin.Amount) {
		return &VaultError{
			Code:     CodeOpenInterestFundingMismatch,
			Denom:    denom,
			Expected: terms.LiquidityCoin.Amount,
			Received: received,
		}
	}

	lender := cl.sender()
	refunded := cl.refundAll()
	cl.state.BindLender(lender, terms, cl.now)

	openInterestAttributes(cl.out, "fund_open_interest", terms)
	cl.out.Attr("lender", lender)
	cl.out.Attr("refunded_offers", itoa(refunded))
	return nil
}

func (c *DeterministicCore) handleRepayOpenInterest(cl *call, _ *event.RepayOpenInterest) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if debt := cl.state.OutstandingDebt; debt != nil {
		return errOutstandingDebt(*debt)
	}
	if cl.state.OpenInterest == nil {
		return ErrNoOpenInterest
	}
	if !cl.state.HasLender() {
		return ErrNoLender
	}

	terms := *cl.state.OpenInterest
	lender := *cl.state.Lender
	owed, err := repaymentAmounts(terms)
	if err != nil {
		return err
	}
	for _, coin := range owed {
		available, err := cl.balance(coin.Denom)
		if err != nil {
			return err
		}
		if available.LT(coin.Amount) {
			return errInsufficientBalance(coin.Denom, available, coin.Amount)
		}
	}

	cl.state.ClearPosition()
	cl.out.Send(lender, owed...)

	openInterestAttributes(cl.out, "repay_open_interest", terms)
	cl.out.Attr("lender", lender)
	return nil
}
