package core

import (
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/state"
	"time"
)

// liquidation carries the loaded context of one liquidation call.
type liquidation struct {
	cl     *call
	terms  state.OpenInterest
	lender string
	denom  string
	bonded bool
}

func (c *DeterministicCore) handleLiquidate(cl *call, _ *event.Liquidate) error {
	liq, err := loadLiquidation(cl)
	if err != nil {
		return err
	}

	owed, err := liq.owed()
	if err != nil {
		return err
	}

	// Reward withdrawals are appended before the payout so the host has
	// credited them by the time the payout executes.
	available, rewardsClaimed, err := liq.collectFunds(owed)
	if err != nil {
		return err
	}

	payout := fpmath.MinUint256(available, owed)
	if !payout.IsZero() {
		if !payout.FitsUint128() {
			return &VaultError{Code: CodeLiquidationAmountOverflow, Denom: liq.denom, Requested: payout}
		}
		cl.out.Send(liq.lender, ledger.Coin{Denom: liq.denom, Amount: payout})
	}

	remaining, err := owed.CheckedSub(payout)
	if err != nil {
		return errInternal("liquidation remaining: %v", err)
	}
	if !remaining.IsZero() && !liq.bonded {
		return errInsufficientBalance(liq.denom, available, owed)
	}

	undelegated, err := liq.scheduleUndelegations(remaining)
	if err != nil {
		return err
	}

	settled, err := remaining.CheckedSub(undelegated)
	if err != nil {
		return errInternal("liquidation settled remaining: %v", err)
	}
	if err := liq.settle(settled, !undelegated.IsZero()); err != nil {
		return err
	}

	openInterestAttributes(cl.out, "liquidate_open_interest", liq.terms)
	cl.out.Attr("lender", liq.lender)
	nonzeroAttr(cl.out, "owed_amount", owed)
	nonzeroAttr(cl.out, "available_amount", available)
	nonzeroAttr(cl.out, "payout_amount", payout)
	nonzeroAttr(cl.out, "rewards_claimed", rewardsClaimed)
	nonzeroAttr(cl.out, "undelegated_amount", undelegated)
	nonzeroAttr(cl.out, "outstanding_debt", settled)
	return nil
}

func loadLiquidation(cl *call) (*liquidation, error) {
	if err := cl.requireOwnerOrLender(); err != nil {
		return nil, err
	}
	if cl.state.OpenInterest == nil {
		return nil, ErrNoOpenInterest
	}
	if !cl.state.HasLender() {
		return nil, ErrNoLender
	}
	if cl.state.Expiry == nil {
		return nil, errInternal("open interest expiry missing despite lender being set")
	}
	if cl.now.Before(*cl.state.Expiry) {
		return nil, ErrOpenInterestNotExpired
	}

	terms := *cl.state.OpenInterest
	bonded, err := cl.bondedDenom()
	if err != nil {
		return nil, err
	}
	return &liquidation{
		cl:     cl,
		terms:  terms,
		lender: *cl.state.Lender,
		denom:  terms.Collateral.Denom,
		bonded: terms.Collateral.Denom == bonded,
	}, nil
}

// owed is the carried debt of an earlier partial liquidation, or the full
// collateral on the first attempt.
func (l *liquidation) owed() (fpmath.Uint256, error) {
	debt := l.cl.state.OutstandingDebt
	if debt == nil {
		return l.terms.Collateral.Amount, nil
	}
	if debt.Denom != l.denom {
		return fpmath.Uint256{}, errInternal("outstanding debt denom mismatch: expected %s, got %s", l.denom, debt.Denom)
	}
	return debt.Amount, nil
}

// collectFunds returns the liquid balance, topped up with claimable rewards
// when the collateral is the bonded denom and the balance falls short.
func (l *liquidation) collectFunds(owed fpmath.Uint256) (available, rewardsClaimed fpmath.Uint256, err error) {
	available, err = l.cl.balance(l.denom)
	if err != nil {
		return
	}
	if !l.bonded || available.GTE(owed) {
		return
	}

	delegations, err := l.cl.delegations()
	if err != nil {
		return
	}
	rewards, err := l.cl.stakingRewards(l.denom)
	if err != nil {
		return
	}
	if !rewards.IsZero() {
		for _, d := range delegations {
			l.cl.out.WithdrawReward(d.Validator)
		}
		rewardsClaimed = rewards
	}

	if available, err = available.CheckedAdd(rewards); err != nil {
		err = errInternal("liquidation total available overflow")
	}
	return
}

// scheduleUndelegations unbonds stake across delegations, in the order the
// host lists them, until remaining is covered or stake runs out.
func (l *liquidation) scheduleUndelegations(remaining fpmath.Uint256) (fpmath.Uint256, error) {
	undelegated := fpmath.ZeroUint256()
	if remaining.IsZero() {
		return undelegated, nil
	}

	delegations, err := l.cl.delegations()
	if err != nil {
		return fpmath.Uint256{}, err
	}
	for _, d := range delegations {
		if remaining.IsZero() {
			break
		}
		stake := d.Amount.Amount
		if stake.IsZero() {
			continue
		}
		amount := fpmath.MinUint256(stake, remaining)
		if !amount.FitsUint128() {
			return fpmath.Uint256{}, &VaultError{Code: CodeUndelegationAmountOverflow, Denom: l.denom, Requested: amount}
		}
		l.cl.out.Undelegate(d.Validator, ledger.Coin{Denom: l.denom, Amount: amount})

		if remaining, err = remaining.CheckedSub(amount); err != nil {
			return fpmath.Uint256{}, errInternal("liquidation undelegate: %v", err)
		}
		if undelegated, err = undelegated.CheckedAdd(amount); err != nil {
			return fpmath.Uint256{}, errInternal("liquidation undelegated amount: %v", err)
		}
	}
	return undelegated, nil
}

// settle closes the position when nothing remains, otherwise carries the
// remainder as outstanding debt for a later call.
func (l *liquidation) settle(remaining fpmath.Uint256, unbonding bool) error {
	v := l.cl.state
	if remaining.IsZero() {
		v.ClearPosition()
		v.LastLiquidationUnbonding = nil
		if unbonding {
			l.markUnbonding()
		}
		return nil
	}
	if !remaining.FitsUint128() {
		return errRepaymentOverflow(l.denom, remaining)
	}
	v.OutstandingDebt = &ledger.Coin{Denom: l.denom, Amount: remaining}
	if unbonding {
		l.markUnbonding()
	}
	return nil
}

func (l *liquidation) markUnbonding() {
	v := l.cl.state
	done := l.cl.now.Add(time.Duration(v.LiquidationUnbondingDuration) * time.Second)
	v.LastLiquidationUnbonding = &done
}

func nonzeroAttr(out *ledger.BatchBuilder, key string, value fpmath.Uint256) {
	if value.IsZero() {
		return
	}
	out.Attr(key, value.String())
}
