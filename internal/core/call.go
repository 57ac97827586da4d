package core

import (
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/state"
	"sort"
	"strconv"
	"time"
)

// call is the context of one message being applied. state is the staged
// copy of the vault and is nil only while handling Instantiate.
type call struct {
	state    *state.VaultState
	info     *event.MsgInfo
	now      time.Time
	contract string
	host     Querier
	out      *ledger.BatchBuilder
}

func (c *call) sender() string { return c.info.Sender }

func (c *call) requireOwner() error {
	if c.info.Sender != c.state.Owner {
		return ErrUnauthorized
	}
	return nil
}

func (c *call) requireOwnerOrLender() error {
	if c.info.Sender == c.state.Owner {
		return nil
	}
	if c.state.Lender != nil && c.info.Sender == *c.state.Lender {
		return nil
	}
	return ErrUnauthorized
}

// attachedFunds sums the funds sent with the call in one denom.
func (c *call) attachedFunds(denom string) (fpmath.Uint256, error) {
	amount, err := c.info.Funds.AmountOf(denom)
	if err != nil {
		return fpmath.Uint256{}, errInternal("attached funds: %v", err)
	}
	return amount, nil
}

func (c *call) balance(denom string) (fpmath.Uint256, error) {
	amount, err := c.host.QueryBalance(c.contract, denom)
	if err != nil {
		return fpmath.Uint256{}, wrapHostErr("query balance", err)
	}
	return amount, nil
}

func (c *call) bondedDenom() (string, error) {
	denom, err := c.host.QueryBondedDenom()
	if err != nil {
		return "", wrapHostErr("query bonded denom", err)
	}
	return denom, nil
}

func (c *call) delegations() ([]ledger.Delegation, error) {
	delegations, err := c.host.QueryAllDelegations(c.contract)
	if err != nil {
		return nil, wrapHostErr("query delegations", err)
	}
	return delegations, nil
}

// stakingRewards is the floored total of claimable rewards in denom.
func (c *call) stakingRewards(denom string) (fpmath.Uint256, error) {
	rewards, err := c.host.QueryDelegationTotalRewards(c.contract)
	if err != nil {
		return fpmath.Uint256{}, wrapHostErr("query rewards", err)
	}
	amount, err := fpmath.FloorDecimal(ledger.SumDecCoins(rewards, denom))
	if err != nil {
		return fpmath.Uint256{}, errInternal("staking rewards for %s: %v", denom, err)
	}
	return amount, nil
}

// stakedBalance sums every delegation of the vault in denom.
func (c *call) stakedBalance(denom string) (fpmath.Uint256, error) {
	delegations, err := c.delegations()
	if err != nil {
		return fpmath.Uint256{}, err
	}
	total := fpmath.ZeroUint256()
	for _, d := range delegations {
		if d.Amount.Denom != denom {
			continue
		}
		if total, err = total.CheckedAdd(d.Amount.Amount); err != nil {
			return fpmath.Uint256{}, errInternal("staked balance for %s: %v", denom, err)
		}
	}
	return total, nil
}

// stakingCoverage is what the vault could recover in the bonded denom beyond
// its liquid balance: claimable rewards plus bonded stake.
func (c *call) stakingCoverage(denom string) (fpmath.Uint256, error) {
	rewards, err := c.stakingRewards(denom)
	if err != nil {
		return fpmath.Uint256{}, err
	}
	staked, err := c.stakedBalance(denom)
	if err != nil {
		return fpmath.Uint256{}, err
	}
	coverage, err := rewards.CheckedAdd(staked)
	if err != nil {
		return fpmath.Uint256{}, errInternal("staking coverage for %s: %v", denom, err)
	}
	return coverage, nil
}

func validateCoin(coin ledger.Coin, field string) error {
	if coin.Amount.IsZero() {
		return errInvalidCoinAmount(field)
	}
	if coin.Denom == "" {
		return errInvalidCoinDenom(field)
	}
	return nil
}

func validateOpenInterest(oi state.OpenInterest) error {
	if err := validateCoin(oi.LiquidityCoin, "liquidity_coin"); err != nil {
		return err
	}
	if err := validateCoin(oi.InterestCoin, "interest_coin"); err != nil {
		return err
	}
	if err := validateCoin(oi.Collateral, "collateral"); err != nil {
		return err
	}
	if oi.ExpiryDuration == 0 || oi.ExpiryDuration > state.MaxExpiryDuration {
		return ErrInvalidExpiryDuration
	}
	_, err := repaymentAmounts(oi)
	return err
}

// repaymentAmounts merges liquidity and interest per denom, ascending by
// denom. Each total must fit the host's 128-bit transfer amount.
func repaymentAmounts(oi state.OpenInterest) ([]ledger.Coin, error) {
	totals := make(map[string]fpmath.Uint256, 2)
	for _, coin := range []ledger.Coin{oi.LiquidityCoin, oi.InterestCoin} {
		sum, err := totals[coin.Denom].CheckedAdd(coin.Amount)
		if err != nil {
			return nil, errRepaymentOverflow(coin.Denom, coin.Amount)
		}
		totals[coin.Denom] = sum
	}

	denoms := make([]string, 0, len(totals))
	for denom := range totals {
		denoms = append(denoms, denom)
	}
	sort.Strings(denoms)

	coins := make([]ledger.Coin, 0, len(denoms))
	for _, denom := range denoms {
		amount := totals[denom]
		if !amount.FitsUint128() {
			return nil, errRepaymentOverflow(denom, amount)
		}
		coins = append(coins, ledger.Coin{Denom: denom, Amount: amount})
	}
	return coins, nil
}

func openInterestAttributes(out *ledger.BatchBuilder, action string, oi state.OpenInterest) {
	out.Attr("action", action)
	out.Attr("liquidity_denom", oi.LiquidityCoin.Denom)
	out.Attr("liquidity_amount", oi.LiquidityCoin.Amount.String())
	out.Attr("interest_denom", oi.InterestCoin.Denom)
	out.Attr("interest_amount", oi.InterestCoin.Amount.String())
	out.Attr("collateral_denom", oi.Collateral.Denom)
	out.Attr("collateral_amount", oi.Collateral.Amount.String())
}

// refundAll drains the counter offer book and sends each proposer their
// escrow, in ascending proposer order.
func (c *call) refundAll() int {
	drained := c.state.DrainCounterOffers()
	for _, offer := range drained {
		c.out.Send(offer.Proposer, offer.RefundCoins())
	}
	return len(drained)
}

// validateAddress rejects empty addresses and addresses containing
// whitespace or control characters.
func validateAddress(addr, field string) error {
	if addr == "" || len(addr) > maxAddressLen {
		return &VaultError{Code: CodeInvalidAddress, Field: field}
	}
	for _, r := range addr {
		if r <= ' ' || r == 0x7f {
			return &VaultError{Code: CodeInvalidAddress, Field: field}
		}
	}
	return nil
}

const maxAddressLen = 255

func itoa(n int) string { return strconv.Itoa(n) }
