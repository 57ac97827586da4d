package core

import (
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/state"
	"strconv"

	"github.com/shopspring/decimal"
)

// DefaultLiquidationUnbondingDuration is used when instantiate omits one.
const DefaultLiquidationUnbondingDuration uint64 = 14 * 24 * 60 * 60

func (c *DeterministicCore) handleInstantiate(cl *call, msg *event.Instantiate) error {
	if cl.state != nil {
		return ErrAlreadyInstantiated
	}

	owner := cl.sender()
	if msg.Owner != nil {
		owner = *msg.Owner
	}
	if err := validateAddress(owner, "owner"); err != nil {
		return err
	}

	duration := DefaultLiquidationUnbondingDuration
	if msg.LiquidationUnbondingDuration != nil {
		duration = *msg.LiquidationUnbondingDuration
	}
	if duration > state.MaxExpiryDuration {
		duration = state.MaxExpiryDuration
	}

	cl.state = state.NewVaultState(owner, duration)

	cl.out.Attr("method", "instantiate")
	cl.out.Attr("owner", owner)
	return nil
}

func (c *DeterministicCore) handleTransferOwnership(cl *call, msg *event.TransferOwnership) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := validateAddress(msg.NewOwner, "new_owner"); err != nil {
		return err
	}
	previous := cl.state.Owner
	if msg.NewOwner == previous {
		return ErrOwnershipUnchanged
	}

	cl.state.Owner = msg.NewOwner

	cl.out.Attr("action", "transfer_ownership")
	cl.out.Attr("previous_owner", previous)
	cl.out.Attr("new_owner", msg.NewOwner)
	return nil
}

func (c *DeterministicCore) handleDelegate(cl *call, msg *event.Delegate) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := checkPassthroughAmount(msg.Amount, CodeInvalidDelegationAmount); err != nil {
		return err
	}

	denom, err := cl.bondedDenom()
	if err != nil {
		return err
	}
	reserved, err := reservedForDelegation(cl.state, denom)
	if err != nil {
		return err
	}
	balance, err := cl.balance(denom)
	if err != nil {
		return err
	}
	available := balance.SaturatingSub(reserved)
	if available.LT(msg.Amount) {
		return errInsufficientBalance(denom, available, msg.Amount)
	}
	if err := requireValidator(cl, msg.Validator); err != nil {
		return err
	}

	cl.out.Delegate(msg.Validator, ledger.Coin{Denom: denom, Amount: msg.Amount})
	cl.out.Attr("action", "delegate")
	cl.out.Attr("validator", msg.Validator)
	cl.out.Attr("denom", denom)
	cl.out.Attr("amount", msg.Amount.String())
	return nil
}

// reservedForDelegation is the part of the bonded balance that may not be
// staked. Counter offer escrow stays liquid so it can be refunded; any
// other debt in the bonded denom blocks delegation outright.
func reservedForDelegation(v *state.VaultState, bondedDenom string) (fpmath.Uint256, error) {
	debt := v.OutstandingDebt
	if debt == nil || debt.Denom != bondedDenom {
		return fpmath.ZeroUint256(), nil
	}
	if v.OpenInterest != nil && !v.HasLender() {
		return debt.Amount, nil
	}
	return fpmath.Uint256{}, errOutstandingDebt(*debt)
}

// checkPassthroughAmount rejects zero amounts and amounts a transfer
// instruction cannot carry.
func checkPassthroughAmount(amount fpmath.Uint256, code ErrorCode) error {
	if amount.IsZero() {
		return &VaultError{Code: code}
	}
	if !amount.FitsUint128() {
		return &VaultError{Code: code, Requested: amount}
	}
	return nil
}

func requireValidator(cl *call, validator string) error {
	ok, err := cl.host.QueryValidator(validator)
	if err != nil {
		return wrapHostErr("query validator", err)
	}
	if !ok {
		return &VaultError{Code: CodeValidatorNotFound, Validator: validator}
	}
	return nil
}

// delegatedTo returns the vault's stake with validator, failing when there
// is none or it is smaller than requested.
func delegatedTo(cl *call, validator string, requested fpmath.Uint256) (ledger.Coin, error) {
	d, err := cl.host.QueryDelegation(cl.contract, validator)
	if err != nil {
		return ledger.Coin{}, wrapHostErr("query delegation", err)
	}
	if d == nil {
		return ledger.Coin{}, &VaultError{Code: CodeDelegationNotFound, Validator: validator}
	}
	if d.Amount.Amount.LT(requested) {
		return ledger.Coin{}, &VaultError{
			Code:      CodeInsufficientDelegatedBalance,
			Validator: validator,
			Delegated: d.Amount.Amount,
			Requested: requested,
		}
	}
	return d.Amount, nil
}

func (c *DeterministicCore) handleUndelegate(cl *call, msg *event.Undelegate) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := checkPassthroughAmount(msg.Amount, CodeInvalidUndelegationAmount); err != nil {
		return err
	}
	stake, err := delegatedTo(cl, msg.Validator, msg.Amount)
	if err != nil {
		return err
	}

	cl.out.Undelegate(msg.Validator, ledger.Coin{Denom: stake.Denom, Amount: msg.Amount})
	cl.out.Attr("action", "undelegate")
	cl.out.Attr("validator", msg.Validator)
	cl.out.Attr("denom", stake.Denom)
	cl.out.Attr("amount", msg.Amount.String())
	return nil
}

func (c *DeterministicCore) handleRedelegate(cl *call, msg *event.Redelegate) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := checkPassthroughAmount(msg.Amount, CodeInvalidRedelegationAmount); err != nil {
		return err
	}
	if msg.SrcValidator == msg.DstValidator {
		return ErrRedelegateToSameValidator
	}

	denom, err := cl.bondedDenom()
	if err != nil {
		return err
	}
	if debt := cl.state.OutstandingDebt; debt != nil && debt.Denom == denom {
		return errOutstandingDebt(*debt)
	}
	stake, err := delegatedTo(cl, msg.SrcValidator, msg.Amount)
	if err != nil {
		return err
	}
	if err := requireValidator(cl, msg.DstValidator); err != nil {
		return err
	}

	cl.out.Redelegate(msg.SrcValidator, msg.DstValidator, ledger.Coin{Denom: stake.Denom, Amount: msg.Amount})
	cl.out.Attr("action", "redelegate")
	cl.out.Attr("src_validator", msg.SrcValidator)
	cl.out.Attr("dst_validator", msg.DstValidator)
	cl.out.Attr("denom", stake.Denom)
	cl.out.Attr("amount", msg.Amount.String())
	return nil
}

func (c *DeterministicCore) handleClaimDelegatorRewards(cl *call, _ *event.ClaimDelegatorRewards) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	delegations, err := cl.delegations()
	if err != nil {
		return err
	}
	if len(delegations) == 0 {
		return ErrNoDelegations
	}

	for _, d := range delegations {
		cl.out.WithdrawReward(d.Validator)
	}
	cl.out.Attr("action", "claim_delegator_rewards")
	cl.out.Attr("validator_count", itoa(len(delegations)))
	return nil
}

func (c *DeterministicCore) handleVote(cl *call, msg *event.Vote) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if !event.IsValidVoteOption(msg.Option) {
		return &VaultError{Code: CodeInvalidVoteOption, Field: msg.Option}
	}

	cl.out.Vote(msg.ProposalID, msg.Option)
	cl.out.Attr("action", "vote")
	cl.out.Attr("proposal_id", strconv.FormatUint(msg.ProposalID, 10))
	cl.out.Attr("vote_type", "standard")
	return nil
}

func (c *DeterministicCore) handleWeightedVote(cl *call, msg *event.WeightedVote) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := validateWeightedOptions(msg.Options); err != nil {
		return err
	}

	cl.out.WeightedVote(msg.ProposalID, msg.Options)
	cl.out.Attr("action", "vote")
	cl.out.Attr("proposal_id", strconv.FormatUint(msg.ProposalID, 10))
	cl.out.Attr("vote_type", "weighted")
	cl.out.Attr("option_count", itoa(len(msg.Options)))
	return nil
}

// validateWeightedOptions requires distinct known options with positive
// weights summing to exactly one.
func validateWeightedOptions(options []ledger.WeightedVoteOption) error {
	if len(options) == 0 {
		return &VaultError{Code: CodeInvalidVoteOption, Field: "options"}
	}
	seen := make(map[string]bool, len(options))
	total := decimal.Zero
	for _, o := range options {
		if !event.IsValidVoteOption(o.Option) || seen[o.Option] {
			return &VaultError{Code: CodeInvalidVoteOption, Field: o.Option}
		}
		seen[o.Option] = true
		w, err := decimal.NewFromString(o.Weight)
		if err != nil || !w.IsPositive() {
			return &VaultError{Code: CodeInvalidVoteOption, Field: o.Option + " weight " + o.Weight}
		}
		total = total.Add(w)
	}
	if !total.Equal(decimal.NewFromInt(1)) {
		return &VaultError{Code: CodeInvalidVoteOption, Field: "weights sum to " + total.String()}
	}
	return nil
}

func (c *DeterministicCore) handleWithdraw(cl *call, msg *event.Withdraw) error {
	if err := cl.requireOwner(); err != nil {
		return err
	}
	if err := checkPassthroughAmount(msg.Amount, CodeInvalidWithdrawalAmount); err != nil {
		return err
	}
	if msg.Denom == "" {
		return errInvalidCoinDenom("denom")
	}
	recipient := cl.state.Owner
	if msg.Recipient != nil {
		recipient = *msg.Recipient
		if err := validateAddress(recipient, "recipient"); err != nil {
			return err
		}
	}
	available, err := withdrawable(cl, msg.Denom)
	if err != nil {
		return err
	}
	if available.LT(msg.Amount) {
		return errInsufficientBalance(msg.Denom, available, msg.Amount)
	}

	cl.out.Send(recipient, ledger.Coin{Denom: msg.Denom, Amount: msg.Amount})
	cl.out.Attr("action", "withdraw")
	cl.out.Attr("denom", msg.Denom)
	cl.out.Attr("amount", msg.Amount.String())
	cl.out.Attr("recipient", recipient)
	return nil
}

// withdrawable is the balance in denom above what must stay in the vault:
// the larger of any debt in that denom and the collateral lock.
func withdrawable(cl *call, denom string) (fpmath.Uint256, error) {
	balance, err := cl.balance(denom)
	if err != nil {
		return fpmath.Uint256{}, err
	}

	debt := fpmath.ZeroUint256()
	if d := cl.state.OutstandingDebt; d != nil && d.Denom == denom {
		debt = d.Amount
	}
	lock, err := collateralLock(cl, denom)
	if err != nil {
		return fpmath.Uint256{}, err
	}
	return balance.SaturatingSub(fpmath.MaxUint256(debt, lock)), nil
}

// collateralLock is the collateral that must stay liquid. For the bonded
// denom, rewards and stake already cover part of it.
func collateralLock(cl *call, denom string) (fpmath.Uint256, error) {
	oi := cl.state.OpenInterest
	if oi == nil || oi.Collateral.Denom != denom {
		return fpmath.ZeroUint256(), nil
	}
	bonded, err := cl.bondedDenom()
	if err != nil {
		return fpmath.Uint256{}, err
	}
	if denom != bonded {
		return oi.Collateral.Amount, nil
	}
	coverage, err := cl.stakingCoverage(denom)
	if err != nil {
		return fpmath.Uint256{}, err
	}
	return oi.Collateral.Amount.SaturatingSub(coverage), nil
}
