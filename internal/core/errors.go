package core

import (
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode int
type ErrorCode int

const (
	// CodeUnknown unknown
	CodeUnknown ErrorCode = 100000
	// CodeUnauthorized sender may not perform the call
	CodeUnauthorized ErrorCode = 100001
	// CodeOwnershipUnchanged transfer to the current owner
	CodeOwnershipUnchanged ErrorCode = 100002
	// CodeNotInstantiated vault has no state yet
	CodeNotInstantiated ErrorCode = 100003
	// CodeAlreadyInstantiated instantiate called twice
	CodeAlreadyInstantiated ErrorCode = 100004

	// CodeNoOpenInterest no active open interest
	CodeNoOpenInterest ErrorCode = 100100
	// CodeOpenInterestAlreadyExists open interest active
	CodeOpenInterestAlreadyExists ErrorCode = 100101
	// CodeLenderAlreadySet lender bound
	CodeLenderAlreadySet ErrorCode = 100102
	// CodeNoLender no lender bound
	CodeNoLender ErrorCode = 100103
	// CodeOpenInterestNotExpired liquidation before expiry
	CodeOpenInterestNotExpired ErrorCode = 100104

	CodeInvalidCoinAmount             ErrorCode = 100200
	CodeInvalidCoinDenom              ErrorCode = 100201
	CodeInvalidExpiryDuration         ErrorCode = 100202
	CodeCounterOfferTermsMismatch     ErrorCode = 100203
	CodeCounterOfferNotSmaller        ErrorCode = 100204
	CodeCounterOfferEscrowMismatch    ErrorCode = 100205
	CodeOpenInterestFundingMismatch   ErrorCode = 100206
	CodeOpenInterestMismatch          ErrorCode = 100207
	CodeCounterOfferAlreadyExists     ErrorCode = 100208
	CodeCounterOfferNotFound          ErrorCode = 100209
	CodeCounterOfferMismatch          ErrorCode = 100210
	CodeInvalidDelegationAmount       ErrorCode = 100211
	CodeInvalidUndelegationAmount     ErrorCode = 100212
	CodeInvalidRedelegationAmount     ErrorCode = 100213
	CodeInvalidWithdrawalAmount       ErrorCode = 100214
	CodeRedelegateToSameValidator     ErrorCode = 100215
	CodeInvalidVoteOption             ErrorCode = 100216
	CodeInvalidAddress                ErrorCode = 100217

	// CodeCounterOfferNotCompetitive book full and offer too small
	CodeCounterOfferNotCompetitive ErrorCode = 100300

	CodeInsufficientBalance          ErrorCode = 100400
	CodeOutstandingDebt              ErrorCode = 100401
	CodeRepaymentAmountOverflow      ErrorCode = 100402
	CodeLiquidationAmountOverflow    ErrorCode = 100403
	CodeUndelegationAmountOverflow   ErrorCode = 100404
	CodeValidatorNotFound            ErrorCode = 100405
	CodeDelegationNotFound           ErrorCode = 100406
	CodeInsufficientDelegatedBalance ErrorCode = 100407
	CodeNoDelegations                ErrorCode = 100408

	// CodeInternal state inconsistency or host failure
	CodeInternal ErrorCode = 100900
)

func (e ErrorCode) String() string {
	return strconv.Itoa(int(e))
}

// Category groups codes for transport mapping and metrics.
type Category string

const (
	CategoryAuthorization Category = "authorization"
	CategoryLifecycle     Category = "lifecycle"
	CategoryValidation    Category = "validation"
	CategoryCapacity      Category = "capacity"
	CategoryResource      Category = "resource"
	CategoryNotEligible   Category = "not_eligible"
	CategoryInternal      Category = "internal"
)

func (e ErrorCode) Category() Category {
	switch {
	case e == CodeUnauthorized || e == CodeOwnershipUnchanged:
		return CategoryAuthorization
	case e == CodeOpenInterestNotExpired:
		return CategoryNotEligible
	case e >= 100100 && e < 100200, e == CodeNotInstantiated, e == CodeAlreadyInstantiated:
		return CategoryLifecycle
	case e >= 100200 && e < 100300:
		return CategoryValidation
	case e >= 100300 && e < 100400:
		return CategoryCapacity
	case e >= 100400 && e < 100500:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

// VaultError is a rejected call. Only the fields relevant to Code are set.
type VaultError struct {
	Code ErrorCode

	Field     string
	Denom     string
	Proposer  string
	Validator string

	Available fpmath.Uint256
	Requested fpmath.Uint256
	Expected  fpmath.Uint256
	Received  fpmath.Uint256
	Minimum   fpmath.Uint256
	Delegated fpmath.Uint256

	Debt *ledger.Coin

	Err error
}

// invalidAmountMessage covers both rejections of a passthrough amount: zero,
// or wider than a transfer can carry.
func invalidAmountMessage(kind string, requested fpmath.Uint256) string {
	if requested.IsZero() {
		return kind + " amount must be greater than zero"
	}
	return fmt.Sprintf("%s amount %s exceeds the 128-bit transfer limit", kind, requested)
}

func (e *VaultError) Error() string {
	switch e.Code {
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeOwnershipUnchanged:
		return "New owner must be different from the current owner"
	case CodeNotInstantiated:
		return "Vault has not been instantiated"
	case CodeAlreadyInstantiated:
		return "Vault has already been instantiated"
	case CodeNoOpenInterest:
		return "No open interest is currently active"
	case CodeOpenInterestAlreadyExists:
		return "An open interest is already active"
	case CodeLenderAlreadySet:
		return "A lender has already been set"
	case CodeNoLender:
		return "No lender has been set for the open interest"
	case CodeOpenInterestNotExpired:
		return "Open interest has not expired yet"
	case CodeInvalidCoinAmount:
		return fmt.Sprintf("%s amount must be greater than zero", e.Field)
	case CodeInvalidCoinDenom:
		return fmt.Sprintf("%s denom must not be empty", e.Field)
	case CodeInvalidExpiryDuration:
		return "Expiry duration must be greater than zero seconds"
	case CodeCounterOfferTermsMismatch:
		return "Counter offer terms must match the active open interest"
	case CodeCounterOfferNotSmaller:
		return "Counter offer liquidity must be less than the active open interest"
	case CodeCounterOfferEscrowMismatch:
		return fmt.Sprintf("Counter offer escrow must provide %s %s, received %s", e.Expected, e.Denom, e.Received)
	case CodeOpenInterestFundingMismatch:
		return fmt.Sprintf("Funding escrow must provide %s %s, received %s", e.Expected, e.Denom, e.Received)
	case CodeOpenInterestMismatch:
		return "Fund request does not match the active open interest"
	case CodeCounterOfferAlreadyExists:
		return "Proposer already has an active counter offer"
	case CodeCounterOfferNotFound:
		return fmt.Sprintf("Counter offer from %s not found", e.Proposer)
	case CodeCounterOfferMismatch:
		return fmt.Sprintf("Counter offer payload for %s does not match stored terms", e.Proposer)
	case CodeInvalidDelegationAmount:
		return invalidAmountMessage("Delegation", e.Requested)
	case CodeInvalidUndelegationAmount:
		return invalidAmountMessage("Undelegation", e.Requested)
	case CodeInvalidRedelegationAmount:
		return invalidAmountMessage("Redelegation", e.Requested)
	case CodeInvalidWithdrawalAmount:
		return invalidAmountMessage("Withdrawal", e.Requested)
	case CodeRedelegateToSameValidator:
		return "Cannot redelegate to the same validator"
	case CodeInvalidVoteOption:
		return fmt.Sprintf("Invalid vote option: %s", e.Field)
	case CodeInvalidAddress:
		return fmt.Sprintf("Invalid %s address", e.Field)
	case CodeCounterOfferNotCompetitive:
		return fmt.Sprintf("Counter offers are full; liquidity must be greater than %s %s", e.Minimum, e.Denom)
	case CodeInsufficientBalance:
		return fmt.Sprintf("Insufficient balance: have %s %s, need %s", e.Available, e.Denom, e.Requested)
	case CodeOutstandingDebt:
		return fmt.Sprintf("Outstanding debt of %s must be settled before delegating", e.Debt)
	case CodeRepaymentAmountOverflow:
		return fmt.Sprintf("Repayment amount for %s overflows: %s", e.Denom, e.Requested)
	case CodeLiquidationAmountOverflow:
		return fmt.Sprintf("Liquidation payout for %s overflows: %s", e.Denom, e.Requested)
	case CodeUndelegationAmountOverflow:
		return fmt.Sprintf("Undelegation amount for %s overflows: %s", e.Denom, e.Requested)
	case CodeValidatorNotFound:
		return fmt.Sprintf("Validator not found: %s", e.Validator)
	case CodeDelegationNotFound:
		return fmt.Sprintf("Delegation not found for validator %s", e.Validator)
	case CodeInsufficientDelegatedBalance:
		return fmt.Sprintf("Insufficient delegated balance for validator %s: have %s, need %s", e.Validator, e.Delegated, e.Requested)
	case CodeNoDelegations:
		return "No delegations found to claim rewards from"
	case CodeInternal:
		if e.Err != nil {
			return fmt.Sprintf("internal error: %v", e.Err)
		}
		return "internal error"
	default:
		return fmt.Sprintf("vault error %d", e.Code)
	}
}

// Is matches any VaultError with the same code, so sentinels work with errors.Is.
func (e *VaultError) Is(target error) bool {
	t, ok := target.(*VaultError)
	return ok && t.Code == e.Code
}

func (e *VaultError) Unwrap() error { return e.Err }

// Sentinels for errors.Is
var (
	ErrUnauthorized                 = &VaultError{Code: CodeUnauthorized}
	ErrOwnershipUnchanged           = &VaultError{Code: CodeOwnershipUnchanged}
	ErrNotInstantiated              = &VaultError{Code: CodeNotInstantiated}
	ErrAlreadyInstantiated          = &VaultError{Code: CodeAlreadyInstantiated}
	ErrNoOpenInterest               = &VaultError{Code: CodeNoOpenInterest}
	ErrOpenInterestAlreadyExists    = &VaultError{Code: CodeOpenInterestAlreadyExists}
	ErrLenderAlreadySet             = &VaultError{Code: CodeLenderAlreadySet}
	ErrNoLender                     = &VaultError{Code: CodeNoLender}
	ErrOpenInterestNotExpired       = &VaultError{Code: CodeOpenInterestNotExpired}
	ErrInvalidCoinAmount            = &VaultError{Code: CodeInvalidCoinAmount}
	ErrInvalidCoinDenom             = &VaultError{Code: CodeInvalidCoinDenom}
	ErrInvalidExpiryDuration        = &VaultError{Code: CodeInvalidExpiryDuration}
	ErrCounterOfferTermsMismatch    = &VaultError{Code: CodeCounterOfferTermsMismatch}
	ErrCounterOfferNotSmaller       = &VaultError{Code: CodeCounterOfferNotSmaller}
	ErrCounterOfferEscrowMismatch   = &VaultError{Code: CodeCounterOfferEscrowMismatch}
	ErrOpenInterestFundingMismatch  = &VaultError{Code: CodeOpenInterestFundingMismatch}
	ErrOpenInterestMismatch         = &VaultError{Code: CodeOpenInterestMismatch}
	ErrCounterOfferAlreadyExists    = &VaultError{Code: CodeCounterOfferAlreadyExists}
	ErrCounterOfferNotFound         = &VaultError{Code: CodeCounterOfferNotFound}
	ErrCounterOfferMismatch         = &VaultError{Code: CodeCounterOfferMismatch}
	ErrInvalidDelegationAmount      = &VaultError{Code: CodeInvalidDelegationAmount}
	ErrInvalidUndelegationAmount    = &VaultError{Code: CodeInvalidUndelegationAmount}
	ErrInvalidRedelegationAmount    = &VaultError{Code: CodeInvalidRedelegationAmount}
	ErrInvalidWithdrawalAmount      = &VaultError{Code: CodeInvalidWithdrawalAmount}
	ErrRedelegateToSameValidator    = &VaultError{Code: CodeRedelegateToSameValidator}
	ErrInvalidVoteOption            = &VaultError{Code: CodeInvalidVoteOption}
	ErrInvalidAddress               = &VaultError{Code: CodeInvalidAddress}
	ErrCounterOfferNotCompetitive   = &VaultError{Code: CodeCounterOfferNotCompetitive}
	ErrInsufficientBalance          = &VaultError{Code: CodeInsufficientBalance}
	ErrOutstandingDebt              = &VaultError{Code: CodeOutstandingDebt}
	ErrRepaymentAmountOverflow      = &VaultError{Code: CodeRepaymentAmountOverflow}
	ErrLiquidationAmountOverflow    = &VaultError{Code: CodeLiquidationAmountOverflow}
	ErrUndelegationAmountOverflow   = &VaultError{Code: CodeUndelegationAmountOverflow}
	ErrValidatorNotFound            = &VaultError{Code: CodeValidatorNotFound}
	ErrDelegationNotFound           = &VaultError{Code: CodeDelegationNotFound}
	ErrInsufficientDelegatedBalance = &VaultError{Code: CodeInsufficientDelegatedBalance}
	ErrNoDelegations                = &VaultError{Code: CodeNoDelegations}
	ErrInternal                     = &VaultError{Code: CodeInternal}
)

// ErrDuplicateEvent is returned for a message that was already applied.
var ErrDuplicateEvent = errors.New("duplicate event")

// CodeOf extracts the ErrorCode from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return CodeUnknown
}

func errInvalidCoinAmount(field string) error {
	return &VaultError{Code: CodeInvalidCoinAmount, Field: field}
}

func errInvalidCoinDenom(field string) error {
	return &VaultError{Code: CodeInvalidCoinDenom, Field: field}
}

func errInsufficientBalance(denom string, available, requested fpmath.Uint256) error {
	return &VaultError{Code: CodeInsufficientBalance, Denom: denom, Available: available, Requested: requested}
}

func errOutstandingDebt(debt ledger.Coin) error {
	return &VaultError{Code: CodeOutstandingDebt, Debt: &debt}
}

func errRepaymentOverflow(denom string, requested fpmath.Uint256) error {
	return &VaultError{Code: CodeRepaymentAmountOverflow, Denom: denom, Requested: requested}
}

func errInternal(format string, args ...interface{}) error {
	return &VaultError{Code: CodeInternal, Err: fmt.Errorf(format, args...)}
}

// wrapHostErr marks a host failure as internal unless it already carries a
// code. A host refusing a transfer for lack of funds is reported as
// InsufficientBalance.
func wrapHostErr(op string, err error) error {
	var ve *VaultError
	if errors.As(err, &ve) {
		return err
	}
	var ife *ledger.InsufficientFundsError
	if errors.As(err, &ife) {
		return &VaultError{
			Code:      CodeInsufficientBalance,
			Denom:     ife.Denom,
			Available: ife.Available,
			Requested: ife.Requested,
			Err:       fmt.Errorf("%s: %w", op, err),
		}
	}
	return &VaultError{Code: CodeInternal, Err: fmt.Errorf("%s: %w", op, err)}
}
