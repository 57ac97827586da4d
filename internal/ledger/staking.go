package ledger

import (
	fpmath "LendVault/internal/math"
	"fmt"
)

// Delegation is stake bonded by a delegator to one validator.
type Delegation struct {
	Delegator string `json:"delegator" yaml:"delegator"`
	Validator string `json:"validator" yaml:"validator"`
	Amount    Coin   `json:"amount" yaml:"amount"`
}

// InsufficientFundsError is returned by the host when an account cannot
// cover a transfer.
type InsufficientFundsError struct {
	Address   string
	Denom     string
	Available fpmath.Uint256
	Requested fpmath.Uint256
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: have %s%s, need %s%s",
		e.Address, e.Available, e.Denom, e.Requested, e.Denom)
}
