package core

import (
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"time"
)

// Querier is the read side of the host chain as seen by the vault.
type Querier interface {
	QueryBalance(address, denom string) (fpmath.Uint256, error)
	QueryBondedDenom() (string, error)
	QueryValidator(validator string) (bool, error)
	QueryDelegation(delegator, validator string) (*ledger.Delegation, error)
	QueryAllDelegations(delegator string) ([]ledger.Delegation, error)
	QueryDelegationTotalRewards(delegator string) ([]ledger.DecCoin, error)
}

// Host executes calls against the chain the vault lives on. Begin opens a
// unit of work at blockTime; everything until Commit or Rollback is atomic.
type Host interface {
	Querier

	Begin(blockTime time.Time) error
	TransferFunds(from, to string, coins ledger.Coins) error
	// Execute runs the batch's instructions with contract as the signer,
	// strictly in index order.
	Execute(contract string, batch *ledger.Batch) error
	Commit()
	Rollback()
}
