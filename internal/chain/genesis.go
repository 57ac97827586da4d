package chain

import (
	"LendVault/internal/ledger"
	"fmt"
	"time"
)

// Genesis is the initial host chain state, usually loaded from the YAML
// config file.
type Genesis struct {
	BondedDenom      string              `yaml:"bonded_denom" json:"bonded_denom"`
	UnbondingSeconds uint64              `yaml:"unbonding_seconds" json:"unbonding_seconds"`
	GenesisTime      time.Time           `yaml:"genesis_time" json:"genesis_time"`
	Validators       []string            `yaml:"validators" json:"validators"`
	Proposals        []uint64            `yaml:"proposals" json:"proposals"`
	Balances         []GenesisAccount    `yaml:"balances" json:"balances"`
	Delegations      []ledger.Delegation `yaml:"delegations" json:"delegations"`
	Rewards          []GenesisReward     `yaml:"rewards" json:"rewards"`
}

type GenesisAccount struct {
	Address string       `yaml:"address" json:"address"`
	Coins   ledger.Coins `yaml:"coins" json:"coins"`
}

// GenesisReward is an accrued, unclaimed staking reward.
type GenesisReward struct {
	Delegator string           `yaml:"delegator" json:"delegator"`
	Validator string           `yaml:"validator" json:"validator"`
	Coins     []ledger.DecCoin `yaml:"coins" json:"coins"`
}

// DefaultGenesis is a single-validator chain bonding "ustake".
func DefaultGenesis() Genesis {
	return Genesis{
		BondedDenom:      "ustake",
		UnbondingSeconds: 21 * 24 * 60 * 60,
		Validators:       []string{"valoper1default"},
	}
}

// Validate checks internal consistency before the chain is built.
func (g Genesis) Validate() error {
	if g.BondedDenom == "" {
		return fmt.Errorf("genesis: bonded_denom is required")
	}
	validators := make(map[string]bool, len(g.Validators))
	for _, v := range g.Validators {
		if v == "" {
			return fmt.Errorf("genesis: empty validator address")
		}
		if validators[v] {
			return fmt.Errorf("genesis: duplicate validator %s", v)
		}
		validators[v] = true
	}
	for _, acc := range g.Balances {
		if acc.Address == "" {
			return fmt.Errorf("genesis: balance with empty address")
		}
	}
	for _, d := range g.Delegations {
		if !validators[d.Validator] {
			return fmt.Errorf("genesis: delegation to unknown validator %s", d.Validator)
		}
		if d.Amount.Denom != g.BondedDenom {
			return fmt.Errorf("genesis: delegation of %s, bonded denom is %s", d.Amount.Denom, g.BondedDenom)
		}
	}
	for _, r := range g.Rewards {
		if !validators[r.Validator] {
			return fmt.Errorf("genesis: reward from unknown validator %s", r.Validator)
		}
		for _, c := range r.Coins {
			if c.Amount.IsNegative() {
				return fmt.Errorf("genesis: negative reward %s%s", c.Amount, c.Denom)
			}
		}
	}
	return nil
}
