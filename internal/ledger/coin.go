package ledger

import (
	fpmath "LendVault/internal/math"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Coin is an amount of a single denomination.
type Coin struct {
	Denom  string         `json:"denom" yaml:"denom"`
	Amount fpmath.Uint256 `json:"amount" yaml:"amount"`
}

func NewCoin(denom string, amount uint64) Coin {
	return Coin{Denom: denom, Amount: fpmath.NewUint256(amount)}
}

func (c Coin) Equal(o Coin) bool {
	return c.Denom == o.Denom && c.Amount.Eq(o.Amount)
}

func (c Coin) IsZero() bool { return c.Amount.IsZero() }

func (c Coin) String() string {
	return fmt.Sprintf("%s%s", c.Amount, c.Denom)
}

// Coins is an ordered list of coins. Duplicate denoms are allowed on input
// (attached funds) and are summed by AmountOf.
type Coins []Coin

// AmountOf sums every entry of the given denom.
func (cs Coins) AmountOf(denom string) (fpmath.Uint256, error) {
	total := fpmath.ZeroUint256()
	for _, c := range cs {
		if c.Denom != denom {
			continue
		}
		var err error
		total, err = total.CheckedAdd(c.Amount)
		if err != nil {
			return fpmath.Uint256{}, fmt.Errorf("sum %s: %w", denom, err)
		}
	}
	return total, nil
}

// Normalize merges duplicate denoms, drops zero amounts and sorts by denom.
func (cs Coins) Normalize() (Coins, error) {
	totals := make(map[string]fpmath.Uint256, len(cs))
	for _, c := range cs {
		sum, err := totals[c.Denom].CheckedAdd(c.Amount)
		if err != nil {
			return nil, fmt.Errorf("sum %s: %w", c.Denom, err)
		}
		totals[c.Denom] = sum
	}

	out := make(Coins, 0, len(totals))
	for denom, amount := range totals {
		if amount.IsZero() {
			continue
		}
		out = append(out, Coin{Denom: denom, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out, nil
}

func (cs Coins) String() string {
	if len(cs) == 0 {
		return ""
	}
	s := cs[0].String()
	for _, c := range cs[1:] {
		s += "," + c.String()
	}
	return s
}

// DecCoin is a fractional amount, used for accrued staking rewards.
type DecCoin struct {
	Denom  string          `json:"denom" yaml:"denom"`
	Amount decimal.Decimal `json:"amount" yaml:"amount"`
}

// SumDecCoins totals the amounts of one denom across reward entries.
func SumDecCoins(coins []DecCoin, denom string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range coins {
		if c.Denom == denom {
			total = total.Add(c.Amount)
		}
	}
	return total
}
