// internal/math/uint256.go
package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrOverflow      = errors.New("uint256 overflow")
	ErrUnderflow     = errors.New("uint256 underflow")
	ErrUint128Range  = errors.New("value does not fit in 128 bits")
	ErrNegativeValue = errors.New("negative value")
)

// Uint256 is an unsigned 256-bit coin amount. The zero value is 0.
// All arithmetic is checked; callers narrow to 128 bits only at transfer
// boundaries via FitsUint128.
type Uint256 struct {
	v uint256.Int
}

func NewUint256(x uint64) Uint256 {
	var u Uint256
	u.v.SetUint64(x)
	return u
}

// ParseUint256 parses a base-10 string.
func ParseUint256(s string) (Uint256, error) {
	var u Uint256
	if s == "" {
		return u, errors.New("empty amount")
	}
	if err := u.v.SetFromDecimal(s); err != nil {
		return Uint256{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return u, nil
}

// MustParseUint256 panics on malformed input. Intended for constants and tests.
func MustParseUint256(s string) Uint256 {
	u, err := ParseUint256(s)
	if err != nil {
		panic(err)
	}
	return u
}

func ZeroUint256() Uint256 { return Uint256{} }

func (a Uint256) IsZero() bool { return a.v.IsZero() }

func (a Uint256) Cmp(b Uint256) int { return a.v.Cmp(&b.v) }

func (a Uint256) Eq(b Uint256) bool { return a.v.Eq(&b.v) }

func (a Uint256) LT(b Uint256) bool { return a.v.Lt(&b.v) }

func (a Uint256) GT(b Uint256) bool { return a.v.Gt(&b.v) }

func (a Uint256) GTE(b Uint256) bool { return !a.v.Lt(&b.v) }

// CheckedAdd returns a+b or ErrOverflow.
func (a Uint256) CheckedAdd(b Uint256) (Uint256, error) {
	var out Uint256
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Uint256{}, ErrOverflow
	}
	return out, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func (a Uint256) CheckedSub(b Uint256) (Uint256, error) {
	var out Uint256
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Uint256{}, ErrUnderflow
	}
	return out, nil
}

// SaturatingSub returns a-b, or zero when b > a.
func (a Uint256) SaturatingSub(b Uint256) Uint256 {
	if a.v.Lt(&b.v) {
		return Uint256{}
	}
	var out Uint256
	out.v.Sub(&a.v, &b.v)
	return out
}

// MinUint256 returns the smaller of a and b.
func MinUint256(a, b Uint256) Uint256 {
	if a.v.Lt(&b.v) {
		return a
	}
	return b
}

// MaxUint256 returns the larger of a and b.
func MaxUint256(a, b Uint256) Uint256 {
	if a.v.Gt(&b.v) {
		return a
	}
	return b
}

// FitsUint128 reports whether the value can be carried by a 128-bit transfer amount.
func (a Uint256) FitsUint128() bool { return a.v.BitLen() <= 128 }

// ToUint128 returns a unchanged if it fits in 128 bits, ErrUint128Range otherwise.
func (a Uint256) ToUint128() (Uint256, error) {
	if !a.FitsUint128() {
		return Uint256{}, ErrUint128Range
	}
	return a, nil
}

func (a Uint256) String() string { return a.v.Dec() }

func (a Uint256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.Dec() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON integer.
func (a *Uint256) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = Uint256{}
		return nil
	}
	s = strings.Trim(s, `"`)
	parsed, err := ParseUint256(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Uint256) MarshalYAML() (interface{}, error) {
	return a.v.Dec(), nil
}

func (a *Uint256) UnmarshalText(text []byte) error {
	parsed, err := ParseUint256(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Decimal converts to an exact shopspring decimal.
func (a Uint256) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), 0)
}

// FloorDecimal truncates a non-negative decimal toward zero.
func FloorDecimal(d decimal.Decimal) (Uint256, error) {
	if d.IsNegative() {
		return Uint256{}, ErrNegativeValue
	}
	var out Uint256
	if overflow := out.v.SetFromBig(d.Floor().BigInt()); overflow {
		return Uint256{}, ErrOverflow
	}
	return out, nil
}
