// Package finance provides checked fixed-width amounts for budget accounting.
package finance

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/INFIxChatnify/reimbursement-contract-sub003/pkg/fault"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is a non-negative quantity of the asset's minor units.
// All arithmetic is checked; overflow and underflow surface as
// fault.ErrArithmetic instead of wrapping.
type Amount struct {
	v uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// NewAmount creates an Amount from minor units.
func NewAmount(minor uint64) Amount {
	var a Amount
	a.v.SetUint64(minor)
	return a
}

// ParseAmount parses a base-10 integer of minor units.
func ParseAmount(s string) (Amount, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fault.Newf(fault.ErrInvalidArgument, "amount %q: %v", s, err)
	}
	return Amount{v: *v}, nil
}

// MustParse is ParseAmount for constants; it panics on malformed input.
func MustParse(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseUnits parses a human decimal such as "1.5" scaled by decimals.
func ParseUnits(s string, decimals int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fault.Newf(fault.ErrInvalidArgument, "amount %q: %v", s, err)
	}
	if d.IsNegative() {
		return Amount{}, fault.Newf(fault.ErrInvalidArgument, "amount %q is negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Amount{}, fault.Newf(fault.ErrInvalidArgument, "amount %q exceeds %d decimals", s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return Amount{}, fault.Newf(fault.ErrArithmetic, "amount %q overflows", s)
	}
	return Amount{v: *v}, nil
}

// Format renders a as a decimal string with the given number of decimals.
func Format(a Amount, decimals int32) string {
	return decimal.NewFromBigInt(a.v.ToBig(), -decimals).String()
}

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, fault.Newf(fault.ErrArithmetic, "%s + %s overflows", a, b)
	}
	return out, nil
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, fault.Newf(fault.ErrArithmetic, "%s - %s underflows", a, b)
	}
	return out, nil
}

// MulUint64 returns a*n.
func (a Amount) MulUint64(n uint64) (Amount, error) {
	var out Amount
	if _, overflow := out.v.MulOverflow(&a.v, uint256.NewInt(n)); overflow {
		return Amount{}, fault.Newf(fault.ErrArithmetic, "%s * %d overflows", a, n)
	}
	return out, nil
}

// Sum adds all amounts.
func Sum(amounts ...Amount) (Amount, error) {
	total := Zero()
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// Uint64 returns the low 64 bits and whether the value fit.
func (a Amount) Uint64() (uint64, bool) { return a.v.Uint64(), a.v.IsUint64() }

// Big returns a copy as a big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Bytes32 returns the big-endian 32-byte encoding.
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

func (a Amount) String() string { return a.v.Dec() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers from hand-written clients.
		s = string(data)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value stores the amount as decimal text.
func (a Amount) Value() (driver.Value, error) {
	return a.v.Dec(), nil
}

// Scan reads decimal text or an integer column.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseAmount(v)
		if err != nil {
			return err
		}
		*a = parsed
	case []byte:
		parsed, err := ParseAmount(string(v))
		if err != nil {
			return err
		}
		*a = parsed
	case int64:
		if v < 0 {
			return fmt.Errorf("finance: negative amount %d", v)
		}
		*a = NewAmount(uint64(v))
	case nil:
		*a = Zero()
	default:
		return fmt.Errorf("finance: cannot scan %T into Amount", src)
	}
	return nil
}
