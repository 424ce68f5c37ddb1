// Package wad implements the fixed-point integer arithmetic used by the
// credit pool engine.
//
// Every value is an unsigned 256-bit integer. Ratios (exchange rate,
// utilize index, per-tick rates) carry an implicit scale of 1e18. Products
// are computed with a full 512-bit intermediate so x*y/d never overflows
// unless the final quotient does.
//
// Rounding is always explicit: MulDiv floors and MulDivUp rounds up.
// Callers pick the direction that favors the pool.
package wad

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("wad: arithmetic overflow")

	// ErrUnderflow is returned by Sub when y > x.
	ErrUnderflow = errors.New("wad: arithmetic underflow")

	// ErrDivisionByZero is returned when a divisor is zero.
	ErrDivisionByZero = errors.New("wad: division by zero")
)

// Decimals is the number of implied decimal places of a scaled value.
const Decimals int32 = 18

// Scale is 1e18, the fixed-point unit.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

// Max is 2^256-1. Used as the "infinite" health factor and as the
// "repay everything" sentinel.
var Max = new(uint256.Int).SetAllOne()

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// One returns a fresh copy of Scale (1.0 in fixed point).
func One() *uint256.Int {
	return new(uint256.Int).Set(Scale)
}

// New returns a fresh value holding v.
func New(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Clone returns a copy of x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// MulDiv returns floor(x*y/d).
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	if z.Eq(Max) {
		return nil, ErrOverflow
	}
	return z.AddUint64(z, 1), nil
}

// Mul returns x*y.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Add returns x+y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y, failing with ErrUnderflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// SubFloor returns x-y, or zero when y > x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if y.Gt(x) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// ToDecimal renders a scaled value as a decimal, e.g. 1.5e18 → "1.5".
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// FromDecimal converts a human-readable decimal into its scaled integer
// form, truncating digits beyond 18 decimal places. Negative values are
// rejected.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrUnderflow
	}
	scaled := d.Shift(Decimals).Truncate(0)
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Parse reads a base-10 integer string.
func Parse(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}
