// Package fixed provides the exact decimal type used for every quantity, length,
// weight and cost in the ledger. Values carry at most Scale fractional digits and
// at most Precision total digits, matching NUMERIC(18,4) columns.
package fixed

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits every value is exact to.
	Scale int32 = 4
	// Precision is the total number of significant digits allowed.
	Precision int32 = 18
)

var (
	// ErrOverflow indicates a value outside the representable range or one that
	// would need more than Scale fractional digits.
	ErrOverflow = errors.New("fixed: overflow")
	// ErrSyntax indicates malformed decimal input.
	ErrSyntax = errors.New("fixed: invalid decimal syntax")
	// ErrDivisionByZero is returned by MulDivRound for a zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")
)

var (
	limit = decimal.New(1, Precision-Scale)
	unit  = decimal.New(1, -Scale)
)

// Decimal is an exact fixed-point number. The zero value is 0.
type Decimal struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Decimal{}

// Parse converts a plain decimal string such as "12.5" or "-0.0025".
func Parse(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE") {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return check(d)
}

// MustParse is Parse for constants and tests; it panics on error.
func MustParse(s string) Decimal {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromInt converts an integer count.
func FromInt(n int64) Decimal {
	v, err := check(decimal.NewFromInt(n))
	if err != nil {
		panic(err)
	}
	return v
}

func check(d decimal.Decimal) (Decimal, error) {
	if d.Abs().Cmp(limit) >= 0 {
		return Zero, fmt.Errorf("%w: %s out of range", ErrOverflow, d.String())
	}
	if !d.Round(Scale).Equal(d) {
		return Zero, fmt.Errorf("%w: %s needs more than %d fractional digits", ErrOverflow, d.String(), Scale)
	}
	return Decimal{d: d}, nil
}

// Add returns a+b.
func (a Decimal) Add(b Decimal) (Decimal, error) {
	return check(a.d.Add(b.d))
}

// Sub returns a-b.
func (a Decimal) Sub(b Decimal) (Decimal, error) {
	return check(a.d.Sub(b.d))
}

// Mul returns the exact product a*b.
func (a Decimal) Mul(b Decimal) (Decimal, error) {
	return check(a.d.Mul(b.d))
}

// MulInt multiplies by an integer scalar.
func (a Decimal) MulInt(n int64) (Decimal, error) {
	return check(a.d.Mul(decimal.NewFromInt(n)))
}

// MulDivRound computes a*num/den rounded half-to-even at Scale. It is the only
// operation in this package that rounds.
func (a Decimal) MulDivRound(num, den Decimal) (Decimal, error) {
	if den.d.IsZero() {
		return Zero, ErrDivisionByZero
	}
	x := a.d.Mul(num.d)
	q, r := x.QuoRem(den.d, Scale)
	if !r.IsZero() {
		cmp := r.Abs().Mul(decimal.NewFromInt(2)).Cmp(den.d.Abs().Mul(unit))
		odd := q.Shift(Scale).IntPart()%2 != 0
		if cmp > 0 || (cmp == 0 && odd) {
			if x.Sign()*den.d.Sign() < 0 {
				q = q.Sub(unit)
			} else {
				q = q.Add(unit)
			}
		}
	}
	return check(q)
}

// Sum adds all values.
func Sum(values ...Decimal) (Decimal, error) {
	total := Zero
	for _, v := range values {
		next, err := total.Add(v)
		if err != nil {
			return Zero, err
		}
		total = next
	}
	return total, nil
}

// Cmp returns -1, 0 or +1.
func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }

// Equal reports numeric equality regardless of trailing zeros.
func (a Decimal) Equal(b Decimal) bool { return a.d.Equal(b.d) }

// LessThan reports a < b.
func (a Decimal) LessThan(b Decimal) bool { return a.d.LessThan(b.d) }

// GreaterThan reports a > b.
func (a Decimal) GreaterThan(b Decimal) bool { return a.d.GreaterThan(b.d) }

// IsZero reports a == 0.
func (a Decimal) IsZero() bool { return a.d.IsZero() }

// IsPositive reports a > 0.
func (a Decimal) IsPositive() bool { return a.d.IsPositive() }

// IsNegative reports a < 0.
func (a Decimal) IsNegative() bool { return a.d.IsNegative() }

// Sign returns -1, 0 or +1.
func (a Decimal) Sign() int { return a.d.Sign() }

// Neg returns -a. Negation never leaves the range.
func (a Decimal) Neg() Decimal { return Decimal{d: a.d.Neg()} }

// Abs returns |a|.
func (a Decimal) Abs() Decimal { return Decimal{d: a.d.Abs()} }

// IntPart returns the integer part, truncated toward zero.
func (a Decimal) IntPart() int64 { return a.d.IntPart() }

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.d.LessThanOrEqual(b.d) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Decimal) Decimal {
	if a.d.GreaterThanOrEqual(b.d) {
		return a
	}
	return b
}

// String formats without exponent and without trailing zeros.
func (a Decimal) String() string { return a.d.String() }

// StringFixed formats with exactly Scale fractional digits.
func (a Decimal) StringFixed() string { return a.d.StringFixed(Scale) }

// MarshalJSON encodes the value as a JSON string so no consumer parses it as a float.
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.String() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or a bare number token, both parsed exactly.
func (a *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		*a = Zero
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value implements driver.Valuer using the text form, which NUMERIC accepts exactly.
func (a Decimal) Value() (driver.Value, error) {
	return a.d.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Decimal) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		return a.scanString(v)
	case []byte:
		return a.scanString(string(v))
	case int64:
		*a = FromInt(v)
		return nil
	default:
		return fmt.Errorf("fixed: cannot scan %T", src)
	}
}

func (a *Decimal) scanString(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// InexactFloat64 converts for metrics and charts only; ledger math never uses it.
func (a Decimal) InexactFloat64() float64 { return a.d.InexactFloat64() }
