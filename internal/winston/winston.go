// Package winston implements the arbitrary-precision integer amount type
// used for Winston-denominated balances, reservations and bundle costs.
package winston

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// Amount is a non-negative-or-signed integer count of Winston (1e-12 AR),
// backed by big.Int since totals routinely exceed the range of int64.
type Amount struct {
	v *big.Int
}

// Zero returns the zero Winston amount.
func Zero() Amount {
	return Amount{v: big.NewInt(0)}
}

// FromInt64 builds an Amount from a fixed-width integer.
func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// FromString parses a base-10 integer string into an Amount.
func FromString(s string) (Amount, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("winston: invalid amount %q", s)
	}
	return Amount{v: v}, nil
}

// FromBigInt builds an Amount from a big.Int, copying it so later mutation
// of the caller's value can't alias the Amount.
func FromBigInt(v *big.Int) Amount {
	if v == nil {
		return Zero()
	}
	return Amount{v: new(big.Int).Set(v)}
}

func (a Amount) bigOrZero() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.bigOrZero(), b.bigOrZero())}
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: new(big.Int).Sub(a.bigOrZero(), b.bigOrZero())}
}

// Cmp compares a to b the way big.Int.Cmp does (-1, 0, 1).
func (a Amount) Cmp(b Amount) int {
	return a.bigOrZero().Cmp(b.bigOrZero())
}

// IsNegative reports whether the amount is strictly below zero.
func (a Amount) IsNegative() bool {
	return a.bigOrZero().Sign() < 0
}

// String renders the amount as a base-10 integer string.
func (a Amount) String() string {
	return a.bigOrZero().String()
}

// BigInt returns a copy of the underlying big.Int.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.bigOrZero())
}

// MarshalJSON encodes the amount as a quoted decimal string, matching the
// usdc.MicroUSDC wire convention so large balances never round-trip through
// a float64.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*a = Zero()
		return nil
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer, persisting Winston amounts as Postgres
// numeric text so precision is never lost crossing the wire.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner, accepting the column shapes Postgres numeric
// and bigint drivers hand back.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Zero()
		return nil
	case int64:
		*a = FromInt64(v)
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("winston: cannot scan %T into Amount", src)
	}
}
