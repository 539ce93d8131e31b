package finance

import (
	"errors"
	"math"
)

// ErrOverflow is returned by checked credit arithmetic. An operation that
// would wrap fails whole; no budget or meter ever holds a wrapped value.
var ErrOverflow = errors.New("finance: credit arithmetic overflow")

// Credits is a signed amount of mesh credits, the same unit the economic
// ledger escrows and the policy capsule's "$" budget axis is denominated
// in. All arithmetic is checked.
type Credits int64

// Add returns c+other, or ErrOverflow.
func (c Credits) Add(other Credits) (Credits, error) {
	if other > 0 && c > math.MaxInt64-other {
		return 0, ErrOverflow
	}
	if other < 0 && c < math.MinInt64-other {
		return 0, ErrOverflow
	}
	return c + other, nil
}

// Sub returns c-other, or ErrOverflow.
func (c Credits) Sub(other Credits) (Credits, error) {
	if other == math.MinInt64 {
		return 0, ErrOverflow
	}
	return c.Add(-other)
}

func (c Credits) IsZero() bool     { return c == 0 }
func (c Credits) IsPositive() bool { return c > 0 }
func (c Credits) IsNegative() bool { return c < 0 }

// checkedAdd is the int64 form used by the budget meters.
func checkedAdd(a, b int64) (int64, error) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}
