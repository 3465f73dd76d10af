// Package risk gates order requests against static limits before acceptance.
package risk

import (
	"errors"
	"fmt"
)

// ErrRejected matches every risk rejection via errors.Is.
var ErrRejected = errors.New("risk reject")

// Limit names one guard-rail.
type Limit string

const (
	LimitOrderQty      Limit = "max_order_qty"
	LimitOpenPositions Limit = "max_open_positions"
	LimitOrderNotional Limit = "max_order_notional"
)

// RejectError identifies the limit a request exceeded.
type RejectError struct {
	Limit Limit
	Max   float64
	Got   float64
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("risk reject: %s limit %g (got %g)", e.Limit, e.Max, e.Got)
}

// Is lets errors.Is(err, ErrRejected) match any RejectError.
func (e *RejectError) Is(target error) bool { return target == ErrRejected }

// Limits holds the static guard-rails applied to new orders.
type Limits struct {
	MaxOrderQty      float64
	MaxOrderNotional float64
	MaxOpenPositions int
}

// Check evaluates the limits in order; the first violation wins. lastPrice
// is ignored when zero or negative (no price observed yet).
func (l Limits) Check(qty float64, openPositions int, lastPrice float64) error {
	if qty <= 0 || qty > l.MaxOrderQty {
		return &RejectError{Limit: LimitOrderQty, Max: l.MaxOrderQty, Got: qty}
	}
	if openPositions >= l.MaxOpenPositions {
		return &RejectError{Limit: LimitOpenPositions, Max: float64(l.MaxOpenPositions), Got: float64(openPositions)}
	}
	if lastPrice > 0 {
		if notional := lastPrice * qty; !l.Allow(notional) {
			return &RejectError{Limit: LimitOrderNotional, Max: l.MaxOrderNotional, Got: notional}
		}
	}
	return nil
}

// Allow reports whether a single order notional fits under the cap.
func (l Limits) Allow(notional float64) bool {
	return notional <= l.MaxOrderNotional
}
