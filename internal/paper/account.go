package paper

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"hftsim-go/internal/signal"
)

// marginRate is the fraction of open exposure reported as margin used.
const marginRate = 0.1

var errBadFill = errors.New("fill must have positive quantity and price")

// ErrPositionNotOpen is returned when a closing fill names a position that is
// unknown or already closed. The fill is not booked.
var ErrPositionNotOpen = errors.New("position not open")

// Account tracks virtual cash, realized PnL, and positions while trading in
// paper mode. Every opening fill creates its own position; a closing fill
// closes exactly one.
type Account struct {
	mu           sync.Mutex
	startingCash float64
	cash         float64
	realizedPnL  float64
	positions    map[string]*signal.Position
	order        []string
}

// NewAccount constructs an account populated with starting cash.
func NewAccount(startingCash float64) *Account {
	return &Account{
		startingCash: startingCash,
		cash:         startingCash,
		positions:    make(map[string]*signal.Position),
	}
}

// StartingCash returns the initial bankroll.
func (a *Account) StartingCash() float64 { return a.startingCash }

// ApplyFill books a fill: cash first, then the position. When
// closePositionID names an open position it is closed at the fill price;
// otherwise a new position is opened. A closing fill never opens a position.
// The touched position is returned.
func (a *Account) ApplyFill(fill signal.OrderFill, closePositionID string) (signal.Position, error) {
	if fill.Quantity <= 0 || fill.FillPrice <= 0 {
		return signal.Position{}, errBadFill
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var closing *signal.Position
	if closePositionID != "" {
		p, ok := a.positions[closePositionID]
		if !ok || p.Status != signal.PositionOpen {
			return signal.Position{}, fmt.Errorf("%w: %s", ErrPositionNotOpen, closePositionID)
		}
		closing = p
	}

	gross := fill.Quantity * fill.FillPrice
	switch fill.Side {
	case signal.Buy:
		a.cash -= gross + fill.Fee
	case signal.Sell:
		a.cash += gross - fill.Fee
	default:
		return signal.Position{}, errors.New("unknown order side")
	}

	if p := closing; p != nil {
		pnl := (fill.FillPrice-p.AvgEntryPrice)*p.Quantity - fill.Fee
		p.RealizedPnL += pnl
		p.UnrealizedPnL = 0
		p.MarkPrice = fill.FillPrice
		p.Status = signal.PositionClosed
		p.UpdatedAt = fill.FilledAt
		a.realizedPnL += pnl
		return *p, nil
	}

	qty := fill.Quantity
	if fill.Side == signal.Sell {
		qty = -qty
	}
	p := &signal.Position{
		PositionID:    "pos_" + uuid.NewString(),
		SourceOrderID: fill.OrderID,
		Instrument:    fill.Instrument,
		Quantity:      qty,
		AvgEntryPrice: fill.FillPrice,
		MarkPrice:     fill.FillPrice,
		Status:        signal.PositionOpen,
		OpenedAt:      fill.FilledAt,
		UpdatedAt:     fill.FilledAt,
	}
	a.positions[p.PositionID] = p
	a.order = append(a.order, p.PositionID)
	return *p, nil
}

// Mark revalues every open position on instrument and reports whether any changed.
func (a *Account) Mark(instrument string, price float64, ts time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	dirty := false
	for _, id := range a.order {
		p := a.positions[id]
		if p.Status != signal.PositionOpen || p.Instrument != instrument {
			continue
		}
		p.MarkPrice = price
		p.UnrealizedPnL = (price - p.AvgEntryPrice) * p.Quantity
		p.UpdatedAt = ts
		dirty = true
	}
	return dirty
}

// OpenCount returns how many positions are currently open.
func (a *Account) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.positions {
		if p.Status == signal.PositionOpen {
			n++
		}
	}
	return n
}

// OpenBySourceOrder finds the open position created by orderID.
func (a *Account) OpenBySourceOrder(orderID string) (signal.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.order {
		p := a.positions[id]
		if p.Status == signal.PositionOpen && p.SourceOrderID == orderID {
			return *p, true
		}
	}
	return signal.Position{}, false
}

// Position returns a copy of the position with the given id.
func (a *Account) Position(id string) (signal.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[id]
	if !ok {
		return signal.Position{}, false
	}
	return *p, true
}

// AvailableCash reports the current cash balance.
func (a *Account) AvailableCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}

// Snapshot derives a portfolio readout; positions are returned in opening order.
func (a *Account) Snapshot(now time.Time) signal.PortfolioSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make([]signal.Position, 0, len(a.order))
	var unrealized, margin float64
	for _, id := range a.order {
		p := a.positions[id]
		positions = append(positions, *p)
		if p.Status != signal.PositionOpen {
			continue
		}
		unrealized += p.UnrealizedPnL
		margin += math.Abs(p.Quantity*p.MarkPrice) * marginRate
	}

	return signal.PortfolioSnapshot{
		CashBalance:   a.cash,
		Equity:        a.cash + unrealized,
		MarginUsed:    margin,
		RealizedPnL:   a.realizedPnL,
		UnrealizedPnL: unrealized,
		Positions:     positions,
		UpdatedAt:     now,
	}
}
