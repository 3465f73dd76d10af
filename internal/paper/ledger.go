package paper

import (
	"fmt"
	"sync"

	"hftsim-go/internal/signal"
)

// Ledger stores paper fills in memory and enforces one fill per order.
type Ledger struct {
	mu      sync.Mutex
	fills   []signal.OrderFill
	byOrder map[string]int
}

// NewLedger creates an empty ledger optionally pre-sizing storage.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{
		fills:   make([]signal.OrderFill, 0, capacity),
		byOrder: make(map[string]int, capacity),
	}
}

// Record appends a fill. A second fill for the same order is refused.
func (l *Ledger) Record(fill signal.OrderFill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byOrder[fill.OrderID]; dup {
		return fmt.Errorf("order %s already filled", fill.OrderID)
	}
	l.byOrder[fill.OrderID] = len(l.fills)
	l.fills = append(l.fills, fill)
	return nil
}

// Fill looks up the fill recorded for orderID.
func (l *Ledger) Fill(orderID string) (signal.OrderFill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byOrder[orderID]
	if !ok {
		return signal.OrderFill{}, false
	}
	return l.fills[idx], true
}

// Len returns the number of recorded fills.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fills)
}

// Snapshot returns a copy of the recorded fills.
func (l *Ledger) Snapshot() []signal.OrderFill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]signal.OrderFill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Reset clears all stored fills.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.byOrder = make(map[string]int)
	l.mu.Unlock()
}
