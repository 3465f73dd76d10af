package signal

import (
	"fmt"
	"strings"
	"time"
)

// Side enumerates order directions.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that offsets s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown side %q", raw)
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// ParseOrderType accepts "market"/"limit" in any case.
func ParseOrderType(raw string) (OrderType, error) {
	switch OrderType(strings.ToLower(strings.TrimSpace(raw))) {
	case Market:
		return Market, nil
	case Limit:
		return Limit, nil
	}
	return "", fmt.Errorf("unknown order type %q", raw)
}

// OrderSource records who originated an order.
type OrderSource string

const (
	SourceManual         OrderSource = "manual"
	SourceAuto           OrderSource = "auto"
	SourceReviewApproved OrderSource = "review-approved"
)

// OrderStatus tracks a receipt through its lifecycle.
type OrderStatus string

const (
	StatusAccepted  OrderStatus = "accepted"
	StatusRejected  OrderStatus = "rejected"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// OrderRequest is the transient input to the execution engine.
type OrderRequest struct {
	Instrument string      `json:"instrument"`
	Quantity   float64     `json:"quantity"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	LimitPrice *float64    `json:"limitPrice,omitempty"`
	Strategy   string      `json:"strategy,omitempty"`
	Source     OrderSource `json:"source"`
}

// OrderReceipt is created when the engine accepts an order.
type OrderReceipt struct {
	OrderID    string      `json:"orderId"`
	Instrument string      `json:"instrument"`
	Quantity   float64     `json:"quantity"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	Strategy   string      `json:"strategy"`
}

// OrderFill is the simulated execution of an accepted order.
type OrderFill struct {
	OrderID    string    `json:"orderId"`
	Instrument string    `json:"instrument"`
	Quantity   float64   `json:"quantity"`
	Side       Side      `json:"side"`
	FillPrice  float64   `json:"fillPrice"`
	Fee        float64   `json:"fee"`
	LatencyMs  int64     `json:"latencyMs"`
	FilledAt   time.Time `json:"filledAt"`
}

// PositionStatus is open until a closing fill fixes the realized PnL.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is one holding created by a single opening fill. Quantity is
// signed: positive long, negative short.
type Position struct {
	PositionID    string         `json:"positionId"`
	SourceOrderID string         `json:"sourceOrderId"`
	Instrument    string         `json:"instrument"`
	Quantity      float64        `json:"quantity"`
	AvgEntryPrice float64        `json:"avgEntryPrice"`
	MarkPrice     float64        `json:"markPrice"`
	RealizedPnL   float64        `json:"realizedPnl"`
	UnrealizedPnL float64        `json:"unrealizedPnl"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"openedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// PortfolioSnapshot is a derived, point-in-time readout of the account.
type PortfolioSnapshot struct {
	CashBalance   float64    `json:"cashBalance"`
	Equity        float64    `json:"equity"`
	MarginUsed    float64    `json:"marginUsed"`
	RealizedPnL   float64    `json:"realizedPnl"`
	UnrealizedPnL float64    `json:"unrealizedPnl"`
	Positions     []Position `json:"positions"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// OpenPositions filters the snapshot down to open holdings.
func (s PortfolioSnapshot) OpenPositions() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Status == PositionOpen {
			out = append(out, p)
		}
	}
	return out
}

// ReviewRequest is an order proposed by automation awaiting operator approval.
type ReviewRequest struct {
	ID         string       `json:"id"`
	Order      OrderRequest `json:"order"`
	Reason     string       `json:"reason"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"createdAt"`
}
