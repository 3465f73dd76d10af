package api

import "hftsim-go/internal/signal"

// OpenTradeRequest is the payload for POST /api/v1/trades.
type OpenTradeRequest struct {
	Instrument string   `json:"instrument"`
	Quantity   float64  `json:"quantity"`
	Side       string   `json:"side"`
	Type       string   `json:"type"`
	LimitPrice *float64 `json:"limitPrice,omitempty"`
}

// BotRequest is the payload for POST /api/v1/bot.
type BotRequest struct {
	Running bool `json:"running"`
}

// StrategyRequest is the payload for POST /api/v1/strategy.
type StrategyRequest struct {
	Name string `json:"name"`
}

// ReviewBody is the payload for POST /api/v1/reviews.
type ReviewBody struct {
	Instrument string  `json:"instrument"`
	Quantity   float64 `json:"quantity"`
	Side       string  `json:"side"`
	Reason     string  `json:"reason,omitempty"`
}

// CommandRequest carries a raw palette line for POST /api/v1/commands.
type CommandRequest struct {
	Line string `json:"line"`
}

// ReviewsResponse lists pending reviews; the first entry is the active one.
type ReviewsResponse struct {
	Pending []signal.ReviewRequest `json:"pending"`
}

// SubscribeRequest is sent by stream clients to change their topic set.
type SubscribeRequest struct {
	Op     string   `json:"op"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
