// Package signal standardizes payloads shared between the market feed, the
// execution engine, and every consumer of the event bus.
package signal

import "time"

// Topic names a stream of events on the bus.
type Topic string

const (
	TopicTick           Topic = "market.tick"
	TopicConnection     Topic = "market.connection"
	TopicOrderAccepted  Topic = "order.accepted"
	TopicOrderFilled    Topic = "order.filled"
	TopicPortfolio      Topic = "portfolio.updated"
	TopicReview         Topic = "review.requested"
	TopicBotState       Topic = "bot.state"
	TopicStrategy       Topic = "strategy.changed"
	TopicMetrics        Topic = "metrics.updated"
	TopicLog            Topic = "log"
	TopicCommandLatency Topic = "command.latency"
)

// Topics lists every topic a payload can be published on.
func Topics() []Topic {
	return []Topic{
		TopicTick,
		TopicConnection,
		TopicOrderAccepted,
		TopicOrderFilled,
		TopicPortfolio,
		TopicReview,
		TopicBotState,
		TopicStrategy,
		TopicMetrics,
		TopicLog,
		TopicCommandLatency,
	}
}

// ParseTopic resolves a topic name, reporting whether it is known.
func ParseTopic(name string) (Topic, bool) {
	for _, t := range Topics() {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// Payload is the closed set of event bodies. The unexported method keeps the
// set sealed to this package so dispatch stays exhaustive.
type Payload interface {
	Topic() Topic
	payload()
}

// Tick models one market price observation for an instrument.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Volume     float64   `json:"volume"`
	TS         time.Time `json:"ts"`
}

// ConnectionState enumerates feed connectivity.
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
	Reconnecting ConnectionState = "reconnecting"
)

// ConnectionEvent reports a feed connectivity transition.
type ConnectionEvent struct {
	Source  string          `json:"source"`
	State   ConnectionState `json:"state"`
	Message string          `json:"message,omitempty"`
	TS      time.Time       `json:"ts"`
}

// BotState reports whether the auto-review generator is running.
type BotState struct {
	Running bool      `json:"running"`
	TS      time.Time `json:"ts"`
}

// StrategyChanged announces the strategy tag applied to new orders.
type StrategyChanged struct {
	Strategy string    `json:"strategy"`
	TS       time.Time `json:"ts"`
}

// MetricsSnapshot is the periodic readout of the metrics aggregator.
type MetricsSnapshot struct {
	TicksPerSec  float64   `json:"ticksPerSec"`
	OrderCreated uint64    `json:"orderCreated"`
	OrderFilled  uint64    `json:"orderFilled"`
	CommandP50Ms float64   `json:"commandP50Ms"`
	CommandP99Ms float64   `json:"commandP99Ms"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CommandLatency is one timing sample of an operator command.
type CommandLatency struct {
	Command string    `json:"command"`
	Ms      float64   `json:"ms"`
	TS      time.Time `json:"ts"`
}

// LogLevel grades operator-facing log lines.
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// LogEvent is a log line meant for the terminal rather than the process log.
type LogEvent struct {
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

func (Tick) Topic() Topic              { return TopicTick }
func (ConnectionEvent) Topic() Topic   { return TopicConnection }
func (OrderReceipt) Topic() Topic      { return TopicOrderAccepted }
func (OrderFill) Topic() Topic         { return TopicOrderFilled }
func (PortfolioSnapshot) Topic() Topic { return TopicPortfolio }
func (ReviewRequest) Topic() Topic     { return TopicReview }
func (BotState) Topic() Topic          { return TopicBotState }
func (StrategyChanged) Topic() Topic   { return TopicStrategy }
func (MetricsSnapshot) Topic() Topic   { return TopicMetrics }
func (LogEvent) Topic() Topic          { return TopicLog }
func (CommandLatency) Topic() Topic    { return TopicCommandLatency }

func (Tick) payload()              {}
func (ConnectionEvent) payload()   {}
func (OrderReceipt) payload()      {}
func (OrderFill) payload()         {}
func (PortfolioSnapshot) payload() {}
func (ReviewRequest) payload()     {}
func (BotState) payload()          {}
func (StrategyChanged) payload()   {}
func (MetricsSnapshot) payload()   {}
func (LogEvent) payload()          {}
func (CommandLatency) payload()    {}

// Envelope frames a payload for line-oriented sinks such as the journal and
// stream clients.
type Envelope struct {
	Event   Topic   `json:"event"`
	TS      int64   `json:"ts"`
	Payload Payload `json:"payload"`
}

// Wrap builds an envelope stamped with ts in Unix milliseconds.
func Wrap(p Payload, ts time.Time) Envelope {
	return Envelope{Event: p.Topic(), TS: ts.UnixMilli(), Payload: p}
}
