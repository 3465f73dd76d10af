// Package execution handles order lifecycle and simulated interaction with a venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/debounce"
	"hftsim-go/internal/metrics"
	"hftsim-go/internal/paper"
	"hftsim-go/internal/risk"
	"hftsim-go/internal/signal"
)

var (
	// ErrPositionNotFound is returned when closing an order with no open position.
	ErrPositionNotFound = errors.New("no open position")
	// ErrClosePending is returned when a close for the position is already in flight.
	ErrClosePending = errors.New("close already pending")
	// ErrInvalidOrder is returned for malformed requests.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNotRunning is returned for order flow before Start or after Stop.
	ErrNotRunning = errors.New("engine not running")
)

const (
	slippageFactor = 0.0006
	feeRate        = 0.0005
	minFee         = 0.1
	autoReason     = "Auto signal requires review"
)

// Config tunes the simulated engine.
type Config struct {
	InitialCash       float64
	DefaultStrategy   string
	Limits            risk.Limits
	MinLatency        time.Duration
	MaxLatency        time.Duration
	ReviewInterval    time.Duration
	PortfolioDebounce time.Duration
	Seed              int64
}

func (c *Config) defaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = "mean-reversion"
	}
	if c.MaxLatency <= 0 {
		c.MinLatency, c.MaxLatency = 10*time.Millisecond, 50*time.Millisecond
	}
	if c.MinLatency > c.MaxLatency {
		c.MinLatency = c.MaxLatency
	}
	if c.ReviewInterval <= 0 {
		c.ReviewInterval = 2500 * time.Millisecond
	}
	if c.PortfolioDebounce <= 0 {
		c.PortfolioDebounce = 75 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

// Engine accepts orders, simulates their fills, and keeps the paper account
// marked to the latest ticks. It publishes receipts, fills, portfolio
// snapshots, review requests, bot state and strategy changes on the bus.
type Engine struct {
	log     zerolog.Logger
	bus     *bus.Bus
	clock   clock.Clock
	cfg     Config
	account *paper.Account
	ledger  *paper.Ledger

	portfolio *debounce.Coalescer

	mu           sync.Mutex
	rng          *rand.Rand
	running      bool
	tickSub      *bus.Subscription
	lastPrices   map[string]float64
	receipts     map[string]signal.OrderReceipt
	pendingClose map[string]string
	closing      map[string]string
	strategy     string
	botStop      chan struct{}
	botDone      chan struct{}
}

// New builds an engine. A nil clock uses wall time.
func New(b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg Config) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	cfg.defaults()
	e := &Engine{
		log:          log.With().Str("component", "execution").Logger(),
		bus:          b,
		clock:        clk,
		cfg:          cfg,
		account:      paper.NewAccount(cfg.InitialCash),
		ledger:       paper.NewLedger(256),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		lastPrices:   make(map[string]float64),
		receipts:     make(map[string]signal.OrderReceipt),
		pendingClose: make(map[string]string),
		closing:      make(map[string]string),
		strategy:     cfg.DefaultStrategy,
	}
	e.portfolio = debounce.New(clk, cfg.PortfolioDebounce, e.publishPortfolio)
	return e
}

// Start subscribes to ticks and announces the initial strategy and portfolio.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	sub, err := bus.On(e.bus, e.onTick)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("subscribe ticks: %w", err)
	}
	e.tickSub = sub
	e.running = true
	strategy := e.strategy
	e.mu.Unlock()

	now := e.clock.Now()
	e.bus.Publish(signal.StrategyChanged{Strategy: strategy, TS: now})
	e.publishPortfolio()
	e.emitLog(signal.LevelInfo, fmt.Sprintf("Trade engine started (%s)", strategy))
	return nil
}

// Stop detaches from ticks, drops any pending portfolio publish and stops the bot.
// Fills already scheduled still complete.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	sub := e.tickSub
	e.tickSub = nil
	e.mu.Unlock()

	sub.Unsubscribe()
	e.portfolio.Cancel()
	e.SetBotRunning(false)
	return nil
}

// OpenTrade runs the risk gate synchronously and schedules the fill.
func (e *Engine) OpenTrade(req signal.OrderRequest) (signal.OrderReceipt, error) {
	if err := validate(req); err != nil {
		return signal.OrderReceipt{}, err
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return signal.OrderReceipt{}, ErrNotRunning
	}
	if err := e.cfg.Limits.Check(req.Quantity, e.account.OpenCount(), e.lastPrices[req.Instrument]); err != nil {
		e.mu.Unlock()
		return signal.OrderReceipt{}, err
	}
	receipt := e.acceptLocked(req)
	e.mu.Unlock()

	e.bus.Publish(receipt)
	return receipt, nil
}

// CloseTrade issues an opposite-side market order for the full size of the
// open position created by orderID. The lookup runs under e.mu so it cannot
// interleave with a close fill releasing its guard.
func (e *Engine) CloseTrade(orderID string) (signal.OrderReceipt, error) {
	e.mu.Lock()
	pos, ok := e.account.OpenBySourceOrder(orderID)
	if !ok {
		e.mu.Unlock()
		return signal.OrderReceipt{}, fmt.Errorf("%w for order %s", ErrPositionNotFound, orderID)
	}
	if !e.running {
		e.mu.Unlock()
		return signal.OrderReceipt{}, ErrNotRunning
	}
	if pending, busy := e.closing[pos.PositionID]; busy {
		e.mu.Unlock()
		return signal.OrderReceipt{}, fmt.Errorf("%w: position %s via order %s", ErrClosePending, pos.PositionID, pending)
	}
	opened := signal.Buy
	if pos.Quantity < 0 {
		opened = signal.Sell
	}
	receipt := e.acceptLocked(signal.OrderRequest{
		Instrument: pos.Instrument,
		Quantity:   math.Abs(pos.Quantity),
		Side:       opened.Opposite(),
		Type:       signal.Market,
		Strategy:   e.strategy,
		Source:     signal.SourceManual,
	})
	e.pendingClose[receipt.OrderID] = pos.PositionID
	e.closing[pos.PositionID] = receipt.OrderID
	e.mu.Unlock()

	e.bus.Publish(receipt)
	return receipt, nil
}

// SetBotRunning toggles the periodic auto-review generator.
func (e *Engine) SetBotRunning(running bool) {
	if running {
		e.startBot()
		return
	}
	e.stopBot()
}

// BotRunning reports whether the auto-review generator is active.
func (e *Engine) BotRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.botStop != nil
}

// SwitchStrategy changes the tag applied to subsequently opened orders.
func (e *Engine) SwitchStrategy(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = e.cfg.DefaultStrategy
	}
	e.mu.Lock()
	e.strategy = name
	e.mu.Unlock()

	e.bus.Publish(signal.StrategyChanged{Strategy: name, TS: e.clock.Now()})
	e.emitLog(signal.LevelInfo, "Strategy switched to "+name)
}

// Strategy returns the active strategy tag.
func (e *Engine) Strategy() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// RequestReview publishes a review item for order. It never places the order;
// approval must call OpenTrade with source review-approved.
func (e *Engine) RequestReview(order signal.OrderRequest, reason string) signal.ReviewRequest {
	e.mu.Lock()
	confidence := 0.4 + e.rng.Float64()*0.59
	e.mu.Unlock()

	req := signal.ReviewRequest{
		ID:         "rev_" + uuid.NewString(),
		Order:      order,
		Reason:     reason,
		Confidence: confidence,
		CreatedAt:  e.clock.Now(),
	}
	e.bus.Publish(req)
	return req
}

// PortfolioSnapshot recomputes the portfolio without side effects.
func (e *Engine) PortfolioSnapshot() signal.PortfolioSnapshot {
	return e.account.Snapshot(e.clock.Now())
}

// Receipt returns the latest known state of an accepted order.
func (e *Engine) Receipt(orderID string) (signal.OrderReceipt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.receipts[orderID]
	return r, ok
}

// LastPrice returns the last observed price for instrument.
func (e *Engine) LastPrice(instrument string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	px, ok := e.lastPrices[instrument]
	return px, ok
}

// acceptLocked creates the receipt and schedules the fill. Callers hold e.mu.
func (e *Engine) acceptLocked(req signal.OrderRequest) signal.OrderReceipt {
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.strategy
	}
	receipt := signal.OrderReceipt{
		OrderID:    "ord_" + uuid.NewString(),
		Instrument: req.Instrument,
		Quantity:   req.Quantity,
		Side:       req.Side,
		Type:       req.Type,
		Status:     signal.StatusAccepted,
		CreatedAt:  e.clock.Now(),
		Strategy:   strategy,
	}
	e.receipts[receipt.OrderID] = receipt

	latency := e.cfg.MinLatency
	if span := int64(e.cfg.MaxLatency - e.cfg.MinLatency); span > 0 {
		latency += time.Duration(e.rng.Int63n(span/int64(time.Millisecond)+1)) * time.Millisecond
	}
	e.clock.AfterFunc(latency, func() { e.fill(req, receipt, latency) })

	metrics.OrdersTotal.WithLabelValues(req.Instrument, string(req.Side)).Inc()
	e.log.Info().
		Str("order_id", receipt.OrderID).
		Str("instrument", req.Instrument).
		Str("side", string(req.Side)).
		Float64("qty", req.Quantity).
		Str("source", string(req.Source)).
		Dur("latency", latency).
		Msg("order accepted")
	return receipt
}

func (e *Engine) fill(req signal.OrderRequest, receipt signal.OrderReceipt, latency time.Duration) {
	e.mu.Lock()
	mark, known := e.lastPrices[req.Instrument]
	if !known {
		mark = 100 + e.rng.Float64()*1000
	}
	price := mark * (1 + (e.rng.Float64()-0.5)*slippageFactor)
	if req.Type == signal.Limit && req.LimitPrice != nil && *req.LimitPrice > 0 {
		price = *req.LimitPrice
	}
	closePositionID := e.pendingClose[receipt.OrderID]
	delete(e.pendingClose, receipt.OrderID)
	e.mu.Unlock()
	if closePositionID != "" {
		// the guard outlives ApplyFill so a second close sees the position closed
		defer func() {
			e.mu.Lock()
			delete(e.closing, closePositionID)
			e.mu.Unlock()
		}()
	}

	fill := signal.OrderFill{
		OrderID:    receipt.OrderID,
		Instrument: req.Instrument,
		Quantity:   req.Quantity,
		Side:       req.Side,
		FillPrice:  price,
		Fee:        math.Max(minFee, req.Quantity*price*feeRate),
		LatencyMs:  latency.Milliseconds(),
		FilledAt:   e.clock.Now(),
	}

	if err := e.ledger.Record(fill); err != nil {
		e.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("duplicate fill suppressed")
		return
	}
	pos, err := e.account.ApplyFill(fill, closePositionID)
	if err != nil {
		e.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("apply fill")
		return
	}

	e.mu.Lock()
	receipt.Status = signal.StatusFilled
	e.receipts[receipt.OrderID] = receipt
	e.mu.Unlock()

	e.log.Info().
		Str("order_id", fill.OrderID).
		Str("position_id", pos.PositionID).
		Str("position_status", string(pos.Status)).
		Float64("px", fill.FillPrice).
		Float64("fee", fill.Fee).
		Msg("order filled")

	e.bus.Publish(fill)
	e.publishPortfolio()
}

// onTick holds e.mu across Trigger so Stop's Cancel always lands after it.
func (e *Engine) onTick(tick signal.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.lastPrices[tick.Instrument] = tick.Price
	if e.account.Mark(tick.Instrument, tick.Price, tick.TS) {
		e.portfolio.Trigger()
	}
}

func (e *Engine) publishPortfolio() {
	e.bus.Publish(e.PortfolioSnapshot())
}

func (e *Engine) startBot() {
	e.mu.Lock()
	if e.botStop != nil {
		e.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	e.botStop, e.botDone = stop, done
	ticker := e.clock.Ticker(e.cfg.ReviewInterval)
	e.mu.Unlock()

	go e.runBot(ticker, stop, done)
	e.bus.Publish(signal.BotState{Running: true, TS: e.clock.Now()})
	e.emitLog(signal.LevelInfo, "Bot started")
}

func (e *Engine) stopBot() {
	e.mu.Lock()
	stop, done := e.botStop, e.botDone
	e.botStop, e.botDone = nil, nil
	e.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	e.bus.Publish(signal.BotState{Running: false, TS: e.clock.Now()})
	e.emitLog(signal.LevelInfo, "Bot stopped")
}

func (e *Engine) runBot(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			if order, ok := e.autoOrder(); ok {
				e.RequestReview(order, autoReason)
			}
		}
	}
}

// autoOrder proposes a small random order on an instrument with a known price.
func (e *Engine) autoOrder() (signal.OrderRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.lastPrices) == 0 {
		return signal.OrderRequest{}, false
	}
	instruments := make([]string, 0, len(e.lastPrices))
	for inst := range e.lastPrices {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	side := signal.Sell
	if e.rng.Float64() > 0.5 {
		side = signal.Buy
	}
	qty := decimal.NewFromFloat(0.01 + e.rng.Float64()*0.09).Round(4).InexactFloat64()
	return signal.OrderRequest{
		Instrument: instruments[e.rng.Intn(len(instruments))],
		Quantity:   qty,
		Side:       side,
		Type:       signal.Market,
		Strategy:   e.strategy,
		Source:     signal.SourceAuto,
	}, true
}

func (e *Engine) emitLog(level signal.LogLevel, msg string) {
	e.bus.Publish(signal.LogEvent{Level: level, Message: msg, TS: e.clock.Now()})
}

func validate(req signal.OrderRequest) error {
	if strings.TrimSpace(req.Instrument) == "" {
		return fmt.Errorf("%w: instrument required", ErrInvalidOrder)
	}
	if req.Side != signal.Buy && req.Side != signal.Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	if req.Type != signal.Market && req.Type != signal.Limit {
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, req.Type)
	}
	if req.LimitPrice != nil && *req.LimitPrice <= 0 {
		return fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return nil
}
