// Package command parses operator commands and drives the execution engine.
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/review"
	"hftsim-go/internal/signal"
)

var (
	ErrEmptyCommand    = errors.New("empty command")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrNoReview        = errors.New("no pending review")
	ErrNoOpenOrder     = errors.New("no open order id available to close")
	ErrInvalidArgument = errors.New("invalid argument")
)

const (
	defaultInstrument = "BTCUSD"
	defaultQuantity   = 0.01
	manualReason      = "Manual review command"
)

// Trader is the command surface of the execution engine.
type Trader interface {
	OpenTrade(req signal.OrderRequest) (signal.OrderReceipt, error)
	CloseTrade(orderID string) (signal.OrderReceipt, error)
	SetBotRunning(running bool)
	SwitchStrategy(name string)
	Strategy() string
	RequestReview(order signal.OrderRequest, reason string) signal.ReviewRequest
	PortfolioSnapshot() signal.PortfolioSnapshot
}

// Result describes what a command did.
type Result struct {
	Command   string                    `json:"command"`
	Message   string                    `json:"message,omitempty"`
	Receipt   *signal.OrderReceipt      `json:"receipt,omitempty"`
	Review    *signal.ReviewRequest     `json:"review,omitempty"`
	Portfolio *signal.PortfolioSnapshot `json:"portfolio,omitempty"`
}

// Dispatcher executes palette commands against a Trader and tracks pending reviews.
type Dispatcher struct {
	log    zerolog.Logger
	bus    *bus.Bus
	clock  clock.Clock
	trader Trader
	queue  *review.Queue
	sub    *bus.Subscription
}

// New builds a dispatcher. A nil clock uses wall time and a nil queue gets a fresh one.
func New(b *bus.Bus, log zerolog.Logger, clk clock.Clock, trader Trader, queue *review.Queue) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if queue == nil {
		queue = review.NewQueue()
	}
	return &Dispatcher{
		log:    log.With().Str("component", "command").Logger(),
		bus:    b,
		clock:  clk,
		trader: trader,
		queue:  queue,
	}
}

// Start queues every published review request.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.sub != nil {
		return nil
	}
	sub, err := bus.On(d.bus, d.queue.Push)
	if err != nil {
		return fmt.Errorf("subscribe reviews: %w", err)
	}
	d.sub = sub
	return nil
}

// Stop detaches from the review topic.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
	return nil
}

// Reviews exposes the pending review queue.
func (d *Dispatcher) Reviews() *review.Queue { return d.queue }

// Execute runs one command line such as "/open BTCUSD 0.5 limit sell 64000".
// Every call publishes a latency sample; failures also publish an operator log line.
func (d *Dispatcher) Execute(line string) (res Result, err error) {
	started := d.clock.Now()
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}, ErrEmptyCommand
	}
	res.Command = line

	defer func() {
		ms := float64(d.clock.Since(started)) / float64(time.Millisecond)
		d.bus.Publish(signal.CommandLatency{Command: line, Ms: ms, TS: d.clock.Now()})
		if err == nil {
			return
		}
		level := signal.LevelError
		if errors.Is(err, ErrUnknownCommand) {
			level = signal.LevelWarn
		}
		d.emit(level, err.Error())
		d.log.Debug().Err(err).Str("command", line).Msg("command failed")
	}()

	args := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(args) == 0 {
		return res, ErrEmptyCommand
	}
	action, args := strings.ToLower(args[0]), args[1:]

	switch action {
	case "open":
		req, perr := parseOpen(args, d.trader.Strategy())
		if perr != nil {
			return res, perr
		}
		receipt, oerr := d.trader.OpenTrade(req)
		if oerr != nil {
			return res, oerr
		}
		res.Receipt = &receipt
		res.Message = fmt.Sprintf("Order %s accepted: %s %g %s", receipt.OrderID, receipt.Side, receipt.Quantity, receipt.Instrument)

	case "close":
		orderID := arg(args, 0, "")
		if orderID == "" {
			open := d.trader.PortfolioSnapshot().OpenPositions()
			if len(open) == 0 {
				return res, ErrNoOpenOrder
			}
			orderID = open[0].SourceOrderID
		}
		receipt, cerr := d.trader.CloseTrade(orderID)
		if cerr != nil {
			return res, cerr
		}
		res.Receipt = &receipt
		res.Message = fmt.Sprintf("Closing %s via %s", orderID, receipt.OrderID)

	case "portfolio":
		snap := d.trader.PortfolioSnapshot()
		res.Portfolio = &snap
		res.Message = fmt.Sprintf("Portfolio cash=%.2f eq=%.2f uPnL=%.2f", snap.CashBalance, snap.Equity, snap.UnrealizedPnL)
		d.emit(signal.LevelInfo, res.Message)

	case "start-bot":
		d.trader.SetBotRunning(true)
		res.Message = "Bot running"

	case "stop-bot":
		d.trader.SetBotRunning(false)
		res.Message = "Bot stopped"

	case "switch-strategy":
		name := arg(args, 0, "mean-reversion")
		d.trader.SwitchStrategy(name)
		res.Message = "Strategy " + name

	case "review":
		req, perr := parseReview(args, d.trader.Strategy())
		if perr != nil {
			return res, perr
		}
		rv := d.trader.RequestReview(req, manualReason)
		res.Review = &rv
		res.Message = "Review requested " + rv.ID

	case "approve":
		receipt, aerr := d.Approve()
		if aerr != nil {
			return res, aerr
		}
		res.Receipt = &receipt
		res.Message = "Approved as " + receipt.OrderID

	case "reject":
		rv, rerr := d.Reject()
		if rerr != nil {
			return res, rerr
		}
		res.Review = &rv
		res.Message = "Rejected " + rv.ID

	default:
		return res, fmt.Errorf("%w: %s", ErrUnknownCommand, line)
	}
	return res, nil
}

// Approve removes the active review and places its order with source review-approved.
func (d *Dispatcher) Approve() (signal.OrderReceipt, error) {
	rv, ok := d.queue.Pop()
	if !ok {
		return signal.OrderReceipt{}, ErrNoReview
	}
	order := rv.Order
	order.Source = signal.SourceReviewApproved
	receipt, err := d.trader.OpenTrade(order)
	if err != nil {
		return signal.OrderReceipt{}, fmt.Errorf("approve %s: %w", rv.ID, err)
	}
	d.emit(signal.LevelInfo, "Review approved "+rv.ID)
	return receipt, nil
}

// Reject drops the active review.
func (d *Dispatcher) Reject() (signal.ReviewRequest, error) {
	rv, ok := d.queue.Pop()
	if !ok {
		return signal.ReviewRequest{}, ErrNoReview
	}
	d.emit(signal.LevelWarn, "Review rejected "+rv.ID)
	return rv, nil
}

func (d *Dispatcher) emit(level signal.LogLevel, msg string) {
	d.bus.Publish(signal.LogEvent{Level: level, Message: msg, TS: d.clock.Now()})
}

func parseOpen(args []string, strategy string) (signal.OrderRequest, error) {
	qty, err := parseQuantity(arg(args, 1, ""))
	if err != nil {
		return signal.OrderRequest{}, err
	}
	typ, err := signal.ParseOrderType(arg(args, 2, string(signal.Market)))
	if err != nil {
		return signal.OrderRequest{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	side, err := signal.ParseSide(arg(args, 3, string(signal.Buy)))
	if err != nil {
		return signal.OrderRequest{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	req := signal.OrderRequest{
		Instrument: strings.ToUpper(arg(args, 0, defaultInstrument)),
		Quantity:   qty,
		Side:       side,
		Type:       typ,
		Strategy:   strategy,
		Source:     signal.SourceManual,
	}
	if raw := arg(args, 4, ""); raw != "" {
		px, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return signal.OrderRequest{}, fmt.Errorf("%w: invalid limit price %q", ErrInvalidArgument, raw)
		}
		req.LimitPrice = &px
	}
	return req, nil
}

func parseReview(args []string, strategy string) (signal.OrderRequest, error) {
	qty, err := parseQuantity(arg(args, 1, ""))
	if err != nil {
		return signal.OrderRequest{}, err
	}
	side, err := signal.ParseSide(arg(args, 2, string(signal.Buy)))
	if err != nil {
		return signal.OrderRequest{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return signal.OrderRequest{
		Instrument: strings.ToUpper(arg(args, 0, defaultInstrument)),
		Quantity:   qty,
		Side:       side,
		Type:       signal.Market,
		Strategy:   strategy,
		Source:     signal.SourceAuto,
	}, nil
}

func parseQuantity(raw string) (float64, error) {
	if raw == "" {
		return defaultQuantity, nil
	}
	qty, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid quantity %q", ErrInvalidArgument, raw)
	}
	return qty, nil
}

func arg(args []string, i int, fallback string) string {
	if i < len(args) {
		return args[i]
	}
	return fallback
}
