package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/risk"
	"hftsim-go/internal/signal"
)

type fakeTrader struct {
	bus *bus.Bus

	mu        sync.Mutex
	opened    []signal.OrderRequest
	closed    []string
	bot       []bool
	strategy  string
	openErr   error
	portfolio signal.PortfolioSnapshot
}

func (f *fakeTrader) OpenTrade(req signal.OrderRequest) (signal.OrderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return signal.OrderReceipt{}, f.openErr
	}
	f.opened = append(f.opened, req)
	return signal.OrderReceipt{OrderID: "ord_fake", Instrument: req.Instrument, Quantity: req.Quantity, Side: req.Side, Type: req.Type, Status: signal.StatusAccepted}, nil
}

func (f *fakeTrader) CloseTrade(orderID string) (signal.OrderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, orderID)
	return signal.OrderReceipt{OrderID: "ord_close"}, nil
}

func (f *fakeTrader) SetBotRunning(running bool) {
	f.mu.Lock()
	f.bot = append(f.bot, running)
	f.mu.Unlock()
}

func (f *fakeTrader) SwitchStrategy(name string) {
	f.mu.Lock()
	f.strategy = name
	f.mu.Unlock()
}

func (f *fakeTrader) Strategy() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategy
}

func (f *fakeTrader) RequestReview(order signal.OrderRequest, reason string) signal.ReviewRequest {
	req := signal.ReviewRequest{ID: "rev_fake", Order: order, Reason: reason, Confidence: 0.5}
	f.bus.Publish(req)
	return req
}

func (f *fakeTrader) PortfolioSnapshot() signal.PortfolioSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.portfolio
}

type fixture struct {
	d      *Dispatcher
	trader *fakeTrader
	bus    *bus.Bus

	mu        sync.Mutex
	logs      []signal.LogEvent
	latencies []signal.CommandLatency
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	f := &fixture{bus: b, trader: &fakeTrader{bus: b, strategy: "mean-reversion"}}
	f.d = New(b, zerolog.Nop(), clock.NewMock(), f.trader, nil)
	require.NoError(t, f.d.Start(context.Background()))
	t.Cleanup(func() { _ = f.d.Stop(context.Background()) })

	_, err := bus.On(b, func(ev signal.LogEvent) {
		f.mu.Lock()
		f.logs = append(f.logs, ev)
		f.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = bus.On(b, func(ev signal.CommandLatency) {
		f.mu.Lock()
		f.latencies = append(f.latencies, ev)
		f.mu.Unlock()
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) waitLog(t *testing.T, level signal.LogLevel) signal.LogEvent {
	t.Helper()
	var got signal.LogEvent
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, ev := range f.logs {
			if ev.Level == level {
				got = ev
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return got
}

func (f *fixture) latencyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.latencies)
}

func TestOpenUsesDefaults(t *testing.T) {
	f := newFixture(t)

	res, err := f.d.Execute("/open")
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, "ord_fake", res.Receipt.OrderID)

	require.Len(t, f.trader.opened, 1)
	req := f.trader.opened[0]
	assert.Equal(t, "BTCUSD", req.Instrument)
	assert.Equal(t, 0.01, req.Quantity)
	assert.Equal(t, signal.Market, req.Type)
	assert.Equal(t, signal.Buy, req.Side)
	assert.Equal(t, signal.SourceManual, req.Source)
	assert.Equal(t, "mean-reversion", req.Strategy)
	assert.Nil(t, req.LimitPrice)

	require.Eventually(t, func() bool { return f.latencyCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "/open", f.latencies[0].Command)
}

func TestOpenParsesAllArguments(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute("  /open ethusd 0.5 LIMIT sell 1995.25 ")
	require.NoError(t, err)

	req := f.trader.opened[0]
	assert.Equal(t, "ETHUSD", req.Instrument)
	assert.Equal(t, 0.5, req.Quantity)
	assert.Equal(t, signal.Limit, req.Type)
	assert.Equal(t, signal.Sell, req.Side)
	require.NotNil(t, req.LimitPrice)
	assert.Equal(t, 1995.25, *req.LimitPrice)
}

func TestFailuresPublishErrorLog(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute("/open BTCUSD lots")
	require.Error(t, err)
	ev := f.waitLog(t, signal.LevelError)
	assert.Contains(t, ev.Message, "invalid quantity")
	require.Eventually(t, func() bool { return f.latencyCount() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.trader.opened)
}

func TestRiskRejectIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.trader.openErr = &risk.RejectError{Limit: risk.LimitOrderQty, Max: 2, Got: 5}

	_, err := f.d.Execute("/open BTCUSD 5")
	require.ErrorIs(t, err, risk.ErrRejected)
	ev := f.waitLog(t, signal.LevelError)
	assert.Contains(t, ev.Message, "max_order_qty")
}

func TestUnknownCommandWarns(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute("/moon")
	require.ErrorIs(t, err, ErrUnknownCommand)
	ev := f.waitLog(t, signal.LevelWarn)
	assert.Contains(t, ev.Message, "/moon")

	_, err = f.d.Execute("   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestCloseFallsBackToFirstOpenPosition(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute("/close")
	require.ErrorIs(t, err, ErrNoOpenOrder)

	f.trader.portfolio = signal.PortfolioSnapshot{Positions: []signal.Position{
		{SourceOrderID: "ord_old", Status: signal.PositionClosed},
		{SourceOrderID: "ord_live", Status: signal.PositionOpen, Quantity: 1},
	}}
	_, err = f.d.Execute("/close")
	require.NoError(t, err)
	_, err = f.d.Execute("/close ord_explicit")
	require.NoError(t, err)
	assert.Equal(t, []string{"ord_live", "ord_explicit"}, f.trader.closed)
}

func TestBotStrategyAndPortfolioCommands(t *testing.T) {
	f := newFixture(t)
	f.trader.portfolio = signal.PortfolioSnapshot{CashBalance: 99_899.9, Equity: 99_905.123, UnrealizedPnL: 5.223}

	for _, line := range []string{"/start-bot", "/stop-bot", "/switch-strategy momentum", "/portfolio"} {
		_, err := f.d.Execute(line)
		require.NoError(t, err, line)
	}
	assert.Equal(t, []bool{true, false}, f.trader.bot)
	assert.Equal(t, "momentum", f.trader.Strategy())

	ev := f.waitLog(t, signal.LevelInfo)
	assert.Equal(t, "Portfolio cash=99899.90 eq=99905.12 uPnL=5.22", ev.Message)
	require.Eventually(t, func() bool { return f.latencyCount() == 4 }, time.Second, time.Millisecond)
}

func TestReviewApproveAndReject(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.Execute("/approve")
	require.ErrorIs(t, err, ErrNoReview)

	res, err := f.d.Execute("/review solusd 0.02 sell")
	require.NoError(t, err)
	require.NotNil(t, res.Review)
	assert.Equal(t, manualReason, res.Review.Reason)
	assert.Equal(t, signal.SourceAuto, res.Review.Order.Source)
	require.Eventually(t, func() bool { return f.d.Reviews().Len() == 1 }, time.Second, time.Millisecond)

	res, err = f.d.Execute("/approve")
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	require.Len(t, f.trader.opened, 1)
	approved := f.trader.opened[0]
	assert.Equal(t, signal.SourceReviewApproved, approved.Source)
	assert.Equal(t, "SOLUSD", approved.Instrument)
	assert.Equal(t, signal.Sell, approved.Side)
	assert.Zero(t, f.d.Reviews().Len())

	_, err = f.d.Execute("/review")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.d.Reviews().Len() == 1 }, time.Second, time.Millisecond)
	res, err = f.d.Execute("/reject")
	require.NoError(t, err)
	assert.Equal(t, "rev_fake", res.Review.ID)
	assert.Zero(t, f.d.Reviews().Len())
	assert.Len(t, f.trader.opened, 1, "rejection places no order")
	ev := f.waitLog(t, signal.LevelWarn)
	assert.Equal(t, "Review rejected rev_fake", ev.Message)
}
