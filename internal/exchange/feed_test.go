package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

type collector struct {
	mu    sync.Mutex
	ticks []signal.Tick
	conns []signal.ConnectionEvent
}

func collect(t *testing.T, b *bus.Bus) *collector {
	t.Helper()
	c := &collector{}
	_, err := bus.On(b, func(tk signal.Tick) {
		c.mu.Lock()
		c.ticks = append(c.ticks, tk)
		c.mu.Unlock()
	})
	require.NoError(t, err)
	_, err = bus.On(b, func(ev signal.ConnectionEvent) {
		c.mu.Lock()
		c.conns = append(c.conns, ev)
		c.mu.Unlock()
	})
	require.NoError(t, err)
	return c
}

func (c *collector) tickCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

func (c *collector) states() []signal.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.ConnectionState, len(c.conns))
	for i, ev := range c.conns {
		out[i] = ev.State
	}
	return out
}

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func simConfig() Config {
	return Config{
		Instruments:       []string{"btcusd", "ETHUSD", "ETHUSD", " "},
		MinTicksPerSecond: 100,
		MaxTicksPerSecond: 100,
		Frame:             50 * time.Millisecond,
		Seed:              42,
	}
}

func TestNewSourceSelectsProvider(t *testing.T) {
	b := newBus(t)

	src, err := NewSource("", b, zerolog.Nop(), clock.NewMock(), simConfig())
	require.NoError(t, err)
	assert.Equal(t, ProviderSim, src.Name())

	src, err = NewSource("Binance", b, zerolog.Nop(), clock.NewMock(), simConfig())
	require.NoError(t, err)
	assert.Equal(t, ProviderBinance, src.Name())

	_, err = NewSource("dexscreener", b, zerolog.Nop(), clock.NewMock(), simConfig())
	assert.Error(t, err)
}

func TestSimFeedSeedsPrices(t *testing.T) {
	feed := NewSimFeed(newBus(t), zerolog.Nop(), clock.NewMock(), simConfig())

	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, feed.instruments)
	for _, inst := range feed.instruments {
		px, ok := feed.Price(inst)
		require.True(t, ok)
		assert.GreaterOrEqual(t, px, 100.0)
		assert.Less(t, px, 40_100.0)
	}
}

func TestSimFrameShape(t *testing.T) {
	mock := clock.NewMock()
	feed := NewSimFeed(newBus(t), zerolog.Nop(), mock, simConfig())

	sawBurst := false
	for i := 0; i < 200; i++ {
		ticks := feed.frame(mock.Now())
		// 100 ticks/s over 50ms is 5 per frame, plus an optional burst of 5..14.
		require.GreaterOrEqual(t, len(ticks), 5)
		require.LessOrEqual(t, len(ticks), 19)
		if len(ticks) > 5 {
			sawBurst = true
			assert.GreaterOrEqual(t, len(ticks), 10)
		}
		for _, tk := range ticks {
			assert.Contains(t, []string{"BTCUSD", "ETHUSD"}, tk.Instrument)
			assert.GreaterOrEqual(t, tk.Price, priceFloor)
			spread := tk.Ask - tk.Bid
			assert.InDelta(t, max(0.01, tk.Price*0.0002), spread, 1e-9)
			assert.InDelta(t, tk.Price, (tk.Bid+tk.Ask)/2, 1e-9)
			assert.GreaterOrEqual(t, tk.Volume, 0.1)
			assert.Less(t, tk.Volume, 5.1)
		}
	}
	assert.True(t, sawBurst, "expected at least one burst in 200 frames")
}

func TestSimPriceMovesAreBounded(t *testing.T) {
	mock := clock.NewMock()
	cfg := simConfig()
	cfg.Instruments = []string{"AAPL"}
	feed := NewSimFeed(newBus(t), zerolog.Nop(), mock, cfg)

	prev, _ := feed.Price("AAPL")
	for i := 0; i < 1000; i++ {
		tk := feed.frame(mock.Now())[0]
		// drift is at most 0.065% and a spike at most 0.5% of the previous price
		assert.LessOrEqual(t, abs(tk.Price-prev), prev*(0.00065+0.005)+1e-9)
		prev, _ = feed.Price("AAPL")
	}
}

func TestSimFeedLifecycle(t *testing.T) {
	b := newBus(t)
	c := collect(t, b)
	mock := clock.NewMock()
	feed := NewSimFeed(b, zerolog.Nop(), mock, simConfig())
	ctx := context.Background()

	require.NoError(t, feed.Stop(ctx), "stop before start is a no-op")
	require.NoError(t, feed.Start(ctx))
	require.NoError(t, feed.Start(ctx))

	mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return c.tickCount() >= 5 }, time.Second, time.Millisecond)

	require.NoError(t, feed.Stop(ctx))
	require.NoError(t, feed.Stop(ctx))
	emitted := feed.Emitted()

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, emitted, feed.Emitted(), "no tick after Stop returns")

	require.Eventually(t, func() bool { return len(c.states()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []signal.ConnectionState{signal.Connecting, signal.Connected, signal.Disconnected}, c.states())
}

func TestSimFeedStopWithExpiredContext(t *testing.T) {
	b := newBus(t)
	c := collect(t, b)
	mock := clock.NewMock()
	feed := NewSimFeed(b, zerolog.Nop(), mock, simConfig())
	require.NoError(t, feed.Start(context.Background()))
	mock.Add(50 * time.Millisecond)
	require.Eventually(t, func() bool { return c.tickCount() > 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := feed.Stop(ctx); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	emitted := feed.Emitted()

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, emitted, feed.Emitted())
	require.Eventually(t, func() bool {
		states := c.states()
		return len(states) == 3 && states[2] == signal.Disconnected
	}, time.Second, time.Millisecond)
}

func TestParseBinanceSymbol(t *testing.T) {
	cases := map[string]string{
		"btcusdt@trade":    "BTCUSDT",
		"ethusdt@aggTrade": "ETHUSDT",
		"dogeusdt":         "DOGEUSDT",
		"":                 "",
	}
	for stream, expected := range cases {
		assert.Equal(t, expected, parseBinanceSymbol(stream))
	}
}

func TestDecodeBinanceTrade(t *testing.T) {
	tick, err := decodeBinanceTrade([]byte(`{"stream":"btcusdt@trade","data":{"p":"65000.5","q":"0.25","T":1700000000000}}`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", tick.Instrument)
	assert.Equal(t, 65000.5, tick.Price)
	assert.Equal(t, 0.25, tick.Volume)
	assert.Equal(t, int64(1700000000000), tick.TS.UnixMilli())
	assert.Less(t, tick.Bid, tick.Price)
	assert.Greater(t, tick.Ask, tick.Price)

	_, err = decodeBinanceTrade([]byte(`{"stream":"btcusdt@trade","data":{"p":"nan?","q":"1"}}`))
	assert.Error(t, err)
}

func TestBinanceStreamURL(t *testing.T) {
	feed := NewBinanceFeed(nil, zerolog.Nop(), nil, Config{Instruments: []string{"ethusdt", "BTCUSDT"}})
	assert.Equal(t, "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/ethusdt@trade", feed.StreamURL())
}

func TestBinanceFeedPublishesTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("streams") != "btcusdt@trade" {
			http.Error(w, "bad streams", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@trade","data":{"p":"101.5","q":"2","T":1700000000000}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	b := newBus(t)
	c := collect(t, b)
	feed := NewBinanceFeed(b, zerolog.Nop(), nil, Config{
		Instruments: []string{"BTCUSDT"},
		BinanceURL:  "ws" + strings.TrimPrefix(server.URL, "http"),
	})
	ctx := context.Background()
	require.NoError(t, feed.Start(ctx))

	require.Eventually(t, func() bool { return c.tickCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	c.mu.Lock()
	tick := c.ticks[0]
	c.mu.Unlock()
	assert.Equal(t, "BTCUSDT", tick.Instrument)
	assert.Equal(t, 101.5, tick.Price)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, feed.Stop(stopCtx))

	require.Eventually(t, func() bool {
		states := c.states()
		return len(states) >= 3 && states[len(states)-1] == signal.Disconnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, []signal.ConnectionState{signal.Connecting, signal.Connected}, c.states()[:2])
}

func TestBinanceFeedRequiresSymbols(t *testing.T) {
	feed := NewBinanceFeed(newBus(t), zerolog.Nop(), nil, Config{})
	assert.Error(t, feed.Start(context.Background()))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
