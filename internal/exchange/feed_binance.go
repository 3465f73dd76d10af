package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

const (
	defaultBinanceURL = "wss://stream.binance.com:9443/stream"
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
)

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// BinanceFeed streams <symbol>@trade events and republishes them as ticks.
// It reconnects with exponential backoff until stopped.
type BinanceFeed struct {
	log     zerolog.Logger
	bus     *bus.Bus
	clock   clock.Clock
	baseURL string
	symbols []string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBinanceFeed builds a feed for cfg.Instruments, e.g. BTCUSDT.
func NewBinanceFeed(b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg Config) *BinanceFeed {
	if clk == nil {
		clk = clock.New()
	}
	base := strings.TrimSpace(cfg.BinanceURL)
	if base == "" {
		base = defaultBinanceURL
	}
	return &BinanceFeed{
		log:     log.With().Str("component", "market").Str("provider", ProviderBinance).Logger(),
		bus:     b,
		clock:   clk,
		baseURL: base,
		symbols: normalizeInstruments(cfg.Instruments),
	}
}

// Name identifies the provider in connection events.
func (f *BinanceFeed) Name() string { return ProviderBinance }

// Start launches the stream in the background.
func (f *BinanceFeed) Start(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return errors.New("binance feed requires at least one symbol")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	f.cancel, f.done = cancel, make(chan struct{})
	go f.run(runCtx, f.done)
	return nil
}

// Stop closes the connection and waits for the reader to exit.
func (f *BinanceFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.connection(signal.Disconnected, "Binance feed disconnected")
	return nil
}

// StreamURL returns the combined-stream URL for the configured symbols.
func (f *BinanceFeed) StreamURL() string {
	streams := make([]string, len(f.symbols))
	for i, sym := range f.symbols {
		streams[i] = strings.ToLower(sym) + "@trade"
	}
	return fmt.Sprintf("%s?streams=%s", f.baseURL, strings.Join(streams, "/"))
}

func (f *BinanceFeed) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	backoff := initialBackoff
	f.connection(signal.Connecting, "")
	for {
		err := f.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("binance feed disconnected, retrying")
		f.connection(signal.Reconnecting, err.Error())
		select {
		case <-f.clock.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (f *BinanceFeed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.StreamURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.log.Info().Strs("symbols", f.symbols).Msg("connected market data feed")
	f.connection(signal.Connected, "Binance feed connected")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	})

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-connCtx.Done():
				// unblock ReadMessage
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		tick, err := decodeBinanceTrade(message)
		if err != nil {
			f.log.Warn().Err(err).Msg("failed to decode binance message")
			continue
		}
		f.bus.Publish(tick)
	}
}

func (f *BinanceFeed) connection(state signal.ConnectionState, msg string) {
	f.bus.Publish(signal.ConnectionEvent{Source: ProviderBinance, State: state, Message: msg, TS: f.clock.Now()})
}

func decodeBinanceTrade(message []byte) (signal.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return signal.Tick{}, err
	}
	px, err := strconv.ParseFloat(env.Data.Price, 64)
	if err != nil || px <= 0 {
		return signal.Tick{}, fmt.Errorf("invalid price %q", env.Data.Price)
	}
	qty, err := strconv.ParseFloat(env.Data.Quantity, 64)
	if err != nil {
		return signal.Tick{}, fmt.Errorf("invalid quantity %q", env.Data.Quantity)
	}
	bid, ask := quote(px)
	return signal.Tick{
		Instrument: parseBinanceSymbol(env.Stream),
		Price:      px,
		Bid:        bid,
		Ask:        ask,
		Volume:     qty,
		TS:         time.UnixMilli(env.Data.TradeTime),
	}, nil
}

func parseBinanceSymbol(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(parts[0])
}
