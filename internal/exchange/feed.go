// Package exchange hosts the market data sources that publish ticks onto the bus.
package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"hftsim-go/internal/bus"
)

const (
	// ProviderSim emits synthetic ticks from the stochastic generator.
	ProviderSim = "sim"
	// ProviderBinance streams live trades from Binance public websockets.
	ProviderBinance = "binance"
)

// Source is anything that produces ticks and connection events on the bus.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config carries the settings shared by every provider.
type Config struct {
	Instruments       []string
	MinTicksPerSecond int
	MaxTicksPerSecond int
	Frame             time.Duration
	Seed              int64
	BinanceURL        string
}

// NewSource constructs the source backing provider. An empty provider selects the simulator.
func NewSource(provider string, b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg Config) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderSim:
		return NewSimFeed(b, log, clk, cfg), nil
	case ProviderBinance:
		return NewBinanceFeed(b, log, clk, cfg), nil
	default:
		return nil, fmt.Errorf("unknown market provider %q", provider)
	}
}

// normalizeInstruments trims, upper-cases, deduplicates and sorts for determinism.
func normalizeInstruments(instruments []string) []string {
	unique := make(map[string]struct{}, len(instruments))
	for _, inst := range instruments {
		inst = strings.ToUpper(strings.TrimSpace(inst))
		if inst == "" {
			continue
		}
		unique[inst] = struct{}{}
	}
	out := make([]string, 0, len(unique))
	for inst := range unique {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// quote derives a symmetric bid/ask around price.
func quote(price float64) (bid, ask float64) {
	spread := math.Max(0.01, price*0.0002)
	return price - spread/2, price + spread/2
}
