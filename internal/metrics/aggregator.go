package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

const defaultLatencySamples = 1024

// AggregatorConfig tunes the rolling window and publish cadence.
type AggregatorConfig struct {
	Window         time.Duration
	PublishEvery   time.Duration
	LatencySamples int
}

// Aggregator counts bus traffic and periodically publishes a MetricsSnapshot.
type Aggregator struct {
	log   zerolog.Logger
	bus   *bus.Bus
	clock clock.Clock
	cfg   AggregatorConfig

	mu        sync.Mutex
	ticks     []time.Time
	accepted  uint64
	filled    uint64
	latencies ring
	subs      []*bus.Subscription
	stop      chan struct{}
	done      chan struct{}
}

// NewAggregator builds an aggregator. A nil clock uses wall time.
func NewAggregator(b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg AggregatorConfig) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.PublishEvery <= 0 {
		cfg.PublishEvery = time.Second
	}
	if cfg.LatencySamples <= 0 {
		cfg.LatencySamples = defaultLatencySamples
	}
	return &Aggregator{
		log:       log.With().Str("component", "metrics").Logger(),
		bus:       b,
		clock:     clk,
		cfg:       cfg,
		latencies: newRing(cfg.LatencySamples),
	}
}

// Start subscribes to the counted topics and begins the publish loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		return nil
	}

	var subs []*bus.Subscription
	add := func(s *bus.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, s)
		return nil
	}
	err := add(bus.On(a.bus, a.RecordTick))
	if err == nil {
		err = add(bus.On(a.bus, func(signal.OrderReceipt) { a.RecordAccepted() }))
	}
	if err == nil {
		err = add(bus.On(a.bus, a.RecordFill))
	}
	if err == nil {
		err = add(bus.On(a.bus, a.RecordLatency))
	}
	if err != nil {
		for _, s := range subs {
			s.Unsubscribe()
		}
		return fmt.Errorf("metrics subscribe: %w", err)
	}
	a.subs = subs

	a.stop, a.done = make(chan struct{}), make(chan struct{})
	go a.loop(a.clock.Ticker(a.cfg.PublishEvery), a.stop, a.done)
	return nil
}

// Stop halts publishing and detaches from the bus.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.mu.Lock()
	stop, done, subs := a.stop, a.done, a.subs
	a.stop, a.done, a.subs = nil, nil, nil
	a.mu.Unlock()
	if stop == nil {
		return nil
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.bus.Publish(a.Snapshot(now))
		}
	}
}

// RecordTick adds a tick timestamp to the rolling window.
func (a *Aggregator) RecordTick(t signal.Tick) {
	TicksTotal.WithLabelValues(t.Instrument).Inc()
	a.mu.Lock()
	a.ticks = append(a.ticks, t.TS)
	a.mu.Unlock()
}

// RecordAccepted counts an accepted order.
func (a *Aggregator) RecordAccepted() {
	a.mu.Lock()
	a.accepted++
	a.mu.Unlock()
}

// RecordFill counts a filled order.
func (a *Aggregator) RecordFill(f signal.OrderFill) {
	FillsTotal.WithLabelValues(f.Instrument).Inc()
	a.mu.Lock()
	a.filled++
	a.mu.Unlock()
}

// RecordLatency stores a command latency sample, evicting the oldest when full.
func (a *Aggregator) RecordLatency(l signal.CommandLatency) {
	CommandLatency.WithLabelValues(commandLabel(l.Command)).Observe(l.Ms / 1000)
	a.mu.Lock()
	a.latencies.push(l.Ms)
	a.mu.Unlock()
}

// Snapshot prunes ticks older than the window and computes the current readout.
func (a *Aggregator) Snapshot(now time.Time) signal.MetricsSnapshot {
	a.mu.Lock()
	cutoff := now.Add(-a.cfg.Window)
	keep := a.ticks[:0]
	for _, ts := range a.ticks {
		if !ts.Before(cutoff) {
			keep = append(keep, ts)
		}
	}
	a.ticks = keep
	count := len(keep)
	samples := a.latencies.values()
	accepted, filled := a.accepted, a.filled
	a.mu.Unlock()

	rate := round2(float64(count) / a.cfg.Window.Seconds())
	TicksPerSecond.Set(rate)
	return signal.MetricsSnapshot{
		TicksPerSec:  rate,
		OrderCreated: accepted,
		OrderFilled:  filled,
		CommandP50Ms: round2(Percentile(samples, 50)),
		CommandP99Ms: round2(Percentile(samples, 99)),
		UpdatedAt:    now,
	}
}

// Percentile returns the nearest-rank value at p over values, or 0 when empty.
// values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(p / 100 * float64(len(sorted))))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// commandLabel keeps the verb only so arguments do not explode label cardinality.
func commandLabel(line string) string {
	if fields := strings.Fields(line); len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(n int) ring { return ring{buf: make([]float64, n)} }

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if r.full {
		return append([]float64(nil), r.buf...)
	}
	return append([]float64(nil), r.buf[:r.next]...)
}
