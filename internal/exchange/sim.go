package exchange

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

const (
	priceFloor   = 0.0001
	driftFactor  = 0.0013
	spikeFactor  = 0.01
	spikeChance  = 0.015
	burstChance  = 0.10
	minBurst     = 5
	maxBurst     = 14
	defaultFrame = 50 * time.Millisecond
)

// SimFeed approximates a mean-reverting random walk with occasional spikes
// and bursts at a jittered rate.
type SimFeed struct {
	log     zerolog.Logger
	bus     *bus.Bus
	clock   clock.Clock
	cfg     Config
	emitted atomic.Uint64

	mu          sync.Mutex
	rng         *rand.Rand
	instruments []string
	prices      map[string]float64
	stop        chan struct{}
	done        chan struct{}
}

// NewSimFeed seeds a price in [100, 40100) for each instrument.
func NewSimFeed(b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg Config) *SimFeed {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Frame <= 0 {
		cfg.Frame = defaultFrame
	}
	if cfg.MinTicksPerSecond <= 0 {
		cfg.MinTicksPerSecond = 1
	}
	if cfg.MaxTicksPerSecond < cfg.MinTicksPerSecond {
		cfg.MaxTicksPerSecond = cfg.MinTicksPerSecond
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	f := &SimFeed{
		log:         log.With().Str("component", "market").Str("provider", ProviderSim).Logger(),
		bus:         b,
		clock:       clk,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(seed)),
		instruments: normalizeInstruments(cfg.Instruments),
		prices:      make(map[string]float64),
	}
	for _, inst := range f.instruments {
		f.prices[inst] = 100 + f.rng.Float64()*40_000
	}
	return f
}

// Name identifies the provider in connection events.
func (f *SimFeed) Name() string { return ProviderSim }

// Start begins the scheduling loop. Calling Start while running is a no-op.
func (f *SimFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.stop != nil {
		f.mu.Unlock()
		return nil
	}
	f.stop, f.done = make(chan struct{}), make(chan struct{})
	stop, done := f.stop, f.done
	f.mu.Unlock()

	f.connection(signal.Connecting, "")
	go f.loop(f.clock.Ticker(f.cfg.Frame), stop, done)
	f.connection(signal.Connected, "Market simulator connected")
	f.bus.Publish(signal.LogEvent{Level: signal.LevelInfo, Message: "Market simulator started", TS: f.clock.Now()})
	f.log.Info().Strs("instruments", f.instruments).Dur("frame", f.cfg.Frame).Msg("market feed started")
	return nil
}

// Stop halts the loop and waits for it to exit, so no tick is published
// after it returns. Stop on a stopped feed is a no-op.
func (f *SimFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		// the loop can no longer publish: f.stop no longer matches its channel
		err = ctx.Err()
	}
	f.connection(signal.Disconnected, "Market simulator disconnected")
	f.log.Info().Uint64("emitted", f.emitted.Load()).Err(err).Msg("market feed stopped")
	return err
}

// Emitted counts ticks published since construction.
func (f *SimFeed) Emitted() uint64 { return f.emitted.Load() }

// Price returns the generator's current price for instrument.
func (f *SimFeed) Price(instrument string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[instrument]
	return px, ok
}

func (f *SimFeed) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if !f.emit(now, stop) {
				return
			}
		}
	}
}

// emit publishes one frame under f.mu while stop is still the live loop's
// channel. Stop swaps f.stop under the same lock, so nothing is published
// once Stop has begun.
func (f *SimFeed) emit(now time.Time, stop <-chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if (<-chan struct{})(f.stop) != stop {
		return false
	}
	for _, tick := range f.frameLocked(now) {
		f.bus.Publish(tick)
		f.emitted.Add(1)
	}
	return true
}

// frame produces one scheduling period's worth of ticks.
func (f *SimFeed) frame(now time.Time) []signal.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frameLocked(now)
}

func (f *SimFeed) frameLocked(now time.Time) []signal.Tick {
	if len(f.instruments) == 0 {
		return nil
	}

	target := f.cfg.MinTicksPerSecond + f.rng.Intn(f.cfg.MaxTicksPerSecond-f.cfg.MinTicksPerSecond+1)
	count := int(math.Max(1, math.Floor(float64(target)*float64(f.cfg.Frame.Milliseconds())/1000)))
	if f.rng.Float64() < burstChance {
		count += minBurst + f.rng.Intn(maxBurst-minBurst+1)
	}

	ticks := make([]signal.Tick, 0, count)
	for i := 0; i < count; i++ {
		ticks = append(ticks, f.next(now))
	}
	return ticks
}

// next advances one random instrument. Callers hold f.mu.
func (f *SimFeed) next(now time.Time) signal.Tick {
	inst := f.instruments[f.rng.Intn(len(f.instruments))]
	prev := f.prices[inst]
	price := prev + prev*(f.rng.Float64()-0.5)*driftFactor
	if f.rng.Float64() < spikeChance {
		price += prev * (f.rng.Float64() - 0.5) * spikeFactor
	}
	price = math.Max(priceFloor, price)
	f.prices[inst] = price

	bid, ask := quote(price)
	return signal.Tick{
		Instrument: inst,
		Price:      price,
		Bid:        bid,
		Ask:        ask,
		Volume:     0.1 + f.rng.Float64()*5,
		TS:         now,
	}
}

func (f *SimFeed) connection(state signal.ConnectionState, msg string) {
	f.bus.Publish(signal.ConnectionEvent{Source: ProviderSim, State: state, Message: msg, TS: f.clock.Now()})
}
