package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	defer srv.Close()

	TicksTotal.WithLabelValues("BTCUSD").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["hftsim_ticks_total"], "hftsim_ticks_total metric not found")
	assert.True(t, names["hftsim_ticks_per_second"], "hftsim_ticks_per_second metric not found")
}

func TestPercentileNearestRank(t *testing.T) {
	values := []float64{40, 10, 30, 20}
	assert.Equal(t, 30.0, Percentile(values, 50))
	assert.Equal(t, 40.0, Percentile(values, 99))
	assert.Equal(t, 10.0, Percentile(values, 0))
	assert.Equal(t, []float64{40, 10, 30, 20}, values, "input must not be reordered")

	assert.Equal(t, 0.0, Percentile(nil, 50))
	assert.Equal(t, 0.0, Percentile([]float64{}, 99))
}

func TestTickRateDropsToZeroAfterWindow(t *testing.T) {
	mock := clock.NewMock()
	agg := NewAggregator(nil, zerolog.Nop(), mock, AggregatorConfig{Window: 30 * time.Second})

	for i := 0; i < 60; i++ {
		agg.RecordTick(signal.Tick{Instrument: "BTCUSD", Price: 100, TS: mock.Now()})
	}
	assert.Equal(t, 2.0, agg.Snapshot(mock.Now()).TicksPerSec)

	mock.Add(29 * time.Second)
	assert.Equal(t, 2.0, agg.Snapshot(mock.Now()).TicksPerSec)

	mock.Add(2 * time.Second)
	assert.Equal(t, 0.0, agg.Snapshot(mock.Now()).TicksPerSec)
}

func TestTickRateIsRoundedToTwoDecimals(t *testing.T) {
	mock := clock.NewMock()
	agg := NewAggregator(nil, zerolog.Nop(), mock, AggregatorConfig{Window: 3 * time.Second})
	agg.RecordTick(signal.Tick{Instrument: "ETHUSD", TS: mock.Now()})

	assert.Equal(t, 0.33, agg.Snapshot(mock.Now()).TicksPerSec)
}

func TestLatencySamplesAreBounded(t *testing.T) {
	agg := NewAggregator(nil, zerolog.Nop(), clock.NewMock(), AggregatorConfig{LatencySamples: 3})
	for _, ms := range []float64{1, 2, 3, 4, 5} {
		agg.RecordLatency(signal.CommandLatency{Command: "/portfolio", Ms: ms})
	}

	snap := agg.Snapshot(time.Now())
	assert.Equal(t, 4.0, snap.CommandP50Ms)
	assert.Equal(t, 5.0, snap.CommandP99Ms)
}

func TestAggregatorPublishesFromBusTraffic(t *testing.T) {
	mock := clock.NewMock()
	b := bus.New(zerolog.Nop())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	agg := NewAggregator(b, zerolog.Nop(), mock, AggregatorConfig{Window: 10 * time.Second, PublishEvery: time.Second})
	require.NoError(t, agg.Start(context.Background()))
	require.NoError(t, agg.Start(context.Background()))
	t.Cleanup(func() { _ = agg.Stop(context.Background()) })

	var mu sync.Mutex
	var snaps []signal.MetricsSnapshot
	_, err := bus.On(b, func(s signal.MetricsSnapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	require.NoError(t, err)

	b.Publish(signal.Tick{Instrument: "BTCUSD", Price: 100, TS: mock.Now()})
	b.Publish(signal.OrderReceipt{OrderID: "ord_1", Instrument: "BTCUSD"})
	b.Publish(signal.OrderFill{OrderID: "ord_1", Instrument: "BTCUSD"})
	b.Publish(signal.CommandLatency{Command: "/open", Ms: 12.345})

	require.Eventually(t, func() bool {
		s := agg.Snapshot(mock.Now())
		return s.OrderCreated == 1 && s.OrderFilled == 1 && s.CommandP50Ms > 0 && s.TicksPerSec > 0
	}, time.Second, time.Millisecond)

	mock.Add(time.Second)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	got := snaps[0]
	mu.Unlock()
	assert.Equal(t, uint64(1), got.OrderCreated)
	assert.Equal(t, uint64(1), got.OrderFilled)
	assert.Equal(t, 12.35, got.CommandP50Ms)
	assert.Equal(t, 0.1, got.TicksPerSec)
}
