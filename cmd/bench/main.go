package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/config"
	"hftsim-go/internal/exchange"
	"hftsim-go/internal/signal"
	"hftsim-go/internal/util"
)

func main() {
	duration := flag.Duration("duration", 5*time.Second, "How long to run the generator")
	minRate := flag.Int("min-tps", 500, "Lower bound of the target tick rate")
	maxRate := flag.Int("max-tps", 1000, "Upper bound of the target tick rate")
	frame := flag.Duration("frame", 25*time.Millisecond, "Generator scheduling period")
	instruments := flag.String("instruments", strings.Join(config.Default().Market.Instruments, ","), "Comma separated instrument list")
	flag.Parse()

	log := util.NewLoggerTo("warn", os.Stderr)
	if *minRate <= 0 || *maxRate < *minRate {
		log.Fatal().Int("min", *minRate).Int("max", *maxRate).Msg("invalid tick rate bounds")
	}

	b := bus.New(log, bus.WithQueueSize(1<<16))
	var count atomic.Uint64
	if _, err := bus.On(b, func(signal.Tick) { count.Add(1) }); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	feed := exchange.NewSimFeed(b, log, nil, exchange.Config{
		Instruments:       strings.Split(*instruments, ","),
		MinTicksPerSecond: *minRate,
		MaxTicksPerSecond: *maxRate,
		Frame:             *frame,
	})

	ctx := context.Background()
	start := time.Now()
	if err := feed.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start feed")
	}
	time.Sleep(*duration)
	if err := feed.Stop(ctx); err != nil {
		log.Fatal().Err(err).Msg("stop feed")
	}
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = b.Shutdown(drainCtx)

	elapsed := time.Since(start)
	n := count.Load()
	fmt.Printf("bench: ticks=%d emitted=%d dropped=%d elapsedMs=%d approxTicksPerSec=%.2f\n",
		n, feed.Emitted(), b.Dropped(), elapsed.Milliseconds(), float64(n)/elapsed.Seconds())
}
