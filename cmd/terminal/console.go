package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"hftsim-go/internal/app"
	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

const helpText = `commands:
  /open <inst> <qty> [market|limit] [buy|sell] [limitPx]
  /close [orderId]   /portfolio   /start-bot   /stop-bot
  /switch-strategy <name>   /review <inst> <qty> [side]
  /approve   /reject   status   logs   help   quit`

// console keeps the latest state pushed over the bus for the status view.
type console struct {
	mu       sync.Mutex
	metrics  signal.MetricsSnapshot
	bot      bool
	strategy string
	feed     signal.ConnectionState
	logs     []signal.LogEvent
	maxLogs  int
}

func runConsole(ctx context.Context, sim *app.App, in io.Reader, out io.Writer, maxLogs int) {
	if maxLogs <= 0 {
		maxLogs = 250
	}
	c := &console{maxLogs: maxLogs, strategy: sim.Engine.Strategy()}
	var subs []*bus.Subscription
	add := func(s *bus.Subscription, err error) {
		if err == nil {
			subs = append(subs, s)
		}
	}
	add(bus.On(sim.Bus, c.onMetrics))
	add(bus.On(sim.Bus, c.onBot))
	add(bus.On(sim.Bus, c.onStrategy))
	add(bus.On(sim.Bus, c.onConnection))
	add(bus.On(sim.Bus, c.onLog))
	add(bus.On(sim.Bus, func(rv signal.ReviewRequest) {
		fmt.Fprintf(out, "\n[review] %s %s %g %s (%.0f%%) - /approve or /reject\n> ",
			rv.ID, rv.Order.Side, rv.Order.Quantity, rv.Order.Instrument, rv.Confidence*100)
	}))
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				lines <- line
			}
			if err != nil {
				return
			}
		}
	}()

	fmt.Fprintln(out, "=== HFT Sim Terminal ===")
	fmt.Fprintln(out, helpText)
	for {
		fmt.Fprint(out, "> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "quit", "exit", "/quit":
				return
			case "help", "/help":
				fmt.Fprintln(out, helpText)
			case "status":
				c.printStatus(out, sim)
			case "logs":
				c.printLogs(out)
			default:
				res, err := sim.Commands.Execute(line)
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				if res.Message != "" {
					fmt.Fprintln(out, res.Message)
				}
			}
		}
	}
}

func (c *console) onMetrics(m signal.MetricsSnapshot) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

func (c *console) onBot(b signal.BotState) {
	c.mu.Lock()
	c.bot = b.Running
	c.mu.Unlock()
}

func (c *console) onStrategy(s signal.StrategyChanged) {
	c.mu.Lock()
	c.strategy = s.Strategy
	c.mu.Unlock()
}

func (c *console) onConnection(ev signal.ConnectionEvent) {
	c.mu.Lock()
	c.feed = ev.State
	c.mu.Unlock()
}

func (c *console) onLog(ev signal.LogEvent) {
	c.mu.Lock()
	c.logs = append(c.logs, ev)
	if over := len(c.logs) - c.maxLogs; over > 0 {
		c.logs = append(c.logs[:0], c.logs[over:]...)
	}
	c.mu.Unlock()
}

func (c *console) printStatus(out io.Writer, sim *app.App) {
	c.mu.Lock()
	m, bot, strategy, feed := c.metrics, c.bot, c.strategy, c.feed
	c.mu.Unlock()

	onOff := "OFF"
	if bot {
		onOff = "ON"
	}
	snap := sim.Engine.PortfolioSnapshot()
	fmt.Fprintf(out, "Strategy: %s | Bot: %s | Feed: %s\n", strategy, onOff, feed)
	fmt.Fprintf(out, "Ticks/s %.2f | orders %d/%d filled | cmd p50 %.2fms p99 %.2fms\n",
		m.TicksPerSec, m.OrderCreated, m.OrderFilled, m.CommandP50Ms, m.CommandP99Ms)
	fmt.Fprintf(out, "Cash %.2f | Equity %.2f | Margin %.2f | rPnL %.2f | uPnL %.2f\n",
		snap.CashBalance, snap.Equity, snap.MarginUsed, snap.RealizedPnL, snap.UnrealizedPnL)
	for _, p := range snap.OpenPositions() {
		fmt.Fprintf(out, "  %s %-8s qty %+g entry %.4f mark %.4f uPnL %.2f\n",
			p.SourceOrderID, p.Instrument, p.Quantity, p.AvgEntryPrice, p.MarkPrice, p.UnrealizedPnL)
	}
	if n := sim.Commands.Reviews().Len(); n > 0 {
		fmt.Fprintf(out, "Pending reviews: %d\n", n)
	}
}

func (c *console) printLogs(out io.Writer) {
	c.mu.Lock()
	logs := append([]signal.LogEvent(nil), c.logs...)
	c.mu.Unlock()
	start := 0
	if len(logs) > 20 {
		start = len(logs) - 20
	}
	for _, ev := range logs[start:] {
		fmt.Fprintf(out, "%s [%s] %s\n", ev.TS.Format("15:04:05.000"), ev.Level, ev.Message)
	}
}
