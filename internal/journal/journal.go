// Package journal persists bus traffic as newline-delimited JSON.
package journal

import (
	"errors"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"hftsim-go/internal/bus"
	"hftsim-go/internal/signal"
)

// Config selects the file, flush cadence and journaled topics.
// An empty topic list journals every topic.
type Config struct {
	Enabled    bool
	Path       string
	FlushEvery time.Duration
	Topics     []signal.Topic
}

// Journal buffers bus events and appends them to disk on a fixed cadence
// and on Stop.
type Journal struct {
	log   zerolog.Logger
	bus   *bus.Bus
	clock clock.Clock
	cfg   Config

	mu      sync.Mutex
	rows    []signal.Envelope
	writer  *Writer
	subs    []*bus.Subscription
	stop    chan struct{}
	done    chan struct{}
	written uint64
}

// New builds a journal. A nil clock uses wall time.
func New(b *bus.Bus, log zerolog.Logger, clk clock.Clock, cfg Config) *Journal {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = signal.Topics()
	}
	return &Journal{
		log:   log.With().Str("component", "journal").Logger(),
		bus:   b,
		clock: clk,
		cfg:   cfg,
	}
}

// Start opens the file and subscribes. A disabled journal does nothing.
func (j *Journal) Start(ctx context.Context) error {
	if !j.cfg.Enabled {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writer != nil {
		return nil
	}

	w, err := OpenWriter(j.cfg.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	for _, topic := range j.cfg.Topics {
		sub, err := j.bus.Subscribe(topic, j.append)
		if err != nil {
			for _, s := range j.subs {
				s.Unsubscribe()
			}
			j.subs = nil
			_ = w.Close()
			return fmt.Errorf("journal subscribe %s: %w", topic, err)
		}
		j.subs = append(j.subs, sub)
	}
	j.writer = w
	j.stop, j.done = make(chan struct{}), make(chan struct{})
	go j.loop(j.clock.Ticker(j.cfg.FlushEvery), j.stop, j.done)
	j.log.Info().Str("path", j.cfg.Path).Int("topics", len(j.cfg.Topics)).Msg("journal started")
	return nil
}

// Stop detaches from the bus, writes anything still buffered and closes the file.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	stop, done, subs := j.stop, j.done, j.subs
	j.stop, j.done, j.subs = nil, nil, nil
	j.mu.Unlock()
	if stop == nil {
		return nil
	}
	for _, s := range subs {
		s.Unsubscribe()
	}
	close(stop)
	// the file is flushed and closed even when ctx expires first
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	flushErr := j.Flush()
	j.mu.Lock()
	w := j.writer
	j.writer = nil
	written := j.written
	j.mu.Unlock()
	j.log.Info().Uint64("rows", written).Msg("journal stopped")
	return errors.Join(waitErr, flushErr, w.Close())
}

// Flush writes buffered rows. It is a no-op when nothing is buffered.
func (j *Journal) Flush() error {
	j.mu.Lock()
	rows := j.rows
	j.rows = nil
	w := j.writer
	j.mu.Unlock()
	if len(rows) == 0 || w == nil {
		return nil
	}
	if err := w.Write(rows); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	j.mu.Lock()
	j.written += uint64(len(rows))
	j.mu.Unlock()
	return nil
}

// Buffered reports rows waiting for the next flush.
func (j *Journal) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.rows)
}

func (j *Journal) append(p signal.Payload) {
	row := signal.Wrap(p, j.clock.Now())
	j.mu.Lock()
	j.rows = append(j.rows, row)
	j.mu.Unlock()
}

func (j *Journal) loop(ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := j.Flush(); err != nil {
				j.log.Error().Err(err).Msg("journal flush failed")
			}
		}
	}
}
