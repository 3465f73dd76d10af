package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hftsim-go/internal/config"
	"hftsim-go/internal/signal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "events.ndjson")
	cfg.Engine.Seed = 11
	return &cfg
}

func TestNewRejectsBadWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Topics = []string{"market.tick", "nope"}
	_, err := New(cfg, zerolog.Nop(), clock.NewMock())
	assert.ErrorContains(t, err, "nope")

	cfg = testConfig(t)
	cfg.Market.Provider = "carrier-pigeon"
	_, err = New(cfg, zerolog.Nop(), clock.NewMock())
	assert.Error(t, err)
}

func TestAppLifecycle(t *testing.T) {
	cfg := testConfig(t)
	mock := clock.NewMock()
	a, err := New(cfg, zerolog.Nop(), mock)
	require.NoError(t, err)
	assert.Equal(t, []string{"journal", "metrics", "stream", "commands", "engine", "market"}, a.Modules())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))

	mock.Add(cfg.Market.Frame())
	require.Eventually(t, func() bool {
		for _, inst := range cfg.Market.Instruments {
			if _, ok := a.Engine.LastPrice(inst); ok {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "engine should observe generator ticks")

	require.NoError(t, a.Stop(ctx))

	data, err := os.ReadFile(cfg.Journal.Path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"event":"market.tick"`)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		assert.True(t, strings.HasPrefix(line, `{"event":`), line)
	}

	assert.False(t, a.Bus.Publish(signal.LogEvent{Message: "late"}), "bus is closed after Stop")
}
