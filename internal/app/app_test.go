package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.App.Mode = "paper"
	cfg.App.HTTPAddr = ""
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "trades.db")
	cfg.Broker.PaperQuotes = map[string]float64{"XAUUSD": 2000}
	cfg.Broker.PaperBalance = 50000
	cfg.Reconcile.IntervalSeconds = 1
	return cfg
}

func TestBuildPaperApp(t *testing.T) {
	app, err := NewApp(paperConfig(t))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	require.NotNil(t, app.Executor())
	require.NotNil(t, app.Monitor())
	assert.Contains(t, app.Catalog().Keys(), "XAUUSD")

	st, err := app.Executor().CooldownStatus(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, st.CanTrade)

	info, err := app.Broker().GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, info.NetLiquidation)

	out := app.Summary.Render()
	assert.Contains(t, out, "mode: paper")
	assert.Contains(t, out, "XAUUSD")
	assert.Contains(t, out, "reconcile: every 1s")
}

func TestRunStopsOnCancel(t *testing.T) {
	app, err := NewApp(paperConfig(t))
	require.NoError(t, err)
	app.Summary = nil

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Nil(t, app.Ledger())
}

func TestBuildRejectsNilConfig(t *testing.T) {
	_, err := NewApp(nil)
	require.Error(t, err)
}
