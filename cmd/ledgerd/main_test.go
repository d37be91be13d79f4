package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/position_ledger/internal/config"
	"github.com/eddiefleurent/position_ledger/internal/dispatch"
	"github.com/eddiefleurent/position_ledger/internal/models"
)

func paperConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
environment:
  mode: paper
  log_level: debug
broker:
  provider: mock
storage:
  backend: json
  path: %s
server:
  port: 0
`, path)))
	require.NoError(t, err)
	return cfg
}

func TestNewLogger(t *testing.T) {
	cfg := paperConfig(t)
	logger := newLogger(cfg)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText, "paper mode logs as text")

	cfg.Environment.Mode = "live"
	_, isJSON := newLogger(cfg).Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON, "live mode logs as JSON")
}

func TestBuild_PaperStack(t *testing.T) {
	cfg := paperConfig(t)
	logger, _ := test.NewNullLogger()

	a, err := build(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.close()

	assert.NotNil(t, a.memLocks, "memory locks are the default")
	assert.NotNil(t, a.engine)

	report, err := a.reconciler.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Corrected)

	_, err = a.dispatcher.Dispatch(context.Background(), dispatch.Intent{Action: dispatch.ActionExit, Ticker: "SPY"})
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestRun_Once(t *testing.T) {
	cfg := paperConfig(t)
	logger, _ := test.NewNullLogger()
	require.NoError(t, run(context.Background(), cfg, logger, true))
}

func TestRun_CancelledBeforeStartup(t *testing.T) {
	cfg := paperConfig(t)
	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, run(ctx, cfg, logger, false))

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "Shutdown requested during startup" {
			found = true
		}
	}
	assert.True(t, found, "cancelled startup is reported as a clean shutdown")
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := paperConfig(t)
	logger, _ := test.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, cfg, logger, false))
}
