package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100000.0, cfg.Trading.InitialCapital)
	assert.Contains(t, cfg.Trading.Symbols, "AAPL")
	assert.Equal(t, 0.12, cfg.Trading.NotionalPct)
	assert.Equal(t, 5, cfg.Trading.MaxNames)
	assert.Equal(t, []string{"DELL", "HPQ"}, cfg.Trading.Shortable)
	assert.Equal(t, 0.10, cfg.Risk.MaxPositionSizePct)
	assert.Equal(t, 1.0, cfg.Risk.MaxLeverage)
	assert.Equal(t, "daily", cfg.Backtest.Rebalance)
	assert.Equal(t, "momentum", cfg.Backtest.Strategy)
	assert.Equal(t, "16:35", cfg.Schedule.AfterHoursAt)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9000
trading:
  symbols: ["TSLA"]
risk:
  max_leverage: 2.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"TSLA"}, cfg.Trading.Symbols)
	assert.Equal(t, 2.0, cfg.Risk.MaxLeverage)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.10, cfg.Risk.MaxPositionSizePct)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("TRADINGDESK_RISK_MAX_LEVERAGE", "3.5")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3.5, cfg.Risk.MaxLeverage)
}

func TestLoadMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{::bad"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestRiskLimitsConversion(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	limits := cfg.Risk.RiskLimits()
	assert.Equal(t, "0.1", limits.MaxPositionSizePct.String())
	assert.Equal(t, "1", limits.MaxLeverage.String())
	assert.Equal(t, "100", limits.MinTradeSize.String())
	assert.Equal(t, "10000", limits.MaxTradeSize.String())
}
