package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
LogLevel: debug
Ledger:
  Driver: postgres
  DSN: postgres://localhost/trades
Instances:
  crypto:
    Symbols: ["BTCUSD", "SOLUSD"]
    Interval: 15m
    Fractional: true
    Gate:
      MaxTradesPerWindow: 4
      Cooldown: 5m
    Fusion:
      MinConfidence: 0.35
  equities:
    Symbols: ["AMD"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig_InstancesInheritDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.Equal(t, 5*time.Second, cfg.Ledger.QueryTimeout, "unset root keys keep defaults")
	require.Len(t, cfg.Instances, 2)

	crypto := cfg.Instances["crypto"]
	assert.Equal(t, []string{"BTCUSD", "SOLUSD"}, crypto.Symbols)
	assert.Equal(t, "15m", crypto.Interval)
	assert.True(t, crypto.Fractional)
	assert.Equal(t, 4, crypto.Gate.MaxTradesPerWindow)
	assert.Equal(t, 5*time.Minute, crypto.Gate.Cooldown)
	assert.InDelta(t, 0.35, crypto.Fusion.MinConfidence, 1e-9)

	// untouched keys inside an overridden section keep their defaults
	assert.Equal(t, 3, crypto.Gate.MaxConsecutiveLosses)
	assert.InDelta(t, 1.5, crypto.Gate.MinRiskReward, 1e-9)
	assert.InDelta(t, 0.25, crypto.Fusion.RSIWeight, 1e-9)

	equities := cfg.Instances["equities"]
	assert.Equal(t, DefaultInstanceConfig().Indicators, equities.Indicators)
	assert.False(t, equities.Fractional)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "config file not found")

	_, err = LoadConfig(writeConfig(t, "LogLevel: info\n"))
	assert.ErrorContains(t, err, "no instances")

	_, err = LoadConfig(writeConfig(t, `
Instances:
  broken:
    Symbols: ["X"]
    Indicators:
      FastEMA: 30
`))
	assert.ErrorContains(t, err, "fast EMA")
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := writeConfig(t, sampleConfig)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FUSION_LEDGER_DSN=postgres://env/override\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FUSION_LEDGER_DSN") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/override", cfg.Ledger.DSN)
}

func TestInstanceConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*InstanceConfig)
		ok     bool
	}{
		{"defaults with symbols", func(c *InstanceConfig) {}, true},
		{"empty watchlist", func(c *InstanceConfig) { c.Symbols = nil }, false},
		{"bad interval", func(c *InstanceConfig) { c.Interval = "5x" }, false},
		{"no higher timeframe", func(c *InstanceConfig) { c.HigherInterval = "" }, true},
		{"risk fraction too large", func(c *InstanceConfig) { c.Risk.RiskPerTrade = 1.5 }, false},
		{"zero loss limit", func(c *InstanceConfig) { c.Gate.MaxConsecutiveLosses = 0 }, false},
		{"zero open positions", func(c *InstanceConfig) { c.Gate.MaxOpenPositions = 0 }, false},
		{"zero RSI period", func(c *InstanceConfig) { c.Indicators.RSIPeriod = 0 }, false},
		{"negative ATR period", func(c *InstanceConfig) { c.Indicators.ATRPeriod = -1 }, false},
		{"zero Bollinger period", func(c *InstanceConfig) { c.Indicators.BollingerPeriod = 0 }, false},
		{"zero chop period", func(c *InstanceConfig) { c.Indicators.ChopPeriod = 0 }, false},
		{"zero fast EMA", func(c *InstanceConfig) { c.Indicators.FastEMA = 0 }, false},
		{"zero stop multiplier", func(c *InstanceConfig) { c.Indicators.ATRMultiplier = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultInstanceConfig()
			c.Symbols = []string{"AMD"}
			tc.mutate(&c)
			if tc.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestLoadConfig_ShippedExample(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config"))
	require.NoError(t, err)
	require.Contains(t, cfg.Instances, "balanced")
	require.Contains(t, cfg.Instances, "aggressive")

	agg := cfg.Instances["aggressive"]
	assert.True(t, agg.AllowShort)
	assert.Equal(t, 4*time.Hour, agg.Exit.MaxHoldingTime)
	assert.InDelta(t, 0.03, agg.Risk.RiskPerTrade, 1e-9)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
}
