package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

const testConfig = `
LogLevel: error
Exchange:
  WSURL: ws://127.0.0.1:1/ws
Instances:
  crypto:
    Symbols: ["SOLUSDT", "BTCUSDT"]
    Interval: 5m
    HigherInterval: 1h
    Fractional: true
    InitialCapital: 5000
  equities:
    Symbols: ["AMD", "BTCUSDT"]
    Interval: 15m
    HigherInterval: ""
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWatchlistUnion(t *testing.T) {
	dir := writeConfig(t, testConfig)
	cfg, err := service.LoadConfig(dir)
	require.NoError(t, err)

	symbols, intervals := watchlist(cfg)
	assert.Equal(t, []string{"AMD", "BTCUSDT", "SOLUSDT"}, symbols)
	assert.Equal(t, []string{"15m", "1h", "5m"}, intervals)
	assert.Equal(t, []string{"crypto", "equities"}, instanceNames(cfg))
}

func TestNewApp_WiresOneOrchestratorPerInstance(t *testing.T) {
	cfg, err := service.LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	for _, name := range []string{"crypto", "equities"} {
		orc := app.Orchestrator(name)
		require.NotNil(t, orc, name)
		assert.Equal(t, name, orc.Name())
		assert.False(t, orc.Gate().IsHalted())
	}
	assert.Nil(t, app.Orchestrator("missing"))
	assert.Nil(t, app.server, "status server disabled by default")
	assert.Nil(t, app.history, "no REST URL configured")

	// the simulator balance comes from the instance config
	bp, err := app.sims["crypto"].GetBuyingPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5000.0, bp)
}

func TestNewApp_UnknownLedgerDriver(t *testing.T) {
	cfg, err := service.LoadConfig(writeConfig(t, testConfig+"Ledger:\n  Driver: cassandra\n"))
	require.NoError(t, err)
	_, err = NewApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "cassandra")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	cfg, err := service.LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Orchestrator("crypto").Cycles() > 0 && app.Orchestrator("equities").Cycles() > 0
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestApp_FanoutReachesEverySimulator(t *testing.T) {
	cfg, err := service.LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.fanout(ctx)
	for _, sim := range app.sims {
		go sim.StartMonitor(ctx)
	}

	// ticks enter through the data engine, as they would from the connector
	app.engine.Process(model.Ticker{Symbol: "BTCUSDT", Timestamp: time.Now().UnixMilli(), Price: 64000, Volume: 1})

	for name, sim := range app.sims {
		sim := sim
		require.Eventually(t, func() bool {
			conf, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "BTCUSDT", Side: model.OrderBuy, Quantity: 0.001, Type: model.OrderMarket})
			return err == nil && conf.Status == model.OrderFilled
		}, 2*time.Second, 10*time.Millisecond, name)
	}
}

func TestLedgerCommand_RejectsMemoryDriver(t *testing.T) {
	dir := writeConfig(t, testConfig)
	_, err := execute(t, "ledger", "--config", dir, "--since", "24h", "--records")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Ledger.Driver")
}

func TestNewLedgerReport(t *testing.T) {
	exit := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	records := []model.ClosedTradeRecord{
		{ID: "a", Symbol: "AMD", Side: model.DirLong, Quantity: 2, RealizedPnL: 6, ExitReason: model.ExitTakeProfit, ExitTime: exit, HoldingDuration: time.Hour},
		{ID: "b", Symbol: "AMD", Side: model.DirLong, Quantity: 2, RealizedPnL: -3, ExitReason: model.ExitStopLoss, ExitTime: exit},
	}

	summary := newLedgerReport(records, false)
	assert.Equal(t, 2, summary.Summary.Trades)
	assert.InDelta(t, 2, summary.Summary.ProfitFactor, 1e-12)
	assert.Empty(t, summary.Records)

	full := newLedgerReport(records, true)
	require.Len(t, full.Records, 2)
	assert.Equal(t, "take_profit", full.Records[0].ExitReason)
	assert.Equal(t, "1h0m0s", full.Records[0].Holding)

	raw, err := json.Marshal(full)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"profit_factor":2`)
}

func TestStatusCommand_NeedsRedis(t *testing.T) {
	_, err := execute(t, "status", "--config", writeConfig(t, testConfig))
	assert.ErrorContains(t, err, "Redis.Enabled")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fusion-trader v"+version)
}
