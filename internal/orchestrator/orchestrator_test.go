package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fusion-trader/internal/data"
	"fusion-trader/internal/executor"
	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

var t0 = time.Date(2025, 3, 3, 1, 0, 0, 0, time.UTC)

// blindGateway never reports a position, as a broker whose position endpoint lags would.
type blindGateway struct {
	executor.ExecutionGateway
}

func (blindGateway) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	return nil, nil
}

type env struct {
	orc    *Orchestrator
	store  *data.SeriesStore
	news   *data.MemoryNews
	sim    *executor.SimulatorExecutor
	ledger *ledger.MemoryLedger
	clock  time.Time
}

func newEnv(t *testing.T, mutate func(*service.InstanceConfig), wrap func(executor.ExecutionGateway) executor.ExecutionGateway) *env {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	cfg := service.DefaultInstanceConfig()
	cfg.Symbols = []string{"AMD"}
	cfg.Fractional = true
	if mutate != nil {
		mutate(&cfg)
	}

	e := &env{
		store:  data.NewSeriesStore(500),
		news:   data.NewMemoryNews(),
		sim:    executor.NewSimulatorExecutor(executor.SimulatorConfig{InitialCapital: 1000}, nil, logger),
		ledger: ledger.NewMemoryLedger(),
		clock:  t0,
	}
	var gw executor.ExecutionGateway = e.sim
	if wrap != nil {
		gw = wrap(gw)
	}
	orc, err := New(t.Name(), cfg, e.store, e.news, gw, e.ledger, logger)
	require.NoError(t, err)
	orc.SetClock(func() time.Time { return e.clock })
	e.orc = orc
	return e
}

func (e *env) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func (e *env) setPrice(symbol string, price float64) {
	e.store.SetLatestPrice(symbol, price)
	e.sim.SetPrice(symbol, price, e.clock)
}

// seed stores 5m bars ending just before the current clock.
func (e *env) seed(symbol string, closes []float64) {
	bars := make([]model.KLine, 0, len(closes))
	for i, c := range closes {
		start := e.clock.Add(time.Duration(i-len(closes)) * 5 * time.Minute)
		bars = append(bars, model.KLine{
			Symbol: symbol, Interval: "5m",
			Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 500,
			StartTime: start, EndTime: start.Add(5 * time.Minute),
		})
	}
	e.store.Seed(symbol, "5m", bars)
}

// pullbackInUptrend is 60 rising closes followed by a 39 point drop: RSI 25 with the fast EMA
// still above the slow one.
func pullbackInUptrend() []float64 {
	closes := make([]float64, 0, 61)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100+float64(i))
	}
	return append(closes, 120)
}

// spikeInDowntrend mirrors pullbackInUptrend around 150.
func spikeInDowntrend() []float64 {
	up := pullbackInUptrend()
	out := make([]float64, len(up))
	for i, c := range up {
		out[i] = 300 - c
	}
	return out
}

func TestRunCycle_ExecutesOversoldUptrend(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)

	cycle := e.orc.RunCycle(ctx)
	require.Len(t, cycle.Decisions, 1)
	d := cycle.Decisions[0]
	require.Equal(t, OutcomeExecuted, d.Outcome, d.Reason)

	require.NotNil(t, d.Score)
	assert.Equal(t, model.SignalBuy, d.Score.Direction)
	assert.GreaterOrEqual(t, d.Score.Confidence, 0.5)

	require.NotNil(t, d.Trade)
	assert.Equal(t, model.DirLong, d.Trade.Side)
	assert.InDelta(t, 120, d.Trade.EntryPrice, 1e-9)
	assert.Less(t, d.Trade.StopLoss, 120.0)
	assert.Greater(t, d.Trade.TakeProfit, 120.0)
	require.NotNil(t, d.Risk)
	assert.InDelta(t, d.Risk.PositionSize*(120-d.Risk.StopLossPrice), d.Risk.RiskAmount, 1e-9)

	assert.True(t, e.orc.Tracker().IsOpen("AMD"))
	assert.Equal(t, 1, e.orc.Gate().Status().TradesInWindow)
	assert.False(t, e.orc.Gate().IsHalted())

	pos, err := e.sim.GetPosition(ctx, "AMD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, d.Trade.Quantity, pos.Size, 1e-9)

	// once the cooldown has passed the open position is what blocks a second entry
	e.advance(20 * time.Minute)
	cycle = e.orc.RunCycle(ctx)
	assert.Empty(t, cycle.Closed)
	d = cycle.Decisions[0]
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, model.ReasonPositionExists, d.RejectReason)
	assert.Len(t, e.sim.Orders(), 1)
}

func TestRunCycle_ShortEntriesAreOptIn(t *testing.T) {
	ctx := context.Background()

	e := newEnv(t, nil, nil)
	e.seed("AMD", spikeInDowntrend())
	e.setPrice("AMD", 180)
	d := e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeHold, d.Outcome)
	require.NotNil(t, d.Score)
	assert.Equal(t, model.SignalSell, d.Score.Direction)
	assert.Empty(t, e.sim.Orders())

	e = newEnv(t, func(cfg *service.InstanceConfig) { cfg.AllowShort = true }, nil)
	e.seed("AMD", spikeInDowntrend())
	e.setPrice("AMD", 180)
	d = e.orc.RunCycle(ctx).Decisions[0]
	require.Equal(t, OutcomeExecuted, d.Outcome, d.Reason)
	assert.Equal(t, model.DirShort, d.Trade.Side)
	assert.Greater(t, d.Trade.StopLoss, 180.0)
	assert.Less(t, d.Trade.TakeProfit, 180.0)
}

func TestRunCycle_HaltedGateRejectsEverything(t *testing.T) {
	e := newEnv(t, func(cfg *service.InstanceConfig) { cfg.Symbols = []string{"AMD", "NVDA"} }, nil)
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)
	e.orc.Gate().Halt("maintenance")

	cycle := e.orc.RunCycle(context.Background())
	assert.True(t, cycle.Halted)
	require.Len(t, cycle.Decisions, 2)
	for _, d := range cycle.Decisions {
		assert.Equal(t, OutcomeRejected, d.Outcome)
		assert.Equal(t, model.ReasonHalted, d.RejectReason)
		assert.Contains(t, d.Reason, "maintenance")
	}
	assert.Empty(t, e.sim.Orders())
}

func TestRunCycle_DataUnavailable(t *testing.T) {
	e := newEnv(t, func(cfg *service.InstanceConfig) { cfg.Symbols = []string{"AMD", "NVDA", "TSLA"} }, nil)
	e.seed("NVDA", pullbackInUptrend()[:10])
	e.seed("TSLA", pullbackInUptrend())
	e.setPrice("TSLA", 120)

	cycle := e.orc.RunCycle(context.Background())
	require.Len(t, cycle.Decisions, 3)

	assert.Equal(t, OutcomeDataUnavailable, cycle.Decisions[0].Outcome)
	assert.ErrorIs(t, cycle.Decisions[0].Err, model.ErrDataUnavailable)

	assert.Equal(t, OutcomeDataUnavailable, cycle.Decisions[1].Outcome)
	assert.ErrorIs(t, cycle.Decisions[1].Err, model.ErrInsufficientData)

	// the loop carries on past symbols without data
	assert.Equal(t, "TSLA", cycle.Decisions[2].Symbol)
	assert.Equal(t, OutcomeExecuted, cycle.Decisions[2].Outcome, cycle.Decisions[2].Reason)
}

func TestRunCycle_NewsFailureFallsBackToNeutral(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)
	e.news.SetError(errors.New("feed down"))

	d := e.orc.RunCycle(context.Background()).Decisions[0]
	assert.Equal(t, OutcomeExecuted, d.Outcome, d.Reason)
	assert.Equal(t, model.SignalHold, d.Score.SentimentDirection)
}

func TestRunCycle_GatewayFailureTracksNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)
	e.sim.FailNextOrder(errors.New("connection reset"))

	d := e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeGatewayFailure, d.Outcome)
	var gf *model.GatewayFailureError
	require.ErrorAs(t, d.Err, &gf)
	assert.Equal(t, "submit_order", gf.Op)
	assert.False(t, e.orc.Tracker().IsOpen("AMD"))
	assert.Zero(t, e.orc.Gate().Status().TradesInWindow)
}

func TestRunCycle_PendingFillIsNotTracked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nil)
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)
	e.sim.HoldOrdersPending(true)

	d := e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeGatewayFailure, d.Outcome)
	assert.False(t, e.orc.Tracker().IsOpen("AMD"))

	e.advance(20 * time.Minute)
	d = e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, model.ReasonPendingOrderExists, d.RejectReason)
}

// partialEntry fills only half of the first n orders it sees.
type partialEntry struct {
	*executor.SimulatorExecutor
	n int
}

func (p *partialEntry) SubmitOrder(ctx context.Context, req model.OrderRequest) (*model.OrderConfirmation, error) {
	if p.n > 0 {
		p.n--
		p.SetFillRatio(0.5)
		defer p.SetFillRatio(1)
	}
	return p.SimulatorExecutor.SubmitOrder(ctx, req)
}

func TestRunCycle_PartialEntryIsUnwound(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(gw executor.ExecutionGateway) executor.ExecutionGateway {
		return &partialEntry{SimulatorExecutor: gw.(*executor.SimulatorExecutor), n: 1}
	})
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)

	d := e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeGatewayFailure, d.Outcome)
	assert.Contains(t, d.Reason, "unwound")
	assert.False(t, e.orc.Tracker().IsOpen("AMD"), "only complete fills are tracked")
	assert.False(t, e.orc.Gate().IsHalted())
	assert.Equal(t, 1, e.orc.Gate().Status().TradesInWindow, "the partial fill still counts as an execution")

	orders := e.sim.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, model.OrderPartial, orders[0].Status)
	assert.Equal(t, model.OrderSell, orders[1].Side)
	assert.InDelta(t, orders[0].FilledQty, orders[1].FilledQty, 1e-12)
	pos, _ := e.sim.GetPosition(ctx, "AMD")
	assert.Nil(t, pos, "nothing is left at the broker")
}

func TestRunCycle_FailedUnwindHaltsGate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, func(gw executor.ExecutionGateway) executor.ExecutionGateway {
		return &partialEntry{SimulatorExecutor: gw.(*executor.SimulatorExecutor), n: 2}
	})
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)

	d := e.orc.RunCycle(ctx).Decisions[0]
	assert.Equal(t, OutcomeGatewayFailure, d.Outcome)
	assert.Contains(t, d.Reason, "unwind failed")
	assert.False(t, e.orc.Tracker().IsOpen("AMD"))

	st := e.orc.Gate().Status()
	assert.True(t, e.orc.Gate().IsHalted())
	assert.Equal(t, model.ReasonPositionTrackingFailure, st.HaltCause)
	pos, _ := e.sim.GetPosition(ctx, "AMD")
	require.NotNil(t, pos, "a quarter of the entry is still held")
}

func TestRunCycle_MaxOpenPositions(t *testing.T) {
	e := newEnv(t, func(cfg *service.InstanceConfig) {
		cfg.Symbols = []string{"AMD", "NVDA"}
		cfg.Gate.Cooldown = 0
		cfg.Gate.MaxOpenPositions = 1
	}, nil)
	e.seed("AMD", pullbackInUptrend())
	e.seed("NVDA", pullbackInUptrend())
	e.setPrice("AMD", 120)
	e.setPrice("NVDA", 120)

	cycle := e.orc.RunCycle(context.Background())
	require.Len(t, cycle.Decisions, 2)
	assert.Equal(t, OutcomeExecuted, cycle.Decisions[0].Outcome, cycle.Decisions[0].Reason)
	assert.Equal(t, OutcomeRejected, cycle.Decisions[1].Outcome)
	assert.Equal(t, model.ReasonMaxPositions, cycle.Decisions[1].RejectReason)
	assert.Equal(t, 1, e.orc.Tracker().OpenCount())
	assert.Len(t, e.sim.Orders(), 1)
}

func TestRunCycle_UnverifiedPositionHaltsGate(t *testing.T) {
	e := newEnv(t, nil, func(gw executor.ExecutionGateway) executor.ExecutionGateway {
		return blindGateway{gw}
	})
	e.seed("AMD", pullbackInUptrend())
	e.setPrice("AMD", 120)

	d := e.orc.RunCycle(context.Background()).Decisions[0]
	assert.Equal(t, OutcomeExecuted, d.Outcome)
	assert.Contains(t, d.Reason, "verification failed")
	assert.True(t, e.orc.Tracker().IsOpen("AMD"), "the fill is still managed")

	st := e.orc.Gate().Status()
	assert.True(t, e.orc.Gate().IsHalted())
	assert.Equal(t, model.ReasonPositionTrackingFailure, st.HaltCause)
}

func TestRunCycle_ThreeLosingTradesHaltTheGate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *service.InstanceConfig) { cfg.Gate.MaxDailyLoss = 10000 }, nil)
	e.seed("AMD", pullbackInUptrend())

	for i := 0; i < 3; i++ {
		e.setPrice("AMD", 120)
		d := e.orc.RunCycle(ctx).Decisions[0]
		require.Equal(t, OutcomeExecuted, d.Outcome, "entry %d: %s", i, d.Reason)

		// inside the cooldown, so the cycle only manages the exit
		e.advance(5 * time.Minute)
		e.setPrice("AMD", 105)
		cycle := e.orc.RunCycle(ctx)
		require.Len(t, cycle.Closed, 1, "exit %d", i)
		assert.Equal(t, model.ExitStopLoss, cycle.Closed[0].ExitReason)
		assert.Less(t, cycle.Closed[0].RealizedPnL, 0.0)
		assert.Equal(t, i == 2, cycle.Halted, "exit %d", i)

		e.advance(2 * time.Hour)
	}
	assert.Equal(t, 3, e.orc.Gate().ConsecutiveLosses())

	// a fresh high-confidence setup is still vetoed
	e.setPrice("AMD", 120)
	cycle := e.orc.RunCycle(ctx)
	require.Len(t, cycle.Decisions, 1)
	assert.Equal(t, OutcomeRejected, cycle.Decisions[0].Outcome)
	assert.Equal(t, model.ReasonConsecutiveLossLimit, cycle.Decisions[0].RejectReason)
	assert.Len(t, e.sim.Orders(), 6)

	records, err := e.ledger.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestRun_StopsAfterCurrentCycle(t *testing.T) {
	e := newEnv(t, func(cfg *service.InstanceConfig) { cfg.ScanInterval = 5 * time.Millisecond }, nil)

	done := make(chan error, 1)
	go func() { done <- e.orc.Run(context.Background()) }()

	require.Eventually(t, func() bool { return e.orc.Cycles() >= 3 }, time.Second, time.Millisecond)
	e.orc.Stop()
	e.orc.Stop() // idempotent

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	e := newEnv(t, func(cfg *service.InstanceConfig) { cfg.ScanInterval = time.Hour }, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.orc.Run(ctx) }()

	require.Eventually(t, func() bool { return e.orc.Cycles() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := service.DefaultInstanceConfig()
	cfg.Symbols = []string{"AMD"}
	store := data.NewSeriesStore(10)
	sim := executor.NewSimulatorExecutor(executor.SimulatorConfig{InitialCapital: 100}, nil, nil)

	_, err := New("x", cfg, nil, data.NewMemoryNews(), sim, ledger.NewMemoryLedger(), nil)
	assert.Error(t, err)

	empty := cfg
	empty.Symbols = nil
	_, err = New("x", empty, store, data.NewMemoryNews(), sim, ledger.NewMemoryLedger(), nil)
	assert.Error(t, err)
}

func TestFromError(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{model.Rejected(model.ReasonCooldown, "x"), OutcomeRejected},
		{fmt.Errorf("size: %w", model.Violation("stop above entry")), OutcomeInvariantViolation},
		{&model.GatewayFailureError{Op: "submit_order", Err: errors.New("boom")}, OutcomeGatewayFailure},
		{model.ErrInsufficientData, OutcomeDataUnavailable},
		{errors.New("provider timeout"), OutcomeDataUnavailable},
	}
	for _, tc := range cases {
		d := fromError(Decision{Symbol: "AMD"}, tc.err)
		assert.Equal(t, tc.want, d.Outcome, tc.err.Error())
		assert.Equal(t, tc.err.Error(), d.Reason)
	}
	assert.Equal(t, model.ReasonCooldown, fromError(Decision{}, model.Rejected(model.ReasonCooldown, "")).RejectReason)
}
