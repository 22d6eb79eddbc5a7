package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fusion-trader/internal/model"
)

var t0 = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

func newSim(t *testing.T) *SimulatorExecutor {
	sim := NewSimulatorExecutor(SimulatorConfig{InitialCapital: 1000}, nil, zaptest.NewLogger(t).Sugar())
	sim.SetPrice("AMD", 100, t0)
	return sim
}

func TestSimulator_OpenAndClose(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)

	conf, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 4, Type: model.OrderMarket})
	require.NoError(t, err)
	assert.True(t, conf.Confirmed())
	assert.Equal(t, 100.0, conf.FillPrice)
	assert.Equal(t, t0, conf.FilledAt)
	assert.NotEmpty(t, conf.OrderRef)

	pos, err := sim.GetPosition(ctx, "AMD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, model.DirLong, pos.Direction)
	assert.Equal(t, 4.0, pos.Size)

	bp, _ := sim.GetBuyingPower(ctx)
	assert.InDelta(t, 600, bp, 1e-9)

	sim.SetPrice("AMD", 110, t0.Add(time.Hour))
	bal, _ := sim.GetBalance(ctx)
	assert.InDelta(t, 1040, bal, 1e-9)

	conf, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderSell, Quantity: 4})
	require.NoError(t, err)
	assert.True(t, conf.Confirmed())

	pos, _ = sim.GetPosition(ctx, "AMD")
	assert.Nil(t, pos)
	bp, _ = sim.GetBuyingPower(ctx)
	assert.InDelta(t, 1040, bp, 1e-9)
}

func TestSimulator_ShortPnL(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	_, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderSell, Quantity: 2})
	require.NoError(t, err)

	sim.SetPrice("AMD", 90, t0.Add(time.Minute))
	_, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 2})
	require.NoError(t, err)

	bal, _ := sim.GetBalance(ctx)
	assert.InDelta(t, 1020, bal, 1e-9)
}

func TestSimulator_RejectionsAndFailures(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)

	conf, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 11})
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, conf.Status, "not enough cash")
	assert.False(t, conf.Confirmed())

	_, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "TSLA", Side: model.OrderBuy, Quantity: 1})
	assert.ErrorIs(t, err, model.ErrDataUnavailable)

	boom := errors.New("connection reset")
	sim.FailNextOrder(boom)
	_, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 1})
	assert.ErrorIs(t, err, boom)

	conf, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, conf.Confirmed(), "failure is consumed")
}

func TestSimulator_PendingOrders(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	sim.HoldOrdersPending(true)

	conf, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, conf.Status)
	assert.Zero(t, conf.FilledQty)

	pending, _ := sim.HasPendingOrder(ctx, "AMD")
	assert.True(t, pending)
	pos, _ := sim.GetPosition(ctx, "AMD")
	assert.Nil(t, pos)

	sim.CancelPending("AMD")
	pending, _ = sim.HasPendingOrder(ctx, "AMD")
	assert.False(t, pending)
	assert.Len(t, sim.Orders(), 1)
}

func TestSimulator_PartialFills(t *testing.T) {
	ctx := context.Background()
	sim := newSim(t)
	sim.SetFillRatio(0.5)

	conf, err := sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderBuy, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartial, conf.Status)
	assert.Equal(t, 2.0, conf.FilledQty)
	assert.False(t, conf.Confirmed())
	assert.True(t, conf.HasFill())
	assert.True(t, conf.Partial())

	pos, _ := sim.GetPosition(ctx, "AMD")
	require.NotNil(t, pos)
	assert.Equal(t, 2.0, pos.Size)

	// the remainder of an exit can be resubmitted once the first half filled
	conf, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderSell, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 1.0, conf.FilledQty)

	sim.SetFillRatio(1)
	conf, err = sim.SubmitOrder(ctx, model.OrderRequest{Symbol: "AMD", Side: model.OrderSell, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, conf.Confirmed())
	pos, _ = sim.GetPosition(ctx, "AMD")
	assert.Nil(t, pos)
}

func TestSimulator_StartMonitorTracksTicks(t *testing.T) {
	ch := make(chan model.Ticker, 2)
	sim := NewSimulatorExecutor(SimulatorConfig{InitialCapital: 1000}, ch, zaptest.NewLogger(t).Sugar())

	ch <- model.Ticker{Symbol: "BTC-USDT", Timestamp: t0.UnixMilli(), Price: 50}
	close(ch)
	sim.StartMonitor(context.Background())

	conf, err := sim.SubmitOrder(context.Background(), model.OrderRequest{Symbol: "BTC-USDT", Side: model.OrderBuy, Quantity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 50.0, conf.FillPrice)
	assert.True(t, t0.Equal(conf.FilledAt))
}
