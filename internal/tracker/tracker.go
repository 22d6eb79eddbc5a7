package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"fusion-trader/internal/executor"
	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

var (
	tradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_trades_closed_total",
		Help: "Closed trades by exit reason",
	}, []string{"instance", "reason"})

	realizedPnL = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_realized_pnl_abs_total",
		Help: "Absolute realized P&L, split by sign",
	}, []string{"instance", "sign"})

	openTrades = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fusion_open_trades",
		Help: "Trades currently tracked",
	}, []string{"instance"})
)

// PriceSource is the part of the market data source the tracker needs.
type PriceSource interface {
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// CloseRecorder receives realized P&L; the risk gate implements it.
type CloseRecorder interface {
	RecordClose(pnl float64, at time.Time)
}

// quantityEpsilon absorbs float residue when fills are subtracted from a position.
const quantityEpsilon = 1e-9

// Tracker owns the open trades of one instance, at most one per symbol.
type Tracker struct {
	mu       sync.Mutex
	instance string
	cfg      service.ExitConfig
	gateway  executor.ExecutionGateway
	prices   PriceSource
	gate     CloseRecorder
	ledger   ledger.Ledger
	trades   map[string]*model.ActiveTrade
	unsaved  []model.ClosedTradeRecord
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewTracker(
	instance string,
	cfg service.ExitConfig,
	gateway executor.ExecutionGateway,
	prices PriceSource,
	gate CloseRecorder,
	l ledger.Ledger,
	logger *zap.SugaredLogger,
) *Tracker {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &Tracker{
		instance: instance,
		cfg:      cfg,
		gateway:  gateway,
		prices:   prices,
		gate:     gate,
		ledger:   l,
		trades:   make(map[string]*model.ActiveTrade),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the wall clock used for holding-time checks.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Open starts tracking a filled entry. Anything short of a complete fill is a gateway failure
// and nothing is tracked.
func (t *Tracker) Open(conf *model.OrderConfirmation, risk model.TradeRisk, score model.TradeScore) (*model.ActiveTrade, error) {
	if !conf.Confirmed() {
		status := "missing"
		if conf != nil {
			status = fmt.Sprintf("%s (%.6f of %.6f filled)", conf.Status, conf.FilledQty, conf.Quantity)
		}
		return nil, &model.GatewayFailureError{Op: "entry_fill", Err: fmt.Errorf("%s entry not filled: %s", risk.Symbol, status)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[conf.Symbol]; ok {
		return nil, model.Violation("trade already open for %s", conf.Symbol)
	}

	entryTime := conf.FilledAt
	if entryTime.IsZero() {
		entryTime = t.now()
	}
	trade := &model.ActiveTrade{
		ID:          uuid.NewString(),
		Symbol:      conf.Symbol,
		Side:        risk.Side,
		Quantity:    conf.FilledQty,
		EntryPrice:  conf.FillPrice,
		EntryTime:   entryTime,
		StopLoss:    risk.StopLossPrice,
		TakeProfit:  risk.TakeProfitPrice,
		OrderRef:    conf.OrderRef,
		InitialStop: risk.StopLossPrice,
		BestPrice:   conf.FillPrice,
		Score:       score,
		Risk:        risk,
	}
	t.trades[trade.Symbol] = trade
	openTrades.WithLabelValues(t.instance).Set(float64(len(t.trades)))

	t.logger.Infow("trade opened",
		"id", trade.ID,
		"symbol", trade.Symbol,
		"side", trade.Side,
		"qty", trade.Quantity,
		"entry", trade.EntryPrice,
		"stop", trade.StopLoss,
		"target", trade.TakeProfit,
	)
	cp := *trade
	return &cp, nil
}

// Monitor evaluates exits for every open trade and returns the trades it closed.
func (t *Tracker) Monitor(ctx context.Context) []model.ClosedTradeRecord {
	t.flushLedger(ctx)

	var closed []model.ClosedTradeRecord
	for _, symbol := range t.openSymbols() {
		if ctx.Err() != nil {
			break
		}
		price, err := t.prices.GetLatestPrice(ctx, symbol)
		if err != nil {
			t.logger.Warnw("no price for open trade, skipping this cycle", "symbol", symbol, "error", err)
			continue
		}
		reason, ok := t.evaluate(symbol, price)
		if !ok {
			continue
		}
		rec, err := t.close(ctx, symbol, reason)
		if err != nil {
			t.logger.Errorw("exit order failed, trade stays open", "symbol", symbol, "reason", reason, "error", err)
			continue
		}
		closed = append(closed, rec)
	}
	return closed
}

// CloseTrade exits symbol at market regardless of its levels.
func (t *Tracker) CloseTrade(ctx context.Context, symbol string) (model.ClosedTradeRecord, error) {
	if !t.IsOpen(symbol) {
		return model.ClosedTradeRecord{}, fmt.Errorf("no open trade for %s", symbol)
	}
	return t.close(ctx, symbol, model.ExitManual)
}

// evaluate ratchets the trailing stop and picks an exit: stop first, then target, then age.
func (t *Tracker) evaluate(symbol string, price float64) (model.ExitReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	trade, ok := t.trades[symbol]
	if !ok {
		return "", false
	}
	if trade.ExitPending != "" {
		return trade.ExitPending, true
	}
	t.trail(trade, price)

	sign := trade.Side.Sign()
	switch {
	case (price-trade.StopLoss)*sign <= 0:
		if trade.StopLoss != trade.InitialStop {
			return model.ExitTrailingStop, true
		}
		return model.ExitStopLoss, true
	case (price-trade.TakeProfit)*sign >= 0:
		return model.ExitTakeProfit, true
	case t.cfg.MaxHoldingTime > 0 && t.now().Sub(trade.EntryTime) >= t.cfg.MaxHoldingTime:
		return model.ExitMaxHolding, true
	}
	return "", false
}

// trail moves the stop behind the best price once the trade is TrailActivatePct in profit.
// The stop only ever tightens.
func (t *Tracker) trail(trade *model.ActiveTrade, price float64) {
	if t.cfg.TrailPct <= 0 {
		return
	}
	sign := trade.Side.Sign()
	if (price-trade.BestPrice)*sign > 0 {
		trade.BestPrice = price
	}
	gainPct := (trade.BestPrice - trade.EntryPrice) / trade.EntryPrice * 100 * sign
	if gainPct < t.cfg.TrailActivatePct {
		return
	}
	candidate := trade.BestPrice * (1 - sign*t.cfg.TrailPct/100)
	if (candidate-trade.StopLoss)*sign > 0 {
		t.logger.Debugw("trailing stop moved", "symbol", trade.Symbol, "from", trade.StopLoss, "to", candidate)
		trade.StopLoss = candidate
	}
}

// close submits an exit for the open quantity. A partial exit fill reduces the trade and leaves
// it marked for exit, so the next Monitor resubmits only the remainder; the ledger record and
// the gate see the trade once, when it is flat.
func (t *Tracker) close(ctx context.Context, symbol string, reason model.ExitReason) (model.ClosedTradeRecord, error) {
	t.mu.Lock()
	trade, ok := t.trades[symbol]
	if !ok {
		t.mu.Unlock()
		return model.ClosedTradeRecord{}, fmt.Errorf("no open trade for %s", symbol)
	}
	if trade.ExitPending != "" {
		reason = trade.ExitPending
	}
	side, remaining := trade.Side, trade.Quantity
	t.mu.Unlock()

	conf, err := t.gateway.SubmitOrder(ctx, model.OrderRequest{
		Symbol:   symbol,
		Side:     model.ExitSide(side),
		Quantity: remaining,
		Type:     model.OrderMarket,
	})
	if err != nil {
		return model.ClosedTradeRecord{}, err
	}
	if !conf.HasFill() {
		return model.ClosedTradeRecord{}, &model.GatewayFailureError{Op: "exit_fill", Err: fmt.Errorf("exit order %s", conf.Status)}
	}
	filled := math.Min(conf.FilledQty, remaining)

	exitTime := conf.FilledAt
	if exitTime.IsZero() {
		exitTime = t.now()
	}

	t.mu.Lock()
	if t.trades[symbol] != trade {
		t.mu.Unlock()
		return model.ClosedTradeRecord{}, model.Violation("%s closed concurrently while its exit filled %.6f", symbol, filled)
	}
	trade.Quantity -= filled
	trade.ExitedQty += filled
	trade.ExitValue += conf.FillPrice * filled
	trade.PartialPnL += (conf.FillPrice - trade.EntryPrice) * filled * trade.Side.Sign()
	if trade.Quantity > quantityEpsilon {
		trade.ExitPending = reason
		left := trade.Quantity
		t.mu.Unlock()
		t.logger.Warnw("exit partially filled, remainder stays open",
			"symbol", symbol, "reason", reason, "filled", filled, "remaining", left)
		return model.ClosedTradeRecord{}, &model.GatewayFailureError{
			Op:  "exit_fill",
			Err: fmt.Errorf("exit of %s filled %.6f of %.6f, %.6f still open", symbol, filled, remaining, left),
		}
	}
	snapshot := *trade
	delete(t.trades, symbol)
	openTrades.WithLabelValues(t.instance).Set(float64(len(t.trades)))
	t.mu.Unlock()

	pnl := snapshot.PartialPnL
	rec := model.ClosedTradeRecord{
		ID:              snapshot.ID,
		Symbol:          symbol,
		Side:            snapshot.Side,
		Quantity:        snapshot.ExitedQty,
		EntryPrice:      snapshot.EntryPrice,
		ExitPrice:       snapshot.ExitValue / snapshot.ExitedQty,
		EntryTime:       snapshot.EntryTime,
		ExitTime:        exitTime,
		RealizedPnL:     pnl,
		RealizedPnLPct:  pnl / (snapshot.EntryPrice * snapshot.ExitedQty) * 100,
		ExitReason:      reason,
		HoldingDuration: exitTime.Sub(snapshot.EntryTime),
		EntryOrderRef:   snapshot.OrderRef,
		ExitOrderRef:    conf.OrderRef,
		Score:           snapshot.Score,
		Risk:            snapshot.Risk,
	}

	t.gate.RecordClose(pnl, exitTime)

	tradesClosed.WithLabelValues(t.instance, string(reason)).Inc()
	sign := "profit"
	if pnl < 0 {
		sign = "loss"
	}
	realizedPnL.WithLabelValues(t.instance, sign).Add(math.Abs(pnl))

	t.logger.Infow("trade closed",
		"id", rec.ID,
		"symbol", symbol,
		"reason", reason,
		"entry", rec.EntryPrice,
		"exit", rec.ExitPrice,
		"pnl", pnl,
		"pnl_pct", rec.RealizedPnLPct,
		"held", rec.HoldingDuration,
	)

	if err := t.append(ctx, rec); err != nil {
		t.logger.Errorw("ledger append failed, will retry", "id", rec.ID, "error", err)
		t.mu.Lock()
		t.unsaved = append(t.unsaved, rec)
		t.mu.Unlock()
	}
	return rec, nil
}

func (t *Tracker) append(ctx context.Context, rec model.ClosedTradeRecord) error {
	err := t.ledger.Append(ctx, rec)
	if errors.Is(err, ledger.ErrDuplicate) {
		return nil
	}
	return err
}

// flushLedger retries records whose append failed earlier, oldest first.
func (t *Tracker) flushLedger(ctx context.Context) {
	t.mu.Lock()
	pending := t.unsaved
	t.unsaved = nil
	t.mu.Unlock()

	var failed []model.ClosedTradeRecord
	for i, rec := range pending {
		if err := t.append(ctx, rec); err != nil {
			failed = append(failed, pending[i:]...)
			t.logger.Warnw("ledger still unavailable", "pending", len(failed), "error", err)
			break
		}
	}
	if len(failed) > 0 {
		t.mu.Lock()
		t.unsaved = append(failed, t.unsaved...)
		t.mu.Unlock()
	}
}

// PendingLedgerWrites is the number of closed trades not yet persisted.
func (t *Tracker) PendingLedgerWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unsaved)
}

// ActiveTrades returns copies of the open trades, oldest entry first.
func (t *Tracker) ActiveTrades() []model.ActiveTrade {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.ActiveTrade, 0, len(t.trades))
	for _, tr := range t.trades {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// OpenCount is the number of trades currently tracked.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trades)
}

func (t *Tracker) IsOpen(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.trades[symbol]
	return ok
}

func (t *Tracker) openSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	symbols := make([]string, 0, len(t.trades))
	for s := range t.trades {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
