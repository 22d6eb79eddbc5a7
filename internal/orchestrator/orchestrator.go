package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"fusion-trader/internal/data"
	"fusion-trader/internal/executor"
	"fusion-trader/internal/ledger"
	"fusion-trader/internal/model"
	"fusion-trader/internal/risk"
	"fusion-trader/internal/sentiment"
	"fusion-trader/internal/service"
	"fusion-trader/internal/strategy"
	"fusion-trader/internal/tracker"
	"fusion-trader/pkg/ta"
)

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusion_decisions_total",
		Help: "Per-symbol scan decisions by outcome",
	}, []string{"instance", "outcome"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fusion_cycle_duration_seconds",
		Help:    "Wall time of one scan cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance"})
)

// Orchestrator runs the scan loop of one instance: exits first, then one entry decision per
// watchlist symbol, strictly in order.
type Orchestrator struct {
	name    string
	cfg     service.InstanceConfig
	market  data.MarketDataSource
	news    data.NewsSource
	gateway executor.ExecutionGateway

	calc      *ta.TACalculator
	sentiment *sentiment.Aggregator
	scorer    *strategy.Scorer
	sizer     *risk.Sizer
	gate      *risk.Gate
	tracker   *tracker.Tracker

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	cycles   atomic.Int64

	logger *zap.SugaredLogger
	now    func() time.Time
}

// New wires every decision component of an instance from its configuration.
func New(
	name string,
	cfg service.InstanceConfig,
	market data.MarketDataSource,
	news data.NewsSource,
	gateway executor.ExecutionGateway,
	l ledger.Ledger,
	logger *zap.SugaredLogger,
) (*Orchestrator, error) {
	if market == nil || news == nil || gateway == nil || l == nil {
		return nil, errors.New("orchestrator: market, news, gateway and ledger are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("orchestrator %s: empty watchlist", name)
	}
	if logger == nil {
		logger = service.InstanceLogger(name)
	}

	gate, err := risk.NewGate(name, cfg.Gate, logger)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		name:      name,
		cfg:       cfg,
		market:    market,
		news:      news,
		gateway:   gateway,
		calc:      ta.NewTACalculator(cfg.Indicators, logger),
		sentiment: sentiment.NewAggregator(cfg.Sentiment, logger),
		scorer:    strategy.NewScorer(cfg.Fusion, logger),
		sizer:     risk.NewSizer(cfg.Risk, gate, logger),
		gate:      gate,
		tracker:   tracker.NewTracker(name, cfg.Exit, gateway, market, gate, l, logger),
		stopCh:    make(chan struct{}),
		logger:    logger,
		now:       time.Now,
	}
	o.running.Store(true)
	return o, nil
}

func (o *Orchestrator) Name() string { return o.name }

// Gate exposes the instance's risk gate to status reporters.
func (o *Orchestrator) Gate() *risk.Gate { return o.gate }

func (o *Orchestrator) Tracker() *tracker.Tracker { return o.tracker }

// Cycles is the number of completed scan cycles.
func (o *Orchestrator) Cycles() int64 { return o.cycles.Load() }

// SetClock replaces the wall clock for decisions and holding-time checks.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
	o.gate.SetClock(now)
	o.tracker.SetClock(now)
}

// Run scans every ScanInterval until Stop is called or ctx is cancelled. The running flag is
// checked at the top of each cycle; a cycle in progress always completes.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Infow("Starting decision loop...", "Symbols", o.cfg.Symbols, "ScanInterval", o.cfg.ScanInterval)

	wait := time.NewTimer(0)
	defer wait.Stop()
	for {
		select {
		case <-ctx.Done():
			o.running.Store(false)
			o.logger.Info("Decision loop cancelled")
			return nil
		case <-o.stopCh:
			o.logger.Info("Decision loop stopped")
			return nil
		case <-wait.C:
		}
		if !o.running.Load() {
			return nil
		}
		o.RunCycle(ctx)
		wait.Reset(o.cfg.ScanInterval)
	}
}

// Stop asks Run to return after the current cycle.
func (o *Orchestrator) Stop() {
	o.running.Store(false)
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// RunCycle monitors open trades and then, unless the gate is halted, evaluates each watchlist
// symbol once.
func (o *Orchestrator) RunCycle(ctx context.Context) Cycle {
	started := time.Now()
	defer func() {
		cycleDuration.WithLabelValues(o.name).Observe(time.Since(started).Seconds())
		o.cycles.Add(1)
	}()

	cycle := Cycle{Started: o.now()}
	cycle.Closed = o.tracker.Monitor(ctx)

	if st := o.gate.Status(); st.State == risk.StateHalted {
		cycle.Halted = true
		for _, symbol := range o.cfg.Symbols {
			d := Decision{
				Symbol:       symbol,
				At:           cycle.Started,
				Outcome:      OutcomeRejected,
				RejectReason: st.HaltCause,
				Reason:       fmt.Sprintf("gate halted (%s): %s", st.HaltCause, st.HaltReason),
			}
			o.record(d)
			cycle.Decisions = append(cycle.Decisions, d)
		}
		return cycle
	}

	for _, symbol := range o.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		d := o.evaluate(ctx, symbol)
		o.record(d)
		cycle.Decisions = append(cycle.Decisions, d)
	}
	return cycle
}

func (o *Orchestrator) evaluate(ctx context.Context, symbol string) Decision {
	at := o.now()
	d := Decision{Symbol: symbol, At: at}

	series, err := o.market.GetSeries(ctx, symbol, o.cfg.Interval, o.cfg.Lookback)
	if err != nil {
		return fromError(d, err)
	}
	var higher *model.PriceSeries
	if o.cfg.HigherInterval != "" {
		// optional input: a missing higher timeframe only drops its vote
		if higher, err = o.market.GetSeries(ctx, symbol, o.cfg.HigherInterval, o.cfg.Lookback); err != nil {
			o.logger.Debugw("higher timeframe unavailable", "symbol", symbol, "error", err)
			higher = nil
		}
	}
	features, err := o.calc.Calculate(series, higher)
	if err != nil {
		return fromError(d, err)
	}

	items, err := o.news.GetItems(ctx, symbol, at.Add(-o.cfg.Sentiment.Window))
	if err != nil {
		o.logger.Warnw("news unavailable, scoring with neutral sentiment", "symbol", symbol, "error", err)
		items = nil
	}
	sent := o.sentiment.Aggregate(symbol, items, at)

	score := o.scorer.Score(features, sent, &features.Volume)
	d.Score = &score
	if score.Direction == model.SignalHold {
		d.Outcome = OutcomeHold
		d.Reason = score.Reason
		return d
	}
	side := score.Direction.Side()
	if side == model.DirShort && !o.cfg.AllowShort {
		d.Outcome = OutcomeHold
		d.Reason = "sell signal but short entries are disabled"
		return d
	}

	price, err := o.market.GetLatestPrice(ctx, symbol)
	if err != nil {
		return fromError(d, err)
	}
	bp, err := o.gateway.GetBuyingPower(ctx)
	if err != nil {
		return fromError(d, gatewayError("buying_power", err))
	}
	balance, err := o.gateway.GetBalance(ctx)
	if err != nil {
		return fromError(d, gatewayError("balance", err))
	}

	tr, err := o.sizer.Size(risk.SizeRequest{
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   price,
		StopDistance: features.StopDistance,
		Confidence:   score.Confidence,
		BuyingPower:  bp,
		Balance:      balance,
		Fractional:   o.cfg.Fractional,
	})
	if err != nil {
		return fromError(d, err)
	}
	d.Risk = tr

	pos, err := o.gateway.GetPosition(ctx, symbol)
	if err != nil {
		return fromError(d, gatewayError("position", err))
	}
	pending, err := o.gateway.HasPendingOrder(ctx, symbol)
	if err != nil {
		return fromError(d, gatewayError("pending_orders", err))
	}

	err = o.gate.Check(risk.Candidate{
		Risk:            *tr,
		BuyingPower:     bp,
		Balance:         balance,
		HasPosition:     pos != nil || o.tracker.IsOpen(symbol),
		HasPendingOrder: pending,
		OpenPositions:   o.tracker.OpenCount(),
		At:              at,
	})
	if err != nil {
		return fromError(d, err)
	}

	o.logger.Infow("!!! NEW TRADING SIGNAL !!!", "Score", score.String(), "Risk", tr.String())
	conf, err := o.gateway.SubmitOrder(ctx, model.OrderRequest{
		Symbol:   symbol,
		Side:     model.EntrySide(side),
		Quantity: tr.PositionSize,
		Type:     model.OrderMarket,
	})
	if err != nil {
		return fromError(d, gatewayError("submit_order", err))
	}
	if conf.HasFill() {
		o.gate.RecordExecution(at)
	}
	if conf.Partial() {
		return fromError(d, o.unwindPartial(ctx, symbol, side, conf))
	}

	trade, err := o.tracker.Open(conf, *tr, score)
	if err != nil {
		if conf.HasFill() {
			// filled at the broker but not tracked: nothing would manage its exit
			o.gate.HaltWithCause(model.ReasonPositionTrackingFailure, fmt.Sprintf("%s filled but not tracked: %v", symbol, err))
		}
		return fromError(d, err)
	}
	d.Outcome = OutcomeExecuted
	d.Trade = trade
	d.Reason = fmt.Sprintf("%s %.4f @ %.4f, stop %.4f, target %.4f",
		trade.Side, trade.Quantity, trade.EntryPrice, trade.StopLoss, trade.TakeProfit)

	if pos, err := o.gateway.GetPosition(ctx, symbol); err != nil || pos == nil {
		o.gate.HaltWithCause(model.ReasonPositionTrackingFailure,
			fmt.Sprintf("%s position not visible after fill %s", symbol, conf.OrderRef))
		d.Reason += "; position verification failed, gate halted"
	}
	return d
}

// unwindPartial flattens the filled part of an entry that did not fill completely, since only
// complete fills become tracked trades. The gate halts when the unwind does not fill either.
func (o *Orchestrator) unwindPartial(ctx context.Context, symbol string, side model.Direction, conf *model.OrderConfirmation) error {
	partial := fmt.Sprintf("%s entry filled %.6f of %.6f", symbol, conf.FilledQty, conf.Quantity)
	o.logger.Warnw("entry partially filled, unwinding", "symbol", symbol, "filled", conf.FilledQty, "requested", conf.Quantity)

	exit, err := o.gateway.SubmitOrder(ctx, model.OrderRequest{
		Symbol:   symbol,
		Side:     model.ExitSide(side),
		Quantity: conf.FilledQty,
		Type:     model.OrderMarket,
	})
	if err == nil && !exit.Confirmed() {
		status := "missing"
		if exit != nil {
			status = fmt.Sprintf("%s, %.6f filled", exit.Status, exit.FilledQty)
		}
		err = fmt.Errorf("unwind order not filled: %s", status)
	}
	if err != nil {
		o.gate.HaltWithCause(model.ReasonPositionTrackingFailure,
			fmt.Sprintf("%s partial fill of %.6f left at the broker: %v", symbol, conf.FilledQty, err))
		return &model.GatewayFailureError{Op: "entry_fill", Err: fmt.Errorf("%s; unwind failed: %w", partial, err)}
	}
	return &model.GatewayFailureError{Op: "entry_fill", Err: fmt.Errorf("%s; unwound at %.4f", partial, exit.FillPrice)}
}

func (o *Orchestrator) record(d Decision) {
	decisionsTotal.WithLabelValues(o.name, string(d.Outcome)).Inc()
	switch d.Outcome {
	case OutcomeExecuted:
		o.logger.Infow("entry executed", "symbol", d.Symbol, "detail", d.Reason)
	case OutcomeHold:
		o.logger.Debugw("hold", "symbol", d.Symbol, "reason", d.Reason)
	case OutcomeRejected:
		o.logger.Infow("entry rejected", "symbol", d.Symbol, "reject_reason", d.RejectReason, "reason", d.Reason)
	case OutcomeInvariantViolation:
		o.logger.Errorw("invariant violation", "symbol", d.Symbol, "error", d.Err, "score", d.Score, "risk", d.Risk)
	default:
		o.logger.Warnw("no decision this cycle", "symbol", d.Symbol, "outcome", d.Outcome, "reason", d.Reason)
	}
}

// gatewayError wraps a raw gateway error unless it already is a GatewayFailureError.
func gatewayError(op string, err error) error {
	var gf *model.GatewayFailureError
	if errors.As(err, &gf) {
		return err
	}
	return &model.GatewayFailureError{Op: op, Err: err}
}
