package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// SimulatorConfig configures the simulated account.
type SimulatorConfig struct {
	InitialCapital float64
	FeeRate        float64 // 0.0005 = 5 bps per fill
}

// simPosition tracks margin alongside the broker view of a holding.
type simPosition struct {
	model.Position
	margin float64
	fees   float64
}

// SimulatorExecutor is an in-memory, deterministic ExecutionGateway. Orders fill at the last
// price seen for the symbol, either from SetPrice or from the ticker stream.
type SimulatorExecutor struct {
	cfg      SimulatorConfig
	tickerCh <-chan model.Ticker
	logger   *zap.SugaredLogger

	mu sync.RWMutex

	cash       float64 // free cash; open positions hold their notional as margin
	marginUsed float64
	lastPrice  map[string]float64
	lastTime   map[string]time.Time
	positions  map[string]*simPosition
	pending    map[string]model.OrderRequest
	orders     []model.OrderConfirmation

	failNext    []error
	holdPending bool
	fillRatio   float64 // share of each order that fills; 0 fills in full
	now         func() time.Time
}

func NewSimulatorExecutor(cfg SimulatorConfig, tickerCh <-chan model.Ticker, logger *zap.SugaredLogger) *SimulatorExecutor {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &SimulatorExecutor{
		cfg:       cfg,
		tickerCh:  tickerCh,
		logger:    logger,
		cash:      cfg.InitialCapital,
		lastPrice: make(map[string]float64),
		lastTime:  make(map[string]time.Time),
		positions: make(map[string]*simPosition),
		pending:   make(map[string]model.OrderRequest),
		now:       time.Now,
	}
}

// StartMonitor consumes the ticker stream and keeps the last price per symbol current. It
// returns when the channel closes or ctx is done.
func (e *SimulatorExecutor) StartMonitor(ctx context.Context) {
	if e.tickerCh == nil {
		return
	}
	e.logger.Info("SimulatorExecutor: price monitor started.")
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-e.tickerCh:
			if !ok {
				return
			}
			e.SetPrice(t.Symbol, t.Price, time.UnixMilli(t.Timestamp))
		}
	}
}

// SetPrice updates the fill price for symbol and marks its position to market.
func (e *SimulatorExecutor) SetPrice(symbol string, price float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice[symbol] = price
	e.lastTime[symbol] = at
	if pos, ok := e.positions[symbol]; ok {
		pos.UPL = (price - pos.AvgPrice) * pos.Size * pos.Direction.Sign()
	}
}

// FailNextOrder makes the next SubmitOrder calls return the given errors, in order.
func (e *SimulatorExecutor) FailNextOrder(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = append(e.failNext, errs...)
}

// HoldOrdersPending makes subsequent orders acknowledge as pending instead of filling.
func (e *SimulatorExecutor) HoldOrdersPending(hold bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holdPending = hold
}

// SetFillRatio makes subsequent orders fill only ratio of their quantity and acknowledge as
// partially filled. A ratio outside (0,1) restores complete fills.
func (e *SimulatorExecutor) SetFillRatio(ratio float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ratio <= 0 || ratio >= 1 {
		ratio = 0
	}
	e.fillRatio = ratio
}

// CancelPending drops the pending order for symbol.
func (e *SimulatorExecutor) CancelPending(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, symbol)
}

// Orders returns every acknowledgement issued so far.
func (e *SimulatorExecutor) Orders() []model.OrderConfirmation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.OrderConfirmation(nil), e.orders...)
}

func (e *SimulatorExecutor) SubmitOrder(ctx context.Context, req model.OrderRequest) (*model.OrderConfirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.failNext) > 0 {
		err := e.failNext[0]
		e.failNext = e.failNext[1:]
		return nil, err
	}

	price, ok := e.lastPrice[req.Symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("simulator: no price for %s: %w", req.Symbol, model.ErrDataUnavailable)
	}

	conf := model.OrderConfirmation{
		OrderRef: uuid.NewString(),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		FilledAt: e.fillTime(req.Symbol),
	}

	switch {
	case req.Quantity <= 0:
		conf.Status = model.OrderRejected
		e.logger.Infof("Sim Rejected: non-positive quantity %.6f for %s", req.Quantity, req.Symbol)
	case e.holdPending:
		conf.Status = model.OrderPending
		e.pending[req.Symbol] = req
	default:
		fill, status := req, model.OrderFilled
		if e.fillRatio > 0 {
			fill.Quantity = req.Quantity * e.fillRatio
			status = model.OrderPartial
		}
		if err := e.fill(fill, price); err != nil {
			conf.Status = model.OrderRejected
			e.logger.Infof("Sim Rejected: %v", err)
		} else {
			conf.Status = status
			conf.FilledQty = fill.Quantity
			conf.FillPrice = price
		}
	}

	e.orders = append(e.orders, conf)
	return &conf, nil
}

var errInsufficientCash = errors.New("insufficient cash")

// fill applies an order at price. Orders against an open position reduce it; anything larger
// than the position is rejected rather than flipped.
func (e *SimulatorExecutor) fill(req model.OrderRequest, price float64) error {
	side := model.DirLong
	if req.Side == model.OrderSell {
		side = model.DirShort
	}
	notional := req.Quantity * price
	fee := notional * e.cfg.FeeRate

	pos, open := e.positions[req.Symbol]
	if !open || pos.Direction == side {
		if e.cash < notional+fee {
			return fmt.Errorf("%w: need %.2f, have %.2f", errInsufficientCash, notional+fee, e.cash)
		}
		e.cash -= notional + fee
		e.marginUsed += notional
		if !open {
			e.positions[req.Symbol] = &simPosition{
				Position: model.Position{
					Symbol:    req.Symbol,
					Direction: side,
					Size:      req.Quantity,
					AvgPrice:  price,
					EntryTime: e.fillTime(req.Symbol),
				},
				margin: notional,
				fees:   fee,
			}
			e.logger.Infof("Sim ORDER FILLED (OPEN): %s %s %.4f @ %.4f. Fee: %.4f",
				side, req.Symbol, req.Quantity, price, fee)
			return nil
		}
		total := pos.Size + req.Quantity
		pos.AvgPrice = (pos.AvgPrice*pos.Size + price*req.Quantity) / total
		pos.Size = total
		pos.margin += notional
		pos.fees += fee
		return nil
	}

	if req.Quantity > pos.Size+1e-12 {
		return fmt.Errorf("close of %.6f exceeds position %.6f", req.Quantity, pos.Size)
	}
	share := req.Quantity / pos.Size
	margin := pos.margin * share
	pnl := (price - pos.AvgPrice) * req.Quantity * pos.Direction.Sign()

	e.cash += margin + pnl - fee
	e.marginUsed -= margin
	pos.Size -= req.Quantity
	pos.margin -= margin

	e.logger.Infof("Sim POSITION CLOSED: %s %s %.4f @ %.4f. Realized PnL: %.4f. Cash: %.4f",
		pos.Direction, req.Symbol, req.Quantity, price, pnl, e.cash)

	if pos.Size <= 1e-12 {
		delete(e.positions, req.Symbol)
	}
	return nil
}

func (e *SimulatorExecutor) fillTime(symbol string) time.Time {
	if t, ok := e.lastTime[symbol]; ok && !t.IsZero() {
		return t
	}
	return e.now()
}

func (e *SimulatorExecutor) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, ok := e.positions[symbol]
	if !ok {
		return nil, nil
	}
	p := pos.Position
	return &p, nil
}

func (e *SimulatorExecutor) HasPendingOrder(ctx context.Context, symbol string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.pending[symbol]
	return ok, nil
}

func (e *SimulatorExecutor) GetBuyingPower(ctx context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cash, nil
}

// GetBalance returns equity, the base the max-loss rule measures against.
func (e *SimulatorExecutor) GetBalance(ctx context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	equity := e.cash + e.marginUsed
	for _, pos := range e.positions {
		equity += pos.UPL
	}
	return equity, nil
}
