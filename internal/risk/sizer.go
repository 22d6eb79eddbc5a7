package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// LossCounter exposes the current losing streak; the Gate implements it.
type LossCounter interface {
	ConsecutiveLosses() int
}

// SizeRequest is everything the sizer needs for one candidate.
type SizeRequest struct {
	Symbol       string
	Side         model.Direction
	EntryPrice   float64
	StopLoss     float64 // 0 places the stop StopDistance away from entry
	StopDistance float64 // ATR times the configured multiplier
	Confidence   float64
	BuyingPower  float64
	Balance      float64
	Fractional   bool
}

// Sizer turns a scored candidate into a concrete TradeRisk.
type Sizer struct {
	cfg    service.RiskConfig
	losses LossCounter
	logger *zap.SugaredLogger
}

func NewSizer(cfg service.RiskConfig, losses LossCounter, logger *zap.SugaredLogger) *Sizer {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &Sizer{cfg: cfg, losses: losses, logger: logger}
}

// Size computes stop, take-profit and quantity so that the amount at risk never exceeds the
// confidence- and streak-scaled budget.
func (s *Sizer) Size(req SizeRequest) (*model.TradeRisk, error) {
	sign := req.Side.Sign()
	if sign == 0 {
		return nil, model.Violation("cannot size a %s trade", req.Side)
	}
	if req.EntryPrice <= 0 {
		return nil, model.Violation("entry price %.4f must be positive", req.EntryPrice)
	}
	if req.BuyingPower <= 0 {
		return nil, model.Rejected(model.ReasonInsufficientCapital, "buying power %.2f", req.BuyingPower)
	}

	// 1. stop loss
	stop := req.StopLoss
	if stop == 0 {
		if req.StopDistance <= 0 || math.IsNaN(req.StopDistance) {
			return nil, fmt.Errorf("%w: no ATR stop distance for %s", model.ErrDataUnavailable, req.Symbol)
		}
		stop = req.EntryPrice - sign*req.StopDistance
	}
	if stop <= 0 {
		return nil, model.Violation("stop %.4f must be positive", stop)
	}
	if (req.Side == model.DirLong && stop >= req.EntryPrice) || (req.Side == model.DirShort && stop <= req.EntryPrice) {
		return nil, model.Violation("stop %.4f on the wrong side of %s entry %.4f", stop, req.Side, req.EntryPrice)
	}
	unitRisk := math.Abs(req.EntryPrice - stop)

	// 2. risk budget
	budget := req.BuyingPower * s.cfg.RiskPerTrade * s.confidenceScale(req.Confidence) * s.lossScale()

	// 3. quantity
	size := math.Min(budget/unitRisk, req.BuyingPower*s.cfg.MaxPositionFraction/req.EntryPrice)
	size = s.quantize(size, req.Fractional)
	if size <= 0 || size*req.EntryPrice < s.cfg.MinNotional {
		return nil, model.Rejected(model.ReasonBelowMinNotional,
			"%.6f units of %s at %.4f is under %.2f", size, req.Symbol, req.EntryPrice, s.cfg.MinNotional)
	}

	// 4. take profit at the configured reward multiple
	tp := req.EntryPrice + sign*unitRisk*s.cfg.RewardRiskRatio

	balance := req.Balance
	if balance <= 0 {
		balance = req.BuyingPower
	}
	riskAmount := size * unitRisk
	r := &model.TradeRisk{
		Symbol:          req.Symbol,
		Side:            req.Side,
		EntryPrice:      req.EntryPrice,
		StopLossPrice:   stop,
		TakeProfitPrice: tp,
		PositionSize:    size,
		RiskAmount:      riskAmount,
		RewardAmount:    size * math.Abs(tp-req.EntryPrice),
		RiskRewardRatio: math.Abs(tp-req.EntryPrice) / unitRisk,
		MaxLossPct:      riskAmount / balance * 100,
		Confidence:      req.Confidence,
	}

	s.logger.Debugw("position sized",
		"symbol", req.Symbol,
		"budget", budget,
		"size", size,
		"risk", riskAmount,
		"stop", stop,
		"take_profit", tp,
	)
	return r, nil
}

// confidenceScale is min(confidence * 1.5, 2.0) with the defaults.
func (s *Sizer) confidenceScale(confidence float64) float64 {
	return math.Min(confidence*s.cfg.ConfidenceScale, s.cfg.MaxConfidenceScale)
}

// lossScale shrinks the budget 20% per consecutive loss, never below half.
func (s *Sizer) lossScale() float64 {
	if s.losses == nil {
		return 1
	}
	return math.Max(s.cfg.MinLossScale, 1-s.cfg.LossScaleStep*float64(s.losses.ConsecutiveLosses()))
}

// quantize rounds size down so the risk budget is never exceeded.
func (s *Sizer) quantize(size float64, fractional bool) float64 {
	if !fractional || s.cfg.QuantityStep <= 0 {
		return math.Floor(size)
	}
	step := decimal.NewFromFloat(s.cfg.QuantityStep)
	q, _ := decimal.NewFromFloat(size).Div(step).Floor().Mul(step).Float64()
	return q
}
