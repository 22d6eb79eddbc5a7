package ta

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// TACalculator turns a price series into a TechnicalFeatures snapshot.
// It holds no per-symbol state, so one instance can serve every symbol of an orchestrator.
type TACalculator struct {
	cfg           service.IndicatorConfig
	MinHistoryLen int // bars needed before every indicator is defined
	Logger        *zap.SugaredLogger
}

// NewTACalculator sizes MinHistoryLen from the longest lookback in cfg.
func NewTACalculator(cfg service.IndicatorConfig, logger *zap.SugaredLogger) *TACalculator {
	minLen := max(
		cfg.RSIPeriod+1,
		cfg.SlowEMA+1, // crossover compares the previous bar too
		cfg.ATRPeriod+1,
		cfg.ChopPeriod+1,
		cfg.BollingerPeriod,
	)
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &TACalculator{
		cfg:           cfg,
		MinHistoryLen: minLen,
		Logger:        logger,
	}
}

// Calculate computes the features for the newest bar of series. higher may be nil; when
// present and long enough it contributes a higher-timeframe bias to the composite signal.
func (tc *TACalculator) Calculate(series, higher *model.PriceSeries) (model.TechnicalFeatures, error) {
	if series.Len() < tc.MinHistoryLen {
		return model.TechnicalFeatures{}, fmt.Errorf("%w: %d bars, need %d",
			model.ErrInsufficientData, series.Len(), tc.MinHistoryLen)
	}

	_, high, low, closes, volume := series.Columns()
	bar := series.Last()
	n := len(closes)

	f := model.TechnicalFeatures{
		Symbol:    series.Symbol,
		Timestamp: bar.EndTime,
		Price:     bar.Close,
		Bars:      n,
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = bar.StartTime
	}

	// --- RSI ---
	f.RSI = RSI(closes, tc.cfg.RSIPeriod)

	// --- EMA trend and crossover ---
	fast := talib.Ema(closes, tc.cfg.FastEMA)
	slow := talib.Ema(closes, tc.cfg.SlowEMA)
	f.FastEMA, f.SlowEMA = fast[n-1], slow[n-1]
	f.Trend, f.Crossover = CrossState(fast[n-2], slow[n-2], f.FastEMA, f.SlowEMA)

	// --- ATR ---
	f.ATR = last(talib.Atr(high, low, closes, tc.cfg.ATRPeriod))
	f.StopDistance = f.ATR * tc.cfg.ATRMultiplier

	// --- VWAP ---
	f.VWAP = VWAP(high, low, closes, volume, tc.cfg.VWAPWindow)
	f.VWAPBias = PriceVsLevel(f.Price, f.VWAP, tc.cfg.VWAPDeadband)

	// --- Choppiness ---
	f.Choppiness = Choppiness(high, low, closes, tc.cfg.ChopPeriod)
	f.Choppy = f.Choppiness > tc.cfg.ChopThreshold

	// --- Bollinger bands ---
	upper, middle, lower := talib.BBands(closes, tc.cfg.BollingerPeriod, tc.cfg.BollingerStdDev, tc.cfg.BollingerStdDev, talib.SMA)
	f.BandUpper, f.BandMiddle, f.BandLower = upper[n-1], middle[n-1], lower[n-1]
	widths := BandWidths(upper, middle, lower, tc.cfg.BollingerPeriod)
	if len(widths) > 0 {
		f.BandWidth = last(widths)
	}
	f.BandState = model.BandExpansion
	if Squeeze(widths, tc.cfg.SqueezeWindow, tc.cfg.SqueezeRatio) {
		f.BandState = model.BandSqueeze
	}

	// --- Higher timeframe ---
	f.HigherTimeframe = tc.higherBias(higher)

	// --- Volume ---
	f.Volume = Volume(volume, tc.cfg.VolumeWindow)

	f.Composite, f.CompositeStrength = tc.composite(f)

	tc.Logger.Debugw("features calculated",
		"symbol", f.Symbol,
		"rsi", f.RSI,
		"trend", f.Trend,
		"crossover", f.Crossover,
		"atr", f.ATR,
		"chop", f.Choppiness,
		"bands", f.BandState,
		"composite", f.Composite,
	)
	return f, nil
}

// higherBias is the EMA ordering on the higher-interval series, or "" when it is unusable.
func (tc *TACalculator) higherBias(higher *model.PriceSeries) model.Bias {
	if higher.Len() < tc.cfg.SlowEMA {
		return ""
	}
	_, _, _, closes, _ := higher.Columns()
	fast := last(talib.Ema(closes, tc.cfg.FastEMA))
	slow := last(talib.Ema(closes, tc.cfg.SlowEMA))
	switch {
	case fast > slow:
		return model.Bullish
	case fast < slow:
		return model.Bearish
	}
	return model.Neutral
}

// composite weighs trend, VWAP and the higher timeframe into one bias. The choppiness weight
// only dilutes the score; a choppy market additionally halves every contribution.
func (tc *TACalculator) composite(f model.TechnicalFeatures) (model.Bias, float64) {
	signal := func(b model.Bias, v float64) float64 {
		switch b {
		case model.Bullish:
			return v
		case model.Bearish:
			return -v
		}
		return 0
	}

	num := signal(f.Trend, 1)*tc.cfg.TrendWeight + signal(f.VWAPBias, tc.cfg.VWAPSignalStrength)*tc.cfg.VWAPWeight
	den := tc.cfg.TrendWeight + tc.cfg.VWAPWeight + tc.cfg.ChopWeight
	if f.HigherTimeframe != "" {
		num += signal(f.HigherTimeframe, tc.cfg.HigherTFSignalValue) * tc.cfg.HigherTFWeight
		den += tc.cfg.HigherTFWeight
	}
	if f.Choppy {
		num *= tc.cfg.ChoppyAttenuation
	}
	if den <= 0 {
		return model.Neutral, 0
	}

	w := num / den
	strength := math.Min(math.Abs(w), 1)
	switch {
	case w >= tc.cfg.CompositeThreshold:
		return model.Bullish, strength
	case w <= -tc.cfg.CompositeThreshold:
		return model.Bearish, strength
	}
	return model.Neutral, strength
}
