package ta

import (
	"math"

	"github.com/markcheno/go-talib"

	"fusion-trader/internal/model"
)

// last returns the final element of an indicator output.
func last(xs []float64) float64 {
	return xs[len(xs)-1]
}

// RSI is the Wilder RSI at the last bar. talib reports 0 when the closes never moved; that
// is a neutral 50, not an oversold reading.
func RSI(closes []float64, period int) float64 {
	moved := false
	for i := 1; i < len(closes); i++ {
		if closes[i] != closes[0] {
			moved = true
			break
		}
	}
	if !moved {
		return 50
	}
	return last(talib.Rsi(closes, period))
}

// CrossState compares fast/slow ordering on the previous and current bar.
// The trend follows the current ordering; crossover is set only when the ordering flipped.
func CrossState(prevFast, prevSlow, fast, slow float64) (trend model.Bias, crossover bool) {
	switch {
	case fast > slow:
		trend = model.Bullish
		crossover = prevFast <= prevSlow
	case fast < slow:
		trend = model.Bearish
		crossover = prevFast >= prevSlow
	default:
		trend = model.Neutral
	}
	return trend, crossover
}

// Choppiness is the Choppiness Index over the last period bars:
// 100 * log10(sum(TR) / (max(high) - min(low))) / log10(period).
// Needs period+1 bars so every true range has a previous close.
func Choppiness(high, low, closes []float64, period int) float64 {
	n := len(closes)
	if period < 2 || n < period+1 {
		return 0
	}
	tr := talib.TRange(high, low, closes)
	trSum := last(talib.Sum(tr, period))
	hh := last(talib.Max(high, period))
	ll := last(talib.Min(low, period))
	rng := hh - ll
	if rng <= 0 || trSum <= 0 {
		return 100
	}
	return 100 * math.Log10(trSum/rng) / math.Log10(float64(period))
}

// VWAP is the volume-weighted typical price over the last window bars (0 = whole series).
// A series with no volume falls back to the mean typical price.
func VWAP(high, low, closes, volume []float64, window int) float64 {
	n := len(closes)
	if n == 0 {
		return 0
	}
	start := 0
	if window > 0 && window < n {
		start = n - window
	}
	var pv, vol, tp float64
	for i := start; i < n; i++ {
		typical := (high[i] + low[i] + closes[i]) / 3
		pv += typical * volume[i]
		vol += volume[i]
		tp += typical
	}
	if vol <= 0 {
		return tp / float64(n-start)
	}
	return pv / vol
}

// PriceVsLevel is bullish above level*(1+deadband), bearish below level*(1-deadband).
func PriceVsLevel(price, level, deadband float64) model.Bias {
	switch {
	case level <= 0:
		return model.Neutral
	case price > level*(1+deadband):
		return model.Bullish
	case price < level*(1-deadband):
		return model.Bearish
	}
	return model.Neutral
}

// BandWidths returns (upper-lower)/middle for every bar the bands are defined on.
func BandWidths(upper, middle, lower []float64, period int) []float64 {
	if len(middle) < period {
		return nil
	}
	out := make([]float64, 0, len(middle)-period+1)
	for i := period - 1; i < len(middle); i++ {
		if middle[i] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (upper[i]-lower[i])/middle[i])
	}
	return out
}

// Squeeze reports whether the latest width is below ratio times the mean of the last window widths.
func Squeeze(widths []float64, window int, ratio float64) bool {
	if len(widths) == 0 {
		return false
	}
	if window > 0 && len(widths) > window {
		widths = widths[len(widths)-window:]
	}
	mean := average(widths)
	return mean > 0 && last(widths) < ratio*mean
}

// Volume describes the last bar's volume against the window bars before it.
func Volume(volume []float64, window int) model.VolumeContext {
	n := len(volume)
	ctx := model.VolumeContext{Relative: 1}
	if n < 2 {
		return ctx
	}
	prior := volume[:n-1]
	if window > 0 && len(prior) > window {
		prior = prior[len(prior)-window:]
	}
	mean := average(prior)
	if mean <= 0 {
		return ctx
	}
	ctx.Relative = volume[n-1] / mean
	ctx.Spike = clamp((ctx.Relative-1)/2, 0, 1)

	// slope: second half of the window against the first
	if len(prior) >= 4 {
		half := len(prior) / 2
		early := average(prior[:half])
		late := average(prior[half:])
		if early > 0 {
			ctx.Trend = clamp((late-early)/early, -1, 1)
		}
	}
	return ctx
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
