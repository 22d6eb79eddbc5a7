package ta

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

var t0 = time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)

// series builds bars with the given closes, high/low half a point either side.
func series(symbol string, step time.Duration, closes ...float64) *model.PriceSeries {
	ps := &model.PriceSeries{Symbol: symbol, Interval: service.FormatInterval(step)}
	for i, c := range closes {
		start := t0.Add(time.Duration(i) * step)
		ps.Bars = append(ps.Bars, model.KLine{
			Symbol:    symbol,
			Interval:  ps.Interval,
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    1000,
			StartTime: start,
			EndTime:   start.Add(step),
		})
	}
	return ps
}

func linear(from, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i)
	}
	return out
}

func zigzag(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i%2)
	}
	return out
}

func newCalc(t *testing.T) *TACalculator {
	return NewTACalculator(service.DefaultInstanceConfig().Indicators, zaptest.NewLogger(t).Sugar())
}

func TestMinHistoryLen(t *testing.T) {
	assert.Equal(t, 22, newCalc(t).MinHistoryLen)
}

func TestCalculate_InsufficientData(t *testing.T) {
	calc := newCalc(t)
	_, err := calc.Calculate(series("AMD", 5*time.Minute, linear(100, 1, 10)...), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
	assert.True(t, errors.Is(err, model.ErrDataUnavailable))

	_, err = calc.Calculate(nil, nil)
	assert.ErrorIs(t, err, model.ErrDataUnavailable)
}

func TestCalculate_Uptrend(t *testing.T) {
	calc := newCalc(t)
	s := series("AMD", 5*time.Minute, linear(100, 1, 60)...)

	f, err := calc.Calculate(s, nil)
	require.NoError(t, err)

	assert.Equal(t, "AMD", f.Symbol)
	assert.Equal(t, s.Last().EndTime, f.Timestamp)
	assert.InDelta(t, 159, f.Price, 1e-9)
	assert.InDelta(t, 100, f.RSI, 1e-6, "only gains")
	assert.Equal(t, model.Bullish, f.Trend)
	assert.False(t, f.Crossover, "fast has been above slow for many bars")
	assert.Greater(t, f.FastEMA, f.SlowEMA)
	assert.InDelta(t, 1.5, f.ATR, 1e-6)
	assert.InDelta(t, 3.0, f.StopDistance, 1e-6)
	assert.InDelta(t, 129.5, f.VWAP, 1e-6)
	assert.Equal(t, model.Bullish, f.VWAPBias)
	assert.InDelta(t, 15.36, f.Choppiness, 0.05)
	assert.False(t, f.Choppy)
	assert.Equal(t, model.BandExpansion, f.BandState)
	assert.Equal(t, model.Bias(""), f.HigherTimeframe)
	assert.InDelta(t, 1.0, f.Volume.Relative, 1e-9)

	// (1*0.30 + 0.8*0.25) / (0.30+0.25+0.20)
	assert.Equal(t, model.Bullish, f.Composite)
	assert.InDelta(t, 0.6667, f.CompositeStrength, 1e-3)
}

func TestCalculate_Downtrend(t *testing.T) {
	f, err := newCalc(t).Calculate(series("AMD", 5*time.Minute, linear(200, -1, 60)...), nil)
	require.NoError(t, err)

	assert.InDelta(t, 0, f.RSI, 1e-6)
	assert.Equal(t, model.Bearish, f.Trend)
	assert.Equal(t, model.Bearish, f.VWAPBias)
	assert.Equal(t, model.Bearish, f.Composite)
}

func TestCalculate_FlatSeriesIsNeutralRSI(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	f, err := newCalc(t).Calculate(series("AMD", 5*time.Minute, closes...), nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, f.RSI)
}

func TestRSI(t *testing.T) {
	assert.Equal(t, 50.0, RSI([]float64{7, 7, 7, 7, 7}, 3))
	assert.InDelta(t, 100, RSI(linear(100, 1, 20), 14), 1e-6)
	assert.InDelta(t, 0, RSI(linear(100, -1, 20), 14), 1e-6)
}

func TestCalculate_HigherTimeframe(t *testing.T) {
	calc := newCalc(t)
	s := series("BTCUSD", 5*time.Minute, linear(100, 1, 60)...)

	f, err := calc.Calculate(s, series("BTCUSD", time.Hour, linear(50, 2, 30)...))
	require.NoError(t, err)
	assert.Equal(t, model.Bullish, f.HigherTimeframe)
	// (0.30 + 0.20 + 0.7*0.25) / 1.0
	assert.InDelta(t, 0.675, f.CompositeStrength, 1e-6)

	f, err = calc.Calculate(s, series("BTCUSD", time.Hour, linear(200, -2, 30)...))
	require.NoError(t, err)
	assert.Equal(t, model.Bearish, f.HigherTimeframe)
	assert.Equal(t, model.Bullish, f.Composite, "0.325 still clears the threshold")

	f, err = calc.Calculate(s, series("BTCUSD", time.Hour, linear(50, 2, 5)...))
	require.NoError(t, err)
	assert.Equal(t, model.Bias(""), f.HigherTimeframe, "too short to use")
}

func TestCalculate_ChoppyMarket(t *testing.T) {
	f, err := newCalc(t).Calculate(series("ETHUSD", time.Minute, zigzag(60)...), nil)
	require.NoError(t, err)
	assert.InDelta(t, 89.1, f.Choppiness, 0.1)
	assert.True(t, f.Choppy)
	// every contribution is halved: at most (0.30+0.20)*0.5/0.75
	assert.LessOrEqual(t, f.CompositeStrength, 0.3334)
}

func TestCalculate_Deterministic(t *testing.T) {
	calc := newCalc(t)
	s := series("AMD", 5*time.Minute, zigzag(40)...)
	a, err := calc.Calculate(s, nil)
	require.NoError(t, err)
	b, err := calc.Calculate(s, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCrossState(t *testing.T) {
	cases := []struct {
		name                     string
		prevFast, prevSlow, f, s float64
		trend                    model.Bias
		crossover                bool
	}{
		{"golden cross", 1, 2, 3, 2, model.Bullish, true},
		{"bullish without event", 3, 2, 4, 2, model.Bullish, false},
		{"death cross", 3, 2, 1, 2, model.Bearish, true},
		{"bearish without event", 1, 2, 0, 2, model.Bearish, false},
		{"touching then above", 2, 2, 3, 2, model.Bullish, true},
		{"flat", 2, 2, 2, 2, model.Neutral, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trend, cross := CrossState(tc.prevFast, tc.prevSlow, tc.f, tc.s)
			assert.Equal(t, tc.trend, trend)
			assert.Equal(t, tc.crossover, cross)
		})
	}
}

func TestChoppiness(t *testing.T) {
	up := series("X", time.Minute, linear(100, 1, 30)...)
	_, h, l, c, _ := up.Columns()
	assert.InDelta(t, 15.36, Choppiness(h, l, c, 14), 0.05)

	zz := series("X", time.Minute, zigzag(30)...)
	_, h, l, c, _ = zz.Columns()
	assert.InDelta(t, 89.1, Choppiness(h, l, c, 14), 0.1)

	assert.Zero(t, Choppiness(h[:10], l[:10], c[:10], 14), "not enough bars")
}

func TestVWAPAndBias(t *testing.T) {
	high := []float64{11, 21}
	low := []float64{9, 19}
	closes := []float64{10, 20}
	assert.InDelta(t, 17.5, VWAP(high, low, closes, []float64{1, 3}, 0), 1e-9)
	assert.InDelta(t, 20, VWAP(high, low, closes, []float64{1, 3}, 1), 1e-9)
	assert.InDelta(t, 15, VWAP(high, low, closes, []float64{0, 0}, 0), 1e-9, "no volume falls back to mean typical price")

	assert.Equal(t, model.Bullish, PriceVsLevel(100.3, 100, 0.002))
	assert.Equal(t, model.Neutral, PriceVsLevel(100.1, 100, 0.002))
	assert.Equal(t, model.Bearish, PriceVsLevel(99.7, 100, 0.002))
}

func TestSqueeze(t *testing.T) {
	widths := []float64{0.1, 0.1, 0.1, 0.1, 0.05}
	assert.True(t, Squeeze(widths, 20, 0.8))
	assert.False(t, Squeeze([]float64{0.1, 0.1, 0.1}, 20, 0.8))
	assert.False(t, Squeeze(nil, 20, 0.8))
}

func TestVolume(t *testing.T) {
	vols := make([]float64, 20)
	for i := range vols {
		vols[i] = 10
	}
	v := Volume(append(vols, 30), 20)
	assert.InDelta(t, 3.0, v.Relative, 1e-9)
	assert.InDelta(t, 1.0, v.Spike, 1e-9)
	assert.InDelta(t, 0, v.Trend, 1e-9)

	rising := linear(10, 1, 21)
	v = Volume(rising, 20)
	assert.Greater(t, v.Trend, 0.0)

	assert.Equal(t, model.VolumeContext{Relative: 1}, Volume([]float64{5}, 20))
}
