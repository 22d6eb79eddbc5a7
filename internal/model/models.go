package model

import "time"

// Ticker is the smallest unit of market data: one trade print or price snapshot.
type Ticker struct {
	Symbol       string
	Timestamp    int64 // ms
	Price        float64
	Volume       float64 // 0 for a price snapshot
	IsBuyerMaker bool
}

// KLine is one aggregated OHLCV bar.
type KLine struct {
	Symbol    string
	Interval  string // "1m", "5m", "1h"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	StartTime time.Time
	EndTime   time.Time
}

// PriceSeries is an ordered, oldest-first run of bars for one symbol and interval.
type PriceSeries struct {
	Symbol   string
	Interval string
	Bars     []KLine
}

func (ps *PriceSeries) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.Bars)
}

// Last returns the newest bar. Callers check Len first.
func (ps *PriceSeries) Last() KLine {
	return ps.Bars[len(ps.Bars)-1]
}

// Columns splits the series into the parallel slices the indicator library expects.
func (ps *PriceSeries) Columns() (open, high, low, closes, volume []float64) {
	n := len(ps.Bars)
	open = make([]float64, n)
	high = make([]float64, n)
	low = make([]float64, n)
	closes = make([]float64, n)
	volume = make([]float64, n)
	for i, b := range ps.Bars {
		open[i] = b.Open
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
		volume[i] = b.Volume
	}
	return
}

// NewsItem is one article or post about a symbol.
type NewsItem struct {
	Symbol      string
	Headline    string
	Body        string
	Source      string
	URL         string
	PublishedAt time.Time
}
