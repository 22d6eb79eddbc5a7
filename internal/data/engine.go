package data

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// SeriesStore keeps a bounded run of closed bars per symbol and interval plus the last traded
// price per symbol. It is the MarketDataSource the orchestrator reads in live mode.
type SeriesStore struct {
	mu       sync.RWMutex
	capacity int
	bars     map[string]map[string][]model.KLine // symbol -> interval -> bars
	latest   map[string]float64
}

func NewSeriesStore(capacity int) *SeriesStore {
	if capacity <= 0 {
		capacity = 500
	}
	return &SeriesStore{
		capacity: capacity,
		bars:     make(map[string]map[string][]model.KLine),
		latest:   make(map[string]float64),
	}
}

// Seed replaces the stored bars for symbol/interval, e.g. with a REST warm-up.
func (s *SeriesStore) Seed(symbol, interval string, bars []model.KLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(bars) > s.capacity {
		bars = bars[len(bars)-s.capacity:]
	}
	s.intervals(symbol)[interval] = append([]model.KLine(nil), bars...)
}

// Append adds a closed bar, dropping the oldest once at capacity.
func (s *SeriesStore) Append(k model.KLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byInterval := s.intervals(k.Symbol)
	bars := append(byInterval[k.Interval], k)
	if len(bars) > s.capacity {
		bars = bars[len(bars)-s.capacity:]
	}
	byInterval[k.Interval] = bars
}

func (s *SeriesStore) intervals(symbol string) map[string][]model.KLine {
	m, ok := s.bars[symbol]
	if !ok {
		m = make(map[string][]model.KLine)
		s.bars[symbol] = m
	}
	return m
}

// SetLatestPrice records the most recent print for symbol.
func (s *SeriesStore) SetLatestPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[symbol] = price
}

// GetSeries returns a copy of the newest lookback bars (all of them when lookback <= 0).
func (s *SeriesStore) GetSeries(ctx context.Context, symbol, interval string, lookback int) (*model.PriceSeries, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bars := s.bars[symbol][interval]
	if len(bars) == 0 {
		return nil, fmt.Errorf("no %s bars for %s: %w", interval, symbol, model.ErrDataUnavailable)
	}
	if lookback > 0 && len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return &model.PriceSeries{
		Symbol:   symbol,
		Interval: interval,
		Bars:     append([]model.KLine(nil), bars...),
	}, nil
}

// GetLatestPrice returns the last print, or the newest bar close when no print was seen.
func (s *SeriesStore) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.latest[symbol]; ok && p > 0 {
		return p, nil
	}
	var newest model.KLine
	for _, bars := range s.bars[symbol] {
		if len(bars) == 0 {
			continue
		}
		if last := bars[len(bars)-1]; last.EndTime.After(newest.EndTime) {
			newest = last
		}
	}
	if newest.Close > 0 {
		return newest.Close, nil
	}
	return 0, fmt.Errorf("no price for %s: %w", symbol, model.ErrDataUnavailable)
}

// DataEngine turns the ticker stream into closed bars for every configured interval and
// keeps the SeriesStore current.
type DataEngine struct {
	tickerChan  <-chan model.Ticker
	store       *SeriesStore
	intervals   []string
	aggregators map[string]*KlineAggregator // symbol|interval
	logger      *zap.SugaredLogger

	// forwards every ticker to another consumer, e.g. the simulator's price monitor
	broadcasterTickerChan chan model.Ticker
}

func NewDataEngine(tickerChan <-chan model.Ticker, store *SeriesStore, intervals []string, logger *zap.SugaredLogger) (*DataEngine, error) {
	for _, iv := range intervals {
		if _, err := service.ParseIntervalDuration(iv); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	return &DataEngine{
		tickerChan:            tickerChan,
		store:                 store,
		intervals:             intervals,
		aggregators:           make(map[string]*KlineAggregator),
		logger:                logger,
		broadcasterTickerChan: make(chan model.Ticker, 1000),
	}, nil
}

// GetBroadcasterTickerChannel is read by components that need every raw tick.
func (de *DataEngine) GetBroadcasterTickerChannel() <-chan model.Ticker {
	return de.broadcasterTickerChan
}

// Start consumes tickers until the input closes or ctx is done.
func (de *DataEngine) Start(ctx context.Context) {
	de.logger.Info("Data Engine started, monitoring ticker stream...")
	defer close(de.broadcasterTickerChan)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-de.tickerChan:
			if !ok {
				return
			}
			de.Process(t)
		}
	}
}

// Process folds one ticker into the store and every aggregator for its symbol.
func (de *DataEngine) Process(t model.Ticker) {
	if t.Price <= 0 {
		return
	}
	de.store.SetLatestPrice(t.Symbol, t.Price)
	for _, iv := range de.intervals {
		key := t.Symbol + "|" + iv
		agg, ok := de.aggregators[key]
		if !ok {
			agg = NewKlineAggregator(t.Symbol, iv)
			de.aggregators[key] = agg
		}
		if done, closed := agg.ProcessTicker(t); closed {
			de.store.Append(done)
		}
	}

	select {
	case de.broadcasterTickerChan <- t:
	default:
		de.logger.Debugw("broadcast channel full, dropping ticker", "Symbol", t.Symbol, "TS", t.Timestamp)
	}
}

// KlineAggregator builds bars of one interval for one symbol from ticker timestamps.
type KlineAggregator struct {
	mu       sync.Mutex
	Symbol   string
	Interval string
	Current  model.KLine // bar under construction; zero StartTime until the first tick
	duration time.Duration
}

func NewKlineAggregator(symbol, interval string) *KlineAggregator {
	d, err := service.ParseIntervalDuration(interval)
	if err != nil {
		d = time.Minute
	}
	return &KlineAggregator{
		Symbol:   symbol,
		Interval: interval,
		duration: d,
		Current:  model.KLine{Symbol: symbol, Interval: interval},
	}
}

// ProcessTicker folds t into the current bar. When t opens a later period the finished bar is
// returned with closed=true. Ticks older than the current bar are ignored.
func (agg *KlineAggregator) ProcessTicker(t model.Ticker) (done model.KLine, closed bool) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	at := time.UnixMilli(t.Timestamp).UTC()
	start := at.Truncate(agg.duration)

	if !agg.Current.StartTime.IsZero() {
		if start.Before(agg.Current.StartTime) {
			return model.KLine{}, false
		}
		if start.After(agg.Current.StartTime) {
			done, closed = agg.Current, true
			agg.Current = model.KLine{}
		}
	}

	if agg.Current.StartTime.IsZero() {
		agg.Current = model.KLine{
			Symbol:    agg.Symbol,
			Interval:  agg.Interval,
			Open:      t.Price,
			High:      t.Price,
			Low:       t.Price,
			StartTime: start,
			EndTime:   start.Add(agg.duration).Add(-time.Millisecond),
		}
	}

	agg.Current.Close = t.Price
	agg.Current.High = math.Max(agg.Current.High, t.Price)
	agg.Current.Low = math.Min(agg.Current.Low, t.Price)
	agg.Current.Volume += t.Volume
	return done, closed
}
