package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

const maxCandleLimit = 300

// okxCandlesResponse is the body of GET /api/v5/market/candles. Each row is
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm], newest first.
type okxCandlesResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// OkxRestClient reads public market history from the OKX REST API. It is used to warm the
// series store so decisions do not wait for the live stream to build a full lookback.
type OkxRestClient struct {
	client *resty.Client
	logger *zap.SugaredLogger
}

func NewOkxRestClient(restURL string, timeout time.Duration, logger *zap.SugaredLogger) *OkxRestClient {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(restURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &OkxRestClient{client: client, logger: logger.With("executor", "OkxRest")}
}

// okxBar converts an interval like "1h" to the OKX bar parameter "1H".
func okxBar(interval string) string {
	if strings.HasSuffix(interval, "h") || strings.HasSuffix(interval, "d") || strings.HasSuffix(interval, "w") {
		return strings.ToUpper(interval)
	}
	return interval
}

// GetCandles returns up to limit confirmed bars for symbol, oldest first. The bar still forming
// is left to the live aggregator.
func (c *OkxRestClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]model.KLine, error) {
	d, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxCandleLimit {
		limit = maxCandleLimit
	}

	var body okxCandlesResponse
	operation := func() error {
		resp, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"instId": InstID(symbol),
				"bar":    okxBar(interval),
				"limit":  fmt.Sprintf("%d", limit),
			}).
			SetResult(&body).
			Get("/api/v5/market/candles")
		if err != nil {
			return err
		}
		if resp.StatusCode() >= http.StatusBadRequest {
			err := fmt.Errorf("okx candles %s: status %d", symbol, resp.StatusCode())
			if resp.StatusCode() != http.StatusTooManyRequests && resp.StatusCode() < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		if body.Code != "0" {
			return backoff.Permanent(fmt.Errorf("okx candles %s: code %s: %s", symbol, body.Code, body.Msg))
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDataUnavailable, err)
	}

	bars := make([]model.KLine, 0, len(body.Data))
	for _, row := range body.Data {
		k, ok := parseCandle(symbol, interval, d, row)
		if !ok {
			continue
		}
		bars = append(bars, k)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].StartTime.Before(bars[j].StartTime) })
	c.logger.Debugw("candles fetched", "symbol", symbol, "interval", interval, "bars", len(bars))
	return bars, nil
}

func parseCandle(symbol, interval string, d time.Duration, row []string) (model.KLine, bool) {
	if len(row) < 9 || row[8] != "1" {
		return model.KLine{}, false
	}
	ts, err := service.StringToInt64(row[0])
	if err != nil {
		return model.KLine{}, false
	}
	var ohlcv [5]float64
	for i := range ohlcv {
		if ohlcv[i], err = service.StringToFloat(row[i+1]); err != nil {
			return model.KLine{}, false
		}
	}
	start := time.UnixMilli(ts).UTC()
	return model.KLine{
		Symbol:    symbol,
		Interval:  interval,
		Open:      ohlcv[0],
		High:      ohlcv[1],
		Low:       ohlcv[2],
		Close:     ohlcv[3],
		Volume:    ohlcv[4],
		StartTime: start,
		EndTime:   start.Add(d - time.Millisecond),
	}, true
}
