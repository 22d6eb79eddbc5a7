package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// HTTPNewsClient reads company news from a Finnhub-compatible endpoint:
// GET {base}/company-news?symbol=&from=YYYY-MM-DD&to=YYYY-MM-DD&token=
type HTTPNewsClient struct {
	client     *resty.Client
	limiter    *rate.Limiter
	apiKey     string
	maxRetries uint64
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// companyNews is one element of the response array.
type companyNews struct {
	Category string `json:"category"`
	DateTime int64  `json:"datetime"`
	Headline string `json:"headline"`
	ID       int64  `json:"id"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

func NewHTTPNewsClient(cfg service.NewsConfig, logger *zap.SugaredLogger) *HTTPNewsClient {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec == 0 {
		cfg.RequestsPerSec = 5
	}
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	return &HTTPNewsClient{
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(time.Second/time.Duration(cfg.RequestsPerSec)), cfg.RequestsPerSec),
		apiKey:     cfg.APIKey,
		maxRetries: 3,
		now:        time.Now,
		logger:     logger,
	}
}

// statusError is a non-2xx response. 4xx other than 429 is not retried.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("news API error %d: %s", e.code, e.body)
}

func (c *HTTPNewsClient) GetItems(ctx context.Context, symbol string, since time.Time) ([]model.NewsItem, error) {
	now := c.now()
	params := map[string]string{
		"symbol": symbol,
		"from":   since.UTC().Format("2006-01-02"),
		"to":     now.UTC().Format("2006-01-02"),
	}
	if c.apiKey != "" {
		params["token"] = c.apiKey
	}

	var raw []companyNews
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get("/company-news")
		if err != nil {
			return fmt.Errorf("fetch news for %s: %w", symbol, err)
		}
		if resp.IsError() {
			serr := &statusError{code: resp.StatusCode(), body: resp.String()}
			if resp.StatusCode() < 500 && resp.StatusCode() != http.StatusTooManyRequests {
				return backoff.Permanent(serr)
			}
			return serr
		}
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return backoff.Permanent(fmt.Errorf("parse news response: %w", err))
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = 10 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		c.logger.Warnw("news fetch failed", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: news for %s: %v", model.ErrDataUnavailable, symbol, err)
	}

	items := make([]model.NewsItem, 0, len(raw))
	for _, n := range raw {
		published := time.Unix(n.DateTime, 0).UTC()
		if published.Before(since) {
			continue
		}
		items = append(items, model.NewsItem{
			Symbol:      symbol,
			Headline:    n.Headline,
			Body:        n.Summary,
			Source:      n.Source,
			URL:         n.URL,
			PublishedAt: published,
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].PublishedAt.After(items[j].PublishedAt) })
	return items, nil
}
