package data

import (
	"context"
	"time"

	"fusion-trader/internal/model"
)

// MarketDataSource supplies bars and last prices. Missing data is reported with an error
// wrapping model.ErrDataUnavailable.
type MarketDataSource interface {
	GetSeries(ctx context.Context, symbol, interval string, lookback int) (*model.PriceSeries, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// NewsSource supplies articles published at or after since.
type NewsSource interface {
	GetItems(ctx context.Context, symbol string, since time.Time) ([]model.NewsItem, error)
}
