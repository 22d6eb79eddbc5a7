package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// GuardConfig tunes the breaker and the read retries.
type GuardConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BreakerTimeout  time.Duration // how long the breaker stays open
	BreakerInterval time.Duration // counter reset period while closed
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		BreakerTimeout:  60 * time.Second,
		BreakerInterval: 60 * time.Second,
	}
}

// GuardedGateway wraps a gateway with a circuit breaker. Reads are retried with exponential
// backoff; SubmitOrder is never retried, a duplicate order is worse than a missed one.
type GuardedGateway struct {
	inner   ExecutionGateway
	cfg     GuardConfig
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewGuardedGateway(name string, inner ExecutionGateway, cfg GuardConfig, logger *zap.SugaredLogger) *GuardedGateway {
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	st := gobreaker.Settings{
		Name:     name,
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("!!! State Transition !!!",
				"Breaker", name,
				"From", from.String(),
				"To", to.String(),
			)
		},
		// a cancelled caller says nothing about the broker's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &GuardedGateway{
		inner:   inner,
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  logger,
	}
}

// State exposes the breaker state for the status endpoint.
func (g *GuardedGateway) State() string {
	return g.breaker.State().String()
}

func (g *GuardedGateway) SubmitOrder(ctx context.Context, req model.OrderRequest) (*model.OrderConfirmation, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
	if err != nil {
		return nil, &model.GatewayFailureError{Op: "submit_order", Err: err}
	}
	return res.(*model.OrderConfirmation), nil
}

func (g *GuardedGateway) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	res, err := g.read(ctx, "get_position", func() (interface{}, error) {
		return g.inner.GetPosition(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return res.(*model.Position), nil
}

func (g *GuardedGateway) HasPendingOrder(ctx context.Context, symbol string) (bool, error) {
	res, err := g.read(ctx, "has_pending_order", func() (interface{}, error) {
		return g.inner.HasPendingOrder(ctx, symbol)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (g *GuardedGateway) GetBuyingPower(ctx context.Context) (float64, error) {
	res, err := g.read(ctx, "get_buying_power", func() (interface{}, error) {
		return g.inner.GetBuyingPower(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

func (g *GuardedGateway) GetBalance(ctx context.Context) (float64, error) {
	res, err := g.read(ctx, "get_balance", func() (interface{}, error) {
		return g.inner.GetBalance(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// read runs fn through the breaker with retries. An open breaker ends the retry loop at once.
func (g *GuardedGateway) read(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	var out interface{}
	operation := func() error {
		res, err := g.breaker.Execute(fn)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialInterval
	eb.MaxInterval = g.cfg.MaxInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, g.cfg.MaxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		g.logger.Warnw("gateway read failed, retrying", "op", op, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, &model.GatewayFailureError{Op: op, Err: err}
	}
	return out, nil
}
