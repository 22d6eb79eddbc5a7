package executor

import (
	"context"

	"fusion-trader/internal/model"
)

// ExecutionGateway is the brokerage boundary. Implementations must be safe for use from the
// orchestrator loop and the status server at the same time.
type ExecutionGateway interface {
	// SubmitOrder places a market order. A non-nil confirmation with a status other than filled
	// is not an error; callers decide what a pending or rejected order means for them.
	SubmitOrder(ctx context.Context, req model.OrderRequest) (*model.OrderConfirmation, error)

	// GetPosition returns the open position for symbol, or nil when flat.
	GetPosition(ctx context.Context, symbol string) (*model.Position, error)

	// HasPendingOrder reports whether an unfilled order exists for symbol.
	HasPendingOrder(ctx context.Context, symbol string) (bool, error)

	// GetBuyingPower is the cash available for new entries.
	GetBuyingPower(ctx context.Context) (float64, error)

	// GetBalance is the account equity: cash plus open positions at the last price.
	GetBalance(ctx context.Context) (float64, error)
}
