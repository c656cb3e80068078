package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// SubmitResult is the broker's acknowledgement of an order submission.
type SubmitResult struct {
	BrokerOrderID string
	Status        types.OrderStatus
}

// Broker abstracts the brokerage collaborator. All calls are fallible remote
// operations; implementations wrap network-level failures in ErrTransport so
// the order manager can distinguish retryable errors from hard rejections.
type Broker interface {
	Submit(ctx context.Context, order *types.Order) (SubmitResult, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	GetAccount(ctx context.Context) (types.Account, error)
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)
	IsMarketOpen(ctx context.Context) (bool, error)
	Clock(ctx context.Context) (types.MarketClock, error)
}
