package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/internal/risk"
	"github.com/quantdesk/trading-desk/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// stubBroker returns queued errors first, then acknowledges submissions.
type stubBroker struct {
	mu          sync.Mutex
	submitErrs  []error
	submitCalls int
	cancelCalls int
}

func (b *stubBroker) Submit(ctx context.Context, order *types.Order) (SubmitResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return SubmitResult{}, err
	}
	return SubmitResult{
		BrokerOrderID: fmt.Sprintf("bk-%d", b.submitCalls),
		Status:        types.OrderStatusSubmitted,
	}, nil
}

func (b *stubBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	return nil
}

func (b *stubBroker) GetAccount(ctx context.Context) (types.Account, error) {
	return types.Account{}, nil
}

func (b *stubBroker) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (b *stubBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (b *stubBroker) Clock(ctx context.Context) (types.MarketClock, error) {
	return types.MarketClock{}, nil
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		MaxSubmitAttempts: 3,
		RetryBackoff:      time.Millisecond,
		SubmitTimeout:     time.Second,
	}
}

// newTestManager wires a manager with a funded portfolio and no risk
// limits (zero limits disable every check).
func newTestManager(b Broker) (*Manager, *portfolio.Portfolio) {
	pf := portfolio.New(d("100000"))
	m := NewManager(zap.NewNop(), testConfig(), b, risk.NewManager(zap.NewNop()), pf, types.RiskLimits{})
	return m, pf
}

func marketBuy(qty string) OrderRequest {
	return OrderRequest{
		Symbol:   "AAPL",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: d(qty),
		RefPrice: d("100"),
	}
}

func TestSubmitHappyPath(t *testing.T) {
	b := &stubBroker{}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSubmitted, order.Status)
	assert.Equal(t, "bk-1", order.BrokerOrderID)
	assert.NotNil(t, order.SubmittedAt)
	assert.Equal(t, types.TimeInForceDay, order.TimeInForce, "TIF defaults to day")
	assert.Len(t, m.OpenOrders(), 1)
}

func TestSubmitValidation(t *testing.T) {
	b := &stubBroker{}
	m, _ := newTestManager(b)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   OrderRequest
		field string
	}{
		{"missing symbol", OrderRequest{Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1")}, "symbol"},
		{"zero quantity", OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket}, "quantity"},
		{"bad side", OrderRequest{Symbol: "AAPL", Side: "hold", Type: types.OrderTypeMarket, Quantity: d("1")}, "side"},
		{"limit without price", OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("1")}, "limitPrice"},
		{"stop without price", OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeStop, Quantity: d("1")}, "stopPrice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Submit(ctx, tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Equal(t, 0, b.submitCalls, "invalid requests never reach the broker")
}

func TestSubmitRiskRejectedIsTerminalNotError(t *testing.T) {
	b := &stubBroker{}
	pf := portfolio.New(d("100000"))
	limits := types.RiskLimits{MaxPositionSizePct: d("0.10")}
	m := NewManager(zap.NewNop(), testConfig(), b, risk.NewManager(zap.NewNop()), pf, limits)

	order, err := m.Submit(context.Background(), OrderRequest{
		Symbol:   "AAPL",
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: d("150"),
		RefPrice: d("100"), // $15k against $100k equity, 10% cap
	})
	require.NoError(t, err, "risk rejection is an outcome, not an error")
	assert.Equal(t, types.OrderStatusRiskRejected, order.Status)
	assert.NotEmpty(t, order.Reason)
	assert.Equal(t, 0, b.submitCalls, "rejected orders never reach the broker")

	history := m.History()
	require.Len(t, history, 1, "rejections are retained in history")
	assert.Equal(t, types.OrderStatusRiskRejected, history[0].Status)
}

func TestSubmitRetriesTransientTransportErrors(t *testing.T) {
	b := &stubBroker{submitErrs: []error{
		fmt.Errorf("%w: connection reset", ErrTransport),
		fmt.Errorf("%w: connection reset", ErrTransport),
	}}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSubmitted, order.Status)
	assert.Equal(t, 3, b.submitCalls)
}

func TestSubmitExhaustedRetriesRejects(t *testing.T) {
	transport := fmt.Errorf("%w: connection reset", ErrTransport)
	b := &stubBroker{submitErrs: []error{transport, transport, transport}}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusBrokerRejected, order.Status)
	assert.Contains(t, order.Reason, "after 3 attempts")
	assert.Equal(t, 3, b.submitCalls)
}

func TestSubmitNonTransportErrorFailsImmediately(t *testing.T) {
	b := &stubBroker{submitErrs: []error{errors.New("account suspended")}}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusBrokerRejected, order.Status)
	assert.Equal(t, 1, b.submitCalls, "auth-style errors are not retried")
}

func TestHandleFillLifecycle(t *testing.T) {
	b := &stubBroker{}
	m, pf := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)

	require.NoError(t, m.HandleFill(Fill{
		OrderID: order.ID, Quantity: d("4"), Price: d("100"), Timestamp: time.Now(),
	}))
	assert.Equal(t, types.OrderStatusPartiallyFilled, m.Order(order.ID).Status)

	require.NoError(t, m.HandleFill(Fill{
		OrderID: order.ID, Quantity: d("6"), Price: d("110"), Timestamp: time.Now(),
	}))

	final := m.Order(order.ID)
	assert.Equal(t, types.OrderStatusFilled, final.Status)
	assert.True(t, d("10").Equal(final.FilledQty))
	assert.True(t, d("106").Equal(final.AvgFillPrice), "got %s", final.AvgFillPrice)
	assert.NotNil(t, final.FilledAt)

	pos := pf.Position("AAPL")
	require.NotNil(t, pos)
	assert.True(t, d("10").Equal(pos.Quantity))
	assert.True(t, d("106").Equal(pos.AvgCost))
	assert.Empty(t, m.OpenOrders())
}

func TestHandleFillIdempotent(t *testing.T) {
	b := &stubBroker{}
	m, pf := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)

	fill := Fill{OrderID: order.ID, Quantity: d("5"), Price: d("100"), Timestamp: time.Now()}
	require.NoError(t, m.HandleFill(fill))
	require.NoError(t, m.HandleFill(fill), "redelivery is a no-op")

	assert.True(t, d("5").Equal(m.Order(order.ID).FilledQty))
	assert.True(t, d("5").Equal(pf.Position("AAPL").Quantity))
}

func TestHandleFillOverFillHaltsOrder(t *testing.T) {
	b := &stubBroker{}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)

	require.NoError(t, m.HandleFill(Fill{
		OrderID: order.ID, Quantity: d("8"), Price: d("100"), Timestamp: time.Now(),
	}))

	err = m.HandleFill(Fill{OrderID: order.ID, Quantity: d("5"), Price: d("100"), Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrOverFill)

	// The halted order accepts nothing further, even a legal quantity.
	err = m.HandleFill(Fill{OrderID: order.ID, Quantity: d("2"), Price: d("100"), Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrOrderHalted)
}

func TestHandleFillUnknownOrder(t *testing.T) {
	b := &stubBroker{}
	m, _ := newTestManager(b)

	err := m.HandleFill(Fill{OrderID: "nope", Quantity: d("1"), Price: d("1")})
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

// eagerFillBroker delivers the fill from inside Submit, before the
// acknowledgement returns, the way a fast paper broker can.
type eagerFillBroker struct {
	orders  *Manager
	fillErr error
}

func (b *eagerFillBroker) Submit(ctx context.Context, order *types.Order) (SubmitResult, error) {
	b.fillErr = b.orders.HandleFill(Fill{
		OrderID:   order.ID,
		Quantity:  order.Quantity,
		Price:     d("100"),
		Timestamp: time.Now(),
	})
	return SubmitResult{BrokerOrderID: "bk-eager", Status: types.OrderStatusSubmitted}, nil
}

func (b *eagerFillBroker) Cancel(ctx context.Context, brokerOrderID string) error { return nil }

func (b *eagerFillBroker) GetAccount(ctx context.Context) (types.Account, error) {
	return types.Account{}, nil
}

func (b *eagerFillBroker) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (b *eagerFillBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (b *eagerFillBroker) Clock(ctx context.Context) (types.MarketClock, error) {
	return types.MarketClock{}, nil
}

func TestHandleFillBeforeSubmitAckReturns(t *testing.T) {
	b := &eagerFillBroker{}
	m, pf := newTestManager(b)
	b.orders = m

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	require.NoError(t, b.fillErr, "a fill racing the ack is an implicit acknowledgement")

	final := m.Order(order.ID)
	assert.Equal(t, types.OrderStatusFilled, final.Status)
	assert.True(t, d("10").Equal(final.FilledQty))
	assert.NotNil(t, final.SubmittedAt)
	assert.NotNil(t, final.FilledAt)
	assert.Equal(t, "bk-eager", final.BrokerOrderID, "the late ack still records the broker id")

	pos := pf.Position("AAPL")
	require.NotNil(t, pos)
	assert.True(t, d("10").Equal(pos.Quantity), "the ledger holds exactly one application of the fill")
}

// A fill that would be an illegal transition must not touch the ledger.
func TestHandleFillOnTerminalOrderLeavesLedgerUntouched(t *testing.T) {
	b := &stubBroker{}
	m, pf := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)
	require.NoError(t, m.Cancel(context.Background(), order.ID))

	err = m.HandleFill(Fill{OrderID: order.ID, Quantity: d("10"), Price: d("100"), Timestamp: time.Now()})
	var terr *IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.OrderStatusCancelled, terr.From)

	assert.Nil(t, pf.Position("AAPL"), "rejected fills leave no phantom position")
	assert.True(t, d("100000").Equal(pf.Cash()))
	assert.True(t, m.Order(order.ID).FilledQty.IsZero())
}

func TestCancel(t *testing.T) {
	b := &stubBroker{}
	m, _ := newTestManager(b)

	order, err := m.Submit(context.Background(), marketBuy("10"))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), order.ID))
	assert.Equal(t, types.OrderStatusCancelled, m.Order(order.ID).Status)
	assert.Equal(t, 1, b.cancelCalls)

	// Cancelling a terminal order is an illegal transition.
	err = m.Cancel(context.Background(), order.ID)
	var terr *IllegalTransitionError
	assert.ErrorAs(t, err, &terr)
}
