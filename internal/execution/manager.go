package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/internal/risk"
	"github.com/quantdesk/trading-desk/pkg/types"
)

// OrderRequest describes a trade intent handed to the order manager.
// RefPrice is the reference price used for the pre-trade risk notional when
// the order has no limit price (market orders).
type OrderRequest struct {
	Symbol      string
	Side        types.OrderSide
	Type        types.OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce types.TimeInForce
	RefPrice    decimal.Decimal
	StrategyTag string
	Reason      string
}

// Fill is a fill event from the broker or a simulator. Quantity is always
// positive; the order's side determines the sign applied to the ledger.
type Fill struct {
	OrderID    string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// ManagerConfig tunes submission behavior.
type ManagerConfig struct {
	MaxSubmitAttempts int
	RetryBackoff      time.Duration
	SubmitTimeout     time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxSubmitAttempts: 3,
		RetryBackoff:      500 * time.Millisecond,
		SubmitTimeout:     10 * time.Second,
	}
}

// Manager orchestrates the order lifecycle: shape validation, risk gate,
// broker submission and fill application. All portfolio mutations and order
// transitions are serialized through one mutex so a fill notification can
// never race a risk check's equity read.
type Manager struct {
	logger    *zap.Logger
	config    ManagerConfig
	broker    Broker
	risk      *risk.Manager
	portfolio *portfolio.Portfolio
	limits    types.RiskLimits

	mu           sync.Mutex
	orders       map[string]*types.Order
	history      []*types.Order
	appliedFills map[string]bool
	halted       map[string]bool
}

// NewManager creates an order manager bound to one portfolio and broker.
func NewManager(logger *zap.Logger, config ManagerConfig, broker Broker, riskManager *risk.Manager, pf *portfolio.Portfolio, limits types.RiskLimits) *Manager {
	return &Manager{
		logger:       logger.Named("order-manager"),
		config:       config,
		broker:       broker,
		risk:         riskManager,
		portfolio:    pf,
		limits:       limits,
		orders:       make(map[string]*types.Order),
		appliedFills: make(map[string]bool),
		halted:       make(map[string]bool),
	}
}

// Submit validates the request, runs the risk gate, and submits the order.
// Risk and broker rejections are returned as terminal orders with a nil
// error: they are first-class outcomes, retained in the history for
// reporting. Only malformed requests return a non-nil error.
func (m *Manager) Submit(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if err := validate(req); err != nil {
		ordersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	now := time.Now()
	order := &types.Order{
		ID:          uuid.New().String(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TimeInForce: req.TimeInForce,
		Status:      types.OrderStatusCreated,
		StrategyTag: req.StrategyTag,
		Reason:      req.Reason,
		CreatedAt:   now,
	}
	if order.TimeInForce == "" {
		order.TimeInForce = types.TimeInForceDay
	}

	m.track(order)

	intent := risk.OrderIntent{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    riskPrice(req),
	}
	check := m.risk.Check(intent, m.portfolio.Snapshot(), m.limits)
	if !check.Passed {
		m.transition(order, types.OrderStatusRiskRejected)
		order.Reason = check.Reason
		ordersRejected.WithLabelValues("risk").Inc()
		return order, nil
	}

	result, err := m.submitWithRetry(ctx, order)
	if err != nil {
		// Timeout or exhausted transport retries: treat as a safe terminal
		// rejection with no partial-fill assumption.
		m.transition(order, types.OrderStatusBrokerRejected)
		order.Reason = err.Error()
		ordersRejected.WithLabelValues("broker").Inc()
		m.logger.Warn("Broker submission failed",
			zap.String("orderId", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		return order, nil
	}

	if result.Status == types.OrderStatusBrokerRejected {
		m.transition(order, types.OrderStatusBrokerRejected)
		ordersRejected.WithLabelValues("broker").Inc()
		return order, nil
	}

	m.mu.Lock()
	order.BrokerOrderID = result.BrokerOrderID
	// A synchronous broker may deliver the fill before the ack returns; in
	// that case HandleFill has already advanced the order past created and
	// the ack must not rewind it.
	if order.Status == types.OrderStatusCreated {
		submittedAt := time.Now()
		order.SubmittedAt = &submittedAt
		if err := transitionLocked(order, types.OrderStatusSubmitted); err != nil {
			m.logger.Error("Illegal order transition", zap.Error(err))
		}
	}
	m.mu.Unlock()
	ordersSubmitted.Inc()

	m.logger.Info("Order submitted",
		zap.String("orderId", order.ID),
		zap.String("brokerOrderId", order.BrokerOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()))

	return order, nil
}

// submitWithRetry retries transport-level failures with bounded backoff.
// Any other error surfaces immediately.
func (m *Manager) submitWithRetry(ctx context.Context, order *types.Order) (SubmitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.MaxSubmitAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.config.SubmitTimeout)
		result, err := m.broker.Submit(attemptCtx, order)
		cancel()

		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrTransport) && !errors.Is(err, context.DeadlineExceeded) {
			return SubmitResult{}, err
		}

		lastErr = err
		m.logger.Warn("Transient broker error, retrying",
			zap.String("orderId", order.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		case <-time.After(m.config.RetryBackoff * time.Duration(attempt)):
		}
	}
	return SubmitResult{}, fmt.Errorf("submission failed after %d attempts: %w", m.config.MaxSubmitAttempts, lastErr)
}

// HandleFill applies one fill event to the order and the portfolio.
// Idempotent per (order id, filled quantity delta): a redelivered fill is a
// no-op. An over-fill is a ledger inconsistency that halts the order.
func (m *Manager) HandleFill(fill Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[fill.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, fill.OrderID)
	}
	if m.halted[order.ID] {
		return fmt.Errorf("%w: %s", ErrOrderHalted, order.ID)
	}

	key := fill.OrderID + "|" + fill.Quantity.String() + "|" + fill.Price.String()
	if m.appliedFills[key] {
		m.logger.Debug("Duplicate fill ignored", zap.String("orderId", fill.OrderID))
		return nil
	}

	if order.FilledQty.Add(fill.Quantity).GreaterThan(order.Quantity) {
		m.halted[order.ID] = true
		return fmt.Errorf("%w: order %s filled %s + %s > ordered %s",
			ErrOverFill, order.ID, order.FilledQty, fill.Quantity, order.Quantity)
	}

	// A fill can outrun the submission ack when the broker reports
	// synchronously; the fill itself proves the broker accepted the order.
	if order.Status == types.OrderStatusCreated {
		submittedAt := fill.Timestamp
		order.SubmittedAt = &submittedAt
		if err := transitionLocked(order, types.OrderStatusSubmitted); err != nil {
			return err
		}
	}

	next := types.OrderStatusPartiallyFilled
	if order.FilledQty.Add(fill.Quantity).Equal(order.Quantity) {
		next = types.OrderStatusFilled
	}
	// Lifecycle legality is decided before the ledger is touched so a
	// rejected transition cannot leave a phantom position behind.
	if !order.Status.CanTransition(next) {
		return &IllegalTransitionError{OrderID: order.ID, From: order.Status, To: next}
	}

	qtyDelta := fill.Quantity
	if order.Side == types.OrderSideSell {
		qtyDelta = qtyDelta.Neg()
	}
	if _, err := m.portfolio.ApplyFill(order.Symbol, qtyDelta, fill.Price, fill.Commission); err != nil {
		return fmt.Errorf("apply fill for order %s: %w", order.ID, err)
	}

	m.appliedFills[key] = true

	// Quantity-weighted average fill price across partial fills.
	totalCost := order.AvgFillPrice.Mul(order.FilledQty).Add(fill.Price.Mul(fill.Quantity))
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.AvgFillPrice = totalCost.Div(order.FilledQty)
	order.Commission = order.Commission.Add(fill.Commission)

	if err := transitionLocked(order, next); err != nil {
		return err
	}
	if next == types.OrderStatusFilled {
		filledAt := fill.Timestamp
		order.FilledAt = &filledAt
	}

	fillsApplied.Inc()
	m.logger.Info("Fill applied",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("status", string(order.Status)))
	return nil
}

// Cancel cancels a working order at the broker and transitions it.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if order.Status.IsTerminal() {
		return &IllegalTransitionError{OrderID: orderID, From: order.Status, To: types.OrderStatusCancelled}
	}
	if err := m.broker.Cancel(ctx, order.BrokerOrderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	m.transition(order, types.OrderStatusCancelled)
	return nil
}

// Order returns a copy of a tracked order.
func (m *Manager) Order(orderID string) *types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		cp := *order
		return &cp
	}
	return nil
}

// History returns all orders in creation order, including risk and broker
// rejections: they are evidence for post-hoc analysis, never discarded.
func (m *Manager) History() []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Order, len(m.history))
	for i, order := range m.history {
		cp := *order
		out[i] = &cp
	}
	return out
}

// OpenOrders returns non-terminal orders.
func (m *Manager) OpenOrders() []*types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Order
	for _, order := range m.history {
		if order.IsActive() {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Manager) track(order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	m.history = append(m.history, order)
}

func (m *Manager) transition(order *types.Order, next types.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := transitionLocked(order, next); err != nil {
		m.logger.Error("Illegal order transition", zap.Error(err))
	}
}

// transitionLocked enforces lifecycle legality centrally: states are never
// re-entered once left, except partially_filled -> partially_filled.
func transitionLocked(order *types.Order, next types.OrderStatus) error {
	if !order.Status.CanTransition(next) {
		return &IllegalTransitionError{OrderID: order.ID, From: order.Status, To: next}
	}
	order.Status = next
	return nil
}

func validate(req OrderRequest) error {
	if req.Symbol == "" {
		return &ValidationError{Field: "symbol", Msg: "is required"}
	}
	if req.Quantity.Sign() <= 0 {
		return &ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return &ValidationError{Field: "side", Msg: "must be buy or sell"}
	}
	switch req.Type {
	case types.OrderTypeLimit:
		if req.LimitPrice.Sign() <= 0 {
			return &ValidationError{Field: "limitPrice", Msg: "required for limit orders"}
		}
	case types.OrderTypeStop:
		if req.StopPrice.Sign() <= 0 {
			return &ValidationError{Field: "stopPrice", Msg: "required for stop orders"}
		}
	case types.OrderTypeStopLimit:
		if req.LimitPrice.Sign() <= 0 {
			return &ValidationError{Field: "limitPrice", Msg: "required for stop-limit orders"}
		}
		if req.StopPrice.Sign() <= 0 {
			return &ValidationError{Field: "stopPrice", Msg: "required for stop-limit orders"}
		}
	case types.OrderTypeMarket:
	default:
		return &ValidationError{Field: "type", Msg: "unknown order type"}
	}
	return nil
}

func riskPrice(req OrderRequest) decimal.Decimal {
	if req.LimitPrice.Sign() > 0 {
		return req.LimitPrice
	}
	return req.RefPrice
}
