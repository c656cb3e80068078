// Package broker contains brokerage collaborator implementations. Paper
// is the in-process simulated brokerage used for paper trading and tests;
// the live transport is expected to satisfy the same interface.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/execution"
	"github.com/quantdesk/trading-desk/pkg/types"
)

type paperPosition struct {
	quantity decimal.Decimal
	avgCost  decimal.Decimal
}

// Paper simulates a cash brokerage account in process. Market orders are
// acknowledged with a synthetic id and filled synchronously at the current
// quote; fills are delivered on the Fills channel for the order manager to
// consume. Orders the account cannot afford are rejected.
type Paper struct {
	mu        sync.Mutex
	logger    *zap.Logger
	cash      decimal.Decimal
	positions map[string]paperPosition
	quotes    map[string]decimal.Decimal
	fills     chan execution.Fill
	now       func() time.Time
	location  *time.Location
}

// NewPaper creates a paper broker with the given starting cash. The fills
// channel is buffered; the caller must drain it.
func NewPaper(logger *zap.Logger, startingCash decimal.Decimal) *Paper {
	return &Paper{
		logger:    logger.Named("paper_broker"),
		cash:      startingCash,
		positions: make(map[string]paperPosition),
		quotes:    make(map[string]decimal.Decimal),
		fills:     make(chan execution.Fill, 256),
		now:       time.Now,
		location:  time.Local,
	}
}

// WithClock substitutes the wall clock and market-hours location, for
// tests and backdated simulations.
func (b *Paper) WithClock(now func() time.Time, loc *time.Location) *Paper {
	b.now = now
	b.location = loc
	return b
}

// SetQuote updates the simulated market price for a symbol.
func (b *Paper) SetQuote(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// Fills returns the channel on which simulated fills are delivered.
func (b *Paper) Fills() <-chan execution.Fill {
	return b.fills
}

// Submit acknowledges the order with a synthetic broker id and fills it at
// the current quote. Buys exceeding available cash are rejected.
func (b *Paper) Submit(ctx context.Context, order *types.Order) (execution.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return execution.SubmitResult{}, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	quote, ok := b.quotes[order.Symbol]
	if !ok {
		return execution.SubmitResult{}, fmt.Errorf("no quote for %s", order.Symbol)
	}

	if order.Side == types.OrderSideBuy {
		cost := order.Quantity.Mul(quote)
		if cost.GreaterThan(b.cash) {
			return execution.SubmitResult{}, fmt.Errorf(
				"insufficient buying power: need %s, have %s",
				cost.StringFixed(2), b.cash.StringFixed(2))
		}
	}

	b.applyLocked(order.Symbol, order.Side, order.Quantity, quote)

	fill := execution.Fill{
		OrderID:    order.ID,
		Quantity:   order.Quantity,
		Price:      quote,
		Commission: decimal.Zero,
		Timestamp:  b.now(),
	}
	select {
	case b.fills <- fill:
	default:
		b.logger.Warn("Fill channel full, dropping fill",
			zap.String("orderId", order.ID))
	}

	return execution.SubmitResult{
		BrokerOrderID: uuid.New().String(),
		Status:        types.OrderStatusSubmitted,
	}, nil
}

// applyLocked books the execution into the simulated account.
func (b *Paper) applyLocked(symbol string, side types.OrderSide, qty, price decimal.Decimal) {
	signed := qty
	if side == types.OrderSideSell {
		signed = signed.Neg()
	}
	b.cash = b.cash.Sub(signed.Mul(price))

	pos := b.positions[symbol]
	newQty := pos.quantity.Add(signed)
	if newQty.IsZero() {
		delete(b.positions, symbol)
		return
	}
	if pos.quantity.IsZero() || pos.quantity.Sign() != newQty.Sign() {
		pos.avgCost = price
	} else if signed.Sign() == pos.quantity.Sign() {
		total := pos.quantity.Mul(pos.avgCost).Add(signed.Mul(price))
		pos.avgCost = total.Div(newQty)
	}
	pos.quantity = newQty
	b.positions[symbol] = pos
}

// Cancel is a no-op for already-filled paper orders; it exists to satisfy
// the brokerage interface.
func (b *Paper) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}
	return nil
}

// GetAccount reports the simulated account marked at current quotes.
func (b *Paper) GetAccount(ctx context.Context) (types.Account, error) {
	if err := ctx.Err(); err != nil {
		return types.Account{}, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for symbol, pos := range b.positions {
		if quote, ok := b.quotes[symbol]; ok {
			equity = equity.Add(pos.quantity.Mul(quote))
		}
	}
	return types.Account{
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: b.cash,
	}, nil
}

// GetPositions returns current market value per held symbol.
func (b *Paper) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	values := make(map[string]decimal.Decimal, len(b.positions))
	for symbol, pos := range b.positions {
		quote, ok := b.quotes[symbol]
		if !ok {
			quote = pos.avgCost
		}
		values[symbol] = pos.quantity.Mul(quote)
	}
	return values, nil
}

// IsMarketOpen reports regular US equity hours in the configured location.
func (b *Paper) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}
	now := b.now().In(b.location)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false, nil
	}
	sessionOpen := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, b.location)
	sessionClose := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, b.location)
	return !now.Before(sessionOpen) && now.Before(sessionClose), nil
}

// Clock reports the next session boundaries.
func (b *Paper) Clock(ctx context.Context) (types.MarketClock, error) {
	open, err := b.IsMarketOpen(ctx)
	if err != nil {
		return types.MarketClock{}, err
	}

	now := b.now().In(b.location)
	nextOpen := time.Date(now.Year(), now.Month(), now.Day(), 9, 30, 0, 0, b.location)
	nextClose := time.Date(now.Year(), now.Month(), now.Day(), 16, 0, 0, 0, b.location)
	for !nextOpen.After(now) {
		nextOpen = nextTradingDay(nextOpen)
	}
	for !nextClose.After(now) {
		nextClose = nextTradingDay(nextClose)
	}
	return types.MarketClock{
		IsOpen:    open,
		NextOpen:  nextOpen,
		NextClose: nextClose,
	}, nil
}

func nextTradingDay(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
