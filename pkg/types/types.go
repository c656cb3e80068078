// Package types provides shared type definitions for the trading desk.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus represents the lifecycle state of an order.
//
// Legal transitions:
//
//	created          -> risk_rejected | submitted
//	submitted        -> filled | partially_filled | cancelled | broker_rejected
//	partially_filled -> partially_filled | filled | cancelled
//
// risk_rejected, filled, cancelled and broker_rejected are terminal.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusRiskRejected    OrderStatus = "risk_rejected"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusBrokerRejected  OrderStatus = "broker_rejected"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusRiskRejected, OrderStatusFilled, OrderStatusCancelled, OrderStatusBrokerRejected:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusCreated:
		return next == OrderStatusRiskRejected || next == OrderStatusSubmitted
	case OrderStatusSubmitted:
		switch next {
		case OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusCancelled, OrderStatusBrokerRejected:
			return true
		}
	case OrderStatusPartiallyFilled:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled:
			return true
		}
	}
	return false
}

// TimeInForce controls how long an unfilled order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// Timeframe represents bar timeframes
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
)

// OHLCV represents a single bar
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order represents a trade intent through its lifecycle.
type Order struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Status        OrderStatus     `json:"status"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	StrategyTag   string          `json:"strategyTag,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	CreatedAt     time.Time       `json:"createdAt"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// IsActive reports whether the order is still working.
func (o *Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// RiskLimit identifies which configured limit a rejected order breached.
type RiskLimit string

const (
	RiskLimitPositionSize   RiskLimit = "position_size"
	RiskLimitSectorExposure RiskLimit = "sector_exposure"
	RiskLimitLeverage       RiskLimit = "leverage"
	RiskLimitDrawdown       RiskLimit = "drawdown"
	RiskLimitDailyLoss      RiskLimit = "daily_loss"
	RiskLimitTradeSize      RiskLimit = "trade_size"
)

// RiskCheckResult is the outcome of a single pre-trade risk evaluation.
type RiskCheckResult struct {
	Passed        bool      `json:"passed"`
	Reason        string    `json:"reason,omitempty"`
	LimitBreached RiskLimit `json:"limitBreached,omitempty"`
}

// RiskLimits holds pre-trade risk configuration.
type RiskLimits struct {
	MaxPositionSizePct   decimal.Decimal   `json:"maxPositionSizePct"`
	MaxSectorExposurePct decimal.Decimal   `json:"maxSectorExposurePct"`
	MaxLeverage          decimal.Decimal   `json:"maxLeverage"`
	MaxDrawdownPct       decimal.Decimal   `json:"maxDrawdownPct"`
	DailyLossLimitPct    decimal.Decimal   `json:"dailyLossLimitPct"`
	MinTradeSize         decimal.Decimal   `json:"minTradeSize"`
	MaxTradeSize         decimal.Decimal   `json:"maxTradeSize"`
	SectorMap            map[string]string `json:"sectorMap,omitempty"`
}

// EquityCurvePoint represents one simulated period on the equity curve.
type EquityCurvePoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	GrossExposure decimal.Decimal `json:"grossExposure"`
	DrawdownPct   decimal.Decimal `json:"drawdownPct"`
}

// PerformanceMetrics summarizes a backtest run.
type PerformanceMetrics struct {
	TotalReturn   decimal.Decimal `json:"totalReturn"`
	MaxDrawdown   decimal.Decimal `json:"maxDrawdown"`
	SharpeRatio   decimal.Decimal `json:"sharpeRatio"`
	WinRate       decimal.Decimal `json:"winRate"`
	TotalTrades   int             `json:"totalTrades"`
	WinningTrades int             `json:"winningTrades"`
	LosingTrades  int             `json:"losingTrades"`
	FinalEquity   decimal.Decimal `json:"finalEquity"`
}

// Account is the brokerage account view at the broker boundary.
type Account struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buyingPower"`
}

// MarketClock describes the next market session boundaries.
type MarketClock struct {
	IsOpen    bool      `json:"isOpen"`
	NextOpen  time.Time `json:"nextOpen"`
	NextClose time.Time `json:"nextClose"`
}

// EnvelopeOrder is one target order inside a scheduled order envelope.
type EnvelopeOrder struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Envelope is a serializable snapshot of target orders plus the market
// context used to generate them, bridging the after-hours decision to the
// next market open.
type Envelope struct {
	GeneratedAt     time.Time          `json:"generatedAt"`
	Strategy        string             `json:"strategy"`
	EquitySnapshot  decimal.Decimal    `json:"equitySnapshot"`
	SignalsSnapshot map[string]float64 `json:"signalsSnapshot"`
	Orders          []EnvelopeOrder    `json:"orders"`
}
