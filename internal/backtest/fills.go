package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/quantdesk/trading-desk/pkg/types"
)

var bpsDivisor = decimal.NewFromInt(10000)

// FillConfig controls the simulated fill model.
type FillConfig struct {
	// SlippageBps is applied to market and stop fills, always in the
	// direction unfavorable to the trader.
	SlippageBps    decimal.Decimal
	CommissionFlat decimal.Decimal
	// CommissionRate is a proportional commission on fill notional.
	CommissionRate decimal.Decimal
}

// DefaultFillConfig mirrors the paper-trading assumptions: 5 bps slippage,
// no commission.
func DefaultFillConfig() FillConfig {
	return FillConfig{
		SlippageBps:    decimal.NewFromInt(5),
		CommissionFlat: decimal.Zero,
		CommissionRate: decimal.Zero,
	}
}

// SimFill is a simulated execution produced by the fill model.
type SimFill struct {
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
}

// Simulator decides deterministically whether an order fills against a
// single bar, and at what price. Market orders always fill at the bar's
// close adjusted by slippage. Limit and stop orders fill only if the bar's
// high/low range would have triggered them.
type Simulator struct {
	config FillConfig
}

func NewSimulator(config FillConfig) *Simulator {
	return &Simulator{config: config}
}

// TryFill evaluates order against bar. The second return value is false
// when the bar does not trigger the order.
func (s *Simulator) TryFill(order *types.Order, bar types.OHLCV) (SimFill, bool) {
	qty := order.RemainingQty()
	if qty.Sign() <= 0 {
		return SimFill{}, false
	}

	var price decimal.Decimal
	switch order.Type {
	case types.OrderTypeMarket:
		price = s.slip(bar.Close, order.Side)

	case types.OrderTypeLimit:
		limit, ok := limitTouch(order, bar)
		if !ok {
			return SimFill{}, false
		}
		price = limit

	case types.OrderTypeStop:
		stop, ok := stopTrigger(order, bar)
		if !ok {
			return SimFill{}, false
		}
		price = s.slip(stop, order.Side)

	case types.OrderTypeStopLimit:
		if _, ok := stopTrigger(order, bar); !ok {
			return SimFill{}, false
		}
		limit, ok := limitTouch(order, bar)
		if !ok {
			return SimFill{}, false
		}
		price = limit

	default:
		return SimFill{}, false
	}

	return SimFill{
		Quantity:   qty,
		Price:      price,
		Commission: s.commission(qty, price),
	}, true
}

// slip moves price against the trader by the configured basis points.
func (s *Simulator) slip(price decimal.Decimal, side types.OrderSide) decimal.Decimal {
	adj := price.Mul(s.config.SlippageBps).Div(bpsDivisor)
	if side == types.OrderSideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func (s *Simulator) commission(qty, price decimal.Decimal) decimal.Decimal {
	notional := qty.Mul(price).Abs()
	return s.config.CommissionFlat.Add(notional.Mul(s.config.CommissionRate))
}

// limitTouch reports whether the bar range reached the limit price, and
// returns the fill price. A buy limit fills when the low trades at or
// below the limit; the fill price is the better of the open and the limit.
func limitTouch(order *types.Order, bar types.OHLCV) (decimal.Decimal, bool) {
	if order.Side == types.OrderSideBuy {
		if bar.Low.GreaterThan(order.LimitPrice) {
			return decimal.Decimal{}, false
		}
		return decimal.Min(bar.Open, order.LimitPrice), true
	}
	if bar.High.LessThan(order.LimitPrice) {
		return decimal.Decimal{}, false
	}
	return decimal.Max(bar.Open, order.LimitPrice), true
}

// stopTrigger reports whether the bar range crossed the stop price and
// returns the reference price the fill is based on. A buy stop triggers
// when the high trades at or above the stop.
func stopTrigger(order *types.Order, bar types.OHLCV) (decimal.Decimal, bool) {
	if order.Side == types.OrderSideBuy {
		if bar.High.LessThan(order.StopPrice) {
			return decimal.Decimal{}, false
		}
		return decimal.Max(bar.Open, order.StopPrice), true
	}
	if bar.Low.GreaterThan(order.StopPrice) {
		return decimal.Decimal{}, false
	}
	return decimal.Min(bar.Open, order.StopPrice), true
}
