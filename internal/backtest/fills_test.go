package backtest

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/trading-desk/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testBar(open, high, low, close string) types.OHLCV {
	return types.OHLCV{Open: d(open), High: d(high), Low: d(low), Close: d(close)}
}

func TestMarketFillSlipsAgainstTrader(t *testing.T) {
	sim := NewSimulator(FillConfig{SlippageBps: d("5")})
	bar := testBar("99", "101", "98", "100")

	buy := &types.Order{Type: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("10")}
	fill, ok := sim.TryFill(buy, bar)
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("100.05")), "got %s", fill.Price)
	assert.True(t, fill.Quantity.Equal(d("10")))

	sell := &types.Order{Type: types.OrderTypeMarket, Side: types.OrderSideSell, Quantity: d("10")}
	fill, ok = sim.TryFill(sell, bar)
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("99.95")), "got %s", fill.Price)
}

func TestBuyLimitFillsWhenLowTouches(t *testing.T) {
	sim := NewSimulator(FillConfig{})
	order := &types.Order{
		Type:       types.OrderTypeLimit,
		Side:       types.OrderSideBuy,
		Quantity:   d("5"),
		LimitPrice: d("99"),
	}

	// Low never reaches the limit: no fill.
	_, ok := sim.TryFill(order, testBar("100", "101", "99.5", "100.5"))
	assert.False(t, ok)

	// Low trades through; fill at the better of open and limit.
	fill, ok := sim.TryFill(order, testBar("100", "101", "98.5", "100.5"))
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("99")), "got %s", fill.Price)

	// Gap down below the limit: fill at the open, not the limit.
	fill, ok = sim.TryFill(order, testBar("97", "98", "96", "97.5"))
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("97")), "got %s", fill.Price)
}

func TestSellLimitFillsWhenHighTouches(t *testing.T) {
	sim := NewSimulator(FillConfig{})
	order := &types.Order{
		Type:       types.OrderTypeLimit,
		Side:       types.OrderSideSell,
		Quantity:   d("5"),
		LimitPrice: d("101"),
	}

	_, ok := sim.TryFill(order, testBar("100", "100.5", "99", "100"))
	assert.False(t, ok)

	fill, ok := sim.TryFill(order, testBar("100", "101.5", "99", "100"))
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("101")), "got %s", fill.Price)
}

func TestBuyStopTriggersOnHigh(t *testing.T) {
	sim := NewSimulator(FillConfig{SlippageBps: d("5")})
	order := &types.Order{
		Type:      types.OrderTypeStop,
		Side:      types.OrderSideBuy,
		Quantity:  d("5"),
		StopPrice: d("101"),
	}

	_, ok := sim.TryFill(order, testBar("100", "100.5", "99", "100"))
	assert.False(t, ok)

	fill, ok := sim.TryFill(order, testBar("100", "101.5", "99", "101.2"))
	require.True(t, ok)
	// Reference price 101 plus 5 bps against the buyer.
	assert.True(t, fill.Price.Equal(d("101.0505")), "got %s", fill.Price)
}

func TestStopLimitNeedsBothTriggerAndTouch(t *testing.T) {
	sim := NewSimulator(FillConfig{})
	order := &types.Order{
		Type:       types.OrderTypeStopLimit,
		Side:       types.OrderSideBuy,
		Quantity:   d("5"),
		StopPrice:  d("101"),
		LimitPrice: d("101.5"),
	}

	// Stop never triggers.
	_, ok := sim.TryFill(order, testBar("100", "100.5", "99", "100"))
	assert.False(t, ok)

	// Stop triggers but the bar never trades back down to the limit.
	_, ok = sim.TryFill(order, testBar("102", "103", "101.8", "102.5"))
	assert.False(t, ok)

	fill, ok := sim.TryFill(order, testBar("100", "102", "99.8", "101.3"))
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(d("100")), "got %s", fill.Price)
}

func TestCommissionFlatPlusRate(t *testing.T) {
	sim := NewSimulator(FillConfig{
		CommissionFlat: d("1"),
		CommissionRate: d("0.001"),
	})
	order := &types.Order{Type: types.OrderTypeMarket, Side: types.OrderSideBuy, Quantity: d("10")}

	fill, ok := sim.TryFill(order, testBar("99", "101", "98", "100"))
	require.True(t, ok)
	// 1 flat + 0.1% of 1000 notional.
	assert.True(t, fill.Commission.Equal(d("2")), "got %s", fill.Commission)
}

func TestFullyFilledOrderDoesNotFillAgain(t *testing.T) {
	sim := NewSimulator(FillConfig{})
	order := &types.Order{
		Type:      types.OrderTypeMarket,
		Side:      types.OrderSideBuy,
		Quantity:  d("10"),
		FilledQty: d("10"),
	}
	_, ok := sim.TryFill(order, testBar("99", "101", "98", "100"))
	assert.False(t, ok)
}
