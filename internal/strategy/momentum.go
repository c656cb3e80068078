package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// Momentum scores symbols on a fast/slow moving-average crossover. A golden
// cross scores 100, an established uptrend 75, a death cross 0 and an
// established downtrend 25.
type Momentum struct {
	fastPeriod int
	slowPeriod int
}

// NewMomentum creates a momentum strategy with the given MA periods.
func NewMomentum(fastPeriod, slowPeriod int) *Momentum {
	return &Momentum{fastPeriod: fastPeriod, slowPeriod: slowPeriod}
}

func (m *Momentum) Name() string {
	return fmt.Sprintf("momentum-%d-%d", m.fastPeriod, m.slowPeriod)
}

// RequiredBars includes padding beyond the slow period so the previous
// period's averages are well defined.
func (m *Momentum) RequiredBars() int {
	return m.slowPeriod + 10
}

func (m *Momentum) GenerateSignals(data map[string][]types.OHLCV) map[string]float64 {
	signals := make(map[string]float64)

	for symbol, bars := range data {
		if len(bars) < m.RequiredBars() {
			continue
		}

		currFast := sma(bars, len(bars), m.fastPeriod)
		currSlow := sma(bars, len(bars), m.slowPeriod)
		prevFast := sma(bars, len(bars)-1, m.fastPeriod)
		prevSlow := sma(bars, len(bars)-1, m.slowPeriod)

		var raw float64
		switch {
		case currFast.GreaterThan(currSlow) && prevFast.LessThanOrEqual(prevSlow):
			raw = 1.0 // golden cross
		case currFast.GreaterThan(currSlow):
			raw = 0.5
		case currFast.LessThan(currSlow) && prevFast.GreaterThanOrEqual(prevSlow):
			raw = -1.0 // death cross
		default:
			raw = -0.5
		}

		signals[symbol] = (raw + 1.0) * 50.0
	}

	return signals
}

// sma computes the simple moving average of closes over the period ending
// at bar index end (exclusive).
func sma(bars []types.OHLCV, end, period int) decimal.Decimal {
	if end < period {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := end - period; i < end; i++ {
		sum = sum.Add(bars[i].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
