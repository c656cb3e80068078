package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// tradeTally counts realized trade outcomes. Opening fills book no
// realized P&L and are not counted as trades.
type tradeTally struct {
	total   int
	winning int
	losing  int
}

func (t *tradeTally) record(realized decimal.Decimal) {
	if realized.IsZero() {
		return
	}
	t.total++
	if realized.Sign() > 0 {
		t.winning++
	} else {
		t.losing++
	}
}

// calculateMetrics summarizes an equity curve and trade tally. Returns and
// drawdown stay in exact decimal; the Sharpe ratio is a float statistic
// and is computed in floating point.
func calculateMetrics(initialCapital decimal.Decimal, curve []types.EquityCurvePoint, trades *tradeTally) types.PerformanceMetrics {
	metrics := types.PerformanceMetrics{
		FinalEquity:   initialCapital,
		TotalTrades:   trades.total,
		WinningTrades: trades.winning,
		LosingTrades:  trades.losing,
	}
	if len(curve) == 0 {
		return metrics
	}

	final := curve[len(curve)-1].Equity
	metrics.FinalEquity = final
	if initialCapital.Sign() > 0 {
		metrics.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	peak := curve[0].Equity
	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.Sign() > 0 {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(metrics.MaxDrawdown) {
				metrics.MaxDrawdown = dd
			}
		}
	}

	metrics.SharpeRatio = sharpeRatio(curve)

	if trades.total > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(trades.winning)).
			Div(decimal.NewFromInt(int64(trades.total)))
	}
	return metrics
}

// sharpeRatio annualizes mean period return over its standard deviation,
// assuming daily periods and a zero risk-free rate.
func sharpeRatio(curve []types.EquityCurvePoint) decimal.Decimal {
	if len(curve) < 2 {
		return decimal.Zero
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		if prev == 0 {
			continue
		}
		curr := curve[i].Equity.InexactFloat64()
		returns = append(returns, (curr-prev)/prev)
	}
	if len(returns) < 2 {
		return decimal.Zero
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return decimal.Zero
	}

	return decimal.NewFromFloat(mean / stddev * math.Sqrt(252)).Round(4)
}
