// Package risk provides the pre-trade risk gate shared by live trading and
// backtesting.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/pkg/types"
)

// OrderIntent is the proposed trade evaluated by the risk manager. Price is
// the reference price used to compute notional value.
type OrderIntent struct {
	Symbol   string
	Side     types.OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Notional returns the unsigned notional value of the intent.
func (i OrderIntent) Notional() decimal.Decimal {
	return i.Quantity.Mul(i.Price).Abs()
}

// signedQty returns the quantity delta the intent would apply to a position.
func (i OrderIntent) signedQty() decimal.Decimal {
	if i.Side == types.OrderSideSell {
		return i.Quantity.Neg()
	}
	return i.Quantity
}

// Manager evaluates orders against configured limits. It holds no mutable
// state between calls: the high-water mark and start-of-day baseline arrive
// inside the portfolio snapshot, so every check is deterministic and
// independently testable.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a risk manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger.Named("risk")}
}

// Check runs the limit checks in a fixed order, short-circuiting at the
// first failure so rejection reasons are reproducible:
//
//	position size -> sector exposure -> leverage -> drawdown -> daily loss -> trade size
func (m *Manager) Check(intent OrderIntent, snap portfolio.Snapshot, limits types.RiskLimits) types.RiskCheckResult {
	if snap.Equity.Sign() <= 0 {
		return m.reject(intent, "", "portfolio equity is zero or negative")
	}

	signedNotional := intent.signedQty().Mul(intent.Price)
	existing := snap.Positions[intent.Symbol]
	resultingMV := existing.MarketValue.Add(signedNotional)

	// 1. Position size
	if limits.MaxPositionSizePct.Sign() > 0 {
		pct := resultingMV.Abs().Div(snap.Equity)
		if pct.GreaterThan(limits.MaxPositionSizePct) {
			return m.reject(intent, types.RiskLimitPositionSize,
				fmt.Sprintf("position size %s of equity exceeds limit %s",
					percent(pct), percent(limits.MaxPositionSizePct)))
		}
	}

	// 2. Sector exposure
	if limits.MaxSectorExposurePct.Sign() > 0 {
		sector := sectorOf(intent.Symbol, limits.SectorMap)
		sectorMV := signedNotional
		for sym, pos := range snap.Positions {
			if sectorOf(sym, limits.SectorMap) == sector {
				sectorMV = sectorMV.Add(pos.MarketValue)
			}
		}
		pct := sectorMV.Abs().Div(snap.Equity)
		if pct.GreaterThan(limits.MaxSectorExposurePct) {
			return m.reject(intent, types.RiskLimitSectorExposure,
				fmt.Sprintf("sector %s exposure %s exceeds limit %s",
					sector, percent(pct), percent(limits.MaxSectorExposurePct)))
		}
	}

	// 3. Leverage
	if limits.MaxLeverage.Sign() > 0 {
		grossAfter := snap.GrossExposure.Sub(existing.MarketValue.Abs()).Add(resultingMV.Abs())
		leverage := grossAfter.Div(snap.Equity)
		if leverage.GreaterThan(limits.MaxLeverage) {
			return m.reject(intent, types.RiskLimitLeverage,
				fmt.Sprintf("gross leverage %sx exceeds limit %sx",
					leverage.StringFixed(2), limits.MaxLeverage.StringFixed(2)))
		}
	}

	// 4. Drawdown circuit breaker: closing orders are still allowed.
	if limits.MaxDrawdownPct.Sign() > 0 && snap.Drawdown.GreaterThanOrEqual(limits.MaxDrawdownPct) {
		if !isClosing(intent, existing) {
			return m.reject(intent, types.RiskLimitDrawdown,
				fmt.Sprintf("drawdown %s at or beyond limit %s, new risk blocked",
					percent(snap.Drawdown), percent(limits.MaxDrawdownPct)))
		}
	}

	// 5. Daily loss limit
	if limits.DailyLossLimitPct.Sign() > 0 && snap.DayLoss.GreaterThanOrEqual(limits.DailyLossLimitPct) {
		return m.reject(intent, types.RiskLimitDailyLoss,
			fmt.Sprintf("daily loss %s at or beyond limit %s",
				percent(snap.DayLoss), percent(limits.DailyLossLimitPct)))
	}

	// 6. Trade size bounds
	notional := intent.Notional()
	if limits.MinTradeSize.Sign() > 0 && notional.LessThan(limits.MinTradeSize) {
		return m.reject(intent, types.RiskLimitTradeSize,
			fmt.Sprintf("trade notional %s below minimum %s", notional, limits.MinTradeSize))
	}
	if limits.MaxTradeSize.Sign() > 0 && notional.GreaterThan(limits.MaxTradeSize) {
		return m.reject(intent, types.RiskLimitTradeSize,
			fmt.Sprintf("trade notional %s above maximum %s", notional, limits.MaxTradeSize))
	}

	return types.RiskCheckResult{Passed: true}
}

func (m *Manager) reject(intent OrderIntent, limit types.RiskLimit, reason string) types.RiskCheckResult {
	m.logger.Warn("Order rejected by risk check",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("limit", string(limit)),
		zap.String("reason", reason))
	return types.RiskCheckResult{Passed: false, Reason: reason, LimitBreached: limit}
}

// isClosing reports whether the intent reduces the absolute exposure of an
// existing position without flipping through zero.
func isClosing(intent OrderIntent, existing portfolio.SnapshotPosition) bool {
	if existing.Quantity.IsZero() {
		return false
	}
	delta := intent.signedQty()
	if delta.Sign() == existing.Quantity.Sign() {
		return false
	}
	return delta.Abs().LessThanOrEqual(existing.Quantity.Abs())
}

func sectorOf(symbol string, sectorMap map[string]string) string {
	if sector, ok := sectorMap[symbol]; ok {
		return sector
	}
	return "UNKNOWN"
}

func percent(v decimal.Decimal) string {
	return v.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
}
