// Package portfolio provides the position ledger and portfolio state shared
// by live trading and backtesting.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a single holding in the ledger. Quantity is signed: positive
// for long, negative for short. A position with zero quantity never persists
// in the ledger.
type Position struct {
	Symbol       string
	Quantity     decimal.Decimal
	AvgCost      decimal.Decimal
	CurrentPrice decimal.Decimal
	RealizedPnL  decimal.Decimal
	EntryDate    time.Time
	StrategyTag  string
	Reason       string
}

// Side derives the position side from the sign of the quantity.
func (p *Position) Side() PositionSide {
	if p.Quantity.IsNegative() {
		return PositionSideShort
	}
	return PositionSideLong
}

// MarketValue returns the signed market value at the current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// CostBasis returns the signed cost basis.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgCost)
}

// UnrealizedPnL returns the open profit against the average entry cost.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.AvgCost).Mul(p.Quantity)
}
