package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCash is returned when a fill would drive cash negative
	// and leverage is not enabled.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrZeroQuantityFill is returned for a fill with no quantity delta.
	ErrZeroQuantityFill = errors.New("fill quantity delta is zero")
)

// Portfolio aggregates cash and positions. All mutations go through
// ApplyFill under one lock so risk checks always read a consistent snapshot.
type Portfolio struct {
	mu               sync.RWMutex
	cash             decimal.Decimal
	initialCapital   decimal.Decimal
	positions        map[string]*Position
	highWaterMark    decimal.Decimal
	startOfDayEquity decimal.Decimal
	realizedPnL      decimal.Decimal
	allowLeverage    bool
}

// Option configures a Portfolio.
type Option func(*Portfolio)

// WithLeverage allows cash to go negative (margin buying).
func WithLeverage() Option {
	return func(p *Portfolio) { p.allowLeverage = true }
}

// New creates a portfolio funded with initialCapital.
func New(initialCapital decimal.Decimal, opts ...Option) *Portfolio {
	p := &Portfolio{
		cash:             initialCapital,
		initialCapital:   initialCapital,
		positions:        make(map[string]*Position),
		highWaterMark:    initialCapital,
		startOfDayEquity: initialCapital,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplyFill mutates the ledger for a single fill event. qtyDelta is signed:
// positive buys, negative sells. Opening, adding (weighted-average cost),
// reducing (partial realization), closing (entry removed) and direction
// flips (close-then-open at the fill price, both legs under one lock) are
// all handled here. Returns the realized P&L booked by this fill.
func (p *Portfolio) ApplyFill(symbol string, qtyDelta, price, commission decimal.Decimal) (decimal.Decimal, error) {
	if qtyDelta.IsZero() {
		return decimal.Zero, ErrZeroQuantityFill
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	newCash := p.cash.Sub(qtyDelta.Mul(price)).Sub(commission)
	if newCash.IsNegative() && !p.allowLeverage {
		return decimal.Zero, fmt.Errorf("%w: fill %s %s@%s would leave cash %s",
			ErrInsufficientCash, symbol, qtyDelta, price, newCash)
	}

	realized := decimal.Zero
	pos, exists := p.positions[symbol]

	switch {
	case !exists:
		p.positions[symbol] = &Position{
			Symbol:       symbol,
			Quantity:     qtyDelta,
			AvgCost:      price,
			CurrentPrice: price,
			EntryDate:    time.Now(),
		}

	case pos.Quantity.Sign() == qtyDelta.Sign():
		// Same-direction add: quantity-weighted average entry cost.
		totalCost := pos.CostBasis().Add(qtyDelta.Mul(price))
		pos.Quantity = pos.Quantity.Add(qtyDelta)
		pos.AvgCost = totalCost.Div(pos.Quantity)
		pos.CurrentPrice = price

	default:
		// Opposite-direction fill: reduce, close, or flip.
		switch qtyDelta.Abs().Cmp(pos.Quantity.Abs()) {
		case -1: // partial reduction
			realized = qtyDelta.Neg().Mul(price.Sub(pos.AvgCost))
			pos.Quantity = pos.Quantity.Add(qtyDelta)
			pos.RealizedPnL = pos.RealizedPnL.Add(realized)
			pos.CurrentPrice = price
		case 0: // full close, entry leaves the ledger
			realized = pos.Quantity.Mul(price.Sub(pos.AvgCost))
			delete(p.positions, symbol)
		case 1: // flip: close the whole position, reopen the remainder opposite
			realized = pos.Quantity.Mul(price.Sub(pos.AvgCost))
			remainder := qtyDelta.Add(pos.Quantity)
			p.positions[symbol] = &Position{
				Symbol:       symbol,
				Quantity:     remainder,
				AvgCost:      price,
				CurrentPrice: price,
				EntryDate:    time.Now(),
			}
		}
	}

	p.cash = newCash
	p.realizedPnL = p.realizedPnL.Add(realized)
	return realized, nil
}

// UpdatePrice updates the mark price for one symbol.
func (p *Portfolio) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
}

// UpdatePrices updates mark prices for multiple symbols.
func (p *Portfolio) UpdatePrices(prices map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for symbol, price := range prices {
		if pos, ok := p.positions[symbol]; ok {
			pos.CurrentPrice = price
		}
	}
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// InitialCapital returns the starting capital.
func (p *Portfolio) InitialCapital() decimal.Decimal {
	return p.initialCapital
}

// TotalEquity returns cash plus the signed market value of all positions.
func (p *Portfolio) TotalEquity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.MarketValue())
	}
	return equity
}

// GrossExposure returns the sum of absolute position market values.
func (p *Portfolio) GrossExposure() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.grossExposureLocked()
}

func (p *Portfolio) grossExposureLocked() decimal.Decimal {
	gross := decimal.Zero
	for _, pos := range p.positions {
		gross = gross.Add(pos.MarketValue().Abs())
	}
	return gross
}

// RealizedPnL returns cumulative realized P&L booked across all fills,
// including positions that have since left the ledger.
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// UnrealizedPnL returns the open P&L across all positions.
func (p *Portfolio) UnrealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.UnrealizedPnL())
	}
	return total
}

// Position returns a copy of the position for symbol, or nil.
func (p *Portfolio) Position(symbol string) *Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pos, ok := p.positions[symbol]; ok {
		cp := *pos
		return &cp
	}
	return nil
}

// Positions returns copies of all positions keyed by symbol.
func (p *Portfolio) Positions() map[string]*Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*Position, len(p.positions))
	for sym, pos := range p.positions {
		cp := *pos
		out[sym] = &cp
	}
	return out
}

// NumPositions returns the number of open positions.
func (p *Portfolio) NumPositions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// SectorExposure returns signed market value aggregated by sector. Symbols
// missing from sectorMap aggregate under "UNKNOWN".
func (p *Portfolio) SectorExposure(sectorMap map[string]string) map[string]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for sym, pos := range p.positions {
		sector, ok := sectorMap[sym]
		if !ok {
			sector = "UNKNOWN"
		}
		out[sector] = out[sector].Add(pos.MarketValue())
	}
	return out
}

// PositionWeights returns each position's signed market value as a
// fraction of total equity. Empty when equity is not positive.
func (p *Portfolio) PositionWeights() map[string]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	equity := p.equityLocked()
	if equity.Sign() <= 0 {
		return out
	}
	for sym, pos := range p.positions {
		out[sym] = pos.MarketValue().Div(equity)
	}
	return out
}

// Drawdown returns the fractional decline of equity from the high-water mark.
func (p *Portfolio) Drawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.drawdownLocked()
}

func (p *Portfolio) drawdownLocked() decimal.Decimal {
	if p.highWaterMark.Sign() <= 0 {
		return decimal.Zero
	}
	dd := p.highWaterMark.Sub(p.equityLocked()).Div(p.highWaterMark)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// HighWaterMark returns the historical peak equity.
func (p *Portfolio) HighWaterMark() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.highWaterMark
}

// MarkPeriodEnd ratchets the high-water mark at the end of a simulated or
// trading period. This is the only place the mark moves, keeping it
// monotonically non-decreasing.
func (p *Portfolio) MarkPeriodEnd() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eq := p.equityLocked(); eq.GreaterThan(p.highWaterMark) {
		p.highWaterMark = eq
	}
}

// StartDay records the start-of-day equity baseline for the daily loss limit.
func (p *Portfolio) StartDay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startOfDayEquity = p.equityLocked()
}

// DayLoss returns the fractional loss since the start of the trading day
// (zero when flat or up on the day).
func (p *Portfolio) DayLoss() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dayLossLocked()
}

func (p *Portfolio) dayLossLocked() decimal.Decimal {
	if p.startOfDayEquity.Sign() <= 0 {
		return decimal.Zero
	}
	loss := p.startOfDayEquity.Sub(p.equityLocked()).Div(p.startOfDayEquity)
	if loss.IsNegative() {
		return decimal.Zero
	}
	return loss
}

// SnapshotPosition is a read-only position view inside a Snapshot.
type SnapshotPosition struct {
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal
	AvgCost     decimal.Decimal
}

// Snapshot is a consistent point-in-time view of the portfolio used by the
// risk manager. It is taken under the read lock so it never interleaves
// with an in-flight ApplyFill.
type Snapshot struct {
	Equity           decimal.Decimal
	Cash             decimal.Decimal
	GrossExposure    decimal.Decimal
	HighWaterMark    decimal.Decimal
	StartOfDayEquity decimal.Decimal
	Drawdown         decimal.Decimal
	DayLoss          decimal.Decimal
	Positions        map[string]SnapshotPosition
}

// Snapshot captures the current portfolio state in one locked read.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	positions := make(map[string]SnapshotPosition, len(p.positions))
	for sym, pos := range p.positions {
		positions[sym] = SnapshotPosition{
			Quantity:    pos.Quantity,
			MarketValue: pos.MarketValue(),
			AvgCost:     pos.AvgCost,
		}
	}
	return Snapshot{
		Equity:           p.equityLocked(),
		Cash:             p.cash,
		GrossExposure:    p.grossExposureLocked(),
		HighWaterMark:    p.highWaterMark,
		StartOfDayEquity: p.startOfDayEquity,
		Drawdown:         p.drawdownLocked(),
		DayLoss:          p.dayLossLocked(),
		Positions:        positions,
	}
}
