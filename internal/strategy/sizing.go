package strategy

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/trading-desk/pkg/types"
)

// Intent is a sized target order produced from signal scores.
type Intent struct {
	Symbol   string
	Side     types.OrderSide
	Quantity decimal.Decimal
}

// SizingConfig controls how scores translate into target position deltas.
type SizingConfig struct {
	// NotionalPct is the fraction of equity allocated per chosen name.
	NotionalPct decimal.Decimal
	// MaxNames caps how many symbols are traded per rebalance.
	MaxNames int
	// LongThreshold and ShortThreshold split the [0, 100] score range:
	// score >= LongThreshold targets a long, score <= ShortThreshold
	// targets a short (when the symbol is shortable), anything between
	// targets flat.
	LongThreshold  float64
	ShortThreshold float64
	// Shortable lists symbols eligible for short targets.
	Shortable map[string]bool
}

// DefaultSizingConfig mirrors the live desk defaults.
func DefaultSizingConfig() SizingConfig {
	return SizingConfig{
		NotionalPct:    decimal.NewFromFloat(0.12),
		MaxNames:       5,
		LongThreshold:  58,
		ShortThreshold: 42,
		Shortable:      map[string]bool{},
	}
}

// SignalsToOrders converts signal scores and current signed position
// quantities into the ordered sequence of (symbol, side, quantity) deltas
// that move the book to its targets. Output order is deterministic:
// strongest conviction first (|score-50| descending), symbol ascending on
// ties — fills within a period consume buying power in this order.
func SignalsToOrders(
	signals map[string]float64,
	prices map[string]decimal.Decimal,
	positions map[string]decimal.Decimal,
	equity decimal.Decimal,
	cfg SizingConfig,
) []Intent {
	type scored struct {
		symbol string
		score  float64
	}

	candidates := make([]scored, 0, len(signals))
	for symbol, score := range signals {
		if price, ok := prices[symbol]; ok && price.Sign() > 0 {
			candidates = append(candidates, scored{symbol, score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := math.Abs(candidates[i].score - 50)
		dj := math.Abs(candidates[j].score - 50)
		if di != dj {
			return di > dj
		}
		return candidates[i].symbol < candidates[j].symbol
	})
	if cfg.MaxNames > 0 && len(candidates) > cfg.MaxNames {
		candidates = candidates[:cfg.MaxNames]
	}

	notionalPerName := equity.Mul(cfg.NotionalPct)

	var intents []Intent
	for _, c := range candidates {
		price := prices[c.symbol]
		target := decimal.Zero

		switch {
		case c.score >= cfg.LongThreshold:
			target = notionalPerName.Div(price).Floor()
			if target.Sign() <= 0 {
				continue
			}
		case c.score <= cfg.ShortThreshold && cfg.Shortable[c.symbol]:
			target = notionalPerName.Div(price).Floor().Neg()
			if target.Sign() >= 0 {
				continue
			}
		}

		delta := target.Sub(positions[c.symbol])
		if delta.IsZero() {
			continue
		}

		side := types.OrderSideBuy
		if delta.IsNegative() {
			side = types.OrderSideSell
		}
		intents = append(intents, Intent{Symbol: c.symbol, Side: side, Quantity: delta.Abs()})
	}
	return intents
}
