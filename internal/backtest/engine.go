// Package backtest implements a walk-forward simulation over historical
// bars. The engine drives the same risk checks as live trading but routes
// orders through a deterministic fill model instead of a brokerage.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/internal/risk"
	"github.com/quantdesk/trading-desk/internal/strategy"
	"github.com/quantdesk/trading-desk/pkg/types"
)

// State is the engine's lifecycle phase.
type State string

const (
	StateInitialized State = "initialized"
	StateWarmUp      State = "warm_up"
	StateRunning     State = "running"
	StateFinished    State = "finished"
)

// Frequency selects how often the engine rebalances.
type Frequency string

const (
	RebalanceDaily   Frequency = "daily"
	RebalanceWeekly  Frequency = "weekly"
	RebalanceMonthly Frequency = "monthly"
)

// ErrNoData means no requested symbol had enough history to simulate.
var ErrNoData = errors.New("backtest: no usable bar data for any symbol")

// BarSource supplies historical bars, ordered ascending by timestamp.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}

// Config describes one backtest run.
type Config struct {
	Symbols        []string
	Start          time.Time
	End            time.Time
	InitialCapital decimal.Decimal
	Timeframe      types.Timeframe
	Rebalance      Frequency
	Strategy       strategy.Strategy
	Sizing         strategy.SizingConfig
	Limits         types.RiskLimits
	Fills          FillConfig
}

// Result is the full output of a run. Rejected orders are retained in
// Orders alongside fills; they are evidence for tuning risk limits.
type Result struct {
	State       State                    `json:"state"`
	StartedAt   time.Time                `json:"startedAt"`
	FinishedAt  time.Time                `json:"finishedAt"`
	EquityCurve []types.EquityCurvePoint `json:"equityCurve"`
	Orders      []*types.Order           `json:"orders"`
	Metrics     types.PerformanceMetrics `json:"metrics"`
}

// Engine runs walk-forward simulations. One Engine may run many configs;
// each run gets its own portfolio, so runs are independent.
type Engine struct {
	logger *zap.Logger
	source BarSource
	risk   *risk.Manager
}

func NewEngine(logger *zap.Logger, source BarSource) *Engine {
	return &Engine{
		logger: logger.Named("backtest"),
		source: source,
		risk:   risk.NewManager(logger),
	}
}

// run holds the mutable state of a single simulation.
type run struct {
	cfg        Config
	pf         *portfolio.Portfolio
	sim        *Simulator
	bars       map[string][]types.OHLCV
	barAt      map[string]map[time.Time]types.OHLCV
	calendar   []time.Time
	orders     []*types.Order
	pending    []*types.Order
	curve      []types.EquityCurvePoint
	trades     *tradeTally
	orderSeq   int
	state      State
	currentDay time.Time
}

// Run executes one backtest to completion. It is deterministic: the same
// config over the same bars yields identical curves and order histories.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Result, error) {
	startedAt := time.Now()

	r := &run{
		cfg:    cfg,
		pf:     portfolio.New(cfg.InitialCapital),
		sim:    NewSimulator(cfg.Fills),
		bars:   make(map[string][]types.OHLCV),
		barAt:  make(map[string]map[time.Time]types.OHLCV),
		trades: &tradeTally{},
		state:  StateInitialized,
	}

	if err := e.loadBars(ctx, r); err != nil {
		return nil, err
	}
	r.state = StateWarmUp

	for _, ts := range r.calendar {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.step(r, ts)
	}
	r.state = StateFinished

	metrics := calculateMetrics(cfg.InitialCapital, r.curve, r.trades)
	e.logger.Info("Backtest finished",
		zap.String("strategy", cfg.Strategy.Name()),
		zap.Int("periods", len(r.curve)),
		zap.Int("orders", len(r.orders)),
		zap.String("finalEquity", metrics.FinalEquity.StringFixed(2)))

	return &Result{
		State:       r.state,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
		EquityCurve: r.curve,
		Orders:      r.orders,
		Metrics:     metrics,
	}, nil
}

// loadBars fetches and indexes history. A symbol with too little data is
// dropped with a warning; the run aborts only if nothing is left.
func (e *Engine) loadBars(ctx context.Context, r *run) error {
	required := r.cfg.Strategy.RequiredBars()
	calendarSet := make(map[time.Time]struct{})

	for _, symbol := range r.cfg.Symbols {
		bars, err := e.source.GetBars(ctx, symbol, r.cfg.Timeframe, r.cfg.Start, r.cfg.End)
		if err != nil {
			return fmt.Errorf("load bars for %s: %w", symbol, err)
		}
		if len(bars) <= required {
			e.logger.Warn("Skipping symbol, insufficient history",
				zap.String("symbol", symbol),
				zap.Int("bars", len(bars)),
				zap.Int("required", required))
			continue
		}
		r.bars[symbol] = bars
		index := make(map[time.Time]types.OHLCV, len(bars))
		for _, bar := range bars {
			index[bar.Timestamp] = bar
			calendarSet[bar.Timestamp] = struct{}{}
		}
		r.barAt[symbol] = index
	}
	if len(r.bars) == 0 {
		return ErrNoData
	}

	r.calendar = make([]time.Time, 0, len(calendarSet))
	for ts := range calendarSet {
		r.calendar = append(r.calendar, ts)
	}
	sort.Slice(r.calendar, func(i, j int) bool { return r.calendar[i].Before(r.calendar[j]) })
	return nil
}

// step advances the simulation by one calendar timestamp.
func (e *Engine) step(r *run, ts time.Time) {
	day := ts.Truncate(24 * time.Hour)
	newDay := !day.Equal(r.currentDay)
	if newDay {
		e.expireDayOrders(r)
		r.pf.StartDay()
		r.currentDay = day
	}

	for _, symbol := range sortedSymbols(r.bars) {
		if bar, ok := r.barAt[symbol][ts]; ok {
			r.pf.UpdatePrice(symbol, bar.Close)
		}
	}

	e.tryPending(r, ts)

	if r.isRebalance(ts) {
		history := r.historyBefore(ts)
		if len(history) > 0 {
			if r.state == StateWarmUp {
				r.state = StateRunning
			}
			e.rebalance(r, ts, history)
		}
	}

	r.pf.MarkPeriodEnd()
	snap := r.pf.Snapshot()
	r.curve = append(r.curve, types.EquityCurvePoint{
		Timestamp:     ts,
		Equity:        snap.Equity,
		Cash:          snap.Cash,
		GrossExposure: snap.GrossExposure,
		DrawdownPct:   snap.Drawdown,
	})
}

// historyBefore returns, per symbol, the trailing required window of bars
// strictly before ts. Symbols without a full window are omitted so the
// strategy never sees a partial warm-up series.
func (r *run) historyBefore(ts time.Time) map[string][]types.OHLCV {
	required := r.cfg.Strategy.RequiredBars()
	history := make(map[string][]types.OHLCV)
	for symbol, bars := range r.bars {
		cut := sort.Search(len(bars), func(i int) bool {
			return !bars[i].Timestamp.Before(ts)
		})
		if cut < required {
			continue
		}
		window := bars[cut-required : cut]
		history[symbol] = window
	}
	return history
}

// rebalance produces target intents from the strategy and routes each one
// through risk and the fill model.
func (e *Engine) rebalance(r *run, ts time.Time, history map[string][]types.OHLCV) {
	signals := r.cfg.Strategy.GenerateSignals(history)
	if len(signals) == 0 {
		return
	}

	prices := make(map[string]decimal.Decimal, len(history))
	for symbol, bars := range history {
		prices[symbol] = bars[len(bars)-1].Close
	}
	positions := make(map[string]decimal.Decimal)
	for symbol, pos := range r.pf.Positions() {
		positions[symbol] = pos.Quantity
	}

	intents := strategy.SignalsToOrders(signals, prices, positions, r.pf.TotalEquity(), r.cfg.Sizing)
	for _, intent := range intents {
		e.placeOrder(r, ts, intent, prices[intent.Symbol])
	}
}

// placeOrder runs one intent through the risk gate and, if accepted,
// through the fill simulator against the current bar.
func (e *Engine) placeOrder(r *run, ts time.Time, intent strategy.Intent, refPrice decimal.Decimal) {
	r.orderSeq++
	order := &types.Order{
		ID:          fmt.Sprintf("bt-%06d", r.orderSeq),
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Type:        types.OrderTypeMarket,
		Quantity:    intent.Quantity,
		TimeInForce: types.TimeInForceDay,
		Status:      types.OrderStatusCreated,
		StrategyTag: r.cfg.Strategy.Name(),
		CreatedAt:   ts,
	}
	r.orders = append(r.orders, order)

	result := e.risk.Check(risk.OrderIntent{
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Quantity: intent.Quantity,
		Price:    refPrice,
	}, r.pf.Snapshot(), r.cfg.Limits)
	if !result.Passed {
		e.mark(order, types.OrderStatusRiskRejected)
		order.Reason = result.Reason
		return
	}

	e.mark(order, types.OrderStatusSubmitted)
	submittedAt := ts
	order.SubmittedAt = &submittedAt

	bar, ok := r.barAt[order.Symbol][ts]
	if !ok {
		r.pending = append(r.pending, order)
		return
	}
	if !r.applyFill(e, order, bar, ts) {
		r.pending = append(r.pending, order)
	}
}

// tryPending re-evaluates carried-forward orders against the current bars.
func (e *Engine) tryPending(r *run, ts time.Time) {
	if len(r.pending) == 0 {
		return
	}
	var still []*types.Order
	for _, order := range r.pending {
		bar, ok := r.barAt[order.Symbol][ts]
		if !ok || !r.applyFill(e, order, bar, ts) {
			still = append(still, order)
		}
	}
	r.pending = still
}

// applyFill runs the fill model and books the result into the portfolio.
// Returns true when the order left the pending set.
func (r *run) applyFill(e *Engine, order *types.Order, bar types.OHLCV, ts time.Time) bool {
	fill, ok := r.sim.TryFill(order, bar)
	if !ok {
		return false
	}

	qtyDelta := fill.Quantity
	if order.Side == types.OrderSideSell {
		qtyDelta = qtyDelta.Neg()
	}
	realized, err := r.pf.ApplyFill(order.Symbol, qtyDelta, fill.Price, fill.Commission)
	if err != nil {
		// The simulated broker's ledger refused the order, the same
		// outcome a live broker reports for insufficient buying power.
		e.logger.Warn("Fill not applied",
			zap.String("orderId", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		e.mark(order, types.OrderStatusBrokerRejected)
		order.Reason = err.Error()
		return true
	}
	r.trades.record(realized)

	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	order.AvgFillPrice = fill.Price
	order.Commission = order.Commission.Add(fill.Commission)
	e.mark(order, types.OrderStatusFilled)
	filledAt := ts
	order.FilledAt = &filledAt
	return true
}

// mark advances an order's lifecycle through the same legality table the
// live order manager enforces.
func (e *Engine) mark(order *types.Order, next types.OrderStatus) {
	if !order.Status.CanTransition(next) {
		e.logger.Error("Illegal order transition",
			zap.String("orderId", order.ID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(next)))
		return
	}
	order.Status = next
}

// expireDayOrders cancels unfilled day orders at the day boundary.
func (e *Engine) expireDayOrders(r *run) {
	if len(r.pending) == 0 {
		return
	}
	var still []*types.Order
	for _, order := range r.pending {
		if order.TimeInForce == types.TimeInForceDay {
			e.mark(order, types.OrderStatusCancelled)
			order.Reason = "day order expired unfilled"
			continue
		}
		still = append(still, order)
	}
	r.pending = still
}

// isRebalance reports whether ts is a rebalancing timestamp: every period
// for daily, the first trading day at or after each week or month boundary
// otherwise. Keying weekly off the ISO week rather than a literal Monday
// keeps holiday-shortened weeks rebalancing on their first trading day.
func (r *run) isRebalance(ts time.Time) bool {
	switch r.cfg.Rebalance {
	case RebalanceWeekly:
		idx := sort.Search(len(r.calendar), func(i int) bool {
			return !r.calendar[i].Before(ts)
		})
		if idx == 0 {
			return true
		}
		prevYear, prevWeek := r.calendar[idx-1].ISOWeek()
		year, week := ts.ISOWeek()
		return prevYear != year || prevWeek != week
	case RebalanceMonthly:
		idx := sort.Search(len(r.calendar), func(i int) bool {
			return !r.calendar[i].Before(ts)
		})
		return idx == 0 || r.calendar[idx-1].Month() != ts.Month() ||
			r.calendar[idx-1].Year() != ts.Year()
	default:
		return true
	}
}

func sortedSymbols(bars map[string][]types.OHLCV) []string {
	symbols := make([]string, 0, len(bars))
	for s := range bars {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
