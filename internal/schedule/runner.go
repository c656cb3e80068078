package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/execution"
	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/internal/strategy"
	"github.com/quantdesk/trading-desk/pkg/types"
)

// Job names recorded in the scheduler state file.
const (
	JobAfterHours  = "after_hours"
	JobExecuteOpen = "execute_open"
)

// Window is a daily time-of-day trigger with a grace period: a job whose
// trigger was missed by less than Grace still runs.
type Window struct {
	Hour   int
	Minute int
	Grace  time.Duration
}

// Contains reports whether t falls inside the window on t's own day.
func (w Window) Contains(t time.Time) bool {
	start := time.Date(t.Year(), t.Month(), t.Day(), w.Hour, w.Minute, 0, 0, t.Location())
	return !t.Before(start) && t.Before(start.Add(w.Grace))
}

// BarSource supplies recent history for signal generation.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}

// Config controls the scheduled trading runner.
type Config struct {
	Symbols      []string
	Timeframe    types.Timeframe
	AfterHours   Window
	MarketOpen   Window
	PollInterval time.Duration
}

// DefaultConfig schedules the decision run shortly after the close and
// execution shortly after the open, US equities hours.
func DefaultConfig() Config {
	return Config{
		Timeframe:    types.Timeframe1d,
		AfterHours:   Window{Hour: 16, Minute: 35, Grace: 30 * time.Minute},
		MarketOpen:   Window{Hour: 9, Minute: 31, Grace: 5 * time.Minute},
		PollInterval: time.Minute,
	}
}

// Runner generates target orders after hours and executes them at the
// next open, with day-once guards on both phases.
type Runner struct {
	logger    *zap.Logger
	config    Config
	strat     strategy.Strategy
	sizing    strategy.SizingConfig
	bars      BarSource
	broker    execution.Broker
	orders    *execution.Manager
	pf        *portfolio.Portfolio
	envelopes *EnvelopeStore
	state     *StateStore
	now       func() time.Time
}

func NewRunner(
	logger *zap.Logger,
	config Config,
	strat strategy.Strategy,
	sizing strategy.SizingConfig,
	bars BarSource,
	broker execution.Broker,
	orders *execution.Manager,
	pf *portfolio.Portfolio,
	envelopes *EnvelopeStore,
	state *StateStore,
) *Runner {
	return &Runner{
		logger:    logger.Named("schedule"),
		config:    config,
		strat:     strat,
		sizing:    sizing,
		bars:      bars,
		broker:    broker,
		orders:    orders,
		pf:        pf,
		envelopes: envelopes,
		state:     state,
		now:       time.Now,
	}
}

// WithClock substitutes the wall clock, for tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// AfterHours runs the decision phase: generate signals from the latest
// complete bars, size target orders against live account equity, and
// persist them as the pending envelope. Returns the number of target
// orders written. A rerun before the open overwrites the envelope.
func (r *Runner) AfterHours(ctx context.Context) (int, error) {
	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch account: %w", err)
	}

	history, prices, err := r.recentHistory(ctx)
	if err != nil {
		return 0, err
	}
	if len(history) == 0 {
		r.logger.Warn("No symbol has enough history, skipping decision run")
		return 0, nil
	}

	signals := r.strat.GenerateSignals(history)
	positions, err := r.currentQuantities(ctx, prices)
	if err != nil {
		return 0, err
	}

	intents := strategy.SignalsToOrders(signals, prices, positions, account.Equity, r.sizing)
	env := types.Envelope{
		GeneratedAt:     r.now().UTC(),
		Strategy:        r.strat.Name(),
		EquitySnapshot:  account.Equity,
		SignalsSnapshot: signals,
		Orders:          make([]types.EnvelopeOrder, 0, len(intents)),
	}
	for _, intent := range intents {
		env.Orders = append(env.Orders, types.EnvelopeOrder{
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Quantity: intent.Quantity,
		})
	}

	if err := r.envelopes.Write(env); err != nil {
		return 0, err
	}

	// The decision run closes the trading period: re-mark the book at the
	// latest closes and ratchet the drawdown high-water mark.
	r.pf.UpdatePrices(prices)
	r.pf.MarkPeriodEnd()

	r.logger.Info("Decision run complete",
		zap.Int("orders", len(env.Orders)),
		zap.String("equity", account.Equity.StringFixed(2)))
	return len(env.Orders), nil
}

// ExecuteAtOpen consumes the pending envelope and submits its orders
// through the order manager. Returns the number of orders accepted by the
// broker. Consuming when no envelope is pending submits nothing; together
// with Consume's archive-and-clear this makes submission at most once per
// envelope even under repeated triggers.
func (r *Runner) ExecuteAtOpen(ctx context.Context) (int, error) {
	// A new trading day starts here: reset the day-loss baseline before
	// any submission moves the book.
	r.pf.StartDay()

	env, err := r.envelopes.Consume()
	if err != nil {
		return 0, err
	}
	if env == nil {
		r.logger.Info("No pending envelope, nothing to execute")
		return 0, nil
	}

	_, prices, err := r.recentHistory(ctx)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, target := range env.Orders {
		order, err := r.orders.Submit(ctx, execution.OrderRequest{
			Symbol:      target.Symbol,
			Side:        target.Side,
			Type:        types.OrderTypeMarket,
			Quantity:    target.Quantity,
			TimeInForce: types.TimeInForceDay,
			RefPrice:    prices[target.Symbol],
			StrategyTag: env.Strategy,
		})
		if err != nil {
			r.logger.Error("Order submission failed",
				zap.String("symbol", target.Symbol),
				zap.Error(err))
			continue
		}
		if order.Status == types.OrderStatusRiskRejected || order.Status == types.OrderStatusBrokerRejected {
			r.logger.Warn("Envelope order rejected",
				zap.String("symbol", target.Symbol),
				zap.String("status", string(order.Status)),
				zap.String("reason", order.Reason))
			continue
		}
		submitted++
	}

	r.logger.Info("Execution run complete",
		zap.Int("submitted", submitted),
		zap.Int("targets", len(env.Orders)))
	return submitted, nil
}

// Loop polls both windows until ctx is cancelled. Each phase fires at
// most once per day regardless of how many ticks land in its window.
func (r *Runner) Loop(ctx context.Context) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	r.logger.Info("Scheduler loop started",
		zap.Duration("pollInterval", r.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := r.now()

	if r.config.AfterHours.Contains(now) {
		r.runOnce(JobAfterHours, now, func() error {
			_, err := r.AfterHours(ctx)
			return err
		})
	}

	if r.config.MarketOpen.Contains(now) {
		open, err := r.broker.IsMarketOpen(ctx)
		if err != nil {
			r.logger.Warn("Market clock unavailable", zap.Error(err))
			return
		}
		if !open {
			return
		}
		r.runOnce(JobExecuteOpen, now, func() error {
			_, err := r.ExecuteAtOpen(ctx)
			return err
		})
	}
}

// runOnce executes fn at most once per day per job. The day is claimed in
// one check-and-set before fn runs, so concurrent ticks cannot both pass
// the guard; a job that fails after claiming its day does not rerun until
// the next day (the one-shot modes exist for manual reruns).
func (r *Runner) runOnce(job string, now time.Time, fn func() error) {
	claimed, err := r.state.TryMarkRun(job, now)
	if err != nil {
		r.logger.Error("Scheduler state update failed", zap.String("job", job), zap.Error(err))
		return
	}
	if !claimed {
		return
	}
	if err := fn(); err != nil {
		r.logger.Error("Scheduled job failed", zap.String("job", job), zap.Error(err))
	}
}

// recentHistory loads the trailing required bars per symbol and the last
// close per symbol. Symbols with too little history are omitted.
func (r *Runner) recentHistory(ctx context.Context) (map[string][]types.OHLCV, map[string]decimal.Decimal, error) {
	required := r.strat.RequiredBars()
	end := r.now()
	// Calendar-day window padded for weekends and holidays.
	start := end.AddDate(0, 0, -(required*2 + 10))

	history := make(map[string][]types.OHLCV)
	prices := make(map[string]decimal.Decimal)
	symbols := append([]string(nil), r.config.Symbols...)
	sort.Strings(symbols)

	for _, symbol := range symbols {
		bars, err := r.bars.GetBars(ctx, symbol, r.config.Timeframe, start, end)
		if err != nil {
			return nil, nil, fmt.Errorf("load bars for %s: %w", symbol, err)
		}
		if len(bars) < required {
			r.logger.Warn("Insufficient history",
				zap.String("symbol", symbol),
				zap.Int("bars", len(bars)),
				zap.Int("required", required))
			continue
		}
		window := bars[len(bars)-required:]
		history[symbol] = window
		prices[symbol] = window[len(window)-1].Close
	}
	return history, prices, nil
}

// currentQuantities estimates signed position quantities from the broker's
// market-value view and the latest closes.
func (r *Runner) currentQuantities(ctx context.Context, prices map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	values, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	quantities := make(map[string]decimal.Decimal, len(values))
	for symbol, marketValue := range values {
		price, ok := prices[symbol]
		if !ok || price.Sign() <= 0 {
			continue
		}
		quantities[symbol] = marketValue.Div(price).Round(6)
	}
	return quantities, nil
}
