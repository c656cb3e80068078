// Package main is the trading desk daemon. It runs in one of five modes:
// serve (API server with paper trading), backtest (one-shot simulation),
// after-hours (decision run writing a scheduled order envelope),
// execute-open (consume the envelope at the open), and scheduler (daemon
// looping over both windows).
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantdesk/trading-desk/internal/api"
	"github.com/quantdesk/trading-desk/internal/backtest"
	"github.com/quantdesk/trading-desk/internal/broker"
	"github.com/quantdesk/trading-desk/internal/config"
	"github.com/quantdesk/trading-desk/internal/data"
	"github.com/quantdesk/trading-desk/internal/execution"
	"github.com/quantdesk/trading-desk/internal/portfolio"
	"github.com/quantdesk/trading-desk/internal/risk"
	"github.com/quantdesk/trading-desk/internal/schedule"
	"github.com/quantdesk/trading-desk/internal/strategy"
	"github.com/quantdesk/trading-desk/internal/workers"
	"github.com/quantdesk/trading-desk/pkg/types"
)

func main() {
	mode := flag.String("mode", "serve", "Run mode (serve, backtest, after-hours, execute-open, scheduler)")
	configDir := flag.String("config", ".", "Config directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	symbols := flag.String("symbols", "", "Comma-separated symbol override")
	start := flag.String("start", "", "Backtest start date (YYYY-MM-DD)")
	end := flag.String("end", "", "Backtest end date (YYYY-MM-DD)")
	flag.Parse()

	// Best effort; a missing .env is fine.
	_ = godotenv.Load()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *symbols != "" {
		cfg.Trading.Symbols = strings.Split(*symbols, ",")
	}

	app, err := newApp(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "serve":
		err = app.serve(ctx)
	case "backtest":
		err = app.runBacktest(ctx, *start, *end)
	case "after-hours":
		err = app.afterHours(ctx)
	case "execute-open":
		err = app.executeOpen(ctx)
	case "scheduler":
		err = app.scheduler(ctx)
	default:
		logger.Fatal("Unknown mode", zap.String("mode", *mode))
	}
	if err != nil && err != context.Canceled {
		logger.Fatal("Run failed", zap.String("mode", *mode), zap.Error(err))
	}
}

// app holds the wired component graph shared by all modes.
type app struct {
	logger     *zap.Logger
	cfg        *config.Config
	dataStore  *data.Store
	strategies *strategy.Registry
	limits     types.RiskLimits
	sizing     strategy.SizingConfig
	fills      backtest.FillConfig
	engine     *backtest.Engine
	paper      *broker.Paper
	portfolio  *portfolio.Portfolio
	orders     *execution.Manager
}

func newApp(logger *zap.Logger, cfg *config.Config) (*app, error) {
	dataStore, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		return nil, err
	}

	shortable := make(map[string]bool, len(cfg.Trading.Shortable))
	for _, symbol := range cfg.Trading.Shortable {
		shortable[symbol] = true
	}
	sizing := strategy.SizingConfig{
		NotionalPct:    decimal.NewFromFloat(cfg.Trading.NotionalPct),
		MaxNames:       cfg.Trading.MaxNames,
		LongThreshold:  cfg.Trading.LongThreshold,
		ShortThreshold: cfg.Trading.ShortThreshold,
		Shortable:      shortable,
	}

	capital := decimal.NewFromFloat(cfg.Trading.InitialCapital)
	paper := broker.NewPaper(logger, capital)
	pf := portfolio.New(capital)
	limits := cfg.Risk.RiskLimits()

	orders := execution.NewManager(
		logger,
		execution.DefaultManagerConfig(),
		paper,
		risk.NewManager(logger),
		pf,
		limits,
	)

	return &app{
		logger:     logger,
		cfg:        cfg,
		dataStore:  dataStore,
		strategies: strategy.NewRegistry(logger),
		limits:     limits,
		sizing:     sizing,
		fills: backtest.FillConfig{
			SlippageBps:    decimal.NewFromFloat(cfg.Backtest.SlippageBps),
			CommissionFlat: decimal.NewFromFloat(cfg.Backtest.CommissionFlat),
			CommissionRate: decimal.NewFromFloat(cfg.Backtest.CommissionRate),
		},
		engine:    backtest.NewEngine(logger, dataStore),
		paper:     paper,
		portfolio: pf,
		orders:    orders,
	}, nil
}

// seedQuotes primes the paper broker with the latest close per configured
// symbol so account marks and synchronous fills have a price.
func (a *app) seedQuotes(ctx context.Context) error {
	end := time.Now()
	start := end.AddDate(0, 0, -14)
	for _, symbol := range a.cfg.Trading.Symbols {
		bars, err := a.dataStore.GetBars(ctx, symbol, types.Timeframe1d, start, end)
		if err != nil {
			return fmt.Errorf("seed quote for %s: %w", symbol, err)
		}
		if len(bars) > 0 {
			a.paper.SetQuote(symbol, bars[len(bars)-1].Close)
		}
	}
	return nil
}

// serve runs the API server with the paper broker wired to the ledger.
func (a *app) serve(ctx context.Context) error {
	if err := a.seedQuotes(ctx); err != nil {
		return err
	}

	pool := workers.NewPool(a.logger, workers.DefaultPoolConfig("backtests"))
	pool.Start()
	defer pool.Stop()

	server := api.NewServer(a.logger, a.cfg.Server, api.Deps{
		DataStore:  a.dataStore,
		Engine:     a.engine,
		Pool:       pool,
		Orders:     a.orders,
		Broker:     a.paper,
		Strategies: a.strategies,
		Limits:     a.limits,
		Sizing:     a.sizing,
		Fills:      a.fills,
		Rebalance:  backtest.Frequency(a.cfg.Backtest.Rebalance),
	})

	// Paper fills flow back into the ledger and out to WebSocket clients.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-a.paper.Fills():
				if err := a.orders.HandleFill(fill); err != nil {
					a.logger.Error("Fill rejected by ledger",
						zap.String("orderId", fill.OrderID),
						zap.Error(err))
					continue
				}
				server.BroadcastFill(fill)
			}
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			a.logger.Error("Server error", zap.Error(err))
		}
	}()

	a.logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", a.cfg.Server.Host, a.cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", a.cfg.Server.Host, a.cfg.Server.Port)))

	<-ctx.Done()
	a.logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// runBacktest executes a single run over the configured symbols and
// prints a summary.
func (a *app) runBacktest(ctx context.Context, startStr, endStr string) error {
	endDate := time.Now().Truncate(24 * time.Hour)
	startDate := endDate.AddDate(-1, 0, 0)
	var err error
	if startStr != "" {
		if startDate, err = time.Parse("2006-01-02", startStr); err != nil {
			return fmt.Errorf("invalid start date %q", startStr)
		}
	}
	if endStr != "" {
		if endDate, err = time.Parse("2006-01-02", endStr); err != nil {
			return fmt.Errorf("invalid end date %q", endStr)
		}
	}

	strat, ok := a.strategies.Create(a.cfg.Backtest.Strategy)
	if !ok {
		return fmt.Errorf("unknown strategy %q", a.cfg.Backtest.Strategy)
	}

	result, err := a.engine.Run(ctx, backtest.Config{
		Symbols:        a.cfg.Trading.Symbols,
		Start:          startDate,
		End:            endDate,
		InitialCapital: decimal.NewFromFloat(a.cfg.Trading.InitialCapital),
		Timeframe:      types.Timeframe1d,
		Rebalance:      backtest.Frequency(a.cfg.Backtest.Rebalance),
		Strategy:       strat,
		Sizing:         a.sizing,
		Limits:         a.limits,
		Fills:          a.fills,
	})
	if err != nil {
		return err
	}

	m := result.Metrics
	a.logger.Info("Backtest summary",
		zap.String("totalReturn", m.TotalReturn.StringFixed(4)),
		zap.String("maxDrawdown", m.MaxDrawdown.StringFixed(4)),
		zap.String("sharpe", m.SharpeRatio.String()),
		zap.String("winRate", m.WinRate.StringFixed(4)),
		zap.Int("trades", m.TotalTrades),
		zap.String("finalEquity", m.FinalEquity.StringFixed(2)))
	return nil
}

func (a *app) afterHours(ctx context.Context) error {
	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	written, err := runner.AfterHours(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("After-hours run complete", zap.Int("orders", written))
	return nil
}

func (a *app) executeOpen(ctx context.Context) error {
	if err := a.seedQuotes(ctx); err != nil {
		return err
	}
	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	submitted, err := runner.ExecuteAtOpen(ctx)
	if err != nil {
		return err
	}

	// One-shot mode: book whatever filled before exiting.
	for {
		select {
		case fill := <-a.paper.Fills():
			if err := a.orders.HandleFill(fill); err != nil {
				a.logger.Error("Fill rejected by ledger",
					zap.String("orderId", fill.OrderID),
					zap.Error(err))
			}
		default:
			a.logger.Info("Execute-open run complete", zap.Int("submitted", submitted))
			return nil
		}
	}
}

func (a *app) scheduler(ctx context.Context) error {
	if err := a.seedQuotes(ctx); err != nil {
		return err
	}
	runner, err := a.newRunner()
	if err != nil {
		return err
	}

	// Drain paper fills into the ledger while the daemon runs.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fill := <-a.paper.Fills():
				if err := a.orders.HandleFill(fill); err != nil {
					a.logger.Error("Fill rejected by ledger",
						zap.String("orderId", fill.OrderID),
						zap.Error(err))
				}
			}
		}
	}()

	return runner.Loop(ctx)
}

func (a *app) newRunner() (*schedule.Runner, error) {
	envelopes, err := schedule.NewEnvelopeStore(a.logger, a.cfg.Schedule.PendingPath, a.cfg.Schedule.ArchiveDir)
	if err != nil {
		return nil, err
	}
	state := schedule.NewStateStore(a.logger, a.cfg.Schedule.StatePath)

	strat, ok := a.strategies.Create(a.cfg.Backtest.Strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", a.cfg.Backtest.Strategy)
	}

	scheduleCfg := schedule.DefaultConfig()
	scheduleCfg.Symbols = a.cfg.Trading.Symbols
	scheduleCfg.PollInterval = time.Duration(a.cfg.Schedule.PollSeconds) * time.Second
	if w, err := parseWindow(a.cfg.Schedule.AfterHoursAt, scheduleCfg.AfterHours.Grace); err == nil {
		scheduleCfg.AfterHours = w
	}
	if w, err := parseWindow(a.cfg.Schedule.OpenAt, scheduleCfg.MarketOpen.Grace); err == nil {
		scheduleCfg.MarketOpen = w
	}

	return schedule.NewRunner(
		a.logger,
		scheduleCfg,
		strat,
		a.sizing,
		a.dataStore,
		a.paper,
		a.orders,
		a.portfolio,
		envelopes,
		state,
	), nil
}

// parseWindow parses an "HH:MM" trigger time.
func parseWindow(at string, grace time.Duration) (schedule.Window, error) {
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return schedule.Window{}, fmt.Errorf("invalid window time %q", at)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return schedule.Window{}, fmt.Errorf("invalid window hour %q", at)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return schedule.Window{}, fmt.Errorf("invalid window minute %q", at)
	}
	return schedule.Window{Hour: hour, Minute: minute, Grace: grace}, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
