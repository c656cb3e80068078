// Package config loads runtime configuration from an optional YAML file
// and TRADINGDESK_-prefixed environment variables, with working defaults
// for paper trading.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/quantdesk/trading-desk/pkg/types"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Data     DataConfig     `mapstructure:"data"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type TradingConfig struct {
	InitialCapital float64  `mapstructure:"initial_capital"`
	Symbols        []string `mapstructure:"symbols"`
	NotionalPct    float64  `mapstructure:"notional_pct"`
	MaxNames       int      `mapstructure:"max_names"`
	LongThreshold  float64  `mapstructure:"long_threshold"`
	ShortThreshold float64  `mapstructure:"short_threshold"`
	Shortable      []string `mapstructure:"shortable"`
}

type RiskConfig struct {
	MaxPositionSizePct   float64           `mapstructure:"max_position_size_pct"`
	MaxSectorExposurePct float64           `mapstructure:"max_sector_exposure_pct"`
	MaxLeverage          float64           `mapstructure:"max_leverage"`
	MaxDrawdownPct       float64           `mapstructure:"max_drawdown_pct"`
	DailyLossLimitPct    float64           `mapstructure:"daily_loss_limit_pct"`
	MinTradeSize         float64           `mapstructure:"min_trade_size"`
	MaxTradeSize         float64           `mapstructure:"max_trade_size"`
	SectorMap            map[string]string `mapstructure:"sector_map"`
}

type BacktestConfig struct {
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	CommissionFlat float64 `mapstructure:"commission_flat"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	Rebalance      string  `mapstructure:"rebalance"`
	Strategy       string  `mapstructure:"strategy"`
}

type ScheduleConfig struct {
	PendingPath  string `mapstructure:"pending_path"`
	StatePath    string `mapstructure:"state_path"`
	ArchiveDir   string `mapstructure:"archive_dir"`
	PollSeconds  int    `mapstructure:"poll_seconds"`
	AfterHoursAt string `mapstructure:"after_hours_at"`
	OpenAt       string `mapstructure:"open_at"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads config.yaml from dir (missing file is fine) and overlays
// environment variables, e.g. TRADINGDESK_RISK_MAX_LEVERAGE.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("TRADINGDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("trading.initial_capital", 100000.0)
	v.SetDefault("trading.symbols", []string{"AAPL", "MSFT", "GOOGL", "DELL", "HPQ"})
	v.SetDefault("trading.notional_pct", 0.12)
	v.SetDefault("trading.max_names", 5)
	v.SetDefault("trading.long_threshold", 58.0)
	v.SetDefault("trading.short_threshold", 42.0)
	v.SetDefault("trading.shortable", []string{"DELL", "HPQ"})

	v.SetDefault("risk.max_position_size_pct", 0.10)
	v.SetDefault("risk.max_sector_exposure_pct", 0.30)
	v.SetDefault("risk.max_leverage", 1.0)
	v.SetDefault("risk.max_drawdown_pct", 0.15)
	v.SetDefault("risk.daily_loss_limit_pct", 0.03)
	v.SetDefault("risk.min_trade_size", 100.0)
	v.SetDefault("risk.max_trade_size", 10000.0)

	v.SetDefault("backtest.slippage_bps", 5.0)
	v.SetDefault("backtest.commission_flat", 0.0)
	v.SetDefault("backtest.commission_rate", 0.0)
	v.SetDefault("backtest.rebalance", "daily")
	v.SetDefault("backtest.strategy", "momentum")

	v.SetDefault("schedule.pending_path", "state/scheduled_orders.json")
	v.SetDefault("schedule.state_path", "state/scheduler_state.json")
	v.SetDefault("schedule.archive_dir", "state/archive")
	v.SetDefault("schedule.poll_seconds", 60)
	v.SetDefault("schedule.after_hours_at", "16:35")
	v.SetDefault("schedule.open_at", "09:31")

	v.SetDefault("data.dir", "data")
}

// RiskLimits converts the float configuration into the exact decimal
// limits used at the risk gate.
func (c *RiskConfig) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPositionSizePct:   decimal.NewFromFloat(c.MaxPositionSizePct),
		MaxSectorExposurePct: decimal.NewFromFloat(c.MaxSectorExposurePct),
		MaxLeverage:          decimal.NewFromFloat(c.MaxLeverage),
		MaxDrawdownPct:       decimal.NewFromFloat(c.MaxDrawdownPct),
		DailyLossLimitPct:    decimal.NewFromFloat(c.DailyLossLimitPct),
		MinTradeSize:         decimal.NewFromFloat(c.MinTradeSize),
		MaxTradeSize:         decimal.NewFromFloat(c.MaxTradeSize),
		SectorMap:            c.SectorMap,
	}
}
