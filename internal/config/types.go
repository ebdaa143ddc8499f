package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Symbols    SymbolsConfig    `mapstructure:"symbols"`
	Algo       AlgoConfig       `mapstructure:"algo"`
	Allocator  AllocatorConfig  `mapstructure:"allocator"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Name        string `mapstructure:"name"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name         string        `mapstructure:"name"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	APIPass      string        `mapstructure:"api_password"`
	UseSandbox   bool          `mapstructure:"use_sandbox"`
	Paper        bool          `mapstructure:"paper"`
	Retry        RetryConfig   `mapstructure:"retry"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Stream       StreamConfig  `mapstructure:"stream"`
}

// StreamConfig 控制 websocket 行情推送。
type StreamConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SymbolsConfig 描述交易标的选择。
type SymbolsConfig struct {
	List         []string      `mapstructure:"list"`
	UpdatePeriod time.Duration `mapstructure:"update_period"`
}

// AlgoConfig 控制编排器节奏与持久化。
type AlgoConfig struct {
	Resolution   time.Duration `mapstructure:"resolution"`
	PersistState bool          `mapstructure:"persist_state"`
}

// AllocatorConfig 管理资金分配策略参数。
type AllocatorConfig struct {
	Kind                          string                  `mapstructure:"kind"`
	BudgetAsset                   string                  `mapstructure:"budget_asset"`
	Budget                        float64                 `mapstructure:"budget"`
	BudgetPerSymbol               float64                 `mapstructure:"budget_per_symbol"`
	BudgetPerOperation            float64                 `mapstructure:"budget_per_operation"`
	ProportionalToProfit          bool                    `mapstructure:"proportional_to_profit"`
	TargetProfit                  float64                 `mapstructure:"target_profit"`
	MaxActiveOperationsPerSymbol  int                     `mapstructure:"max_active_operations_per_symbol"`
	MaxOperationsWithPendingEntry int                     `mapstructure:"max_operations_with_pending_entry"`
	CoolDown                      time.Duration           `mapstructure:"cool_down"`
	DoubleDownThreshold           float64                 `mapstructure:"double_down_threshold"`
	Relative                      RelativeAllocatorConfig `mapstructure:"relative"`
}

// RelativeAllocatorConfig 描述按净值比例缩放预算的参数。
type RelativeAllocatorConfig struct {
	BudgetFactor       float64       `mapstructure:"budget_factor"`
	PerSymbolFactor    float64       `mapstructure:"per_symbol_factor"`
	PerOperationFactor float64       `mapstructure:"per_operation_factor"`
	EMAPeriod          int           `mapstructure:"ema_period"`
	UpdateInterval     time.Duration `mapstructure:"update_interval"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	Kind                  string        `mapstructure:"kind"`
	EntryNearThreshold    float64       `mapstructure:"entry_near_threshold"`
	EntryDistantThreshold float64       `mapstructure:"entry_distant_threshold"`
	Concurrency           int           `mapstructure:"concurrency"`
	DelayAfterOrderClosed time.Duration `mapstructure:"delay_after_order_closed"`
	DelayAfterCloseFailed time.Duration `mapstructure:"delay_after_close_failed"`
	CloseQueueTime        time.Duration `mapstructure:"close_queue_time"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	Kind              string        `mapstructure:"kind"`
	StopLoss          float64       `mapstructure:"stop_loss"`
	Ratio             float64       `mapstructure:"ratio"`
	Trailing          bool          `mapstructure:"trailing"`
	UseBaseLevel      bool          `mapstructure:"use_base_level"`
	BaseLevelTimespan time.Duration `mapstructure:"base_level_timespan"`

	// 日度亏损上限，0 表示关闭
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	DailyLossResetHour int     `mapstructure:"daily_loss_reset_hour"`
	EquityAsset        string  `mapstructure:"equity_asset"`
}

// SentryConfig 控制信号来源。
type SentryConfig struct {
	Kind          string        `mapstructure:"kind"`
	Interval      time.Duration `mapstructure:"interval"`
	EntryTTL      time.Duration `mapstructure:"entry_ttl"`
	ExitTTL       time.Duration `mapstructure:"exit_ttl"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Timeframe     string        `mapstructure:"timeframe"`
	History       int           `mapstructure:"history"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BacktestConfig 控制回测回放。
type BacktestConfig struct {
	Start           string             `mapstructure:"start"`
	End             string             `mapstructure:"end"`
	Timeframe       string             `mapstructure:"timeframe"`
	InitialBalances map[string]float64 `mapstructure:"initial_balances"`
	Spread          float64            `mapstructure:"spread"`
	Fee             float64            `mapstructure:"fee"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
	ServiceName      string   `mapstructure:"service_name"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// MonitoringConfig 控制运维接口。
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

var (
	allocatorKinds = map[string]struct{}{"fixed": {}, "double_down": {}, "relative": {}}
	executionKinds = map[string]struct{}{"market_maker": {}, "immediate": {}}
	riskKinds      = map[string]struct{}{"none": {}, "simple": {}, "reward_ratio": {}}
	sentryKinds    = map[string]struct{}{"none": {}, "ai": {}}
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Exchange.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("exchange.poll_interval 必须大于0"))
	}
	if c.Exchange.Stream.Enabled && c.Exchange.Stream.URL == "" {
		err = multierr.Append(err, errors.New("exchange.stream.url 不能为空"))
	}
	if len(c.Symbols.List) == 0 {
		err = multierr.Append(err, errors.New("symbols.list 至少包含一个交易对"))
	}
	for _, symbol := range c.Symbols.List {
		if !strings.Contains(symbol, "/") {
			err = multierr.Append(err, fmt.Errorf("symbols.list 交易对格式非法: %s", symbol))
		}
	}
	if c.Algo.Resolution <= 0 {
		err = multierr.Append(err, errors.New("algo.resolution 必须大于0"))
	}

	err = multierr.Append(err, c.Allocator.validate())
	err = multierr.Append(err, c.Execution.validate())
	err = multierr.Append(err, c.Risk.validate())
	err = multierr.Append(err, c.Sentry.validate())

	if c.Sentry.Kind == "ai" {
		if c.OpenAI.APIKey == "" {
			err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
		}
		if c.OpenAI.Model == "" {
			err = multierr.Append(err, errors.New("openai.model 不能为空"))
		}
		if c.OpenAI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
		}
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Monitoring.Enabled && (c.Monitoring.Port <= 0 || c.Monitoring.Port > 65535) {
		err = multierr.Append(err, errors.New("monitoring.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (c AllocatorConfig) validate() error {
	var err error
	if _, ok := allocatorKinds[c.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("allocator.kind 取值非法: %s", c.Kind))
	}
	if c.BudgetAsset == "" {
		err = multierr.Append(err, errors.New("allocator.budget_asset 不能为空"))
	}
	if c.Kind != "relative" {
		if c.Budget <= 0 || c.BudgetPerSymbol <= 0 || c.BudgetPerOperation <= 0 {
			err = multierr.Append(err, errors.New("allocator.budget* 必须大于0"))
		}
	} else {
		r := c.Relative
		if r.BudgetFactor <= 0 || r.PerSymbolFactor <= 0 || r.PerOperationFactor <= 0 {
			err = multierr.Append(err, errors.New("allocator.relative.*_factor 必须大于0"))
		}
		if r.EMAPeriod < 2 {
			err = multierr.Append(err, errors.New("allocator.relative.ema_period 至少为2"))
		}
		if r.UpdateInterval <= 0 {
			err = multierr.Append(err, errors.New("allocator.relative.update_interval 必须大于0"))
		}
	}
	if c.ProportionalToProfit && c.TargetProfit <= 0 {
		err = multierr.Append(err, errors.New("allocator.target_profit 必须大于0"))
	}
	if c.MaxActiveOperationsPerSymbol < 0 {
		err = multierr.Append(err, errors.New("allocator.max_active_operations_per_symbol 不能为负"))
	}
	if c.MaxOperationsWithPendingEntry <= 0 {
		err = multierr.Append(err, errors.New("allocator.max_operations_with_pending_entry 必须大于0"))
	}
	if c.CoolDown < 0 {
		err = multierr.Append(err, errors.New("allocator.cool_down 不能为负"))
	}
	if c.Kind == "double_down" && c.DoubleDownThreshold <= 0 {
		err = multierr.Append(err, errors.New("allocator.double_down_threshold 必须大于0"))
	}
	return err
}

func (c ExecutionConfig) validate() error {
	var err error
	if _, ok := executionKinds[c.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("execution.kind 取值非法: %s", c.Kind))
	}
	if c.Kind == "market_maker" {
		if c.EntryNearThreshold <= 0 {
			err = multierr.Append(err, errors.New("execution.entry_near_threshold 必须大于0"))
		}
		if c.EntryDistantThreshold < c.EntryNearThreshold {
			err = multierr.Append(err, errors.New("execution.entry_distant_threshold 不应小于 entry_near_threshold"))
		}
	}
	if c.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("execution.concurrency 必须大于0"))
	}
	if c.DelayAfterOrderClosed < 0 || c.DelayAfterCloseFailed < 0 || c.CloseQueueTime < 0 {
		err = multierr.Append(err, errors.New("execution 延迟参数不能为负"))
	}
	return err
}

func (c RiskConfig) validate() error {
	var err error
	if _, ok := riskKinds[c.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("risk.kind 取值非法: %s", c.Kind))
	}
	if c.Kind == "simple" && (c.StopLoss <= 0 || c.StopLoss >= 1) {
		err = multierr.Append(err, errors.New("risk.stop_loss 必须位于(0,1)"))
	}
	if c.Kind == "reward_ratio" {
		if c.Ratio <= 0 {
			err = multierr.Append(err, errors.New("risk.ratio 必须大于0"))
		}
		if c.UseBaseLevel && c.BaseLevelTimespan < time.Minute {
			err = multierr.Append(err, errors.New("risk.base_level_timespan 至少为1分钟"))
		}
	}
	if c.MaxDailyLoss < 0 || c.MaxDailyLoss >= 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于[0,1)"))
	}
	if c.DailyLossResetHour < 0 || c.DailyLossResetHour > 23 {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于0-23"))
	}
	return err
}

func (c SentryConfig) validate() error {
	var err error
	if _, ok := sentryKinds[c.Kind]; !ok {
		err = multierr.Append(err, fmt.Errorf("sentry.kind 取值非法: %s", c.Kind))
	}
	if c.Kind == "ai" {
		if c.Interval <= 0 {
			err = multierr.Append(err, errors.New("sentry.interval 必须大于0"))
		}
		if c.EntryTTL <= 0 || c.ExitTTL <= c.EntryTTL {
			err = multierr.Append(err, errors.New("sentry.exit_ttl 必须大于 entry_ttl 且均为正"))
		}
		if c.MinConfidence < 0 || c.MinConfidence > 1 {
			err = multierr.Append(err, errors.New("sentry.min_confidence 必须位于[0,1]"))
		}
	}
	return err
}
