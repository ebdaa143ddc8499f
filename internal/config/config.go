package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "tradeops"
	dotEnvFile        = ".env"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	if err := loadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Defaults 返回仅由默认值构成的配置，供测试与回测工具使用。
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv 在文件存在时加载 .env，已存在的环境变量不会被覆盖。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 %s 失败: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.name", "tradeops")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.paper", true)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")
	v.SetDefault("exchange.poll_interval", "5s")
	v.SetDefault("exchange.stream.enabled", false)
	v.SetDefault("exchange.stream.url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("exchange.stream.reconnect_backoff", "3s")

	v.SetDefault("symbols.list", []string{"BTC/USDT"})
	v.SetDefault("symbols.update_period", "24h")

	v.SetDefault("algo.resolution", "1m")
	v.SetDefault("algo.persist_state", true)

	v.SetDefault("allocator.kind", "fixed")
	v.SetDefault("allocator.budget_asset", "USDT")
	v.SetDefault("allocator.budget", 1000)
	v.SetDefault("allocator.budget_per_symbol", 300)
	v.SetDefault("allocator.budget_per_operation", 100)
	v.SetDefault("allocator.proportional_to_profit", false)
	v.SetDefault("allocator.target_profit", 0.05)
	// max_active_operations_per_symbol 留空时按分配器类型取默认值
	v.SetDefault("allocator.max_operations_with_pending_entry", 1)
	v.SetDefault("allocator.cool_down", "30m")
	v.SetDefault("allocator.double_down_threshold", 0.01)
	v.SetDefault("allocator.relative.budget_factor", 0.9)
	v.SetDefault("allocator.relative.per_symbol_factor", 0.3)
	v.SetDefault("allocator.relative.per_operation_factor", 0.1)
	v.SetDefault("allocator.relative.ema_period", 6)
	v.SetDefault("allocator.relative.update_interval", "60m")

	v.SetDefault("execution.kind", "market_maker")
	v.SetDefault("execution.entry_near_threshold", 0.002)
	v.SetDefault("execution.entry_distant_threshold", 0.006)
	v.SetDefault("execution.concurrency", 8)
	v.SetDefault("execution.delay_after_order_closed", "15s")
	v.SetDefault("execution.delay_after_close_failed", "60s")
	v.SetDefault("execution.close_queue_time", "2m")

	v.SetDefault("risk.kind", "simple")
	v.SetDefault("risk.stop_loss", 0.05)
	v.SetDefault("risk.ratio", 1.0)
	v.SetDefault("risk.trailing", false)
	v.SetDefault("risk.use_base_level", false)
	v.SetDefault("risk.base_level_timespan", "4h")
	v.SetDefault("risk.max_daily_loss", 0.0)
	v.SetDefault("risk.daily_loss_reset_hour", 0)
	v.SetDefault("risk.equity_asset", "USDT")

	v.SetDefault("sentry.kind", "none")
	v.SetDefault("sentry.interval", "1h")
	v.SetDefault("sentry.entry_ttl", "1h")
	v.SetDefault("sentry.exit_ttl", "24h")
	v.SetDefault("sentry.min_confidence", 0.6)
	v.SetDefault("sentry.timeframe", "1h")
	v.SetDefault("sentry.history", 200)

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "15s")

	v.SetDefault("backtest.timeframe", "1m")
	v.SetDefault("backtest.initial_balances", map[string]float64{"USDT": 10000})
	v.SetDefault("backtest.spread", 0.0005)
	v.SetDefault("backtest.fee", 0.00075)

	v.SetDefault("database.path", "data/tradeops.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.service_name", "tradeops")

	v.SetDefault("scheduler.loop_interval", "5s")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.port", 8090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
