package backtest

import "time"

// Config 定义回测参数。
type Config struct {
	BaseAsset       string             // 净值计价资产
	InitialBalances map[string]float64 // 初始余额
	Fee             float64            // 手续费率
	Spread          float64            // 由收盘价推导报价的买卖价差比例
	Step            time.Duration      // K线周期，用于年化
	StartTime       time.Time          // 开始时间
	EndTime         time.Time          // 结束时间
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.BaseAsset == "" {
		cfg.BaseAsset = "USDT"
	}
	if len(cfg.InitialBalances) == 0 {
		cfg.InitialBalances = map[string]float64{cfg.BaseAsset: 10000}
	}
	if cfg.Fee < 0 {
		cfg.Fee = 0
	}
	if cfg.Spread < 0 {
		cfg.Spread = 0
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Minute
	}
	return cfg
}
