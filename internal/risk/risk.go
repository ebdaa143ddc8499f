package risk

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/config"
)

// New 根据配置创建风控模块。kind 为 none 且未设置日度亏损上限时返回 nil。
// 启用日度亏损上限时需要 db 保存日度净值。
func New(cfg config.RiskConfig, db *sql.DB, logger *zap.Logger) (algo.RiskManager, error) {
	var inner algo.RiskManager
	switch cfg.Kind {
	case "none", "":
	case "simple":
		inner = NewSimpleStopLoss(cfg.StopLoss, logger)
	case "reward_ratio":
		params := RewardRatioParams{Ratio: cfg.Ratio, Trailing: cfg.Trailing}
		if cfg.UseBaseLevel {
			params.BaseLevelTimespan = cfg.BaseLevelTimespan
		}
		inner = NewRewardRatio(params, logger)
	default:
		return nil, fmt.Errorf("risk: 未知风控类型 %q", cfg.Kind)
	}

	if cfg.MaxDailyLoss <= 0 {
		return inner, nil
	}
	if db == nil {
		return nil, errors.New("risk: 启用日度亏损上限需要数据库")
	}
	tracker, err := NewDailyTracker(db, cfg, logger)
	if err != nil {
		return nil, err
	}
	asset := cfg.EquityAsset
	if asset == "" {
		asset = "USDT"
	}
	return NewDailyLimit(inner, tracker, asset, logger), nil
}
