package app

import (
	"fmt"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/allocation"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/execution"
	"tradeops/internal/monitor"
	"tradeops/internal/risk"
	"tradeops/internal/sentry"
	"tradeops/internal/store"
)

// components 为一次运行装配好的全部依赖。
type components struct {
	client  *exchange.Client
	paper   *paperMarket
	market  exchange.Market
	algo    *algo.Algo
	monitor *monitor.Service
}

// build 按配置装配交易所连接、可插拔模块与编排器。
func build(cfg *config.Config, st *store.Store, logger *zap.Logger) (*components, error) {
	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("创建交易所客户端失败: %w", err)
	}

	c := &components{client: client, market: client}
	if cfg.Exchange.Paper {
		c.paper = newPaperMarket(client, cfg.Backtest.InitialBalances, cfg.Backtest.Fee, logger)
		c.market = c.paper
		logger.Info("模拟盘模式：委托在本地撮合", zap.Any("balances", cfg.Backtest.InitialBalances))
	}

	c.monitor, err = monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	mods, err := NewModules(cfg, st, exchange.NewMarketDataService(client, logger), logger)
	if err != nil {
		return nil, err
	}

	var persister algo.Persister
	if cfg.Algo.PersistState {
		ops, err := store.NewOperations(st, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化操作存储失败: %w", err)
		}
		persister = ops
	}

	c.algo, err = algo.New(algo.Options{
		Name:       cfg.App.Name,
		Resolution: cfg.Algo.Resolution,
	}, c.market, mods, persister, c.monitor, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewModules 按配置创建交易对选择器与各可插拔模块。loader 为空时信号模块不回补历史K线。
func NewModules(cfg *config.Config, st *store.Store, loader sentry.HistoryLoader, logger *zap.Logger) (algo.Modules, error) {
	mods := algo.Modules{
		Symbols: algo.NewStaticSelector(cfg.Symbols.List, cfg.Symbols.UpdatePeriod),
	}
	var err error
	if mods.Allocator, err = allocation.New(cfg.Allocator, logger); err != nil {
		return algo.Modules{}, err
	}
	if mods.Executor, err = execution.New(cfg.Execution, logger); err != nil {
		return algo.Modules{}, err
	}
	if mods.Risk, err = risk.New(cfg.Risk, st.DB(), logger); err != nil {
		return algo.Modules{}, err
	}
	if mods.Sentry, err = sentry.New(cfg.Sentry, cfg.OpenAI, loader, logger); err != nil {
		return algo.Modules{}, err
	}
	return mods, nil
}
