package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/config"
	"tradeops/internal/store"
)

// 净值快照写入监控事件的间隔
const equityInterval = 15 * time.Minute

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 装配组件后按固定节奏驱动编排器，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("symbols", a.cfg.Symbols.List),
		zap.Bool("paper", a.cfg.Exchange.Paper),
	)

	c, err := build(a.cfg, a.store, a.logger)
	if err != nil {
		return err
	}

	if a.cfg.Monitoring.Enabled {
		if err = startServer(ctx, newHandler(c.algo, c.monitor, a.logger), a.cfg.Monitoring.Port, a.logger); err != nil {
			return err
		}
	}

	go func() {
		if err := c.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("交易所同步异常退出", zap.Error(err))
		}
	}()

	if err = c.algo.Start(ctx); err != nil {
		return fmt.Errorf("启动编排器失败: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.algo.Stop(stopCtx); err != nil {
			a.logger.Error("停止编排器失败", zap.Error(err))
		}
	}()

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Second
	}
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	var lastEquity time.Time
	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if c.paper != nil {
				c.paper.Sync()
			}
			if err = c.algo.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
			if time.Since(lastEquity) >= equityInterval {
				a.recordEquity(ctx, c)
				lastEquity = time.Now()
			}
		}
	}
}

func (a *App) recordEquity(ctx context.Context, c *components) {
	asset := a.cfg.Allocator.BudgetAsset
	equity, err := c.market.Equity(ctx, asset)
	if err != nil {
		a.logger.Warn("计算净值失败", zap.String("asset", asset), zap.Error(err))
		return
	}
	c.monitor.RecordEquity(ctx, asset, equity, len(c.algo.Snapshot()))
}
