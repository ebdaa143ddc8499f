package backtest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/operation"
)

// Result 汇总回测结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Trades       int
	FinalEquity  float64
	Steps        int
	Closed       []operation.Record
	Active       []operation.Record
	Trading      algo.TradingResults
}

// Engine 以K线回放驱动模拟撮合与编排器。
type Engine struct {
	cfg       Config
	provider  CandleProvider
	simulator *Simulator
	algo      *algo.Algo
	logger    *zap.Logger
}

// NewEngine 构建回测引擎。编排器必须以 simulator 作为交易场所创建。
func NewEngine(cfg Config, provider CandleProvider, simulator *Simulator, a *algo.Algo, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if simulator == nil {
		return nil, fmt.Errorf("backtest: simulator 不能为空")
	}
	if a == nil {
		return nil, fmt.Errorf("backtest: algo 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	for asset, amount := range cfg.InitialBalances {
		simulator.SetBalance(asset, amount)
	}

	return &Engine{
		cfg:       cfg,
		provider:  provider,
		simulator: simulator,
		algo:      a,
		logger:    logger,
	}, nil
}

// Run 执行完整回测流程。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var (
		equity  []float64
		returns []float64
		steps   int
		first   time.Time
		last    time.Time
	)

	started := false
	for {
		step, ok, err := e.provider.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		if !e.cfg.StartTime.IsZero() && step.Time.Before(e.cfg.StartTime) {
			continue
		}
		if !e.cfg.EndTime.IsZero() && !step.Time.Before(e.cfg.EndTime) {
			break
		}

		if !started {
			e.simulator.SetTime(step.Time)
			if err := e.algo.Start(ctx); err != nil {
				return Result{}, fmt.Errorf("backtest: 启动编排器失败: %w", err)
			}
			started = true
			first = step.Time
		}
		e.simulator.Advance(step.Time, step.Candles)
		last = step.Time

		if err := e.algo.Tick(ctx); err != nil {
			e.logger.Warn("编排器周期执行失败", zap.Time("time", step.Time), zap.Error(err))
		}

		value, err := e.simulator.Equity(ctx, e.cfg.BaseAsset)
		if err != nil {
			e.logger.Warn("计算净值失败", zap.Error(err))
			continue
		}
		if n := len(equity); n > 0 && equity[n-1] > 0 {
			returns = append(returns, value/equity[n-1]-1)
		}
		equity = append(equity, value)
		steps++
	}

	if !started {
		return Result{}, fmt.Errorf("backtest: 回放区间内没有K线")
	}

	active := e.algo.Snapshot()
	if err := e.algo.Stop(ctx); err != nil {
		e.logger.Warn("停止编排器失败", zap.Error(err))
	}

	closedOps := e.algo.ClosedOperations()
	closed := make([]operation.Record, 0, len(closedOps))
	for _, op := range closedOps {
		closed = append(closed, op.Record())
	}

	trading, err := e.algo.TradingResults(ctx, first, last.Add(time.Nanosecond), e.cfg.BaseAsset)
	if err != nil {
		e.logger.Warn("统计交易结果失败", zap.Error(err))
	}

	final := 0.0
	if len(equity) > 0 {
		final = equity[len(equity)-1]
	}
	result := Result{
		Metrics:      calculateMetrics(equity, returns, e.cfg.Step),
		EquityCurve:  equity,
		ReturnSeries: returns,
		Trades:       e.simulator.TradeCount(),
		FinalEquity:  final,
		Steps:        steps,
		Closed:       closed,
		Active:       active,
		Trading:      trading,
	}
	e.logger.Info("回测完成",
		zap.Int("steps", steps),
		zap.Int("trades", result.Trades),
		zap.Int("closed_operations", len(closed)),
		zap.Float64("final_equity", final),
		zap.Float64("total_return", result.Metrics.TotalReturn),
	)
	return result, nil
}
