package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/app"
	"tradeops/internal/backtest"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/log"
	"tradeops/internal/store"
)

type summary struct {
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Steps       int                 `json:"steps"`
	Trades      int                 `json:"trades"`
	FinalEquity float64             `json:"final_equity"`
	TotalReturn float64             `json:"total_return"`
	MaxDrawdown float64             `json:"max_drawdown"`
	SharpeRatio float64             `json:"sharpe_ratio"`
	Closed      int                 `json:"closed_operations"`
	Active      int                 `json:"active_operations"`
	Trading     algo.TradingResults `json:"trading"`
}

func main() {
	var (
		configPath string
		startFlag  string
		endFlag    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&startFlag, "start", "", "回放开始时间，覆盖 backtest.start")
	flag.StringVar(&endFlag, "end", "", "回放结束时间，覆盖 backtest.end")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if startFlag != "" {
		cfg.Backtest.Start = startFlag
	}
	if endFlag != "" {
		cfg.Backtest.End = endFlag
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := run(ctx, cfg, logger)
	if err != nil {
		logger.Error("回测失败", zap.Error(err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("输出回测结果失败", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (summary, error) {
	start, err := parseTime(cfg.Backtest.Start)
	if err != nil {
		return summary{}, fmt.Errorf("backtest.start: %w", err)
	}
	end, err := parseTime(cfg.Backtest.End)
	if err != nil {
		return summary{}, fmt.Errorf("backtest.end: %w", err)
	}
	if !start.Before(end) {
		return summary{}, fmt.Errorf("回放区间非法: %s ~ %s", start, end)
	}
	step, err := exchange.TimeframeDuration(cfg.Backtest.Timeframe)
	if err != nil {
		return summary{}, err
	}

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return summary{}, fmt.Errorf("创建交易所客户端失败: %w", err)
	}
	sim := backtest.NewSimulator(cfg.Backtest.Fee, cfg.Backtest.Spread, logger)
	for _, symbol := range cfg.Symbols.List {
		info, err := client.SymbolInfo(ctx, symbol)
		if err != nil {
			return summary{}, err
		}
		sim.AddSymbol(info)
	}

	candles, err := backtest.LoadCandles(ctx, exchange.NewMarketDataService(client, logger), cfg.Symbols.List, cfg.Backtest.Timeframe, start, end)
	if err != nil {
		return summary{}, fmt.Errorf("拉取历史K线失败: %w", err)
	}

	// 回测的风控日度净值写入内存库，不污染实盘数据
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		return summary{}, err
	}
	defer func() { _ = st.Close() }()

	mods, err := app.NewModules(cfg, st, nil, logger)
	if err != nil {
		return summary{}, err
	}
	a, err := algo.New(algo.Options{
		Name:        cfg.App.Name,
		Resolution:  step,
		Backtesting: true,
	}, sim, mods, nil, nil, logger)
	if err != nil {
		return summary{}, err
	}

	engine, err := backtest.NewEngine(backtest.Config{
		BaseAsset:       cfg.Allocator.BudgetAsset,
		InitialBalances: cfg.Backtest.InitialBalances,
		Fee:             cfg.Backtest.Fee,
		Spread:          cfg.Backtest.Spread,
		Step:            step,
		StartTime:       start,
		EndTime:         end,
	}, backtest.NewSliceCandleProvider(candles), sim, a, logger)
	if err != nil {
		return summary{}, err
	}

	res, err := engine.Run(ctx)
	if err != nil {
		return summary{}, err
	}
	return summary{
		Start:       start,
		End:         end,
		Steps:       res.Steps,
		Trades:      res.Trades,
		FinalEquity: res.FinalEquity,
		TotalReturn: res.Metrics.TotalReturn,
		MaxDrawdown: res.Metrics.MaxDrawdown,
		SharpeRatio: res.Metrics.SharpeRatio,
		Closed:      len(res.Closed),
		Active:      len(res.Active),
		Trading:     res.Trading,
	}, nil
}

// parseTime 接受 RFC3339 或 2006-01-02 形式的 UTC 日期。
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("时间格式非法: %q", s)
	}
	return t, nil
}
