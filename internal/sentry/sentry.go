package sentry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeops/internal/ai"
	"tradeops/internal/algo"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/feature"
	"tradeops/internal/indicator"
	"tradeops/internal/log"
)

// 实盘时同时等待模型回复的交易对数量上限
const maxConcurrentProposals = 4

// Advisor 根据特征给出信号建议。
type Advisor interface {
	Propose(ctx context.Context, features feature.FeatureSet, exposure ai.Exposure) (ai.Decision, error)
}

// HistoryLoader 为新加入的交易对回补K线。
type HistoryLoader interface {
	History(ctx context.Context, req exchange.HistoryRequest) (map[string][]exchange.Candle, error)
}

// AISentry 按固定间隔对每个交易对提取特征并询问模型，将满足置信度的建议转为信号。
type AISentry struct {
	cfg       config.SentryConfig
	advisor   Advisor
	extractor *feature.Extractor
	loader    HistoryLoader
	logger    *zap.Logger

	host    algo.Host
	candles map[string][]exchange.Candle
	nextRun map[string]time.Time
}

type sentryState struct {
	NextRun map[string]time.Time `json:"next_run"`
}

// NewAISentry 创建信号模块。loader 可为空，此时仅使用运行中收到的K线。
func NewAISentry(cfg config.SentryConfig, advisor Advisor, loader HistoryLoader, logger *zap.Logger) *AISentry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.History < indicator.MinCandles {
		cfg.History = indicator.MinCandles
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1m"
	}
	return &AISentry{
		cfg:       cfg,
		advisor:   advisor,
		extractor: feature.NewExtractor(nil, logger),
		loader:    loader,
		logger:    log.Module(logger, "sentry"),
		candles:   make(map[string][]exchange.Candle),
		nextRun:   make(map[string]time.Time),
	}
}

// New 根据配置创建信号模块，kind 为 none 时返回空。
func New(cfg config.SentryConfig, openaiCfg config.OpenAIConfig, loader HistoryLoader, logger *zap.Logger) (algo.Sentry, error) {
	switch cfg.Kind {
	case "none", "":
		return nil, nil
	case "ai":
		client, err := ai.NewClient(openaiCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("sentry: 创建模型客户端失败: %w", err)
		}
		return NewAISentry(cfg, client, loader, logger), nil
	default:
		return nil, fmt.Errorf("sentry: 未知信号类型 %q", cfg.Kind)
	}
}

func (s *AISentry) Initialize(ctx context.Context, host algo.Host) error {
	s.host = host
	return nil
}

func (s *AISentry) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	for _, sd := range removed {
		delete(s.candles, sd.Key())
		delete(s.nextRun, sd.Key())
		s.extractor.Forget(sd.Key())
	}
	if s.loader == nil || s.host.IsBacktesting() || len(added) == 0 {
		return nil
	}

	keys := make([]string, 0, len(added))
	for _, sd := range added {
		keys = append(keys, sd.Key())
	}
	history, err := s.loader.History(ctx, exchange.HistoryRequest{Symbols: keys, Timeframe: s.cfg.Timeframe, Limit: s.cfg.History})
	if err != nil {
		// 回补失败不阻塞交易，等待行情逐步积累
		s.logger.Warn("回补K线失败", zap.Strings("symbols", keys), zap.Error(err))
		return nil
	}
	for symbol, candles := range history {
		s.record(symbol, candles)
	}
	return nil
}

type proposal struct {
	symbol   string
	decision ai.Decision
	err      error
}

func (s *AISentry) Update(ctx context.Context, slice *algo.TimeSlice) error {
	now := s.host.Now()
	symbols := s.host.Symbols()

	for _, sd := range symbols {
		if data, ok := slice.Symbol(sd.Key()); ok && len(data.Records) > 0 {
			s.record(sd.Key(), data.Records)
		}
	}
	if s.host.EntriesSuspended() {
		return nil
	}

	due := make([]*algo.SymbolData, 0, len(symbols))
	for _, sd := range symbols {
		if !sd.IsSelected() || now.Before(s.nextRun[sd.Key()]) || len(s.candles[sd.Key()]) < indicator.MinCandles {
			continue
		}
		s.nextRun[sd.Key()] = now.Add(s.cfg.Interval)
		due = append(due, sd)
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Key() < due[j].Key() })

	results := make([]proposal, len(due))
	var g errgroup.Group
	limit := maxConcurrentProposals
	if s.host.IsBacktesting() {
		limit = 1
	}
	g.SetLimit(limit)
	for i, sd := range due {
		snapshot := feature.Snapshot{
			Symbol:    sd.Key(),
			Timeframe: s.cfg.Timeframe,
			Time:      now,
			Candles:   s.candles[sd.Key()],
			Quote:     sd.Quote(),
		}
		exposure := s.exposure(sd)
		g.Go(func() error {
			results[i] = s.propose(ctx, snapshot, exposure)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		s.emit(slice, now, res)
	}
	return nil
}

func (s *AISentry) propose(ctx context.Context, snapshot feature.Snapshot, exposure ai.Exposure) proposal {
	features, err := s.extractor.Extract(ctx, snapshot)
	if err != nil {
		return proposal{symbol: snapshot.Symbol, err: err}
	}
	decision, err := s.advisor.Propose(ctx, features, exposure)
	return proposal{symbol: snapshot.Symbol, decision: decision, err: err}
}

func (s *AISentry) emit(slice *algo.TimeSlice, now time.Time, res proposal) {
	logger := s.logger.With(zap.String("symbol", res.symbol))
	if res.err != nil {
		if errors.Is(res.err, indicator.ErrInsufficientData) {
			logger.Debug("K线不足，跳过", zap.Error(res.err))
			return
		}
		logger.Warn("获取信号建议失败", zap.Error(res.err))
		return
	}

	d := res.decision
	if d.Symbol != "" && d.Symbol != res.symbol {
		logger.Warn("模型返回的交易对不一致，忽略", zap.String("decision_symbol", d.Symbol))
		return
	}
	if err := d.Validate(); err != nil {
		logger.Warn("信号建议不合法", zap.Error(err))
		return
	}
	dir, ok := d.Direction()
	if !ok {
		logger.Debug("模型建议观望", zap.String("reasoning", d.Reasoning))
		return
	}
	if d.Confidence < s.cfg.MinConfidence {
		logger.Info("置信度不足，放弃信号",
			zap.Float64("confidence", d.Confidence),
			zap.Float64("min_confidence", s.cfg.MinConfidence),
		)
		return
	}

	sig := s.host.NewSignal(res.symbol, dir, d.EntryPrice, now.Add(s.cfg.EntryTTL), d.TargetPrice, now.Add(s.cfg.ExitTTL))
	slice.AddSignal(sig)
	logger.Info("产生新信号",
		zap.String("signal", sig.ID),
		zap.String("direction", string(dir)),
		zap.Float64("entry", d.EntryPrice),
		zap.Float64("target", d.TargetPrice),
		zap.Float64("confidence", d.Confidence),
	)
}

func (s *AISentry) exposure(sd *algo.SymbolData) ai.Exposure {
	exp := ai.Exposure{EntriesSuspended: s.host.EntriesSuspended()}
	for _, op := range sd.ActiveOperations() {
		exp.ActiveOperations++
		if !op.IsStarted() {
			exp.PendingEntries++
		}
		exp.QuoteInvested += op.QuoteAmountInvested() - op.QuoteAmountLiquidated()
	}
	return exp
}

// record 追加K线并按时间去重，只保留最近 History 根。
func (s *AISentry) record(symbol string, candles []exchange.Candle) {
	buf := s.candles[symbol]
	for _, c := range candles {
		n := len(buf)
		switch {
		case n > 0 && c.Timestamp.Equal(buf[n-1].Timestamp):
			buf[n-1] = c
		case n > 0 && c.Timestamp.Before(buf[n-1].Timestamp):
			continue
		default:
			buf = append(buf, c)
		}
	}
	if extra := len(buf) - s.cfg.History; extra > 0 {
		buf = append([]exchange.Candle(nil), buf[extra:]...)
	}
	s.candles[symbol] = buf
}

func (s *AISentry) State() ([]byte, error) {
	return json.Marshal(sentryState{NextRun: s.nextRun})
}

func (s *AISentry) RestoreState(blob []byte) error {
	var st sentryState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("sentry: 解析状态失败: %w", err)
	}
	s.nextRun = make(map[string]time.Time, len(st.NextRun))
	for k, v := range st.NextRun {
		s.nextRun[k] = v
	}
	return nil
}
