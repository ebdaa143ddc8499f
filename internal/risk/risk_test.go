package risk

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/algo"
	"tradeops/internal/backtest"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/execution"
	"tradeops/internal/operation"
	"tradeops/internal/store"
)

const testSymbol = "BTC/USDT"

var testInfo = exchange.SymbolInfo{
	Key:         testSymbol,
	Asset:       "BTC",
	QuoteAsset:  "USDT",
	PriceTick:   0.01,
	LotStep:     0.0001,
	MinNotional: 5,
}

// oneShotSentry 在第一个周期发出一个买入信号：入场 100，目标 110。
type oneShotSentry struct {
	host algo.Host
	done bool
}

func (s *oneShotSentry) Initialize(ctx context.Context, host algo.Host) error {
	s.host = host
	return nil
}
func (s *oneShotSentry) OnSymbolsChanged(context.Context, []*algo.SymbolData, []*algo.SymbolData) error {
	return nil
}
func (s *oneShotSentry) State() ([]byte, error)     { return nil, nil }
func (s *oneShotSentry) RestoreState([]byte) error { return nil }

func (s *oneShotSentry) Update(ctx context.Context, slice *algo.TimeSlice) error {
	if s.done {
		return nil
	}
	s.done = true
	now := s.host.Now()
	slice.AddSignal(s.host.NewSignal(testSymbol, exchange.DirectionBuy, 100, now.Add(time.Hour), 110, now.Add(24*time.Hour)))
	return nil
}

type flatAllocator struct {
	host algo.Host
}

func (a *flatAllocator) Initialize(ctx context.Context, host algo.Host) error {
	a.host = host
	return nil
}
func (a *flatAllocator) OnSymbolsChanged(context.Context, []*algo.SymbolData, []*algo.SymbolData) error {
	return nil
}
func (a *flatAllocator) State() ([]byte, error)     { return nil, nil }
func (a *flatAllocator) RestoreState([]byte) error { return nil }

func (a *flatAllocator) Update(ctx context.Context, slice *algo.TimeSlice) error {
	for _, sig := range slice.Signals() {
		op, err := a.host.NewOperation(sig, operation.AssetAmount{Asset: "USDT", Amount: 100})
		if err != nil {
			return err
		}
		slice.AddOperation(op)
	}
	return nil
}

type harness struct {
	t    *testing.T
	ctx  context.Context
	now  time.Time
	sim  *backtest.Simulator
	algo *algo.Algo
}

func newHarness(t *testing.T, sentry algo.Sentry, rm algo.RiskManager) *harness {
	t.Helper()
	sim := backtest.NewSimulator(0, 0, nil)
	sim.AddSymbol(testInfo)
	sim.SetBalance("USDT", 10000)

	a, err := algo.New(algo.Options{Resolution: time.Second, Backtesting: true}, sim, algo.Modules{
		Symbols:   algo.NewStaticSelector([]string{testSymbol}, 0),
		Sentry:    sentry,
		Allocator: &flatAllocator{},
		Executor:  execution.NewMarketMaker(execution.Options{EntryNearThreshold: 0.01, EntryDistantThreshold: 0.03}, nil),
		Risk:      rm,
	}, nil, nil, nil)
	require.NoError(t, err)

	h := &harness{
		t:    t,
		ctx:  context.Background(),
		now:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		sim:  sim,
		algo: a,
	}
	sim.SetTime(h.now)
	require.NoError(t, a.Start(h.ctx))
	return h
}

func (h *harness) tick(d time.Duration, bid, ask float64) {
	h.t.Helper()
	h.now = h.now.Add(d)
	h.sim.SetTime(h.now)
	h.sim.SetQuote(testSymbol, bid, ask)
	require.NoError(h.t, h.algo.Tick(h.ctx))
}

// candle 以一根K线推进模拟盘，报价取收盘价。
func (h *harness) candle(d time.Duration, high, low, close float64) {
	h.t.Helper()
	h.now = h.now.Add(d)
	h.sim.Advance(h.now, map[string]exchange.Candle{
		testSymbol: {Timestamp: h.now, Open: close, High: high, Low: low, Close: close},
	})
	require.NoError(h.t, h.algo.Tick(h.ctx))
}

func (h *harness) onlyOperation() *operation.Operation {
	h.t.Helper()
	ops := h.algo.ActiveOperations()
	require.Len(h.t, ops, 1)
	return ops[0]
}

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st.DB()
}

func TestSimpleStopLossLiquidatesOnNextTick(t *testing.T) {
	sl := NewSimpleStopLoss(0.05, nil)
	h := newHarness(t, &oneShotSentry{}, sl)

	// 入场单立即成交，下一周期计入持仓
	h.tick(0, 100, 100)
	op := h.onlyOperation()

	h.tick(time.Minute, 94, 94)
	assert.InDelta(t, 1.0, op.AmountInvested(), 1e-9)
	assert.True(t, op.RiskManaged)
	assert.Equal(t, 1, h.sim.TradeCount(), "触发当周期不清算")

	h.tick(time.Minute, 94, 94)
	assert.Equal(t, 2, h.sim.TradeCount())
	assert.Equal(t, 1, sl.LiquidationTries(op.ID))
	assert.Empty(t, h.sim.OpenOrders(testSymbol))

	h.tick(time.Minute, 94, 94)
	assert.InDelta(t, 0, op.AmountRemaining(), 1e-12)
	assert.True(t, op.IsClosing())
	assert.Equal(t, h.now.Add(closeGrace), op.CloseDeadTime())
	assert.InDelta(t, 9994, h.sim.FreeBalance("USDT"), 1e-9)
}

func TestSimpleStopLossIgnoresSmallDrawdown(t *testing.T) {
	sl := NewSimpleStopLoss(0.05, nil)
	h := newHarness(t, &oneShotSentry{}, sl)

	h.tick(0, 100, 100)
	op := h.onlyOperation()
	h.tick(time.Minute, 96, 96)
	h.tick(time.Minute, 96, 96)
	assert.False(t, op.RiskManaged)
	assert.Equal(t, 1, h.sim.TradeCount())
}

func TestSimpleStopLossStateRoundTrip(t *testing.T) {
	sl := NewSimpleStopLoss(0.05, nil)
	sl.data["op-1"] = &stopLossData{LiquidationTries: 3, NextTry: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	blob, err := sl.State()
	require.NoError(t, err)

	restored := NewSimpleStopLoss(0.05, nil)
	require.NoError(t, restored.RestoreState(blob))
	assert.Equal(t, 3, restored.LiquidationTries("op-1"))
}

func TestRewardRatioStopPrice(t *testing.T) {
	rr := NewRewardRatio(RewardRatioParams{Ratio: 0.5}, nil)
	h := newHarness(t, &oneShotSentry{}, rr)

	h.tick(0, 100, 100)
	op := h.onlyOperation()
	assert.InDelta(t, 95, rr.StopPrice(op), 1e-9)

	h.tick(time.Minute, 96, 96)
	assert.False(t, op.RiskManaged)

	h.tick(time.Minute, 94.5, 94.5)
	assert.True(t, op.RiskManaged)

	h.tick(time.Minute, 94.5, 94.5)
	assert.Equal(t, 2, h.sim.TradeCount())

	// 清算成交后进入关闭队列
	h.tick(10*time.Second, 94.5, 94.5)
	assert.Equal(t, 2, h.sim.TradeCount())
	assert.True(t, op.IsClosing())
}

func TestRewardRatioTrailingFollowsHigh(t *testing.T) {
	rr := NewRewardRatio(RewardRatioParams{Ratio: 0.5, Trailing: true}, nil)
	h := newHarness(t, &oneShotSentry{}, rr)

	h.tick(0, 100, 100)
	op := h.onlyOperation()

	h.candle(time.Minute, 108, 103, 105)
	assert.InDelta(t, 103, rr.StopPrice(op), 1e-9)
	assert.False(t, op.RiskManaged)

	h.candle(time.Minute, 103, 101, 102)
	assert.True(t, op.RiskManaged)
}

func TestRewardRatioRecomputesDeltaOnTargetChange(t *testing.T) {
	rr := NewRewardRatio(RewardRatioParams{Ratio: 0.5}, nil)
	h := newHarness(t, &oneShotSentry{}, rr)

	h.tick(0, 100, 100)
	op := h.onlyOperation()
	assert.InDelta(t, 95, rr.StopPrice(op), 1e-9)

	op.Signal.SetTargetPrice(120)
	h.tick(time.Minute, 100, 100)
	assert.InDelta(t, 90, rr.StopPrice(op), 1e-9)
}

func TestRewardRatioBaseLevel(t *testing.T) {
	rr := NewRewardRatio(RewardRatioParams{Ratio: 1, BaseLevelTimespan: 3 * time.Minute}, nil)
	_, ok := rr.BaseLevel(testSymbol)
	assert.False(t, ok)

	rr.symbols[testSymbol] = &baseLevel{Lows: []float64{97, 99}}
	_, ok = rr.BaseLevel(testSymbol)
	assert.False(t, ok, "数据不足")

	rr.symbols[testSymbol].Lows = []float64{97, 99, 98.5}
	level, ok := rr.BaseLevel(testSymbol)
	require.True(t, ok)
	assert.InDelta(t, 97, level, 1e-9)
}

func TestRewardRatioStateRoundTrip(t *testing.T) {
	rr := NewRewardRatio(RewardRatioParams{Ratio: 1, BaseLevelTimespan: 2 * time.Minute}, nil)
	rr.ops["op-1"] = &rewardOpData{StopLossDelta: -4, BestPrice: 108}
	rr.symbols[testSymbol] = &baseLevel{Lows: []float64{99, 98}}

	blob, err := rr.State()
	require.NoError(t, err)
	restored := NewRewardRatio(RewardRatioParams{Ratio: 1, BaseLevelTimespan: 2 * time.Minute}, nil)
	require.NoError(t, restored.RestoreState(blob))

	assert.InDelta(t, 108, restored.ops["op-1"].BestPrice, 1e-9)
	level, ok := restored.BaseLevel(testSymbol)
	require.True(t, ok)
	assert.InDelta(t, 98, level, 1e-9)
}

func TestDailyTrackerHaltsOnLoss(t *testing.T) {
	db := memoryDB(t)
	tracker, err := NewDailyTracker(db, config.RiskConfig{MaxDailyLoss: 0.05, DailyLossResetHour: 8}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	status, err := tracker.Update(ctx, ts, 1000)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", status.TradingDate)
	assert.False(t, status.Halted)

	status, err = tracker.Update(ctx, ts.Add(time.Hour), 960)
	require.NoError(t, err)
	assert.InDelta(t, -0.04, status.LossPercent, 1e-9)
	assert.False(t, status.Halted)

	status, err = tracker.Update(ctx, ts.Add(2*time.Hour), 940)
	require.NoError(t, err)
	assert.True(t, status.Halted)

	// 恢复净值不解除当日停止
	status, err = tracker.Update(ctx, ts.Add(3*time.Hour), 1000)
	require.NoError(t, err)
	assert.True(t, status.Halted)

	events, err := tracker.Events(ctx, "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"daily_halt"}, events)

	// 重置时间前仍属于同一交易日
	status, err = tracker.Update(ctx, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC), 1000)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", status.TradingDate)

	status, err = tracker.Update(ctx, time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC), 1000)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02", status.TradingDate)
	assert.False(t, status.Halted)
	assert.InDelta(t, 1000, status.StartEquity, 1e-9)
}

func TestDailyTrackerNextReset(t *testing.T) {
	db := memoryDB(t)
	tracker, err := NewDailyTracker(db, config.RiskConfig{DailyLossResetHour: 8}, nil)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), tracker.NextReset(time.Date(2024, 3, 1, 7, 59, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC), tracker.NextReset(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)))
	require.Error(t, tracker.LogEvent(context.Background(), time.Now(), "", "msg", ""))
}

func TestDailyLimitHaltsEntriesUntilReset(t *testing.T) {
	db := memoryDB(t)
	rm, err := New(config.RiskConfig{Kind: "none", MaxDailyLoss: 0.05, EquityAsset: "USDT"}, db, nil)
	require.NoError(t, err)
	limit, ok := rm.(*DailyLimit)
	require.True(t, ok)

	h := newHarness(t, nil, rm)
	h.tick(0, 100, 100)
	assert.False(t, h.algo.EntriesSuspended())

	h.sim.SetBalance("USDT", 9400)
	h.tick(time.Minute, 100, 100)
	assert.True(t, limit.Status().Halted)
	assert.True(t, h.algo.EntriesSuspended())

	// 分配器的恢复调用不解除日度暂停
	h.algo.ResumeEntries()
	assert.True(t, h.algo.EntriesSuspended())

	h.tick(14*time.Hour, 100, 100)
	assert.False(t, limit.Status().Halted)
	assert.False(t, h.algo.EntriesSuspended())
}

func TestNewRiskKinds(t *testing.T) {
	rm, err := New(config.RiskConfig{Kind: "none"}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, rm)

	rm, err = New(config.RiskConfig{Kind: "simple", StopLoss: 0.05}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &SimpleStopLoss{}, rm)

	rm, err = New(config.RiskConfig{Kind: "reward_ratio", Ratio: 1, BaseLevelTimespan: time.Hour}, nil, nil)
	require.NoError(t, err)
	rr, ok := rm.(*RewardRatio)
	require.True(t, ok)
	assert.Zero(t, rr.period, "未启用 use_base_level")

	_, err = New(config.RiskConfig{Kind: "simple", MaxDailyLoss: 0.05}, nil, nil)
	assert.Error(t, err)

	_, err = New(config.RiskConfig{Kind: "martingale"}, nil, nil)
	assert.Error(t, err)
}
