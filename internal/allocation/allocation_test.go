package allocation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/algo"
	"tradeops/internal/backtest"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

var (
	btcInfo = exchange.SymbolInfo{Key: "BTC/USDT", Asset: "BTC", QuoteAsset: "USDT", PriceTick: 0.01, LotStep: 0.0001, MinNotional: 5}
	ethInfo = exchange.SymbolInfo{Key: "ETH/USDT", Asset: "ETH", QuoteAsset: "USDT", PriceTick: 0.01, LotStep: 0.0001, MinNotional: 5}
)

type pendingSignal struct {
	symbol string
	kind   exchange.Direction
	entry  float64
}

type scriptedSentry struct {
	host    algo.Host
	pending []pendingSignal
}

func (s *scriptedSentry) Initialize(ctx context.Context, host algo.Host) error {
	s.host = host
	return nil
}
func (s *scriptedSentry) OnSymbolsChanged(context.Context, []*algo.SymbolData, []*algo.SymbolData) error {
	return nil
}
func (s *scriptedSentry) State() ([]byte, error)     { return nil, nil }
func (s *scriptedSentry) RestoreState([]byte) error { return nil }

func (s *scriptedSentry) Update(ctx context.Context, slice *algo.TimeSlice) error {
	now := s.host.Now()
	for _, p := range s.pending {
		target := p.entry * 1.1
		if p.kind == exchange.DirectionSell {
			target = p.entry * 0.9
		}
		slice.AddSignal(s.host.NewSignal(p.symbol, p.kind, p.entry, now.Add(time.Hour), target, now.Add(24*time.Hour)))
	}
	s.pending = nil
	return nil
}

// idleExecutor 不下单，只报告预设的占用资金。
type idleExecutor struct {
	locked map[string]float64
}

func (e *idleExecutor) Initialize(context.Context, algo.Host) error { return nil }
func (e *idleExecutor) OnSymbolsChanged(context.Context, []*algo.SymbolData, []*algo.SymbolData) error {
	return nil
}
func (e *idleExecutor) State() ([]byte, error)                                  { return nil, nil }
func (e *idleExecutor) RestoreState([]byte) error                               { return nil }
func (e *idleExecutor) Update(context.Context, *algo.TimeSlice) error           { return nil }
func (e *idleExecutor) CancelAllOrders(context.Context, *operation.Operation) error { return nil }
func (e *idleExecutor) CancelEntryOrders(context.Context) error                 { return nil }
func (e *idleExecutor) InvestedOrLocked(symbol, asset string) (float64, error) {
	return e.locked[symbol], nil
}
func (e *idleExecutor) Liquidate(context.Context, *operation.Operation, string) (algo.LiquidationResult, error) {
	return algo.LiquidationResult{}, nil
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	sim    *backtest.Simulator
	sentry *scriptedSentry
	algo   *algo.Algo
	trades int
}

func newHarness(t *testing.T, allocator algo.Allocator) *harness {
	t.Helper()
	sim := backtest.NewSimulator(0, 0, nil)
	sim.AddSymbol(btcInfo)
	sim.AddSymbol(ethInfo)
	sim.SetBalance("USDT", 10000)

	sentry := &scriptedSentry{}
	a, err := algo.New(algo.Options{Resolution: time.Second, Backtesting: true}, sim, algo.Modules{
		Symbols:   algo.NewStaticSelector([]string{btcInfo.Key, ethInfo.Key}, 0),
		Sentry:    sentry,
		Allocator: allocator,
		Executor:  &idleExecutor{locked: map[string]float64{}},
	}, nil, nil, nil)
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		now:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		sim:    sim,
		sentry: sentry,
		algo:   a,
	}
	sim.SetTime(h.now)
	require.NoError(t, a.Start(h.ctx))
	return h
}

func (h *harness) tick(d time.Duration, signals ...pendingSignal) {
	h.t.Helper()
	h.now = h.now.Add(d)
	h.sim.SetTime(h.now)
	h.sentry.pending = signals
	require.NoError(h.t, h.algo.Tick(h.ctx))
}

// fill 直接为操作记入一笔入场成交。
func (h *harness) fill(op *operation.Operation, price, amount float64) {
	h.t.Helper()
	h.trades++
	added := op.AddEntry(exchange.Trade{
		ID:        fmt.Sprintf("t%d", h.trades),
		Symbol:    op.Symbol.Key,
		Direction: op.EntryDirection(),
		Price:     price,
		Amount:    amount,
		Time:      h.now,
	})
	require.True(h.t, added)
}

func (h *harness) operations(symbol string) []*operation.Operation {
	sd, ok := h.algo.SymbolData(symbol)
	require.True(h.t, ok)
	return sd.ActiveOperations()
}

func baseParams() Params {
	return Params{
		BudgetAsset:        "USDT",
		Budget:             100,
		BudgetPerSymbol:    50,
		BudgetPerOperation: 10,
		MaxActivePerSymbol: 5,
		MaxPendingEntry:    5,
	}
}

func buy(symbol string, entry float64) pendingSignal {
	return pendingSignal{symbol: symbol, kind: exchange.DirectionBuy, entry: entry}
}

func TestFixedGrantsRemainingBudgetNearLimit(t *testing.T) {
	f := NewFixed(baseParams(), nil)
	h := newHarness(t, f)

	// 先以较大额度在 ETH 上建立 95 USDT 的持仓
	f.params.BudgetPerOperation = 95
	f.params.BudgetPerSymbol = 100
	h.tick(0, buy(ethInfo.Key, 100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 95, 1)
	f.params = baseParams()

	h.tick(time.Minute, buy(btcInfo.Key, 100))
	btc := h.operations(btcInfo.Key)
	require.Len(t, btc, 1)
	assert.InDelta(t, 5, btc[0].AmountTarget.Amount, 1e-9)
	assert.Equal(t, "USDT", btc[0].AmountTarget.Asset)
	assert.False(t, h.algo.EntriesSuspended())
}

func TestFixedRejectsGrantBelowFloor(t *testing.T) {
	f := NewFixed(baseParams(), nil)
	h := newHarness(t, f)

	f.params.BudgetPerOperation = 99
	f.params.BudgetPerSymbol = 100
	h.tick(0, buy(ethInfo.Key, 100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 99, 1)
	f.params = baseParams()

	// 剩余 1 USDT，低于目标金额 10 的 20%
	h.tick(time.Minute, buy(btcInfo.Key, 100))
	assert.Empty(t, h.operations(btcInfo.Key))
	assert.False(t, h.algo.EntriesSuspended())

	// 预算用尽后暂停新入场
	h.fill(eth[0], 1, 1)
	h.tick(time.Minute, buy(btcInfo.Key, 100))
	assert.Empty(t, h.operations(btcInfo.Key))
	assert.True(t, h.algo.EntriesSuspended())
}

func TestFixedGrantFloorBoundary(t *testing.T) {
	cases := []struct {
		name     string
		invested float64
		grant    float64
	}{
		{name: "96 已投入，剩余 4 高于下限", invested: 96, grant: 4},
		{name: "剩余恰好等于下限", invested: 98, grant: 2},
		{name: "剩余低于下限", invested: 98.5, grant: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFixed(baseParams(), nil)
			h := newHarness(t, f)

			f.params.BudgetPerOperation = tc.invested
			f.params.BudgetPerSymbol = 100
			h.tick(0, buy(ethInfo.Key, 100))
			eth := h.operations(ethInfo.Key)
			require.Len(t, eth, 1)
			h.fill(eth[0], tc.invested, 1)
			f.params = baseParams()

			h.tick(time.Minute, buy(btcInfo.Key, 100))
			btc := h.operations(btcInfo.Key)
			if tc.grant == 0 {
				assert.Empty(t, btc)
				return
			}
			require.Len(t, btc, 1)
			assert.InDelta(t, tc.grant, btc[0].AmountTarget.Amount, 1e-9)
		})
	}
}

func TestFixedRespectsPerSymbolBudget(t *testing.T) {
	params := baseParams()
	params.BudgetPerSymbol = 15
	f := NewFixed(params, nil)
	h := newHarness(t, f)

	exec, ok := h.algo.Executor().(*idleExecutor)
	require.True(t, ok)
	exec.locked[btcInfo.Key] = 12

	// 剩余单交易对额度 3 高于下限 2
	h.tick(0, buy(btcInfo.Key, 100))
	ops := h.operations(btcInfo.Key)
	require.Len(t, ops, 1)
	assert.InDelta(t, 3, ops[0].AmountTarget.Amount, 1e-9)

	exec.locked[btcInfo.Key] = 14
	h.tick(time.Minute, buy(btcInfo.Key, 100))
	assert.Len(t, h.operations(btcInfo.Key), 1)
}

func TestFixedLimitsPendingEntriesWithinTick(t *testing.T) {
	params := baseParams()
	params.MaxPendingEntry = 1
	f := NewFixed(params, nil)
	h := newHarness(t, f)

	h.tick(0, buy(btcInfo.Key, 100), buy(btcInfo.Key, 99))
	assert.Len(t, h.operations(btcInfo.Key), 1)
}

func TestFixedCoolDown(t *testing.T) {
	params := baseParams()
	params.CoolDown = time.Hour
	f := NewFixed(params, nil)
	h := newHarness(t, f)

	h.tick(0, buy(ethInfo.Key, 100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 100, 0.1)

	h.tick(time.Minute, buy(ethInfo.Key, 100))
	assert.Len(t, h.operations(ethInfo.Key), 1)
	assert.Equal(t, h.now.Add(-time.Minute), f.LastInvestment(ethInfo.Key))

	h.tick(time.Hour, buy(ethInfo.Key, 100))
	assert.Len(t, h.operations(ethInfo.Key), 2)
}

func TestFixedProportionalToProfit(t *testing.T) {
	params := baseParams()
	params.ProportionalToProfit = true
	params.TargetProfit = 0.05
	f := NewFixed(params, nil)
	h := newHarness(t, f)

	// 入场 100 目标 110，隐含收益 10%，金额减半
	h.tick(0, buy(btcInfo.Key, 100))
	ops := h.operations(btcInfo.Key)
	require.Len(t, ops, 1)
	assert.InDelta(t, 5, ops[0].AmountTarget.Amount, 1e-6)
}

func TestFixedStateRoundTrip(t *testing.T) {
	f := NewFixed(baseParams(), nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.lastInvestment[btcInfo.Key] = ts
	blob, err := f.State()
	require.NoError(t, err)

	restored := NewFixed(baseParams(), nil)
	require.NoError(t, restored.RestoreState(blob))
	assert.True(t, ts.Equal(restored.LastInvestment(btcInfo.Key)))
}

func TestDoubleDownRequiresBetterEntry(t *testing.T) {
	params := baseParams()
	params.CoolDown = 24 * time.Hour
	d := NewDoubleDown(params, 0.02, nil)
	h := newHarness(t, d)

	h.tick(0, buy(ethInfo.Key, 100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 100, 0.1)

	h.tick(time.Minute, buy(ethInfo.Key, 99))
	assert.Len(t, h.operations(ethInfo.Key), 1, "改善不足 2%")

	// 冷却时间不影响加仓
	h.tick(time.Minute, buy(ethInfo.Key, 97))
	assert.Len(t, h.operations(ethInfo.Key), 2)
}

func TestDoubleDownDefaultsAllowAddingToPosition(t *testing.T) {
	a, err := New(config.AllocatorConfig{
		Kind:                          "double_down",
		BudgetAsset:                   "USDT",
		Budget:                        100,
		BudgetPerSymbol:               50,
		BudgetPerOperation:            10,
		MaxOperationsWithPendingEntry: 1,
		DoubleDownThreshold:           0.02,
	}, nil)
	require.NoError(t, err)
	h := newHarness(t, a)

	h.tick(0, buy(ethInfo.Key, 100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 100, 0.1)

	h.tick(time.Minute, buy(ethInfo.Key, 97))
	eth = h.operations(ethInfo.Key)
	require.Len(t, eth, 2)
	h.fill(eth[1], 97, 0.1)

	h.tick(time.Minute, buy(ethInfo.Key, 94))
	require.Len(t, h.operations(ethInfo.Key), 3)
	h.fill(h.operations(ethInfo.Key)[2], 94, 0.1)

	// 达到默认上限后不再加仓
	h.tick(time.Minute, buy(ethInfo.Key, 90))
	assert.Len(t, h.operations(ethInfo.Key), 3)
}

func TestDoubleDownSellSide(t *testing.T) {
	d := NewDoubleDown(baseParams(), 0.02, nil)
	h := newHarness(t, d)

	sell := func(entry float64) pendingSignal {
		return pendingSignal{symbol: ethInfo.Key, kind: exchange.DirectionSell, entry: entry}
	}
	h.tick(0, sell(100))
	eth := h.operations(ethInfo.Key)
	require.Len(t, eth, 1)
	h.fill(eth[0], 100, 0.1)

	h.tick(time.Minute, sell(101))
	assert.Len(t, h.operations(ethInfo.Key), 1)
	h.tick(time.Minute, sell(103))
	assert.Len(t, h.operations(ethInfo.Key), 2)
}

func TestRelativeScalesBudgetWithEquity(t *testing.T) {
	r := NewRelative(Params{BudgetAsset: "USDT"}, Factors{Budget: 0.5, PerSymbol: 0.1, PerOperation: 0.01}, 3, time.Hour, nil)
	h := newHarness(t, r)

	avg, ok := r.EquityAverage()
	require.True(t, ok)
	assert.InDelta(t, 10000, avg, 1e-9)
	assert.False(t, r.Ready())

	h.tick(0, buy(btcInfo.Key, 100))
	assert.InDelta(t, 5000, r.Params().Budget, 1e-9)
	assert.InDelta(t, 1000, r.Params().BudgetPerSymbol, 1e-9)
	ops := h.operations(btcInfo.Key)
	require.Len(t, ops, 1)
	assert.InDelta(t, 100, ops[0].AmountTarget.Amount, 1e-9)
}

func TestRelativeDiscardsOutliers(t *testing.T) {
	r := NewRelative(Params{BudgetAsset: "USDT"}, Factors{Budget: 1}, 3, time.Hour, nil)
	assert.True(t, r.record(10000))
	assert.False(t, r.record(20000))
	assert.False(t, r.record(4000))
	assert.False(t, r.record(0))
	assert.True(t, r.record(12000))

	avg, ok := r.EquityAverage()
	require.True(t, ok)
	assert.InDelta(t, 11000, avg, 1e-9)
	assert.False(t, r.Ready())

	assert.True(t, r.record(11000))
	assert.True(t, r.Ready())
	avg, _ = r.EquityAverage()
	assert.InDelta(t, 11000, avg, 1e-9)
}

func TestRelativeRefreshSchedule(t *testing.T) {
	r := NewRelative(Params{BudgetAsset: "USDT"}, Factors{Budget: 1}, 2, time.Hour, nil)
	h := newHarness(t, r)
	require.Len(t, r.readings, 1)

	h.tick(time.Minute)
	assert.Len(t, r.readings, 1, "未就绪时每 5 分钟读取一次")

	h.tick(5 * time.Minute)
	assert.Len(t, r.readings, 2)
	assert.True(t, r.Ready())

	h.tick(30 * time.Minute)
	assert.Len(t, r.readings, 2)
	h.tick(30 * time.Minute)
	assert.Len(t, r.readings, 3)
}

func TestRelativeStateRoundTrip(t *testing.T) {
	r := NewRelative(Params{BudgetAsset: "USDT"}, Factors{Budget: 1}, 3, time.Hour, nil)
	r.readings = []float64{100, 110}
	blob, err := r.State()
	require.NoError(t, err)

	restored := NewRelative(Params{BudgetAsset: "USDT"}, Factors{Budget: 1}, 3, time.Hour, nil)
	require.NoError(t, restored.RestoreState(blob))
	assert.Equal(t, []float64{100, 110}, restored.readings)
}

func TestNewAllocatorKinds(t *testing.T) {
	a, err := New(config.AllocatorConfig{Kind: "fixed", BudgetAsset: "USDT"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Fixed{}, a)

	assert.Equal(t, 1, a.(*Fixed).Params().MaxActivePerSymbol)

	a, err = New(config.AllocatorConfig{Kind: "double_down"}, nil)
	require.NoError(t, err)
	require.IsType(t, &DoubleDown{}, a)
	assert.Equal(t, defaultDoubleDownActive, a.(*DoubleDown).Params().MaxActivePerSymbol)

	// 显式配置优先于类型默认值
	a, err = New(config.AllocatorConfig{Kind: "double_down", MaxActiveOperationsPerSymbol: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.(*DoubleDown).Params().MaxActivePerSymbol)

	a, err = New(config.AllocatorConfig{Kind: "relative"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Relative{}, a)

	_, err = New(config.AllocatorConfig{Kind: "kelly"}, nil)
	assert.Error(t, err)
}
