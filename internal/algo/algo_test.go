package algo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
	"tradeops/internal/store"
)

const testSymbol = "BTC/USDT"

var testInfo = exchange.SymbolInfo{
	Key:           testSymbol,
	Asset:         "BTC",
	QuoteAsset:    "USDT",
	PriceTick:     0.01,
	LotStep:       0.0001,
	MinNotional:   5,
	MarginEnabled: true,
}

// fakeMarket 记录委托，不做撮合。
type fakeMarket struct {
	mu       sync.Mutex
	now      time.Time
	quote    exchange.Quote
	free     map[string]float64
	requests []exchange.OrderRequest
	released int
	listener exchange.Listener
}

type fakeFeed struct{ m *fakeMarket }

func (f fakeFeed) Info() exchange.SymbolInfo { return testInfo }
func (f fakeFeed) Quote() exchange.Quote {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.m.quote
}

func (m *fakeMarket) Time() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
func (m *fakeMarket) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	if symbol != testSymbol {
		return exchange.SymbolInfo{}, exchange.ErrUnknownSymbol
	}
	return testInfo, nil
}
func (m *fakeMarket) Subscribe(ctx context.Context, symbol string) (exchange.Feed, error) {
	return fakeFeed{m: m}, nil
}
func (m *fakeMarket) Release(exchange.Feed) { m.released++ }
func (m *fakeMarket) PostOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return exchange.Order{
		ID:            fmt.Sprintf("o%d", len(m.requests)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Amount:        req.Amount,
		Status:        exchange.OrderStatusOpen,
		Time:          m.now,
	}, nil
}
func (m *fakeMarket) CancelOrder(ctx context.Context, order exchange.Order) (exchange.Order, error) {
	order.Status = exchange.OrderStatusCancelled
	return order, nil
}
func (m *fakeMarket) SyncOrder(ctx context.Context, order exchange.Order) (exchange.Order, error) {
	return order, nil
}
func (m *fakeMarket) FreeBalance(asset string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free[asset]
}
func (m *fakeMarket) Equity(ctx context.Context, asset string) (float64, error) {
	return m.FreeBalance(asset), nil
}
func (m *fakeMarket) SetListener(l exchange.Listener) { m.listener = l }

type testSentry struct {
	host    Host
	pending []float64
}

func (s *testSentry) Initialize(ctx context.Context, host Host) error {
	s.host = host
	return nil
}
func (s *testSentry) OnSymbolsChanged(context.Context, []*SymbolData, []*SymbolData) error {
	return nil
}
func (s *testSentry) State() ([]byte, error)     { return nil, nil }
func (s *testSentry) RestoreState([]byte) error { return nil }
func (s *testSentry) Update(ctx context.Context, slice *TimeSlice) error {
	now := s.host.Now()
	for _, entry := range s.pending {
		slice.AddSignal(s.host.NewSignal(testSymbol, exchange.DirectionBuy, entry, now.Add(time.Hour), entry*1.1, now.Add(24*time.Hour)))
	}
	s.pending = nil
	return nil
}

type testAllocator struct {
	host  Host
	panic error
}

func (a *testAllocator) Initialize(ctx context.Context, host Host) error {
	a.host = host
	return nil
}
func (a *testAllocator) OnSymbolsChanged(context.Context, []*SymbolData, []*SymbolData) error {
	return nil
}
func (a *testAllocator) State() ([]byte, error)     { return nil, nil }
func (a *testAllocator) RestoreState([]byte) error { return nil }
func (a *testAllocator) Update(ctx context.Context, slice *TimeSlice) error {
	if a.panic != nil {
		panic(a.panic)
	}
	for _, sig := range slice.Signals() {
		op, err := a.host.NewOperation(sig, operation.AssetAmount{Asset: "USDT", Amount: 100})
		if err != nil {
			return err
		}
		slice.AddOperation(op)
	}
	return nil
}

type testExecutor struct {
	host          Host
	updates       int
	cancelEntries int
	cancelAll     int
	cancelErr     error
	events        []operation.EventKind
}

func (e *testExecutor) Initialize(ctx context.Context, host Host) error {
	e.host = host
	return nil
}
func (e *testExecutor) OnSymbolsChanged(context.Context, []*SymbolData, []*SymbolData) error {
	return nil
}
func (e *testExecutor) State() ([]byte, error)     { return []byte(`{"updates":1}`), nil }
func (e *testExecutor) RestoreState([]byte) error { return nil }
func (e *testExecutor) Update(context.Context, *TimeSlice) error {
	e.updates++
	return nil
}
func (e *testExecutor) CancelAllOrders(context.Context, *operation.Operation) error {
	e.cancelAll++
	return e.cancelErr
}
func (e *testExecutor) CancelEntryOrders(context.Context) error {
	e.cancelEntries++
	return nil
}
func (e *testExecutor) InvestedOrLocked(string, string) (float64, error) { return 0, nil }
func (e *testExecutor) Liquidate(ctx context.Context, op *operation.Operation, reason string) (LiquidationResult, error) {
	return e.host.TryLiquidateOperation(ctx, op, reason)
}
func (e *testExecutor) OnOperationEvent(ev operation.Event) {
	e.events = append(e.events, ev.Kind)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	market    *fakeMarket
	sentry    *testSentry
	allocator *testAllocator
	executor  *testExecutor
	persister Persister
	algo      *Algo
}

func newHarness(t *testing.T, persister Persister) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		ctx: context.Background(),
		market: &fakeMarket{
			now:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			quote: exchange.Quote{Symbol: testSymbol, Bid: 99, Ask: 101},
			free:  map[string]float64{"USDT": 10000},
		},
		sentry:    &testSentry{},
		allocator: &testAllocator{},
		executor:  &testExecutor{},
		persister: persister,
	}
	h.algo = h.newAlgo()
	require.NoError(t, h.algo.Start(h.ctx))
	return h
}

func (h *harness) newAlgo() *Algo {
	h.t.Helper()
	a, err := New(Options{Resolution: time.Second}, h.market, Modules{
		Symbols:   NewStaticSelector([]string{testSymbol}, 0),
		Sentry:    h.sentry,
		Allocator: h.allocator,
		Executor:  h.executor,
	}, h.persister, nil, nil)
	require.NoError(h.t, err)
	return a
}

func (h *harness) tick(d time.Duration) {
	h.t.Helper()
	h.market.mu.Lock()
	h.market.now = h.market.now.Add(d)
	h.market.mu.Unlock()
	require.NoError(h.t, h.algo.Tick(h.ctx))
}

func (h *harness) now() time.Time { return h.market.Time() }

// openOperation 创建一个操作并记入 amount 的入场成交。
func (h *harness) openOperation(amount float64) *operation.Operation {
	h.t.Helper()
	h.sentry.pending = []float64{100}
	h.tick(0)
	ops := h.algo.ActiveOperations()
	require.Len(h.t, ops, 1)
	op := ops[0]
	if amount > 0 {
		h.algo.OnTrade(exchange.Trade{
			ID: "entry-1", ClientOrderID: op.ID + "-0", Symbol: testSymbol,
			Direction: exchange.DirectionBuy, Price: 100, Amount: amount, Time: h.now(),
		})
		h.tick(time.Minute)
	}
	return op
}

func TestNewRequiresModules(t *testing.T) {
	m := &fakeMarket{}
	_, err := New(Options{}, nil, Modules{}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Options{}, m, Modules{Allocator: &testAllocator{}, Executor: &testExecutor{}}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Options{}, m, Modules{Symbols: NewStaticSelector(nil, 0), Executor: &testExecutor{}}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Options{}, m, Modules{Symbols: NewStaticSelector(nil, 0), Allocator: &testAllocator{}}, nil, nil, nil)
	assert.Error(t, err)
}

func TestClampOrderAmount(t *testing.T) {
	cases := []struct {
		name      string
		dir       exchange.Direction
		amount    float64
		freeQuote float64
		freeBase  float64
		margin    bool
		want      float64
	}{
		{"within balance", exchange.DirectionBuy, 1, 1000, 0, false, 1},
		{"buy capped by quote", exchange.DirectionBuy, 2, 100, 0, false, 0.99},
		{"sell capped by base", exchange.DirectionSell, 2, 0, 0.5, false, 0.5},
		{"margin sell not capped", exchange.DirectionSell, 2, 0, 0.5, true, 2},
		{"below min notional", exchange.DirectionBuy, 1, 4, 0, false, 0},
		{"zero amount", exchange.DirectionBuy, 0, 1000, 0, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, amount := ClampOrderAmount(testInfo, tc.dir, 100, tc.amount, tc.freeQuote, tc.freeBase, tc.margin)
			assert.InDelta(t, 100, price, 1e-9)
			assert.InDelta(t, tc.want, amount, 1e-4)
		})
	}
}

func TestTradesAreAttributedByClientOrderID(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(0)
	before := testutil.ToFloat64(metrics.UnmatchedTrades)

	trade := exchange.Trade{
		ID: "t1", ClientOrderID: op.ID + "-0", Symbol: testSymbol,
		Direction: exchange.DirectionBuy, Price: 100, Amount: 0.5, Time: h.now(),
	}
	h.algo.OnTrade(trade)
	h.algo.OnTrade(exchange.Trade{ID: "t2", ClientOrderID: "manual", Symbol: testSymbol, Direction: exchange.DirectionBuy, Amount: 1})
	h.algo.OnTrade(exchange.Trade{ID: "t3", ClientOrderID: "77-1", Symbol: testSymbol, Direction: exchange.DirectionBuy, Amount: 1})
	h.tick(time.Minute)

	assert.InDelta(t, 0.5, op.AmountInvested(), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.UnmatchedTrades)-before, 1e-9)
	assert.Contains(t, h.executor.events, operation.EventTrade)

	// 重复成交被忽略
	h.algo.OnTrade(trade)
	h.tick(time.Minute)
	assert.InDelta(t, 0.5, op.AmountInvested(), 1e-9)
}

func TestFinalizeClosingAfterDeadline(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)
	op.ScheduleClose(h.now().Add(time.Minute))

	h.tick(30 * time.Second)
	assert.False(t, op.IsClosed())
	assert.Len(t, h.algo.Snapshot(), 1)

	h.tick(30 * time.Second)
	assert.True(t, op.IsClosed())
	assert.Empty(t, h.algo.ActiveOperations())
	assert.Empty(t, h.algo.Snapshot())
	require.Len(t, h.algo.ClosedOperations(), 1)
	sd, ok := h.algo.SymbolData(testSymbol)
	require.True(t, ok)
	assert.Len(t, sd.ClosedOperations(), 1)
	assert.Contains(t, h.executor.events, operation.EventClosed)
}

func TestLateTradeReactivatesClosedOperation(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)
	op.ScheduleClose(h.now())
	h.tick(time.Second)
	require.True(t, op.IsClosed())

	h.algo.OnTrade(exchange.Trade{
		ID: "exit-1", ClientOrderID: op.ID + "-1", Symbol: testSymbol,
		Direction: exchange.DirectionSell, Price: 105, Amount: 1, Time: h.now(),
	})
	h.tick(time.Second)

	assert.False(t, op.IsClosed())
	assert.False(t, op.IsClosing())
	require.Len(t, h.algo.ActiveOperations(), 1)
	assert.Empty(t, h.algo.ClosedOperations())
	assert.InDelta(t, 0, op.AmountRemaining(), 1e-12)
	assert.InDelta(t, 105, op.AverageExitPrice(), 1e-9)
}

func TestDuplicateTradeKeepsClosedOperationClosed(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)
	exit := exchange.Trade{
		ID: "exit-1", ClientOrderID: op.ID + "-1", Symbol: testSymbol,
		Direction: exchange.DirectionSell, Price: 105, Amount: 1, Time: h.now(),
	}
	h.algo.OnTrade(exit)
	h.tick(time.Second)
	op.ScheduleClose(h.now())
	h.tick(time.Second)
	require.True(t, op.IsClosed())
	before := testutil.ToFloat64(metrics.UnmatchedTrades)

	// 交易所重复推送已记录的成交
	h.algo.OnTrade(exit)
	h.algo.OnTrade(exchange.Trade{
		ID: "entry-1", ClientOrderID: op.ID + "-0", Symbol: testSymbol,
		Direction: exchange.DirectionBuy, Price: 100, Amount: 1, Time: h.now(),
	})
	h.tick(time.Second)

	assert.True(t, op.IsClosed())
	assert.Empty(t, h.algo.ActiveOperations())
	require.Len(t, h.algo.ClosedOperations(), 1)
	assert.InDelta(t, 1, op.AmountInvested(), 1e-9)
	assert.InDelta(t, 1, op.AmountLiquidated(), 1e-9)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.UnmatchedTrades)-before, 1e-9)
}

func TestDuplicateTradeKeepsArchivedOperationClosed(t *testing.T) {
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	persister, err := store.NewOperations(st, nil)
	require.NoError(t, err)

	h := newHarness(t, persister)
	op := h.openOperation(1)
	op.ScheduleClose(h.now())
	h.tick(time.Second)
	require.True(t, op.IsClosed())

	// 重启后的编排器只能从归档中找到该操作
	restored := h.newAlgo()
	require.NoError(t, restored.Start(h.ctx))
	require.Empty(t, restored.ActiveOperations())

	restored.OnTrade(exchange.Trade{
		ID: "entry-1", ClientOrderID: op.ID + "-0", Symbol: testSymbol,
		Direction: exchange.DirectionBuy, Price: 100, Amount: 1, Time: h.now(),
	})
	require.NoError(t, restored.Tick(h.ctx))
	assert.Empty(t, restored.ActiveOperations())

	active, err := persister.LoadActiveOperations(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUserCommands(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)

	closing := h.algo.ForceCloseOperation(op.ID)
	missing := h.algo.ForceCloseOperation("404")
	h.tick(time.Second)
	assert.NotEmpty(t, <-closing)
	assert.Equal(t, "操作不存在或已在关闭中", <-missing)
	assert.True(t, op.IsClosing())
	assert.Equal(t, h.now().Add(forceCloseDelay), op.CloseDeadTime())

	resumed := h.algo.RequestResumeOperation(op.ID)
	h.tick(time.Second)
	assert.NotEmpty(t, <-resumed)
	assert.False(t, op.IsClosing())

	stop := h.algo.RequestStopEntries()
	h.tick(time.Second)
	assert.Equal(t, "已暂停新入场", <-stop)
	assert.True(t, h.algo.EntriesSuspended())
	assert.Equal(t, 1, h.executor.cancelEntries)

	// 分配器的恢复不解除用户暂停
	h.algo.ResumeEntries()
	assert.True(t, h.algo.EntriesSuspended())

	resume := h.algo.RequestResumeEntries()
	h.tick(time.Second)
	<-resume
	assert.False(t, h.algo.EntriesSuspended())

	cancel := h.algo.RequestCancelEntryOrders()
	h.tick(time.Second)
	<-cancel
	assert.Equal(t, 2, h.executor.cancelEntries)
}

func TestForceLiquidatePostsMarketOrder(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)
	h.market.free["BTC"] = 1

	result := h.algo.ForceLiquidate(op.ID)
	h.tick(time.Second)
	assert.NotEmpty(t, <-result)
	assert.Equal(t, 1, h.executor.cancelAll)

	require.NotEmpty(t, h.market.requests)
	req := h.market.requests[len(h.market.requests)-1]
	assert.Equal(t, exchange.DirectionSell, req.Side)
	assert.Equal(t, exchange.OrderTypeMarket, req.Type)
	assert.InDelta(t, 1, req.Amount, 1e-9)
	assert.True(t, op.OwnsClientOrderID(req.ClientOrderID))
}

func TestTryLiquidateSkipsOrderWhenCancelFails(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(1)
	h.market.free["BTC"] = 1
	h.executor.cancelErr = errors.New("cancel rejected")
	posted := len(h.market.requests)

	lr, err := h.algo.TryLiquidateOperation(h.ctx, op, "test")
	require.NoError(t, err)
	assert.True(t, lr.OrderError)
	assert.ErrorIs(t, lr.Err, h.executor.cancelErr)
	assert.Nil(t, lr.Order)
	assert.Len(t, h.market.requests, posted)

	// 撤单恢复后重试即可下市价单
	h.executor.cancelErr = nil
	lr, err = h.algo.TryLiquidateOperation(h.ctx, op, "test")
	require.NoError(t, err)
	require.NotNil(t, lr.Order)
	assert.Equal(t, exchange.OrderTypeMarket, h.market.requests[len(h.market.requests)-1].Type)
}

func TestTryLiquidateReportsDust(t *testing.T) {
	h := newHarness(t, nil)
	op := h.openOperation(0.01)

	lr, err := h.algo.TryLiquidateOperation(h.ctx, op, "test")
	require.NoError(t, err)
	assert.True(t, lr.AmountRemainingLow)
	assert.Nil(t, lr.Order)
	assert.Empty(t, h.market.requests)
}

func TestStopAndResumeEntries(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.algo.StopEntries(h.ctx))
	require.NoError(t, h.algo.StopEntries(h.ctx))
	assert.True(t, h.algo.EntriesSuspended())
	assert.Equal(t, 1, h.executor.cancelEntries)

	h.algo.ResumeEntries()
	assert.False(t, h.algo.EntriesSuspended())
}

func TestHaltEntriesUntilDeadline(t *testing.T) {
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	persister, err := store.NewOperations(st, nil)
	require.NoError(t, err)

	h := newHarness(t, persister)
	h.tick(0)
	until := h.now().Add(time.Hour)
	require.NoError(t, h.algo.HaltEntries(h.ctx, until))
	assert.True(t, h.algo.EntriesSuspended())
	assert.Equal(t, 1, h.executor.cancelEntries)

	h.algo.ResumeEntries()
	assert.True(t, h.algo.EntriesSuspended())

	// 更早的截止时间不覆盖
	require.NoError(t, h.algo.HaltEntries(h.ctx, h.now().Add(time.Minute)))
	assert.Equal(t, 1, h.executor.cancelEntries)

	// 暂停状态随编排器状态持久化
	h.tick(time.Second)
	restored := h.newAlgo()
	require.NoError(t, restored.Start(h.ctx))
	assert.True(t, restored.EntriesSuspended())

	h.tick(time.Hour)
	assert.False(t, h.algo.EntriesSuspended())
}

func TestRestoreActiveOperations(t *testing.T) {
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	persister, err := store.NewOperations(st, nil)
	require.NoError(t, err)

	h := newHarness(t, persister)
	op := h.openOperation(0.5)

	restored := h.newAlgo()
	require.NoError(t, restored.Start(h.ctx))
	ops := restored.ActiveOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.InDelta(t, 0.5, ops[0].AmountInvested(), 1e-9)

	// 新操作编号延续已保存的计数
	sig := restored.NewSignal(testSymbol, exchange.DirectionBuy, 100, h.now().Add(time.Hour), 110, h.now().Add(time.Hour))
	next, err := restored.NewOperation(sig, operation.AssetAmount{Asset: "USDT", Amount: 10})
	require.NoError(t, err)
	assert.NotEqual(t, op.ID, next.ID)

	blob, ok, err := persister.LoadState(h.ctx, stateKeyExecutor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"updates":1}`, string(blob))
}

func TestInvariantPanicOnlyAbortsStage(t *testing.T) {
	h := newHarness(t, nil)
	h.allocator.panic = fmt.Errorf("%w: 测试", operation.ErrInvariant)
	h.sentry.pending = []float64{100}

	require.NotPanics(t, func() { h.tick(time.Second) })
	assert.Empty(t, h.algo.ActiveOperations())
	assert.Equal(t, 1, h.executor.updates, "执行器阶段照常运行")

	h.allocator.panic = errors.New("unexpected")
	assert.Panics(t, func() { h.tick(time.Second) })
}

func TestGuardRecoversInvariantErrors(t *testing.T) {
	sig := &operation.Signal{ID: "s", Symbol: testSymbol, Kind: exchange.DirectionBuy, PriceEntry: 100, PriceTarget: 110}
	op, err := operation.New("1", sig, testInfo, operation.AssetAmount{Asset: "USDT", Amount: 10}, time.Now())
	require.NoError(t, err)

	err = Guard(zap.NewNop(), op, func() { panic(fmt.Errorf("%w: broken", operation.ErrInvariant)) })
	assert.ErrorIs(t, err, operation.ErrInvariant)
	assert.NoError(t, Guard(zap.NewNop(), op, func() {}))
}

func TestTradingResultsFromMemory(t *testing.T) {
	h := newHarness(t, nil)
	start := h.now()
	op := h.openOperation(1)
	h.algo.OnTrade(exchange.Trade{
		ID: "exit-1", ClientOrderID: op.ID + "-1", Symbol: testSymbol,
		Direction: exchange.DirectionSell, Price: 105, Amount: 1, Time: h.now(),
	})
	h.tick(time.Minute)
	op.ScheduleClose(h.now())
	h.tick(time.Second)

	ch := h.algo.RequestTradingResults(start, h.now().Add(time.Second), "USDT")
	h.tick(time.Second)
	res, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 1, res.OperationsCount)
	assert.InDelta(t, 5-205*ResultsFee, res.GainsRealized, 1e-6)
	assert.InDelta(t, 205, res.Volume, 1e-6)
}
