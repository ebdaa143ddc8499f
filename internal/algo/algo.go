package algo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tradeops/internal/exchange"
	"tradeops/internal/log"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

const (
	stateKeyAlgo      = "algo"
	stateKeySentry    = "sentry"
	stateKeyAllocator = "allocator"
	stateKeyExecutor  = "executor"
	stateKeyRisk      = "risk"
)

// Options 控制编排器行为。
type Options struct {
	Name          string
	Resolution    time.Duration
	Backtesting   bool
	MarginTrading bool
}

// Modules 为注入的可插拔模块，Sentry 与 Risk 可为空。
type Modules struct {
	Symbols   SymbolsSelector
	Sentry    Sentry
	Allocator Allocator
	Executor  Executor
	Risk      RiskManager
}

type nonVolatile struct {
	TotalOperations        int64     `json:"total_operations"`
	TotalSignals           int64     `json:"total_signals"`
	EntriesSuspendedByUser bool      `json:"entries_suspended_by_user"`
	EntriesHaltedUntil     time.Time `json:"entries_halted_until"`
}

// Algo 为操作生命周期编排器：每个 tick 按固定顺序驱动选币、成交归属、信号、分配、收尾、执行、风控与指令。
type Algo struct {
	opts      Options
	market    exchange.Market
	mods      Modules
	persister Persister
	journal   Journal
	logger    *zap.Logger
	handlers  []EventHandler

	sliceMu    sync.Mutex
	working    *TimeSlice
	nextUpdate time.Time

	symbols    map[string]*SymbolData
	active     []*operation.Operation
	activeByID map[string]*operation.Operation
	closedByID map[string]*operation.Operation
	closed     []*operation.Operation

	state            nonVolatile
	entriesSuspended bool

	cmdMu    sync.Mutex
	commands []*command

	snapMu   sync.RWMutex
	snapshot []operation.Record
}

// New 创建编排器。persister 与 journal 可为空。
func New(opts Options, market exchange.Market, mods Modules, persister Persister, journal Journal, logger *zap.Logger) (*Algo, error) {
	if market == nil {
		return nil, errors.New("algo: market 不能为空")
	}
	if mods.Symbols == nil {
		return nil, errors.New("algo: 必须提供交易对选择器")
	}
	if mods.Allocator == nil {
		return nil, errors.New("algo: 必须提供资金分配器")
	}
	if mods.Executor == nil {
		return nil, errors.New("algo: 必须提供执行器")
	}
	if opts.Resolution <= 0 {
		opts.Resolution = time.Minute
	}
	if opts.Name == "" {
		opts.Name = "tradeops"
	}

	a := &Algo{
		opts:       opts,
		market:     market,
		mods:       mods,
		persister:  persister,
		journal:    journal,
		logger:     log.Module(logger, "algo", zap.String("algo", opts.Name)),
		working:    NewTimeSlice(time.Time{}),
		symbols:    make(map[string]*SymbolData),
		activeByID: make(map[string]*operation.Operation),
		closedByID: make(map[string]*operation.Operation),
	}

	for _, m := range []any{mods.Allocator, mods.Executor, mods.Risk, mods.Sentry} {
		if h, ok := m.(EventHandler); ok {
			a.handlers = append(a.handlers, h)
		}
	}
	return a, nil
}

func (a *Algo) Now() time.Time          { return a.market.Time() }
func (a *Algo) Logger() *zap.Logger     { return a.logger }
func (a *Algo) Market() exchange.Market { return a.market }
func (a *Algo) IsBacktesting() bool     { return a.opts.Backtesting }
func (a *Algo) Executor() Executor      { return a.mods.Executor }

// ActiveOperations 返回活跃操作（仅供 tick 流水线内使用）。
func (a *Algo) ActiveOperations() []*operation.Operation {
	return append([]*operation.Operation(nil), a.active...)
}

// ClosedOperations 返回本次运行中关闭的操作。
func (a *Algo) ClosedOperations() []*operation.Operation {
	return append([]*operation.Operation(nil), a.closed...)
}

// SymbolData 返回交易对工作状态。
func (a *Algo) SymbolData(symbol string) (*SymbolData, bool) {
	sd, ok := a.symbols[symbol]
	return sd, ok
}

// Symbols 返回全部已知交易对。
func (a *Algo) Symbols() []*SymbolData {
	out := make([]*SymbolData, 0, len(a.symbols))
	for _, sd := range a.symbols {
		out = append(out, sd)
	}
	return out
}

// NewSignal 创建带全局唯一编号的信号。
func (a *Algo) NewSignal(symbol string, kind exchange.Direction, entry float64, entryExpiry time.Time, target float64, expireDate time.Time) *operation.Signal {
	id := strconv.FormatInt(a.state.TotalSignals, 10)
	a.state.TotalSignals++
	return operation.NewSignal(id, symbol, kind, a.Now(), entry, entryExpiry, target, expireDate)
}

// NewOperation 为信号创建操作，操作需由调用方加入 TimeSlice 才会被纳入活跃集合。
func (a *Algo) NewOperation(signal *operation.Signal, target operation.AssetAmount) (*operation.Operation, error) {
	sd, ok := a.symbols[signal.Symbol]
	if !ok {
		return nil, fmt.Errorf("algo: 未知交易对 %s", signal.Symbol)
	}
	id := strconv.FormatInt(a.state.TotalOperations, 10)
	op, err := operation.New(id, signal, sd.Info, target, a.Now())
	if err != nil {
		return nil, err
	}
	a.state.TotalOperations++
	return op, nil
}

// StopEntries 暂停新入场，并在状态切换时撤销所有入场委托。
func (a *Algo) StopEntries(ctx context.Context) error {
	if a.entriesSuspended {
		return nil
	}
	a.entriesSuspended = true
	a.logger.Info("暂停新入场")
	return a.mods.Executor.CancelEntryOrders(ctx)
}

// ResumeEntries 恢复新入场（用户暂停除外）。
func (a *Algo) ResumeEntries() {
	if a.entriesSuspended {
		a.logger.Info("恢复新入场")
	}
	a.entriesSuspended = false
}

// HaltEntries 暂停新入场直到 until，期间 ResumeEntries 不会解除暂停。
func (a *Algo) HaltEntries(ctx context.Context, until time.Time) error {
	if !until.After(a.state.EntriesHaltedUntil) {
		return nil
	}
	a.state.EntriesHaltedUntil = until
	a.logger.Warn("新入场被暂停至指定时间", zap.Time("until", until))
	return a.mods.Executor.CancelEntryOrders(ctx)
}

// EntriesSuspended 判断新入场是否被暂停。
func (a *Algo) EntriesSuspended() bool {
	return a.entriesSuspended || a.state.EntriesSuspendedByUser || a.Now().Before(a.state.EntriesHaltedUntil)
}

// OnTrade 实现 exchange.Listener，成交进入下一个 TimeSlice。
func (a *Algo) OnTrade(trade exchange.Trade) {
	a.sliceMu.Lock()
	a.working.AddTrade(trade)
	a.sliceMu.Unlock()
}

// OnCandle 实现 exchange.Listener。
func (a *Algo) OnCandle(symbol string, candle exchange.Candle) {
	a.sliceMu.Lock()
	a.working.AddRecord(symbol, candle)
	a.sliceMu.Unlock()
}

// Start 恢复持久化状态、订阅行情并初始化各模块。
func (a *Algo) Start(ctx context.Context) error {
	a.market.SetListener(a)

	if a.persister != nil {
		if err := a.restore(ctx); err != nil {
			return err
		}
	}

	for _, m := range a.modules() {
		if err := m.module.Initialize(ctx, a); err != nil {
			return fmt.Errorf("algo: 初始化模块 %s 失败: %w", m.key, err)
		}
	}

	if a.persister != nil {
		for _, m := range a.modules() {
			blob, ok, err := a.persister.LoadState(ctx, m.key)
			if err != nil {
				return fmt.Errorf("algo: 读取模块 %s 状态失败: %w", m.key, err)
			}
			if !ok {
				continue
			}
			if err := m.module.RestoreState(blob); err != nil {
				a.logger.Warn("恢复模块状态失败", zap.String("module", m.key), zap.Error(err))
			}
		}
	}

	a.logger.Info("编排器已启动",
		zap.Int("active_operations", len(a.active)),
		zap.Duration("resolution", a.opts.Resolution),
		zap.Bool("backtesting", a.opts.Backtesting),
	)
	return nil
}

func (a *Algo) restore(ctx context.Context) error {
	blob, ok, err := a.persister.LoadState(ctx, stateKeyAlgo)
	if err != nil {
		return fmt.Errorf("algo: 读取编排器状态失败: %w", err)
	}
	if ok {
		if err := json.Unmarshal(blob, &a.state); err != nil {
			return fmt.Errorf("algo: 解析编排器状态失败: %w", err)
		}
	}

	recs, err := a.persister.LoadActiveOperations(ctx)
	if err != nil {
		return fmt.Errorf("algo: 读取活跃操作失败: %w", err)
	}
	for _, rec := range recs {
		op := operation.FromRecord(rec)
		if op.IsClosed() {
			continue
		}
		if err := a.admit(ctx, op); err != nil {
			a.logger.Error("恢复操作失败", zap.String("operation", op.ID), zap.Error(err))
			continue
		}
		op.AcceptChanges()
	}
	return nil
}

type keyedModule struct {
	key    string
	module Module
}

func (a *Algo) modules() []keyedModule {
	out := make([]keyedModule, 0, 4)
	if a.mods.Sentry != nil {
		out = append(out, keyedModule{stateKeySentry, a.mods.Sentry})
	}
	out = append(out, keyedModule{stateKeyAllocator, a.mods.Allocator})
	out = append(out, keyedModule{stateKeyExecutor, a.mods.Executor})
	if a.mods.Risk != nil {
		out = append(out, keyedModule{stateKeyRisk, a.mods.Risk})
	}
	return out
}

// Tick 在到达下一个更新时间时交换工作切片并执行一次 Update。
func (a *Algo) Tick(ctx context.Context) error {
	now := a.Now()
	a.sliceMu.Lock()
	if now.Before(a.nextUpdate) {
		a.sliceMu.Unlock()
		return nil
	}
	a.nextUpdate = now.Add(a.opts.Resolution)
	slice := a.working
	a.working = NewTimeSlice(now)
	a.sliceMu.Unlock()

	return a.Update(ctx, slice)
}

// Update 按固定顺序执行一个周期的全部阶段。
func (a *Algo) Update(ctx context.Context, slice *TimeSlice) error {
	started := time.Now()
	defer func() {
		metrics.TicksTotal.Inc()
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	if err := a.updateSymbols(ctx); err != nil {
		a.logger.Error("刷新交易对失败", zap.Error(err))
	}

	a.applyTrades(ctx, slice)
	a.dispatchActive(ctx)

	if a.mods.Sentry != nil {
		a.runStage(ctx, "sentry", func() error { return a.mods.Sentry.Update(ctx, slice) })
	}

	a.runStage(ctx, "allocator", func() error { return a.mods.Allocator.Update(ctx, slice) })

	a.finalizeClosing(ctx)

	for _, op := range slice.Operations() {
		if err := a.admit(ctx, op); err != nil {
			a.logger.Error("纳入新操作失败", zap.String("operation", op.ID), zap.Error(err))
		}
	}
	a.dispatchActive(ctx)

	a.runStage(ctx, "executor", func() error { return a.mods.Executor.Update(ctx, slice) })

	if a.mods.Risk != nil {
		a.runStage(ctx, "risk", func() error { return a.mods.Risk.Update(ctx, slice) })
	}

	a.runCommands(ctx)

	a.persist(ctx)
	a.refreshSnapshot()
	metrics.OperationsActive.Set(float64(len(a.active)))
	return nil
}

// runStage 执行一个模块阶段，阶段内的不变量破坏只终止本阶段。
func (a *Algo) runStage(ctx context.Context, name string, fn func() error) {
	defer a.dispatchActive(ctx)
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok || !errors.Is(err, operation.ErrInvariant) {
				panic(r)
			}
			a.logger.Error("模块阶段出现不变量错误", zap.String("stage", name), zap.Error(err))
		}
	}()
	if err := fn(); err != nil {
		a.logger.Error("模块阶段执行失败", zap.String("stage", name), zap.Error(err))
	}
}

// Guard 执行针对单个操作的逻辑，不变量错误只终止该操作本周期的处理。
func Guard(logger *zap.Logger, op *operation.Operation, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok || !errors.Is(e, operation.ErrInvariant) {
				panic(r)
			}
			logger.Error("操作不变量被破坏", zap.String("operation", op.ID), zap.Error(e))
			err = e
		}
	}()
	fn()
	return nil
}

func (a *Algo) updateSymbols(ctx context.Context) error {
	addedKeys, removedKeys, err := a.mods.Symbols.Update(a.Now())
	if err != nil {
		return err
	}
	if len(addedKeys) == 0 && len(removedKeys) == 0 {
		return nil
	}

	var added, removed []*SymbolData
	for _, key := range addedKeys {
		sd, err := a.ensureSymbol(ctx, key)
		if err != nil {
			a.logger.Error("订阅交易对失败", zap.String("symbol", key), zap.Error(err))
			continue
		}
		sd.selected = true
		added = append(added, sd)
	}
	for _, key := range removedKeys {
		sd, ok := a.symbols[key]
		if !ok {
			continue
		}
		sd.selected = false
		removed = append(removed, sd)
	}

	for _, m := range a.modules() {
		if err := m.module.OnSymbolsChanged(ctx, added, removed); err != nil {
			a.logger.Warn("模块处理交易对变更失败", zap.String("module", m.key), zap.Error(err))
		}
	}
	for _, sd := range removed {
		a.releaseIfIdle(sd)
	}

	a.logger.Info("交易对选择已更新", zap.Strings("added", addedKeys), zap.Strings("removed", removedKeys))
	return nil
}

func (a *Algo) ensureSymbol(ctx context.Context, key string) (*SymbolData, error) {
	sd, ok := a.symbols[key]
	if !ok {
		info, err := a.market.SymbolInfo(ctx, key)
		if err != nil {
			return nil, err
		}
		sd = newSymbolData(info)
		a.symbols[key] = sd
	}
	if sd.Feed == nil {
		feed, err := a.market.Subscribe(ctx, key)
		if err != nil {
			return nil, err
		}
		sd.Feed = feed
		sd.Info = feed.Info()
	}
	return sd, nil
}

func (a *Algo) releaseIfIdle(sd *SymbolData) {
	if sd.selected || len(sd.active) > 0 || sd.Feed == nil {
		return
	}
	a.market.Release(sd.Feed)
	sd.Feed = nil
	a.logger.Debug("释放行情订阅", zap.String("symbol", sd.Key()))
}

// applyTrades 依据委托号 {operationId}-{sequence} 将成交归属到操作。
func (a *Algo) applyTrades(ctx context.Context, slice *TimeSlice) {
	for _, trade := range slice.Trades() {
		op := a.lookupOperation(ctx, trade)
		if op == nil {
			metrics.UnmatchedTrades.Inc()
			a.logger.Warn("成交无法归属到任何操作",
				zap.String("trade", trade.ID),
				zap.String("symbol", trade.Symbol),
				zap.String("client_order_id", trade.ClientOrderID),
				zap.String("side", string(trade.Direction)),
				zap.Float64("amount", trade.Amount),
				zap.Float64("price", trade.Price),
			)
			continue
		}
		_ = Guard(a.logger, op, func() {
			added, err := op.AddTrade(trade)
			if err != nil {
				a.logger.Warn("成交方向与操作不符", zap.String("operation", op.ID), zap.Error(err))
				return
			}
			if added {
				a.logger.Info("成交已归属到操作",
					zap.String("operation", op.ID),
					zap.String("trade", trade.ID),
					zap.String("side", string(trade.Direction)),
					zap.Float64("amount", trade.Amount),
					zap.Float64("price", trade.Price),
				)
			}
		})
	}
}

// lookupOperation 查找成交所属操作。已关闭或已归档的操作仅在成交未记录过时重新激活。
func (a *Algo) lookupOperation(ctx context.Context, trade exchange.Trade) *operation.Operation {
	id, ok := operation.ParseClientOrderID(trade.ClientOrderID)
	if !ok {
		return nil
	}
	if op, ok := a.activeByID[id]; ok {
		return op
	}
	if op, ok := a.closedByID[id]; ok {
		if op.HasTrade(trade.ID) {
			a.logger.Debug("忽略已关闭操作的重复成交", zap.String("operation", id), zap.String("trade", trade.ID))
			return op
		}
		a.logger.Info("迟到成交重新激活已关闭操作", zap.String("operation", id))
		a.reactivate(ctx, op)
		return op
	}
	if a.persister == nil {
		return nil
	}
	rec, found, err := a.persister.LoadOperation(ctx, id)
	if err != nil {
		a.logger.Error("查询历史操作失败", zap.String("operation", id), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	op := operation.FromRecord(rec)
	if op.HasTrade(trade.ID) {
		a.logger.Debug("忽略已归档操作的重复成交", zap.String("operation", id), zap.String("trade", trade.ID))
		return op
	}
	a.logger.Info("迟到成交重新激活已归档操作", zap.String("operation", id))
	a.reactivate(ctx, op)
	return op
}

func (a *Algo) reactivate(ctx context.Context, op *operation.Operation) {
	op.Reopen()
	delete(a.closedByID, op.ID)
	for i, c := range a.closed {
		if c == op {
			a.closed = append(a.closed[:i], a.closed[i+1:]...)
			break
		}
	}
	if sd, ok := a.symbols[op.Symbol.Key]; ok {
		sd.removeClosed(op)
	}
	if err := a.admit(ctx, op); err != nil {
		a.logger.Error("重新激活操作失败", zap.String("operation", op.ID), zap.Error(err))
	}
}

// admit 将操作纳入活跃集合并确保其交易对已订阅行情。
func (a *Algo) admit(ctx context.Context, op *operation.Operation) error {
	if _, ok := a.activeByID[op.ID]; ok {
		return nil
	}
	sd, ok := a.symbols[op.Symbol.Key]
	if !ok {
		sd = newSymbolData(op.Symbol)
		a.symbols[op.Symbol.Key] = sd
	}
	if sd.Feed == nil {
		feed, err := a.market.Subscribe(ctx, op.Symbol.Key)
		if err != nil {
			return fmt.Errorf("algo: 订阅 %s 失败: %w", op.Symbol.Key, err)
		}
		sd.Feed = feed
	}
	a.active = append(a.active, op)
	a.activeByID[op.ID] = op
	sd.addActive(op)
	metrics.OperationsCreated.WithLabelValues(op.Symbol.Key).Inc()
	return nil
}

// finalizeClosing 关闭到达关闭时间的操作并归档。
func (a *Algo) finalizeClosing(ctx context.Context) {
	now := a.Now()
	kept := a.active[:0]
	var finalized []*operation.Operation
	for _, op := range a.active {
		dead := op.CloseDeadTime()
		if !op.IsClosing() || dead.IsZero() || now.Before(dead) {
			kept = append(kept, op)
			continue
		}
		if op.AmountRemaining() > 0 {
			a.logger.Warn("关闭的操作仍有剩余数量",
				zap.String("operation", op.ID),
				zap.Float64("amount_remaining", op.AmountRemaining()),
			)
		}
		op.Close()
		finalized = append(finalized, op)
	}
	for i := len(kept); i < len(a.active); i++ {
		a.active[i] = nil
	}
	a.active = kept

	for _, op := range finalized {
		delete(a.activeByID, op.ID)
		a.closedByID[op.ID] = op
		sd := a.symbols[op.Symbol.Key]
		if sd != nil {
			sd.removeActive(op)
			if op.AmountInvested() > 0 {
				sd.closed = append(sd.closed, op)
			}
		}
		a.closed = append(a.closed, op)
		if a.persister != nil {
			if err := a.persister.ArchiveOperation(ctx, op.Record()); err != nil {
				a.logger.Error("归档操作失败", zap.String("operation", op.ID), zap.Error(err))
			} else {
				op.AcceptChanges()
			}
		}
		metrics.OperationsClosed.WithLabelValues(op.Symbol.Key).Inc()
		a.logger.Info("操作已关闭",
			zap.String("operation", op.ID),
			zap.String("symbol", op.Symbol.Key),
			zap.Float64("amount_invested", op.AmountInvested()),
			zap.Float64("average_entry", op.AverageEntryPrice()),
			zap.Float64("average_exit", op.AverageExitPrice()),
		)
		a.dispatch(ctx, op)
		if sd != nil {
			a.releaseIfIdle(sd)
		}
	}
}

func (a *Algo) dispatchActive(ctx context.Context) {
	for _, op := range a.active {
		a.dispatch(ctx, op)
	}
}

func (a *Algo) dispatch(ctx context.Context, op *operation.Operation) {
	for _, ev := range op.DrainEvents() {
		for _, h := range a.handlers {
			h.OnOperationEvent(ev)
		}
		if a.journal != nil {
			a.journal.RecordOperationEvent(ctx, ev)
		}
	}
}

// persist 保存有变化的操作与各模块状态。
func (a *Algo) persist(ctx context.Context) {
	if a.persister == nil {
		return
	}
	for _, op := range a.active {
		if !op.IsChanged() {
			continue
		}
		if err := a.persister.SaveOperation(ctx, op.Record()); err != nil {
			a.logger.Error("保存操作失败", zap.String("operation", op.ID), zap.Error(err))
			continue
		}
		op.AcceptChanges()
	}
	a.saveState(ctx)
}

func (a *Algo) saveState(ctx context.Context) {
	if a.persister == nil {
		return
	}
	blob, err := json.Marshal(a.state)
	if err == nil {
		err = a.persister.SaveState(ctx, stateKeyAlgo, blob)
	}
	if err != nil {
		a.logger.Error("保存编排器状态失败", zap.Error(err))
	}
	for _, m := range a.modules() {
		blob, err := m.module.State()
		if err != nil {
			a.logger.Warn("获取模块状态失败", zap.String("module", m.key), zap.Error(err))
			continue
		}
		if blob == nil {
			continue
		}
		if err := a.persister.SaveState(ctx, m.key, blob); err != nil {
			a.logger.Error("保存模块状态失败", zap.String("module", m.key), zap.Error(err))
		}
	}
}

func (a *Algo) refreshSnapshot() {
	recs := make([]operation.Record, 0, len(a.active))
	for _, op := range a.active {
		recs = append(recs, op.Record())
	}
	a.snapMu.Lock()
	a.snapshot = recs
	a.snapMu.Unlock()
}

// Snapshot 返回最近一次周期结束时的活跃操作快照，可被其他协程安全调用。
func (a *Algo) Snapshot() []operation.Record {
	a.snapMu.RLock()
	defer a.snapMu.RUnlock()
	return append([]operation.Record(nil), a.snapshot...)
}

// Stop 暂停入场并撤销全部委托，之后保存状态。调用方需保证此时不再执行 Tick。
func (a *Algo) Stop(ctx context.Context) error {
	var errs error
	if err := a.StopEntries(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, op := range a.active {
		if err := a.mods.Executor.CancelAllOrders(ctx, op); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("algo: 撤销操作 %s 委托失败: %w", op.ID, err))
		}
	}
	a.runCommands(ctx)
	a.persist(ctx)
	a.logger.Info("编排器已停止", zap.Int("active_operations", len(a.active)))
	return errs
}
