package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeops/internal/algo"
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

const (
	transientRetry    = 2 * time.Second
	entryRetry        = 30 * time.Second
	exitRetry         = 10 * time.Second
	monitorRetry      = 20 * time.Second
	exitCancelRetry   = 19 * time.Second
	closedMonitorWait = 30 * time.Second
	expiredExitWait   = 30 * time.Second

	entryBadPrice    = 0.006
	exitBadPrice     = 0.01
	exitWrongAmount  = 0.10
	minStillToBuy    = 0.2
	minEntryFraction = 0.1
)

// MarketMaker 以限价单挂单入场与离场。每个操作有监控、入场、离场三个延迟任务槽，每个周期最多推进一次。
type MarketMaker struct {
	opts Options

	host   algo.Host
	logger *zap.Logger
	sub    submitter

	mu   sync.Mutex
	data map[string]*OperationData
}

// NewMarketMaker 创建做市执行器。
func NewMarketMaker(opts Options, logger *zap.Logger) *MarketMaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketMaker{
		opts:   opts.withDefaults(),
		logger: logger,
		data:   make(map[string]*OperationData),
	}
}

func (m *MarketMaker) Initialize(ctx context.Context, host algo.Host) error {
	m.host = host
	m.sub = submitter{host: host, logger: m.logger}
	return nil
}

func (m *MarketMaker) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	return nil
}

// Data 返回操作的私有状态，不存在时创建并补齐任务槽。
func (m *MarketMaker) Data(op *operation.Operation) *OperationData {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[op.ID]
	if !ok {
		d = &OperationData{}
		d.ensureSlots()
		m.data[op.ID] = d
	}
	return d
}

func (m *MarketMaker) lookup(id string) (*OperationData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[id]
	return d, ok
}

// OnOperationEvent 以成交刷新委托成交量；操作恢复时重建任务槽，关闭后释放私有状态。
func (m *MarketMaker) OnOperationEvent(ev operation.Event) {
	switch ev.Kind {
	case operation.EventTrade:
		d, ok := m.lookup(ev.Operation.ID)
		if !ok {
			return
		}
		if !applyFill(d.EntryOrder, ev.Trade) {
			applyFill(d.ExitOrder, ev.Trade)
		}
	case operation.EventResumed:
		m.Data(ev.Operation).ensureSlots()
	case operation.EventClosed:
		m.mu.Lock()
		delete(m.data, ev.Operation.ID)
		m.mu.Unlock()
	}
}

// Update 并发推进各操作的任务槽，同一操作的三个槽在同一协程内依次执行。
func (m *MarketMaker) Update(ctx context.Context, slice *algo.TimeSlice) error {
	limit := m.opts.Concurrency
	if m.host.IsBacktesting() {
		limit = 1
	}
	var group errgroup.Group
	group.SetLimit(limit)

	for _, op := range m.host.ActiveOperations() {
		if op.IsClosed() || op.IsClosing() || op.RiskManaged {
			continue
		}
		sd, ok := m.host.SymbolData(op.Symbol.Key)
		if !ok {
			continue
		}
		op, d := op, m.Data(op)
		group.Go(func() error {
			return algo.Guard(m.logger, op, func() {
				m.manage(ctx, op, sd, d)
			})
		})
	}
	if err := group.Wait(); err != nil {
		m.logger.Warn("部分操作本周期处理中断", zap.Error(err))
	}
	return nil
}

func (m *MarketMaker) manage(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData) {
	now := m.host.Now()
	for _, slot := range []**Slot{&d.Monitor, &d.Entry, &d.Exit} {
		s := *slot
		if s == nil || now.Before(s.NotBefore) {
			continue
		}
		if m.step(ctx, op, sd, d, s) {
			*slot = nil
		}
	}
}

// step 执行槽的当前步骤，返回 true 表示任务结束。
func (m *MarketMaker) step(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	switch s.State {
	case SlotMonitorOperation:
		return m.monitorOperation(ctx, op, sd, d, s)
	case SlotCloseOrdersAndLiquidate:
		return m.closeOrdersAndLiquidate(ctx, op, d, s)
	case SlotLiquidate:
		return m.liquidate(ctx, op, d, s)
	case SlotOpenEntry:
		return m.openEntry(ctx, op, sd, d, s)
	case SlotMonitorEntry:
		return m.monitorEntry(ctx, op, sd, d, s)
	case SlotOpenExit:
		return m.openExit(ctx, op, sd, d, s)
	case SlotMonitorExit:
		return m.monitorExit(ctx, op, sd, d, s)
	case SlotDone:
		return true
	default:
		panic(fmt.Errorf("%w: 任务槽状态非法 %s", operation.ErrInvariant, s.State))
	}
}

func (m *MarketMaker) monitorOperation(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	if op.IsClosing() || op.IsClosed() {
		if op.AmountRemaining() > 0 {
			m.logger.Warn("操作关闭中但仍有剩余数量", zap.String("operation", op.ID), zap.Float64("amount_remaining", op.AmountRemaining()))
		}
		return true
	}

	remainingSmall := true
	if op.AmountRemaining() > 0 {
		_, amount := sd.Info.RoundOrder(op.Signal.PriceTarget, op.AmountRemaining())
		remainingSmall = amount <= 0 && !d.HasExitOrder()
	}
	roundTripDone := op.AmountInvested() > 0 && op.AmountRemaining() <= 0

	if (op.IsEntryExpired(now) || roundTripDone) && d.NoActiveExit() && remainingSmall {
		entryClosed := m.closeEntry(ctx, op, d)
		exitClosed := m.closeExit(ctx, op, d)
		s.NotBefore = now.Add(closedMonitorWait)
		if entryClosed && exitClosed {
			d.Entry, d.Exit = nil, nil
			if op.AmountRemaining() > 0 {
				m.logger.Info("剩余数量过小，计划关闭操作", zap.String("operation", op.ID), zap.Float64("price_target", op.Signal.PriceTarget))
			} else {
				m.logger.Debug("操作无剩余数量，计划关闭", zap.String("operation", op.ID))
			}
			m.closeQueue(ctx, op, d, m.opts.CloseQueueTime)
			return true
		}
		s.NotBefore = now.Add(monitorRetry)
		return false
	}

	if op.IsExitExpired(now) {
		d.Entry, d.Exit = nil, nil
		s.State = SlotCloseOrdersAndLiquidate
		s.Reason = "exit_expired"
		m.logger.Info("离场期限已过，开始清算", zap.String("operation", op.ID))
		if m.host.IsBacktesting() {
			return m.closeOrdersAndLiquidate(ctx, op, d, s)
		}
	}
	return false
}

func (m *MarketMaker) closeOrdersAndLiquidate(ctx context.Context, op *operation.Operation, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	entryClosed := m.closeEntry(ctx, op, d)
	exitClosed := m.closeExit(ctx, op, d)
	if entryClosed && exitClosed {
		s.State = SlotLiquidate
		s.NotBefore = now.Add(m.opts.DelayAfterOrderClosed)
	} else {
		s.NotBefore = now.Add(m.opts.DelayAfterCloseFailed)
	}
	return false
}

func (m *MarketMaker) liquidate(ctx context.Context, op *operation.Operation, d *OperationData, s *Slot) bool {
	if op.AmountRemaining() <= 0 {
		m.closeQueue(ctx, op, d, m.opts.CloseQueueTime)
		return true
	}
	result, err := m.host.TryLiquidateOperation(ctx, op, s.Reason)
	if err != nil {
		m.logger.Error("清算操作失败", zap.String("operation", op.ID), zap.Error(err))
		return false
	}
	switch {
	case result.Order != nil:
		d.setExitOrder(result.Order)
		m.closeQueue(ctx, op, d, m.opts.CloseQueueTime)
		return true
	case result.AmountRemainingLow:
		m.logger.Info("剩余数量过小，直接进入关闭队列", zap.String("operation", op.ID))
		m.closeQueue(ctx, op, d, m.opts.CloseQueueTime)
		return true
	default:
		return false
	}
}

func (m *MarketMaker) openEntry(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	if op.IsClosing() || op.IsClosed() {
		return true
	}
	if op.IsEntryExpired(now) || d.EntryOrder != nil {
		return false
	}

	quote := sd.Quote()
	if quote.Bid <= 0 || quote.Ask <= 0 {
		return false
	}
	entry := op.Signal.PriceEntry
	if !m.entryNear(op, quote) || m.host.EntriesSuspended() {
		return false
	}

	original, err := targetInBase(op, quote)
	if err != nil || original <= 0 {
		m.logger.Warn("无法换算目标数量", zap.String("operation", op.ID), zap.Error(err))
		return false
	}
	stillToBuy := original - op.AmountInvested()
	if stillToBuy/original <= minStillToBuy {
		return false
	}

	dir := op.EntryDirection()
	price := math.Min(entry, quote.Ask)
	if dir == exchange.DirectionSell {
		price = math.Max(entry, quote.Bid)
	}
	price, amount := sd.Info.RoundOrder(price, stillToBuy)
	price, amount = m.host.ClampOrderAmount(sd.Info, dir, price, amount)
	if amount/original <= minEntryFraction {
		return false
	}

	m.logger.Info("挂入场委托",
		zap.String("operation", op.ID),
		zap.Float64("amount", amount),
		zap.Float64("price", price),
	)
	order, err := m.sub.submit(ctx, limitRequest(op, dir, price, amount), "entry")
	if err != nil {
		m.logger.Error("入场委托失败", zap.String("operation", op.ID), zap.String("symbol", op.Symbol.Key), zap.Error(err))
		s.NotBefore = now.Add(retryDelay(err, entryRetry))
		return false
	}
	d.setEntryOrder(&order)
	s.State = SlotMonitorEntry
	return false
}

func (m *MarketMaker) monitorEntry(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	if op.IsClosing() || op.IsClosed() {
		return false
	}
	if d.EntryOrder == nil || d.EntryOrder.IsClosed() {
		d.EntryOrder = nil
		s.State = SlotOpenEntry
		return false
	}

	entryPrice := sd.Info.RoundPrice(op.Signal.PriceEntry)
	badPrice := entryPrice > 0 && math.Abs(d.EntryOrder.Price-entryPrice)/entryPrice > entryBadPrice
	distant := m.entryDistant(op, sd.Quote())
	expired := op.IsEntryExpired(now)
	if !(distant || badPrice || expired) {
		return false
	}

	m.logger.Debug("撤销入场委托",
		zap.String("operation", op.ID),
		zap.Bool("distant", distant),
		zap.Bool("bad_price", badPrice),
		zap.Bool("expired", expired),
	)
	if !m.closeEntry(ctx, op, d) {
		return false
	}
	s.State = SlotOpenEntry
	if m.host.IsBacktesting() {
		s.NotBefore = now
		return m.openEntry(ctx, op, sd, d, s)
	}
	s.NotBefore = now.Add(m.opts.DelayAfterOrderClosed)
	return false
}

func (m *MarketMaker) openExit(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	if op.IsClosing() || op.IsClosed() {
		return true
	}
	if d.ExitOrder != nil {
		s.State = SlotMonitorExit
		return false
	}
	if op.AmountRemaining() <= 0 || op.IsExitExpired(now) {
		return false
	}

	quote := sd.Quote()
	dir := op.ExitDirection()
	target := op.Signal.PriceTarget
	var price float64
	if dir == exchange.DirectionBuy {
		if quote.Ask <= 0 {
			return false
		}
		price = math.Min(target, quote.Ask)
	} else {
		if quote.Bid <= 0 {
			return false
		}
		price = math.Max(target, quote.Bid)
	}

	price, amount := sd.Info.RoundOrder(price, op.AmountRemaining())
	if amount <= 0 {
		return false
	}
	price, amount = m.host.ClampOrderAmount(sd.Info, dir, price, amount)
	if amount <= 0 {
		return false
	}

	m.logger.Info("挂离场委托",
		zap.String("operation", op.ID),
		zap.Float64("amount", amount),
		zap.Float64("price", price),
	)
	order, err := m.sub.submit(ctx, limitRequest(op, dir, price, amount), "exit")
	if err != nil {
		m.logger.Error("离场委托失败", zap.String("operation", op.ID), zap.Error(err))
		s.NotBefore = now.Add(retryDelay(err, exitRetry))
		return false
	}
	d.setExitOrder(&order)
	s.State = SlotMonitorExit
	return false
}

func (m *MarketMaker) monitorExit(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *OperationData, s *Slot) bool {
	now := m.host.Now()
	if op.IsClosing() || op.IsClosed() {
		return true
	}

	if d.ExitOrder != nil && !d.ExitOrder.IsClosed() {
		target := op.Signal.PriceTarget
		inOrder := d.ExitOrder.Remaining()
		_, free := m.host.ClampOrderAmount(sd.Info, op.ExitDirection(), target, op.AmountRemaining())
		toTrade := math.Min(op.AmountRemaining(), free+inOrder)
		wrongAmount := math.Abs(toTrade-inOrder) > toTrade*exitWrongAmount
		wrongPrice := target > 0 && math.Abs(d.ExitOrder.Price-target)/target > exitBadPrice
		expired := now.After(op.Signal.ExpireDate)

		if wrongAmount || wrongPrice || expired {
			m.logger.Debug("撤销离场委托",
				zap.String("operation", op.ID),
				zap.Bool("wrong_amount", wrongAmount),
				zap.Bool("wrong_price", wrongPrice),
				zap.Bool("expired", expired),
			)
			if !m.closeExit(ctx, op, d) {
				s.NotBefore = now.Add(exitCancelRetry)
				return false
			}
			d.ExitOrder = nil
			s.State = SlotOpenExit
			if m.host.IsBacktesting() {
				m.openExit(ctx, op, sd, d, s)
			} else {
				s.NotBefore = now.Add(m.opts.DelayAfterOrderClosed)
			}
			if expired {
				s.NotBefore = now.Add(expiredExitWait)
			}
		}
	} else {
		d.ExitOrder = nil
	}

	if d.ExitOrder == nil {
		s.State = SlotOpenExit
	}
	return false
}

func (m *MarketMaker) entryNear(op *operation.Operation, quote exchange.Quote) bool {
	entry := op.Signal.PriceEntry
	if entry <= 0 {
		return false
	}
	if op.Signal.Kind == exchange.DirectionBuy {
		return (quote.Bid-entry)/entry < m.opts.EntryNearThreshold
	}
	return (entry-quote.Ask)/entry < m.opts.EntryNearThreshold
}

func (m *MarketMaker) entryDistant(op *operation.Operation, quote exchange.Quote) bool {
	entry := op.Signal.PriceEntry
	if entry <= 0 || quote.Bid <= 0 || quote.Ask <= 0 {
		return false
	}
	if op.Signal.Kind == exchange.DirectionBuy {
		return (quote.Bid-entry)/entry > m.opts.EntryDistantThreshold
	}
	return (entry-quote.Ask)/entry > m.opts.EntryDistantThreshold
}

func (m *MarketMaker) closeEntry(ctx context.Context, op *operation.Operation, d *OperationData) bool {
	if d.EntryOrder == nil {
		return true
	}
	if !m.sub.closeOrder(ctx, op, d.EntryOrder) {
		return false
	}
	d.EntryOrder = nil
	return true
}

func (m *MarketMaker) closeExit(ctx context.Context, op *operation.Operation, d *OperationData) bool {
	if d.ExitOrder == nil {
		return true
	}
	if !m.sub.closeOrder(ctx, op, d.ExitOrder) {
		return false
	}
	d.ExitOrder = nil
	return true
}

// closeQueue 撤销剩余委托后让操作进入关闭队列，期间到达的成交会恢复操作。
func (m *MarketMaker) closeQueue(ctx context.Context, op *operation.Operation, d *OperationData, delay time.Duration) {
	m.closeEntry(ctx, op, d)
	m.closeExit(ctx, op, d)
	op.ScheduleClose(m.host.Now().Add(delay))
}

// CancelAllOrders 撤销操作的入场与离场委托。
func (m *MarketMaker) CancelAllOrders(ctx context.Context, op *operation.Operation) error {
	d, ok := m.lookup(op.ID)
	if !ok {
		return nil
	}
	entryClosed := m.closeEntry(ctx, op, d)
	exitClosed := m.closeExit(ctx, op, d)
	if !entryClosed || !exitClosed {
		return fmt.Errorf("execution: 操作 %s 的委托未能全部撤销", op.ID)
	}
	return nil
}

// CancelEntryOrders 撤销全部活跃操作的入场委托。
func (m *MarketMaker) CancelEntryOrders(ctx context.Context) error {
	var failed []string
	for _, op := range m.host.ActiveOperations() {
		d, ok := m.lookup(op.ID)
		if !ok {
			continue
		}
		if !m.closeEntry(ctx, op, d) {
			failed = append(failed, op.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("execution: 入场委托撤销失败: %v", failed)
	}
	return nil
}

// InvestedOrLocked 汇总交易对上各操作的剩余持仓与入场挂单锁定的数量。
func (m *MarketMaker) InvestedOrLocked(symbol, asset string) (float64, error) {
	sd, ok := m.host.SymbolData(symbol)
	if !ok {
		return 0, nil
	}
	total := 0.0
	for _, op := range sd.ActiveOperations() {
		v, err := stillInvested(op, asset)
		if err != nil {
			return 0, err
		}
		total += v
		d, ok := m.lookup(op.ID)
		if !ok || d.EntryOrder == nil {
			continue
		}
		unfilled := d.EntryOrder.Remaining()
		if asset == op.Symbol.QuoteAsset {
			unfilled *= d.EntryOrder.Price
		}
		total += unfilled
	}
	return total, nil
}

// Liquidate 以市价单清算操作剩余数量，并将清算委托记为离场委托。
func (m *MarketMaker) Liquidate(ctx context.Context, op *operation.Operation, reason string) (algo.LiquidationResult, error) {
	result, err := m.host.TryLiquidateOperation(ctx, op, reason)
	if err != nil {
		return result, err
	}
	if result.Order != nil {
		m.Data(op).setExitOrder(result.Order)
	}
	return result, nil
}

func (m *MarketMaker) State() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.data)
}

func (m *MarketMaker) RestoreState(blob []byte) error {
	var data map[string]*OperationData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("execution: 解析状态失败: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range data {
		if d == nil {
			continue
		}
		m.data[id] = d
	}
	return nil
}
