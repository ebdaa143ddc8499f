package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

const (
	immediateCloseDelay  = 5 * time.Second
	immediateRemainderLo = 0.03
)

type immediateData struct {
	LastEntryOrder *exchange.Order `json:"last_entry_order,omitempty"`
	LastExitOrder  *exchange.Order `json:"last_exit_order,omitempty"`
}

// Immediate 在价格到达入场价或目标价时直接提交市价单，每个方向只下一次单。
type Immediate struct {
	host   algo.Host
	logger *zap.Logger
	sub    submitter

	mu   sync.Mutex
	data map[string]*immediateData
}

// NewImmediate 创建市价执行器。
func NewImmediate(logger *zap.Logger) *Immediate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Immediate{
		logger: logger,
		data:   make(map[string]*immediateData),
	}
}

func (e *Immediate) Initialize(ctx context.Context, host algo.Host) error {
	e.host = host
	e.sub = submitter{host: host, logger: e.logger}
	return nil
}

func (e *Immediate) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	return nil
}

func (e *Immediate) opData(id string) *immediateData {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.data[id]
	if !ok {
		d = &immediateData{}
		e.data[id] = d
	}
	return d
}

// OnOperationEvent 在操作关闭后释放私有状态。
func (e *Immediate) OnOperationEvent(ev operation.Event) {
	if ev.Kind != operation.EventClosed {
		return
	}
	e.mu.Lock()
	delete(e.data, ev.Operation.ID)
	e.mu.Unlock()
}

// Update 依次处理全部活跃操作。
func (e *Immediate) Update(ctx context.Context, slice *algo.TimeSlice) error {
	for _, op := range e.host.ActiveOperations() {
		if op.IsClosed() {
			continue
		}
		sd, ok := e.host.SymbolData(op.Symbol.Key)
		if !ok {
			continue
		}
		_ = algo.Guard(e.logger, op, func() {
			e.manage(ctx, op, sd)
		})
	}
	return nil
}

func (e *Immediate) manage(ctx context.Context, op *operation.Operation, sd *algo.SymbolData) {
	now := e.host.Now()
	d := e.opData(op.ID)

	entryExpired := op.IsEntryExpired(now)
	remainingLow := op.AmountInvested() > 0 && op.AmountRemaining()/op.AmountInvested() <= immediateRemainderLo
	if (entryExpired && op.AmountInvested() <= 0) || remainingLow {
		op.ScheduleClose(now.Add(immediateCloseDelay))
		return
	}
	if op.IsClosing() || op.RiskManaged {
		return
	}

	quote := sd.Quote()
	if quote.Bid <= 0 || quote.Ask <= 0 {
		return
	}

	if !entryExpired && !e.host.EntriesSuspended() && d.LastEntryOrder == nil {
		gotEntry := quote.Ask <= op.Signal.PriceEntry
		if op.Type == operation.TypeSellThenBuy {
			gotEntry = quote.Bid >= op.Signal.PriceEntry
		}
		if gotEntry {
			e.enter(ctx, op, sd, d, quote)
		}
	}

	if d.LastExitOrder == nil && op.AmountRemaining() > 0 {
		gotTarget := quote.Bid >= op.Signal.PriceTarget
		if op.Type == operation.TypeSellThenBuy {
			gotTarget = quote.Ask <= op.Signal.PriceTarget
		}
		if now.After(op.Signal.ExpireDate) || gotTarget {
			e.exit(ctx, op, sd, d, quote)
		}
	}
}

func (e *Immediate) enter(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *immediateData, quote exchange.Quote) {
	original, err := targetInBase(op, quote)
	if err != nil || original <= 0 {
		e.logger.Warn("无法换算目标数量", zap.String("operation", op.ID), zap.Error(err))
		return
	}
	stillToBuy := original - op.AmountInvested()
	if stillToBuy/original <= minStillToBuy {
		return
	}
	dir := op.EntryDirection()
	price := quote.Ask
	if dir == exchange.DirectionSell {
		price = quote.Bid
	}
	price, amount := sd.Info.RoundOrder(price, stillToBuy)
	_, amount = e.host.ClampOrderAmount(sd.Info, dir, price, amount)
	if amount <= 0 {
		return
	}
	order, err := e.sub.submit(ctx, marketRequest(op, dir, amount), "entry")
	if err != nil {
		e.logger.Error("市价入场失败", zap.String("operation", op.ID), zap.String("symbol", op.Symbol.Key), zap.Error(err))
		return
	}
	e.logger.Info("已提交市价入场", zap.String("operation", op.ID), zap.Float64("amount", amount))
	d.LastEntryOrder = &order
}

func (e *Immediate) exit(ctx context.Context, op *operation.Operation, sd *algo.SymbolData, d *immediateData, quote exchange.Quote) {
	dir := op.ExitDirection()
	price := quote.Bid
	if dir == exchange.DirectionBuy {
		price = quote.Ask
	}
	price, amount := sd.Info.RoundOrder(price, op.AmountRemaining())
	_, amount = e.host.ClampOrderAmount(sd.Info, dir, price, amount)
	if amount <= 0 {
		return
	}
	order, err := e.sub.submit(ctx, marketRequest(op, dir, amount), "exit")
	if err != nil {
		e.logger.Error("市价离场失败", zap.String("operation", op.ID), zap.String("symbol", op.Symbol.Key), zap.Error(err))
		return
	}
	e.logger.Info("已提交市价离场", zap.String("operation", op.ID), zap.Float64("amount", amount))
	d.LastExitOrder = &order
}

func marketRequest(op *operation.Operation, side exchange.Direction, amount float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:        op.Symbol.Key,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Amount:        amount,
		ClientOrderID: op.NewClientOrderID(),
	}
}

// CancelAllOrders 市价单无需撤销。
func (e *Immediate) CancelAllOrders(ctx context.Context, op *operation.Operation) error {
	return nil
}

// CancelEntryOrders 市价单无需撤销。
func (e *Immediate) CancelEntryOrders(ctx context.Context) error {
	return nil
}

// InvestedOrLocked 市价单不锁定资金，只统计剩余持仓。
func (e *Immediate) InvestedOrLocked(symbol, asset string) (float64, error) {
	sd, ok := e.host.SymbolData(symbol)
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
	}
	return total, nil
}

func (e *Immediate) Liquidate(ctx context.Context, op *operation.Operation, reason string) (algo.LiquidationResult, error) {
	result, err := e.host.TryLiquidateOperation(ctx, op, reason)
	if err != nil {
		return result, err
	}
	if result.Order != nil {
		e.opData(op.ID).LastExitOrder = result.Order
	}
	return result, nil
}

func (e *Immediate) State() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.data)
}

func (e *Immediate) RestoreState(blob []byte) error {
	var data map[string]*immediateData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("execution: 解析状态失败: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range data {
		if d != nil {
			e.data[id] = d
		}
	}
	return nil
}
