package operation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeops/internal/exchange"
)

// ErrInvariant 表示程序逻辑错误（而非可恢复的业务错误）。
var ErrInvariant = errors.New("operation: invariant violation")

// Type 决定入场与离场的成交方向。
type Type string

const (
	TypeBuyThenSell Type = "buy_then_sell"
	TypeSellThenBuy Type = "sell_then_buy"
)

// TypeFor 根据信号方向返回操作类型。
func TypeFor(kind exchange.Direction) (Type, error) {
	switch kind {
	case exchange.DirectionBuy:
		return TypeBuyThenSell, nil
	case exchange.DirectionSell:
		return TypeSellThenBuy, nil
	default:
		return "", fmt.Errorf("operation: 未知信号方向 %q", kind)
	}
}

// AssetAmount 为某资产的数量。
type AssetAmount struct {
	Asset  string  `json:"asset"`
	Amount float64 `json:"amount"`
}

// Operation 跟踪一笔从入场到离场的仓位，所有统计量只由成交推导。
type Operation struct {
	ID           string
	Signal       *Signal
	Symbol       exchange.SymbolInfo
	AmountTarget AssetAmount
	Type         Type
	CreationTime time.Time
	RiskManaged  bool

	entries  []exchange.Trade
	exits    []exchange.Trade
	tradeIDs map[string]struct{}

	amountInvested        float64
	quoteAmountInvested   float64
	amountLiquidated      float64
	quoteAmountLiquidated float64
	averageEntryPrice     float64
	averageExitPrice      float64
	lastInvestmentTime    time.Time

	ordersCount   int
	closing       bool
	closed        bool
	closeDeadTime time.Time
	changed       bool

	events []Event
}

// New 创建操作并挂载信号。信号已挂载时 panic。
func New(id string, signal *Signal, symbol exchange.SymbolInfo, target AssetAmount, now time.Time) (*Operation, error) {
	typ, err := TypeFor(signal.Kind)
	if err != nil {
		return nil, err
	}
	op := &Operation{
		ID:           id,
		Signal:       signal,
		Symbol:       symbol,
		AmountTarget: target,
		Type:         typ,
		CreationTime: now,
		tradeIDs:     make(map[string]struct{}),
		changed:      true,
	}
	signal.attach(op)
	return op, nil
}

func (o *Operation) String() string {
	return fmt.Sprintf("oper{id: %s, symbol: %s, type: %s}", o.ID, o.Symbol.Key, o.Type)
}

// EntryDirection 返回入场成交方向。
func (o *Operation) EntryDirection() exchange.Direction {
	if o.Type == TypeSellThenBuy {
		return exchange.DirectionSell
	}
	return exchange.DirectionBuy
}

// ExitDirection 返回离场成交方向。
func (o *Operation) ExitDirection() exchange.Direction {
	return o.EntryDirection().Opposite()
}

func (o *Operation) AmountInvested() float64        { return o.amountInvested }
func (o *Operation) QuoteAmountInvested() float64   { return o.quoteAmountInvested }
func (o *Operation) AmountLiquidated() float64      { return o.amountLiquidated }
func (o *Operation) QuoteAmountLiquidated() float64 { return o.quoteAmountLiquidated }
func (o *Operation) AverageEntryPrice() float64     { return o.averageEntryPrice }
func (o *Operation) AverageExitPrice() float64      { return o.averageExitPrice }
func (o *Operation) LastInvestmentTime() time.Time  { return o.lastInvestmentTime }
func (o *Operation) IsClosing() bool                { return o.closing }
func (o *Operation) IsClosed() bool                 { return o.closed }
func (o *Operation) OrdersCount() int               { return o.ordersCount }

// CloseDeadTime 返回计划关闭时间，未计划时为零值。
func (o *Operation) CloseDeadTime() time.Time { return o.closeDeadTime }

// AmountRemaining 返回仍持有的基础资产数量。
func (o *Operation) AmountRemaining() float64 {
	return o.amountInvested - o.amountLiquidated
}

// QuoteAmountRemaining 返回投入与回收的计价资产差额。
func (o *Operation) QuoteAmountRemaining() float64 {
	return o.quoteAmountInvested - o.quoteAmountLiquidated
}

// Entries 返回入场成交的副本。
func (o *Operation) Entries() []exchange.Trade {
	return append([]exchange.Trade(nil), o.entries...)
}

// Exits 返回离场成交的副本。
func (o *Operation) Exits() []exchange.Trade {
	return append([]exchange.Trade(nil), o.exits...)
}

// NewClientOrderID 生成 "{operationId}-{sequence}" 形式的客户端委托号。
func (o *Operation) NewClientOrderID() string {
	id := fmt.Sprintf("%s-%d", o.ID, o.ordersCount)
	o.ordersCount++
	o.changed = true
	return id
}

// OwnsClientOrderID 判断委托号是否由本操作生成。
func (o *Operation) OwnsClientOrderID(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, o.ID+"-")
}

// ParseClientOrderID 从客户端委托号中解析操作ID。
func ParseClientOrderID(clientOrderID string) (string, bool) {
	idx := strings.LastIndex(clientOrderID, "-")
	if idx <= 0 || idx == len(clientOrderID)-1 {
		return "", false
	}
	return clientOrderID[:idx], true
}

// IsEntryExpired 判断入场有效期是否已过。
func (o *Operation) IsEntryExpired(now time.Time) bool {
	return !now.Before(o.Signal.EntryExpiry)
}

// IsExitExpired 判断离场有效期是否已过。
func (o *Operation) IsExitExpired(now time.Time) bool {
	return !now.Before(o.Signal.ExpireDate)
}

// IsStarted 判断操作是否已有投入或进入关闭流程。
func (o *Operation) IsStarted() bool {
	return o.closed || o.closing || o.amountInvested > 0
}

// AddEntry 记录入场成交，重复成交（同ID）被忽略，返回是否新增。
func (o *Operation) AddEntry(trade exchange.Trade) bool {
	if !o.remember(trade) {
		return false
	}
	o.entries = append(o.entries, trade)
	o.lastInvestmentTime = trade.Time
	o.amountInvested += trade.Amount
	o.quoteAmountInvested += trade.QuoteAmount()
	if o.amountInvested > 0 {
		o.averageEntryPrice = o.quoteAmountInvested / o.amountInvested
	}
	o.onTrade(trade)
	return true
}

// AddExit 记录离场成交，重复成交（同ID）被忽略，返回是否新增。
func (o *Operation) AddExit(trade exchange.Trade) bool {
	if !o.remember(trade) {
		return false
	}
	o.exits = append(o.exits, trade)
	o.amountLiquidated += trade.Amount
	o.quoteAmountLiquidated += trade.QuoteAmount()
	if o.amountLiquidated > 0 {
		o.averageExitPrice = o.quoteAmountLiquidated / o.amountLiquidated
	}
	o.onTrade(trade)
	return true
}

// HasTrade 报告该成交ID是否已记录。
func (o *Operation) HasTrade(id string) bool {
	_, ok := o.tradeIDs[id]
	return ok
}

// AddTrade 按成交方向分派到入场或离场。
func (o *Operation) AddTrade(trade exchange.Trade) (bool, error) {
	switch trade.Direction {
	case o.EntryDirection():
		return o.AddEntry(trade), nil
	case o.ExitDirection():
		return o.AddExit(trade), nil
	default:
		return false, fmt.Errorf("operation: %s 收到未知方向成交 %q", o.ID, trade.Direction)
	}
}

// MarkRiskManaged 将操作交由风控接管，之后执行器不再为其挂单。
func (o *Operation) MarkRiskManaged() {
	if o.RiskManaged {
		return
	}
	o.RiskManaged = true
	o.changed = true
}

// ScheduleClose 进入关闭队列，重复调用无效。
func (o *Operation) ScheduleClose(deadline time.Time) {
	if o.closing {
		return
	}
	o.closing = true
	o.closeDeadTime = deadline
	o.changed = true
	o.emit(Event{Kind: EventClosing})
}

// Resume 取消关闭计划，已关闭的操作调用会 panic。
func (o *Operation) Resume() {
	if o.closed {
		panic(fmt.Errorf("%w: 无法恢复已关闭的操作 %s", ErrInvariant, o.ID))
	}
	if !o.closing {
		return
	}
	o.closing = false
	o.closeDeadTime = time.Time{}
	o.changed = true
	o.emit(Event{Kind: EventResumed})
}

// Close 进入终态。
func (o *Operation) Close() {
	if o.closed {
		return
	}
	o.closed = true
	o.changed = true
	o.emit(Event{Kind: EventClosed})
}

// Reopen 将已关闭的操作重新激活，仅供编排器在迟到成交或人工恢复时使用。
func (o *Operation) Reopen() {
	if !o.closed && !o.closing {
		return
	}
	o.closed = false
	o.closing = false
	o.closeDeadTime = time.Time{}
	o.changed = true
	o.emit(Event{Kind: EventResumed})
}

// Recalculate 根据全部成交重新计算统计量。
func (o *Operation) Recalculate() {
	o.amountInvested, o.quoteAmountInvested = 0, 0
	o.amountLiquidated, o.quoteAmountLiquidated = 0, 0
	o.averageEntryPrice, o.averageExitPrice = 0, 0
	o.lastInvestmentTime = time.Time{}
	for _, t := range o.entries {
		o.amountInvested += t.Amount
		o.quoteAmountInvested += t.QuoteAmount()
		if t.Time.After(o.lastInvestmentTime) {
			o.lastInvestmentTime = t.Time
		}
	}
	for _, t := range o.exits {
		o.amountLiquidated += t.Amount
		o.quoteAmountLiquidated += t.QuoteAmount()
	}
	if o.amountInvested > 0 {
		o.averageEntryPrice = o.quoteAmountInvested / o.amountInvested
	}
	if o.amountLiquidated > 0 {
		o.averageExitPrice = o.quoteAmountLiquidated / o.amountLiquidated
	}
}

// GainAsQuote 返回已平仓部分扣除手续费后的计价资产收益。
func (o *Operation) GainAsQuote(fee float64) float64 {
	if o.amountLiquidated <= 0 {
		return 0
	}
	cost := o.averageEntryPrice * o.amountLiquidated
	gain := o.quoteAmountLiquidated - cost
	if o.Type == TypeSellThenBuy {
		gain = -gain
	}
	return gain - (cost+o.quoteAmountLiquidated)*fee
}

// IsChanged 返回自上次持久化后是否有变化。
func (o *Operation) IsChanged() bool {
	return o.changed || (o.Signal != nil && o.Signal.IsChanged())
}

// AcceptChanges 在持久化后清除变化标记。
func (o *Operation) AcceptChanges() {
	o.changed = false
	if o.Signal != nil {
		o.Signal.AcceptChanges()
	}
}

// DrainEvents 取出并清空待分发事件。
func (o *Operation) DrainEvents() []Event {
	if len(o.events) == 0 {
		return nil
	}
	events := o.events
	o.events = nil
	return events
}

func (o *Operation) remember(trade exchange.Trade) bool {
	if o.tradeIDs == nil {
		o.tradeIDs = make(map[string]struct{})
	}
	if _, ok := o.tradeIDs[trade.ID]; ok {
		return false
	}
	o.tradeIDs[trade.ID] = struct{}{}
	return true
}

func (o *Operation) onTrade(trade exchange.Trade) {
	o.changed = true
	if !o.closed {
		o.Resume()
	}
	o.emit(Event{Kind: EventTrade, Trade: trade})
}

func (o *Operation) onSignalModified() {
	o.changed = true
	o.emit(Event{Kind: EventSignalModified})
	if o.closing && !o.closed {
		o.Resume()
	}
}

func (o *Operation) emit(ev Event) {
	ev.Operation = o
	o.events = append(o.events, ev)
}
