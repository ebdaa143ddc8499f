package execution

import (
	"time"

	"tradeops/internal/exchange"
)

// SlotState 为延迟任务槽的当前步骤。
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotMonitorOperation
	SlotCloseOrdersAndLiquidate
	SlotLiquidate
	SlotOpenEntry
	SlotMonitorEntry
	SlotOpenExit
	SlotMonitorExit
	SlotDone
)

var slotStateNames = map[SlotState]string{
	SlotIdle:                    "idle",
	SlotMonitorOperation:        "monitor_operation",
	SlotCloseOrdersAndLiquidate: "close_orders_and_liquidate",
	SlotLiquidate:               "liquidate",
	SlotOpenEntry:               "open_entry",
	SlotMonitorEntry:            "monitor_entry",
	SlotOpenExit:                "open_exit",
	SlotMonitorExit:             "monitor_exit",
	SlotDone:                    "done",
}

func (s SlotState) String() string {
	if name, ok := slotStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Slot 为单个延迟任务：下一步骤与最早执行时间。
type Slot struct {
	State     SlotState `json:"state"`
	NotBefore time.Time `json:"not_before"`
	Reason    string    `json:"reason,omitempty"`
}

func newSlot(state SlotState) *Slot {
	return &Slot{State: state}
}

// OperationData 为做市执行器附加在每个操作上的私有状态。
type OperationData struct {
	Monitor *Slot `json:"monitor,omitempty"`
	Entry   *Slot `json:"entry,omitempty"`
	Exit    *Slot `json:"exit,omitempty"`

	EntryOrder *exchange.Order `json:"entry_order,omitempty"`
	ExitOrder  *exchange.Order `json:"exit_order,omitempty"`
	AllEntries []string        `json:"all_entries,omitempty"`
	AllExits   []string        `json:"all_exits,omitempty"`
}

// HasExitOrder 判断是否存在未结束的离场委托。
func (d *OperationData) HasExitOrder() bool {
	return d.ExitOrder != nil && !d.ExitOrder.IsClosed()
}

// NoActiveExit 判断没有离场委托或离场委托已结束。
func (d *OperationData) NoActiveExit() bool {
	return !d.HasExitOrder()
}

func (d *OperationData) setEntryOrder(o *exchange.Order) {
	if o != nil {
		d.AllEntries = append(d.AllEntries, o.ID)
	}
	d.EntryOrder = o
}

func (d *OperationData) setExitOrder(o *exchange.Order) {
	if o != nil {
		d.AllExits = append(d.AllExits, o.ID)
	}
	d.ExitOrder = o
}

// ensureSlots 补齐缺失的任务槽。
func (d *OperationData) ensureSlots() {
	if d.Monitor == nil {
		d.Monitor = newSlot(SlotMonitorOperation)
	}
	if d.Entry == nil {
		d.Entry = newSlot(SlotOpenEntry)
	}
	if d.Exit == nil {
		d.Exit = newSlot(SlotOpenExit)
	}
}

// applyFill 以成交更新被跟踪委托的成交量。
func applyFill(order *exchange.Order, trade exchange.Trade) bool {
	if order == nil || order.ID != trade.OrderID {
		return false
	}
	// 下单时已成交的委托快照中已计入该成交
	if order.IsClosed() {
		return true
	}
	order.Filled += trade.Amount
	if order.Filled >= order.Amount*(1-1e-9) && !order.IsClosed() {
		order.Status = exchange.OrderStatusFilled
	}
	return true
}
