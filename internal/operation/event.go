package operation

import "tradeops/internal/exchange"

// EventKind 为操作生命周期事件类型。
type EventKind string

const (
	EventTrade          EventKind = "trade"
	EventResumed        EventKind = "resumed"
	EventClosing        EventKind = "closing"
	EventClosed         EventKind = "closed"
	EventSignalModified EventKind = "signal_modified"
)

// Event 由操作产生、由编排器按固定顺序分发给各模块。
type Event struct {
	Kind      EventKind
	Operation *Operation
	Trade     exchange.Trade
}
