package monitor

import (
	"time"

	"tradeops/internal/exchange"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOperation EventType = "operation"
	EventCommand   EventType = "command"
	EventEquity    EventType = "equity"
	EventError     EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OperationPayload 记录操作生命周期事件及事件发生时的持仓状态。
type OperationPayload struct {
	Kind            string          `json:"kind"`
	OperationID     string          `json:"operation_id"`
	Symbol          string          `json:"symbol"`
	Type            string          `json:"type"`
	AmountInvested  float64         `json:"amount_invested"`
	AmountRemaining float64         `json:"amount_remaining"`
	Closing         bool            `json:"closing"`
	Closed          bool            `json:"closed"`
	Trade           *exchange.Trade `json:"trade,omitempty"`
}

// CommandPayload 记录人工指令及其执行结果。
type CommandPayload struct {
	Name        string `json:"name"`
	OperationID string `json:"operation_id,omitempty"`
	Result      string `json:"result"`
}

// EquityPayload 追踪账户净值。
type EquityPayload struct {
	Asset            string  `json:"asset"`
	Equity           float64 `json:"equity"`
	ActiveOperations int     `json:"active_operations"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
