package ai

import (
	"errors"
	"fmt"
	"strings"

	"tradeops/internal/exchange"
)

// Decision 表示大模型返回的交易信号建议。
type Decision struct {
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	EntryPrice  float64 `json:"entry_price"`
	TargetPrice float64 `json:"target_price"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	RiskComment string  `json:"risk_comment"`
}

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

var validActions = map[string]struct{}{
	ActionBuy:  {},
	ActionSell: {},
	ActionHold: {},
}

// Validate 校验决策字段合法性。
func (d Decision) Validate() error {
	if strings.TrimSpace(d.Symbol) == "" {
		return errors.New("ai: symbol 不能为空")
	}
	action := d.normalizedAction()
	if _, ok := validActions[action]; !ok {
		return fmt.Errorf("ai: action 字段取值非法: %s", d.Action)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("ai: confidence 必须在 [0,1] 区间，目前为 %f", d.Confidence)
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return errors.New("ai: reasoning 不能为空")
	}
	if action == ActionHold {
		return nil
	}

	if d.EntryPrice <= 0 || d.TargetPrice <= 0 {
		return fmt.Errorf("ai: entry_price 与 target_price 必须为正 (entry=%f target=%f)", d.EntryPrice, d.TargetPrice)
	}
	if action == ActionBuy && d.TargetPrice <= d.EntryPrice {
		return fmt.Errorf("ai: BUY 的 target_price 必须高于 entry_price")
	}
	if action == ActionSell && d.TargetPrice >= d.EntryPrice {
		return fmt.Errorf("ai: SELL 的 target_price 必须低于 entry_price")
	}
	return nil
}

// Direction 返回入场方向，HOLD 时 ok 为 false。
func (d Decision) Direction() (exchange.Direction, bool) {
	switch d.normalizedAction() {
	case ActionBuy:
		return exchange.DirectionBuy, true
	case ActionSell:
		return exchange.DirectionSell, true
	default:
		return "", false
	}
}

func (d Decision) normalizedAction() string {
	return strings.ToUpper(strings.TrimSpace(d.Action))
}
