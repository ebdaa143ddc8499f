package operation

import (
	"fmt"
	"time"

	"tradeops/internal/exchange"
)

// Signal 为一次交易意图：方向、入场/目标价格与各自的有效期。
type Signal struct {
	ID          string
	Symbol      string
	Kind        exchange.Direction
	CreatedAt   time.Time
	ModifyTime  time.Time
	PriceEntry  float64
	EntryExpiry time.Time
	PriceTarget float64
	ExpireDate  time.Time

	changed bool
	owner   *Operation
}

// NewSignal 创建信号。
func NewSignal(id, symbol string, kind exchange.Direction, now time.Time, entry float64, entryExpiry time.Time, target float64, expireDate time.Time) *Signal {
	return &Signal{
		ID:          id,
		Symbol:      symbol,
		Kind:        kind,
		CreatedAt:   now,
		ModifyTime:  now,
		PriceEntry:  entry,
		EntryExpiry: entryExpiry,
		PriceTarget: target,
		ExpireDate:  expireDate,
		changed:     true,
	}
}

// Operation 返回信号所属的操作，未挂载时为 nil。
func (s *Signal) Operation() *Operation {
	return s.owner
}

// ModifyConditions 覆盖价格与有效期，并通知所属操作（关闭中的操作会被恢复）。
func (s *Signal) ModifyConditions(now time.Time, entry float64, entryExpiry time.Time, target float64, expireDate time.Time) {
	s.ModifyTime = now
	s.PriceEntry = entry
	s.EntryExpiry = entryExpiry
	s.PriceTarget = target
	s.ExpireDate = expireDate
	s.changed = true
	if s.owner != nil {
		s.owner.onSignalModified()
	}
}

// SetTargetPrice 仅更新目标价，不影响操作的关闭状态。
func (s *Signal) SetTargetPrice(price float64) {
	s.PriceTarget = price
	s.changed = true
}

// IsChanged 返回自上次 AcceptChanges 以来是否被修改。
func (s *Signal) IsChanged() bool {
	return s.changed
}

// AcceptChanges 清除修改标记。
func (s *Signal) AcceptChanges() {
	s.changed = false
}

// ImpliedProfit 返回 |target-entry|/entry。
func (s *Signal) ImpliedProfit() float64 {
	if s.PriceEntry <= 0 {
		return 0
	}
	diff := s.PriceTarget - s.PriceEntry
	if diff < 0 {
		diff = -diff
	}
	return diff / s.PriceEntry
}

func (s *Signal) attach(op *Operation) {
	if s.owner != nil {
		panic(fmt.Errorf("%w: 信号 %s 已挂载到操作 %s", ErrInvariant, s.ID, s.owner.ID))
	}
	s.owner = op
}
