package algo

import (
	"time"
)

// SymbolsSelector 决定当前参与交易的交易对。
type SymbolsSelector interface {
	// Update 返回相对上次选择新增与移除的交易对，未到刷新时间时两者均为空。
	Update(now time.Time) (added, removed []string, err error)
	Selected() []string
}

// StaticSelector 选择固定列表，按周期重新比对。
type StaticSelector struct {
	symbols  []string
	period   time.Duration
	next     time.Time
	selected map[string]struct{}
}

// NewStaticSelector 创建固定交易对选择器，period<=0 时默认24小时。
func NewStaticSelector(symbols []string, period time.Duration) *StaticSelector {
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &StaticSelector{
		symbols:  append([]string(nil), symbols...),
		period:   period,
		selected: make(map[string]struct{}),
	}
}

func (s *StaticSelector) Update(now time.Time) ([]string, []string, error) {
	if now.Before(s.next) {
		return nil, nil, nil
	}
	s.next = now.Add(s.period)

	wanted := make(map[string]struct{}, len(s.symbols))
	var added []string
	for _, sym := range s.symbols {
		wanted[sym] = struct{}{}
		if _, ok := s.selected[sym]; !ok {
			added = append(added, sym)
		}
	}
	var removed []string
	for sym := range s.selected {
		if _, ok := wanted[sym]; !ok {
			removed = append(removed, sym)
		}
	}
	for _, sym := range removed {
		delete(s.selected, sym)
	}
	for _, sym := range added {
		s.selected[sym] = struct{}{}
	}
	return added, removed, nil
}

func (s *StaticSelector) Selected() []string {
	out := make([]string, 0, len(s.selected))
	for _, sym := range s.symbols {
		if _, ok := s.selected[sym]; ok {
			out = append(out, sym)
		}
	}
	return out
}

// SetSymbols 替换候选列表，下次 Update 时立即生效。
func (s *StaticSelector) SetSymbols(symbols []string) {
	s.symbols = append([]string(nil), symbols...)
	s.next = time.Time{}
}
