package algo

import (
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

// SymbolData 为单个交易对的工作状态。各模块的私有数据由模块自行按交易对保存。
type SymbolData struct {
	Info exchange.SymbolInfo
	Feed exchange.Feed

	active   []*operation.Operation
	closed   []*operation.Operation
	selected bool
}

func newSymbolData(info exchange.SymbolInfo) *SymbolData {
	return &SymbolData{Info: info}
}

// Key 返回交易对标识。
func (d *SymbolData) Key() string {
	return d.Info.Key
}

// ActiveOperations 返回该交易对的活跃操作。
func (d *SymbolData) ActiveOperations() []*operation.Operation {
	return append([]*operation.Operation(nil), d.active...)
}

// ClosedOperations 返回本次运行中关闭且有过投入的操作。
func (d *SymbolData) ClosedOperations() []*operation.Operation {
	return append([]*operation.Operation(nil), d.closed...)
}

// IsSelected 判断交易对是否仍被选中。
func (d *SymbolData) IsSelected() bool {
	return d.selected
}

// Quote 返回最新报价，未订阅时为零值。
func (d *SymbolData) Quote() exchange.Quote {
	if d.Feed == nil {
		return exchange.Quote{Symbol: d.Info.Key}
	}
	return d.Feed.Quote()
}

func (d *SymbolData) addActive(op *operation.Operation) {
	for _, existing := range d.active {
		if existing == op {
			return
		}
	}
	d.active = append(d.active, op)
}

func (d *SymbolData) removeActive(op *operation.Operation) {
	for i, existing := range d.active {
		if existing == op {
			d.active = append(d.active[:i], d.active[i+1:]...)
			return
		}
	}
}

func (d *SymbolData) removeClosed(op *operation.Operation) {
	for i, existing := range d.closed {
		if existing == op {
			d.closed = append(d.closed[:i], d.closed[i+1:]...)
			return
		}
	}
}
