package algo

import (
	"time"

	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

// SliceData 为单个交易对在一个周期内的数据。
type SliceData struct {
	Symbol     string
	Signals    []*operation.Signal
	Operations []*operation.Operation
	Trades     []exchange.Trade
	Records    []exchange.Candle
}

// TimeSlice 汇总两次 tick 之间观察到的全部事件。
type TimeSlice struct {
	Start time.Time

	bySymbol   map[string]*SliceData
	order      []string
	signals    []*operation.Signal
	operations []*operation.Operation
	trades     []exchange.Trade
}

// NewTimeSlice 创建空切片。
func NewTimeSlice(start time.Time) *TimeSlice {
	return &TimeSlice{Start: start, bySymbol: make(map[string]*SliceData)}
}

func (s *TimeSlice) data(symbol string) *SliceData {
	d, ok := s.bySymbol[symbol]
	if !ok {
		d = &SliceData{Symbol: symbol}
		s.bySymbol[symbol] = d
		s.order = append(s.order, symbol)
	}
	return d
}

// AddSignal 记录新信号。
func (s *TimeSlice) AddSignal(sig *operation.Signal) {
	d := s.data(sig.Symbol)
	d.Signals = append(d.Signals, sig)
	s.signals = append(s.signals, sig)
}

// AddOperation 记录新创建、尚未纳入活跃集合的操作。
func (s *TimeSlice) AddOperation(op *operation.Operation) {
	d := s.data(op.Symbol.Key)
	d.Operations = append(d.Operations, op)
	s.operations = append(s.operations, op)
}

// AddTrade 记录成交。
func (s *TimeSlice) AddTrade(trade exchange.Trade) {
	d := s.data(trade.Symbol)
	d.Trades = append(d.Trades, trade)
	s.trades = append(s.trades, trade)
}

// AddRecord 记录行情K线。
func (s *TimeSlice) AddRecord(symbol string, candle exchange.Candle) {
	d := s.data(symbol)
	d.Records = append(d.Records, candle)
}

func (s *TimeSlice) Signals() []*operation.Signal       { return s.signals }
func (s *TimeSlice) Operations() []*operation.Operation { return s.operations }
func (s *TimeSlice) Trades() []exchange.Trade           { return s.trades }

// Symbol 返回某交易对的数据。
func (s *TimeSlice) Symbol(symbol string) (*SliceData, bool) {
	d, ok := s.bySymbol[symbol]
	return d, ok
}

// Symbols 按首次出现顺序返回各交易对数据。
func (s *TimeSlice) Symbols() []*SliceData {
	out := make([]*SliceData, 0, len(s.order))
	for _, sym := range s.order {
		out = append(out, s.bySymbol[sym])
	}
	return out
}

// Empty 判断切片是否没有任何内容。
func (s *TimeSlice) Empty() bool {
	return len(s.order) == 0
}
