package exchange

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOrderNotFound 表示交易所不认识该委托。
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrUnknownSymbol 表示交易对未在交易所上市。
	ErrUnknownSymbol = errors.New("exchange: unknown symbol")
)

// Feed 为单个交易对的实时行情句柄。
type Feed interface {
	Info() SymbolInfo
	Quote() Quote
}

// Listener 接收异步到达的成交与K线。
type Listener interface {
	OnTrade(trade Trade)
	OnCandle(symbol string, candle Candle)
}

// Market 抽象交易场所：时间、行情订阅、下单撤单与余额。
// 实现需保证并发安全，余额在下单/撤单/成交前后由实现自身加锁维护。
type Market interface {
	Time() time.Time
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	Subscribe(ctx context.Context, symbol string) (Feed, error)
	Release(feed Feed)
	PostOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, order Order) (Order, error)
	SyncOrder(ctx context.Context, order Order) (Order, error)
	FreeBalance(asset string) float64
	Equity(ctx context.Context, asset string) (float64, error)
	SetListener(l Listener)
}

// ListenerFuncs 以函数形式实现 Listener。
type ListenerFuncs struct {
	Trade  func(Trade)
	Candle func(string, Candle)
}

// OnTrade 实现 Listener。
func (l ListenerFuncs) OnTrade(trade Trade) {
	if l.Trade != nil {
		l.Trade(trade)
	}
}

// OnCandle 实现 Listener。
func (l ListenerFuncs) OnCandle(symbol string, candle Candle) {
	if l.Candle != nil {
		l.Candle(symbol, candle)
	}
}
