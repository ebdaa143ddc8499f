package backtest

import (
	"context"
	"time"

	"tradeops/internal/exchange"
)

// Step 为同一时刻各交易对的K线。
type Step struct {
	Time    time.Time
	Candles map[string]exchange.Candle
}

// CandleProvider 按时间顺序提供回放步。
type CandleProvider interface {
	Next(ctx context.Context) (Step, bool, error)
}
