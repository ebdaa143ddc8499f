package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/backtest"
	"tradeops/internal/exchange"
)

var (
	ethInfo = exchange.SymbolInfo{Key: "ETH/USDT", Asset: "ETH", QuoteAsset: "USDT", PriceTick: 0.01, LotStep: 0.001, MinNotional: 5}
	t0      = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu      sync.Mutex
	trades  []exchange.Trade
	candles []exchange.Candle
}

func (r *recorder) OnTrade(trade exchange.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, trade)
	r.mu.Unlock()
}

func (r *recorder) OnCandle(symbol string, candle exchange.Candle) {
	r.mu.Lock()
	r.candles = append(r.candles, candle)
	r.mu.Unlock()
}

func newLive(t *testing.T) *backtest.Simulator {
	t.Helper()
	live := backtest.NewSimulator(0, 0, nil)
	live.AddSymbol(ethInfo)
	live.SetTime(t0)
	live.SetQuote(ethInfo.Key, 100, 101)
	return live
}

func TestPaperMarketMatchesLocally(t *testing.T) {
	ctx := context.Background()
	live := newLive(t)
	paper := newPaperMarket(live, map[string]float64{"USDT": 1000}, 0, nil)
	now := t0
	paper.clock = func() time.Time { return now }
	rec := &recorder{}
	paper.SetListener(rec)

	info, err := paper.SymbolInfo(ctx, ethInfo.Key)
	require.NoError(t, err)
	assert.Equal(t, ethInfo, info)

	feed, err := paper.Subscribe(ctx, ethInfo.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, live.Subscribers(ethInfo.Key))
	assert.InDelta(t, 100, feed.Quote().Bid, 1e-9)

	order, err := paper.PostOrder(ctx, exchange.OrderRequest{
		Symbol: ethInfo.Key, Side: exchange.DirectionBuy, Type: exchange.OrderTypeLimit, Amount: 1, Price: 95, ClientOrderID: "1-0",
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusOpen, order.Status)
	assert.InDelta(t, 905, paper.FreeBalance("USDT"), 1e-9)

	// 实时报价穿价后，本地挂单在下一次同步时成交
	now = t0.Add(time.Minute)
	live.SetQuote(ethInfo.Key, 94, 94.5)
	paper.Sync()

	require.Len(t, rec.trades, 1)
	assert.Equal(t, "1-0", rec.trades[0].ClientOrderID)
	assert.InDelta(t, 1, paper.FreeBalance("ETH"), 1e-9)
	assert.Zero(t, live.FreeBalance("ETH"))
	assert.Equal(t, now, paper.Time())

	paper.Release(feed)
	assert.Zero(t, live.Subscribers(ethInfo.Key))
}

func TestPaperMarketForwardsLiveCandles(t *testing.T) {
	ctx := context.Background()
	live := newLive(t)
	paper := newPaperMarket(live, nil, 0, nil)
	rec := &recorder{}
	paper.SetListener(rec)

	_, err := paper.Subscribe(ctx, ethInfo.Key)
	require.NoError(t, err)

	live.Advance(t0.Add(time.Minute), map[string]exchange.Candle{
		ethInfo.Key: {Timestamp: t0, Open: 100, High: 102, Low: 99, Close: 101, Volume: 5},
	})
	require.Len(t, rec.candles, 1)
	assert.InDelta(t, 101, rec.candles[0].Close, 1e-9)
	assert.Empty(t, rec.trades)
}

func TestPaperMarketSkipsEmptyQuote(t *testing.T) {
	ctx := context.Background()
	live := backtest.NewSimulator(0, 0, nil)
	live.AddSymbol(ethInfo)
	paper := newPaperMarket(live, nil, 0, nil)

	feed, err := paper.Subscribe(ctx, ethInfo.Key)
	require.NoError(t, err)
	paper.Sync()
	assert.Zero(t, feed.Quote().Bid)

	_, err = paper.Subscribe(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, exchange.ErrUnknownSymbol)
}
