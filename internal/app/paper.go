package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/backtest"
	"tradeops/internal/exchange"
)

// liveSource 为模拟盘提供实时行情的交易场所。
type liveSource interface {
	SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error)
	Subscribe(ctx context.Context, symbol string) (exchange.Feed, error)
	Release(feed exchange.Feed)
	SetListener(l exchange.Listener)
}

// paperMarket 以实时行情驱动本地撮合，委托不会发往交易所。
type paperMarket struct {
	*backtest.Simulator

	live   liveSource
	clock  func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[string]exchange.Feed
}

var _ exchange.Market = (*paperMarket)(nil)

func newPaperMarket(live liveSource, balances map[string]float64, fee float64, logger *zap.Logger) *paperMarket {
	if logger == nil {
		logger = zap.NewNop()
	}
	sim := backtest.NewSimulator(fee, 0, logger)
	for asset, amount := range balances {
		sim.SetBalance(asset, amount)
	}
	p := &paperMarket{
		Simulator: sim,
		live:      live,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger,
		feeds:     make(map[string]exchange.Feed),
	}
	sim.SetTime(p.clock())
	return p
}

func (p *paperMarket) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	info, err := p.live.SymbolInfo(ctx, symbol)
	if err != nil {
		return exchange.SymbolInfo{}, err
	}
	p.Simulator.AddSymbol(info)
	return info, nil
}

// Subscribe 先订阅实时行情，再返回本地撮合的行情句柄。
func (p *paperMarket) Subscribe(ctx context.Context, symbol string) (exchange.Feed, error) {
	p.mu.Lock()
	liveFeed, ok := p.feeds[symbol]
	if !ok {
		feed, err := p.live.Subscribe(ctx, symbol)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		liveFeed = feed
		p.feeds[symbol] = feed
		p.Simulator.AddSymbol(feed.Info())
	}
	p.mu.Unlock()

	p.syncQuote(symbol, liveFeed)
	return p.Simulator.Subscribe(ctx, symbol)
}

func (p *paperMarket) Release(feed exchange.Feed) {
	p.Simulator.Release(feed)
	symbol := feed.Info().Key
	if p.Simulator.Subscribers(symbol) > 0 {
		return
	}

	p.mu.Lock()
	liveFeed, ok := p.feeds[symbol]
	delete(p.feeds, symbol)
	p.mu.Unlock()
	if ok {
		p.live.Release(liveFeed)
	}
}

// SetListener 成交来自本地撮合，K线来自实时行情。
func (p *paperMarket) SetListener(l exchange.Listener) {
	p.Simulator.SetListener(l)
	p.live.SetListener(exchange.ListenerFuncs{Candle: l.OnCandle})
}

// Sync 将时钟与最新报价同步到撮合器，穿价的挂单随之成交。
func (p *paperMarket) Sync() {
	p.Simulator.SetTime(p.clock())

	p.mu.Lock()
	feeds := make(map[string]exchange.Feed, len(p.feeds))
	for symbol, feed := range p.feeds {
		feeds[symbol] = feed
	}
	p.mu.Unlock()

	for symbol, feed := range feeds {
		p.syncQuote(symbol, feed)
	}
}

func (p *paperMarket) syncQuote(symbol string, feed exchange.Feed) {
	q := feed.Quote()
	if q.Bid <= 0 || q.Ask <= 0 {
		p.logger.Debug("报价尚未就绪", zap.String("symbol", symbol))
		return
	}
	p.Simulator.SetQuote(symbol, q.Bid, q.Ask)
}
