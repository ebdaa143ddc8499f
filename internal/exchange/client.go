package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeops/internal/config"
)

type venueClient interface {
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
}

// Client 通过 ccxt 对接现货交易所，实现 Market 并带有重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    venueClient
	stream *BookTickerStream

	marketsMu     sync.Mutex
	marketsLoaded bool
	symbols       map[string]SymbolInfo

	mu         sync.RWMutex
	listener   Listener
	feeds      map[string]*liveFeed
	balances   map[string]Balance
	clientIDs  map[string]string
	seenTrades map[string]struct{}
	lastCandle map[string]time.Time
	tradesFrom time.Time
}

var _ Market = (*Client)(nil)

// NewClient 构造 Binance 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := newClient(cfg, ex, logger)
	if cfg.Stream.Enabled {
		c.stream = NewBookTickerStream(cfg.Stream, c.onStreamQuote, logger)
	}
	return c, nil
}

func newClient(cfg config.ExchangeConfig, api venueClient, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger,
		api:        api,
		symbols:    make(map[string]SymbolInfo),
		feeds:      make(map[string]*liveFeed),
		balances:   make(map[string]Balance),
		clientIDs:  make(map[string]string),
		seenTrades: make(map[string]struct{}),
		lastCandle: make(map[string]time.Time),
		tradesFrom: time.Now().UTC(),
	}
}

// Time 返回交易所时间，ccxt 已做时钟偏移校正。
func (c *Client) Time() time.Time {
	return time.Now().UTC()
}

// SetListener 注册成交与K线回调。
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// SymbolInfo 返回交易对的下单约束。
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return SymbolInfo{}, err
	}
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()
	info, ok := c.symbols[symbol]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return info, nil
}

// Subscribe 订阅交易对行情，首次订阅时拉取一次 ticker。
func (c *Client) Subscribe(ctx context.Context, symbol string) (Feed, error) {
	c.mu.RLock()
	existing, ok := c.feeds[symbol]
	c.mu.RUnlock()
	if ok {
		existing.retain()
		return existing, nil
	}

	info, err := c.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	feed := newLiveFeed(info)
	if err := c.refreshTicker(ctx, feed); err != nil {
		c.logger.Warn("首次获取报价失败，等待后续轮询", zap.String("symbol", symbol), zap.Error(err))
	}

	c.mu.Lock()
	if existing, ok := c.feeds[symbol]; ok {
		c.mu.Unlock()
		existing.retain()
		return existing, nil
	}
	c.feeds[symbol] = feed
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Add(symbol)
	}

	c.logger.Info("已订阅行情", zap.String("symbol", symbol))
	return feed, nil
}

// Release 释放行情订阅，引用计数归零时停止推送。
func (c *Client) Release(feed Feed) {
	if feed == nil {
		return
	}
	symbol := feed.Info().Key

	c.mu.Lock()
	lf, ok := c.feeds[symbol]
	if !ok || lf.release() > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.feeds, symbol)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Remove(symbol)
	}
	c.logger.Info("已释放行情订阅", zap.String("symbol", symbol))
}

// PostOrder 提交限价或市价委托。
func (c *Client) PostOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := map[string]interface{}{}
	if req.ClientOrderID != "" {
		params["clientOrderId"] = req.ClientOrderID
	}
	if req.TimeInForce != "" && req.Type == OrderTypeLimit {
		params["timeInForce"] = strings.ToUpper(req.TimeInForce)
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "create_order", func() error {
		var err error
		switch req.Type {
		case OrderTypeMarket:
			raw, err = c.api.CreateMarketOrder(req.Symbol, string(req.Side), req.Amount, ccxt.WithCreateMarketOrderParams(params))
		case OrderTypeLimit:
			raw, err = c.api.CreateLimitOrder(req.Symbol, string(req.Side), req.Amount, req.Price, ccxt.WithCreateLimitOrderParams(params))
		default:
			return fmt.Errorf("exchange: 不支持的订单类型 %s", req.Type)
		}
		return err
	})
	if err != nil {
		return Order{}, err
	}

	order := convertOrder(raw, req)

	c.mu.Lock()
	if order.ID != "" && req.ClientOrderID != "" {
		c.clientIDs[order.ID] = req.ClientOrderID
	}
	c.lockBalanceLocked(req, order)
	c.mu.Unlock()

	c.logger.Info("委托已提交",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Float64("amount", req.Amount),
		zap.Float64("price", req.Price),
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("order_id", order.ID),
	)
	return order, nil
}

// CancelOrder 撤销委托，返回撤单后的委托快照。
func (c *Client) CancelOrder(ctx context.Context, order Order) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		var err error
		raw, err = c.api.CancelOrder(order.ID, ccxt.WithCancelOrderSymbol(order.Symbol))
		return err
	})
	if err != nil {
		if isOrderNotFound(err) {
			return order, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
		}
		return order, err
	}

	updated := mergeOrder(order, raw)
	if updated.Status == OrderStatusOpen || updated.Status == OrderStatusPending {
		updated.Status = OrderStatusCancelled
	}

	c.mu.Lock()
	c.unlockBalanceLocked(order, updated.Remaining())
	c.mu.Unlock()
	return updated, nil
}

// SyncOrder 查询委托最新状态，用于撤单失败后的对账。
func (c *Client) SyncOrder(ctx context.Context, order Order) (Order, error) {
	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		var err error
		raw, err = c.api.FetchOrder(order.ID, ccxt.WithFetchOrderSymbol(order.Symbol))
		return err
	})
	if err != nil {
		if isOrderNotFound(err) {
			return order, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
		}
		return order, err
	}
	return mergeOrder(order, raw), nil
}

// FreeBalance 返回缓存中的可用余额。
func (c *Client) FreeBalance(asset string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[asset].Free
}

// Equity 以指定资产计价的账户总权益。
func (c *Client) Equity(ctx context.Context, asset string) (float64, error) {
	if err := c.RefreshBalances(ctx); err != nil {
		return 0, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.balances[asset].Total()
	for other, bal := range c.balances {
		if other == asset || bal.Total() == 0 {
			continue
		}
		feed, ok := c.feeds[other+"/"+asset]
		if !ok {
			continue
		}
		if bid := feed.Quote().Bid; bid > 0 {
			total += bal.Total() * bid
		}
	}
	return total, nil
}

// RefreshBalances 从交易所同步余额缓存。
func (c *Client) RefreshBalances(ctx context.Context) error {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		var err error
		raw, err = c.api.FetchBalance()
		return err
	})
	if err != nil {
		return err
	}

	balances := make(map[string]Balance, len(raw.Total))
	for asset, total := range raw.Total {
		if total == nil {
			continue
		}
		bal := Balance{Asset: asset}
		if free, ok := raw.Free[asset]; ok && free != nil {
			bal.Free = *free
		}
		bal.Locked = *total - bal.Free
		if bal.Locked < 0 {
			bal.Locked = 0
		}
		balances[asset] = bal
	}

	c.mu.Lock()
	c.balances = balances
	c.mu.Unlock()
	return nil
}

// Run 周期性同步余额、报价、K线与成交，直到 ctx 结束。
func (c *Client) Run(ctx context.Context) error {
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	if c.stream != nil {
		go func() {
			if err := c.stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("行情推送异常退出", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("交易所轮询失败", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) poll(ctx context.Context) error {
	c.mu.RLock()
	feeds := make([]*liveFeed, 0, len(c.feeds))
	for _, f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.mu.RUnlock()

	// 模拟盘只同步行情，账户数据由本地撮合维护
	account := !c.cfg.Paper
	group, groupCtx := errgroup.WithContext(ctx)
	if account {
		group.Go(func() error {
			return c.RefreshBalances(groupCtx)
		})
	}
	for _, feed := range feeds {
		feed := feed
		if c.stream == nil {
			group.Go(func() error {
				return c.refreshTicker(groupCtx, feed)
			})
		}
		group.Go(func() error {
			return c.pollCandles(groupCtx, feed.info.Key)
		})
		if account {
			group.Go(func() error {
				return c.pollTrades(groupCtx, feed.info.Key)
			})
		}
	}
	return group.Wait()
}

func (c *Client) refreshTicker(ctx context.Context, feed *liveFeed) error {
	var raw ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		var err error
		raw, err = c.api.FetchTicker(feed.info.Key)
		return err
	})
	if err != nil {
		return err
	}
	q := Quote{Symbol: feed.info.Key, Time: c.Time()}
	if raw.Bid != nil {
		q.Bid = *raw.Bid
	}
	if raw.Ask != nil {
		q.Ask = *raw.Ask
	}
	if raw.Timestamp != nil {
		q.Time = time.UnixMilli(*raw.Timestamp).UTC()
	}
	feed.set(q)
	return nil
}

func (c *Client) onStreamQuote(q Quote) {
	c.mu.RLock()
	feed, ok := c.feeds[q.Symbol]
	c.mu.RUnlock()
	if ok {
		feed.set(q)
	}
}

func (c *Client) pollCandles(ctx context.Context, symbol string) error {
	candles, err := c.FetchCandles(ctx, symbol, Timeframe1m, 2)
	if err != nil {
		return err
	}
	// 最后一根K线尚未收盘，只推送倒数第二根。
	if len(candles) < 2 {
		return nil
	}
	closed := candles[len(candles)-2]

	c.mu.Lock()
	last := c.lastCandle[symbol]
	if !closed.Timestamp.After(last) {
		c.mu.Unlock()
		return nil
	}
	c.lastCandle[symbol] = closed.Timestamp
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener.OnCandle(symbol, closed)
	}
	return nil
}

func (c *Client) pollTrades(ctx context.Context, symbol string) error {
	c.mu.RLock()
	since := c.tradesFrom.Add(-time.Minute)
	c.mu.RUnlock()

	var raw []ccxt.Trade
	err := c.callWithRetry(ctx, "fetch_my_trades", func() error {
		var err error
		raw, err = c.api.FetchMyTrades(
			ccxt.WithFetchMyTradesSymbol(symbol),
			ccxt.WithFetchMyTradesSince(since.UnixMilli()),
		)
		return err
	})
	if err != nil {
		return err
	}

	fresh := make([]Trade, 0, len(raw))
	c.mu.Lock()
	for _, item := range raw {
		trade := convertTrade(item)
		if trade.ID == "" {
			continue
		}
		if _, seen := c.seenTrades[trade.ID]; seen {
			continue
		}
		c.seenTrades[trade.ID] = struct{}{}
		trade.ClientOrderID = c.clientIDs[trade.OrderID]
		c.applyFillLocked(trade)
		fresh = append(fresh, trade)
	}
	listener := c.listener
	c.mu.Unlock()

	if listener == nil {
		return nil
	}
	for _, trade := range fresh {
		listener.OnTrade(trade)
	}
	return nil
}

// lockBalanceLocked 在下单成功后先行扣减可用余额，等待下一次同步校正。
func (c *Client) lockBalanceLocked(req OrderRequest, order Order) {
	info, ok := c.symbols[req.Symbol]
	if !ok {
		return
	}
	switch req.Side {
	case DirectionBuy:
		price := req.Price
		if price <= 0 {
			price = order.Price
		}
		c.moveToLocked(info.QuoteAsset, req.Amount*price)
	case DirectionSell:
		c.moveToLocked(info.Asset, req.Amount)
	}
}

func (c *Client) unlockBalanceLocked(order Order, remaining float64) {
	info, ok := c.symbols[order.Symbol]
	if !ok || remaining <= 0 {
		return
	}
	switch order.Side {
	case DirectionBuy:
		c.moveToLocked(info.QuoteAsset, -remaining*order.Price)
	case DirectionSell:
		c.moveToLocked(info.Asset, -remaining)
	}
}

func (c *Client) applyFillLocked(trade Trade) {
	info, ok := c.symbols[trade.Symbol]
	if !ok {
		return
	}
	base := c.balances[info.Asset]
	quote := c.balances[info.QuoteAsset]
	switch trade.Direction {
	case DirectionBuy:
		base.Asset = info.Asset
		base.Free += trade.Amount
		quote.Locked -= trade.QuoteAmount()
	case DirectionSell:
		quote.Asset = info.QuoteAsset
		quote.Free += trade.QuoteAmount()
		base.Locked -= trade.Amount
	}
	base.Locked = max(base.Locked, 0)
	quote.Locked = max(quote.Locked, 0)
	c.balances[info.Asset] = base
	c.balances[info.QuoteAsset] = quote
}

func (c *Client) moveToLocked(asset string, amount float64) {
	bal := c.balances[asset]
	bal.Asset = asset
	bal.Free -= amount
	bal.Locked += amount
	bal.Free = max(bal.Free, 0)
	bal.Locked = max(bal.Locked, 0)
	c.balances[asset] = bal
}

// FetchCandles 获取指定周期的K线数据。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	return c.fetchCandles(ctx, symbol, timeframe, 0, limit)
}

// FetchCandlesSince 从指定时间开始获取K线，用于回测数据回补。
func (c *Client) FetchCandlesSince(ctx context.Context, symbol, timeframe string, since time.Time, limit int64) ([]Candle, error) {
	return c.fetchCandles(ctx, symbol, timeframe, since.UnixMilli(), limit)
}

func (c *Client) fetchCandles(ctx context.Context, symbol, timeframe string, since int64, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	var raw []ccxt.OHLCV

	err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		opts := []ccxt.FetchOHLCVOptions{
			ccxt.WithFetchOHLCVTimeframe(timeframe),
			ccxt.WithFetchOHLCVLimit(limit),
		}
		if since > 0 {
			opts = append(opts, ccxt.WithFetchOHLCVSince(since))
		}
		result, err := c.api.FetchOHLCV(symbol, opts...)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		var err error
		markets, err = c.api.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	for key, market := range markets {
		c.symbols[key] = convertMarket(key, market)
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(c.symbols)))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Debug("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertMarket(key string, m ccxt.MarketInterface) SymbolInfo {
	info := SymbolInfo{Key: key}
	if m.Base != nil {
		info.Asset = *m.Base
	}
	if m.Quote != nil {
		info.QuoteAsset = *m.Quote
	}
	if info.Asset == "" || info.QuoteAsset == "" {
		info.Asset, info.QuoteAsset, _ = SplitSymbol(key)
	}
	if m.Precision.Price != nil {
		info.PriceTick = *m.Precision.Price
	}
	if m.Precision.Amount != nil {
		info.LotStep = *m.Precision.Amount
	}
	if m.Limits.Amount.Min != nil {
		info.MinLot = *m.Limits.Amount.Min
	}
	if m.Limits.Cost.Min != nil {
		info.MinNotional = *m.Limits.Cost.Min
	}
	if m.Margin != nil {
		info.MarginEnabled = *m.Margin
	}
	return info
}

func convertOrder(raw ccxt.Order, req OrderRequest) Order {
	order := Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Amount:        req.Amount,
		Status:        OrderStatusOpen,
		Time:          time.Now().UTC(),
	}
	return mergeOrder(order, raw)
}

func mergeOrder(order Order, raw ccxt.Order) Order {
	if raw.Id != nil {
		order.ID = *raw.Id
	}
	if raw.ClientOrderId != nil && *raw.ClientOrderId != "" {
		order.ClientOrderID = *raw.ClientOrderId
	}
	if raw.Price != nil && *raw.Price > 0 {
		order.Price = *raw.Price
	}
	if raw.Amount != nil && *raw.Amount > 0 {
		order.Amount = *raw.Amount
	}
	if raw.Filled != nil {
		order.Filled = *raw.Filled
	}
	if raw.Timestamp != nil {
		order.Time = time.UnixMilli(*raw.Timestamp).UTC()
	}
	if raw.Status != nil {
		order.Status = convertStatus(*raw.Status)
	}
	return order
}

func convertStatus(status string) OrderStatus {
	switch strings.ToLower(status) {
	case "open":
		return OrderStatusOpen
	case "closed", "filled":
		return OrderStatusFilled
	case "canceled", "cancelled":
		return OrderStatusCancelled
	case "rejected":
		return OrderStatusRejected
	case "expired":
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}

func convertTrade(raw ccxt.Trade) Trade {
	var trade Trade
	if raw.Id != nil {
		trade.ID = *raw.Id
	}
	if raw.Order != nil {
		trade.OrderID = *raw.Order
	}
	if raw.Symbol != nil {
		trade.Symbol = *raw.Symbol
	}
	if raw.Side != nil {
		trade.Direction = ParseDirection(*raw.Side)
	}
	if raw.Price != nil {
		trade.Price = *raw.Price
	}
	if raw.Amount != nil {
		trade.Amount = *raw.Amount
	}
	if raw.Timestamp != nil {
		trade.Time = time.UnixMilli(*raw.Timestamp).UTC()
	}
	return trade
}

func isOrderNotFound(err error) bool {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.OrderNotFoundErrType
	}
	return false
}
