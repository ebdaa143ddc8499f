package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeops/internal/exchange"
)

// Simulator 为回测与模拟盘使用的撮合场所，实现 exchange.Market。
// 限价单在报价或K线穿越委托价时按委托价成交，市价单按当前买一/卖一成交。
type Simulator struct {
	mu       sync.Mutex
	now      time.Time
	fee      float64
	spread   float64
	symbols  map[string]exchange.SymbolInfo
	quotes   map[string]exchange.Quote
	refs     map[string]int
	balances map[string]*exchange.Balance
	open     map[string]*exchange.Order
	orders   map[string]exchange.Order
	listener exchange.Listener
	hook     func(exchange.OrderRequest) error

	tradeCount int
	logger     *zap.Logger
}

// NewSimulator 创建撮合模拟器。fee 为成交额手续费率，spread 为由K线收盘价推导报价时的买卖价差比例。
func NewSimulator(fee, spread float64, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		fee:      fee,
		spread:   spread,
		symbols:  make(map[string]exchange.SymbolInfo),
		quotes:   make(map[string]exchange.Quote),
		refs:     make(map[string]int),
		balances: make(map[string]*exchange.Balance),
		open:     make(map[string]*exchange.Order),
		orders:   make(map[string]exchange.Order),
		logger:   logger,
	}
}

// AddSymbol 注册可交易的交易对。
func (s *Simulator) AddSymbol(info exchange.SymbolInfo) {
	s.mu.Lock()
	s.symbols[info.Key] = info
	s.mu.Unlock()
}

// SetBalance 设置资产可用余额。
func (s *Simulator) SetBalance(asset string, free float64) {
	s.mu.Lock()
	s.balanceLocked(asset).Free = free
	s.mu.Unlock()
}

// Balance 返回资产余额快照。
func (s *Simulator) Balance(asset string) exchange.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.balanceLocked(asset)
}

// SetOrderHook 设置下单前的检查函数，返回错误时拒单。
func (s *Simulator) SetOrderHook(hook func(exchange.OrderRequest) error) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// SetTime 设置模拟时钟。
func (s *Simulator) SetTime(t time.Time) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// SetQuote 更新报价并撮合挂单。
func (s *Simulator) SetQuote(symbol string, bid, ask float64) {
	s.mu.Lock()
	s.quotes[symbol] = exchange.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: s.now}
	trades := s.matchLocked(symbol, ask, bid)
	listener := s.listener
	s.mu.Unlock()

	s.emit(listener, trades)
}

// Advance 推进时钟到 t，并以各交易对的K线更新报价与撮合。
func (s *Simulator) Advance(t time.Time, candles map[string]exchange.Candle) {
	keys := make([]string, 0, len(candles))
	for k := range candles {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	s.now = t
	var trades []exchange.Trade
	for _, symbol := range keys {
		c := candles[symbol]
		half := c.Close * s.spread / 2
		s.quotes[symbol] = exchange.Quote{Symbol: symbol, Bid: c.Close - half, Ask: c.Close + half, Time: t}
		trades = append(trades, s.matchLocked(symbol, c.Low, c.High)...)
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		for _, symbol := range keys {
			listener.OnCandle(symbol, candles[symbol])
		}
	}
	s.emit(listener, trades)
}

// matchLocked 撮合挂单：买单在 low<=委托价 时成交，卖单在 high>=委托价 时成交。
func (s *Simulator) matchLocked(symbol string, low, high float64) []exchange.Trade {
	ids := make([]string, 0)
	for id, o := range s.open {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var trades []exchange.Trade
	for _, id := range ids {
		o := s.open[id]
		crossed := (o.Side == exchange.DirectionBuy && low > 0 && low <= o.Price) ||
			(o.Side == exchange.DirectionSell && high > 0 && high >= o.Price)
		if !crossed {
			continue
		}
		trades = append(trades, s.fillLocked(o, o.Price, o.Remaining()))
	}
	return trades
}

func (s *Simulator) emit(listener exchange.Listener, trades []exchange.Trade) {
	if listener == nil {
		return
	}
	for _, t := range trades {
		listener.OnTrade(t)
	}
}

func (s *Simulator) Time() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulator) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[symbol]
	if !ok {
		return exchange.SymbolInfo{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	return info, nil
}

type simFeed struct {
	sim  *Simulator
	info exchange.SymbolInfo
}

func (f *simFeed) Info() exchange.SymbolInfo { return f.info }

func (f *simFeed) Quote() exchange.Quote {
	f.sim.mu.Lock()
	defer f.sim.mu.Unlock()
	q, ok := f.sim.quotes[f.info.Key]
	if !ok {
		return exchange.Quote{Symbol: f.info.Key}
	}
	return q
}

func (s *Simulator) Subscribe(ctx context.Context, symbol string) (exchange.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, symbol)
	}
	s.refs[symbol]++
	return &simFeed{sim: s, info: info}, nil
}

func (s *Simulator) Release(feed exchange.Feed) {
	if feed == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := feed.Info().Key
	if s.refs[key] > 0 {
		s.refs[key]--
	}
}

// Subscribers 返回交易对当前的订阅数。
func (s *Simulator) Subscribers(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[symbol]
}

func (s *Simulator) PostOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	s.mu.Lock()
	if s.hook != nil {
		if err := s.hook(req); err != nil {
			s.mu.Unlock()
			return exchange.Order{}, err
		}
	}
	info, ok := s.symbols[req.Symbol]
	if !ok {
		s.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("%w: %s", exchange.ErrUnknownSymbol, req.Symbol)
	}
	if req.Amount <= 0 {
		s.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("backtest: 委托数量必须大于0")
	}
	quote := s.quotes[req.Symbol]

	price := req.Price
	if req.Type == exchange.OrderTypeMarket {
		price = quote.Ask
		if req.Side == exchange.DirectionSell {
			price = quote.Bid
		}
	}
	if price <= 0 {
		s.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("backtest: %s 无有效价格", req.Symbol)
	}

	switch req.Side {
	case exchange.DirectionBuy:
		quoteBal := s.balanceLocked(info.QuoteAsset)
		cost := req.Amount * price
		if cost > quoteBal.Free+1e-12 {
			s.mu.Unlock()
			return exchange.Order{}, fmt.Errorf("%w: 需要 %.8f %s，可用 %.8f", exchange.ErrInsufficientFunds, cost, info.QuoteAsset, quoteBal.Free)
		}
		quoteBal.Free -= cost
		quoteBal.Locked += cost
	case exchange.DirectionSell:
		baseBal := s.balanceLocked(info.Asset)
		if req.Amount > baseBal.Free+1e-12 {
			s.mu.Unlock()
			return exchange.Order{}, fmt.Errorf("%w: 需要 %.8f %s，可用 %.8f", exchange.ErrInsufficientFunds, req.Amount, info.Asset, baseBal.Free)
		}
		baseBal.Free -= req.Amount
		baseBal.Locked += req.Amount
	default:
		s.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("backtest: 未知委托方向 %q", req.Side)
	}

	order := &exchange.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Amount:        req.Amount,
		Status:        exchange.OrderStatusOpen,
		Time:          s.now,
	}
	s.open[order.ID] = order

	var trades []exchange.Trade
	switch {
	case req.Type == exchange.OrderTypeMarket:
		trades = append(trades, s.fillLocked(order, price, order.Amount))
	case req.Side == exchange.DirectionBuy && quote.Ask > 0 && quote.Ask <= price:
		trades = append(trades, s.fillLocked(order, price, order.Amount))
	case req.Side == exchange.DirectionSell && quote.Bid > 0 && quote.Bid >= price:
		trades = append(trades, s.fillLocked(order, price, order.Amount))
	}
	s.orders[order.ID] = *order
	snapshot := *order
	listener := s.listener
	s.mu.Unlock()

	s.logger.Debug("模拟委托",
		zap.String("symbol", snapshot.Symbol),
		zap.String("side", string(snapshot.Side)),
		zap.String("type", string(snapshot.Type)),
		zap.Float64("amount", snapshot.Amount),
		zap.Float64("price", snapshot.Price),
		zap.String("status", string(snapshot.Status)),
	)
	s.emit(listener, trades)
	return snapshot, nil
}

// fillLocked 成交委托的 amount 部分，手续费以计价资产扣除。
func (s *Simulator) fillLocked(o *exchange.Order, price, amount float64) exchange.Trade {
	info := s.symbols[o.Symbol]
	quoteBal := s.balanceLocked(info.QuoteAsset)
	baseBal := s.balanceLocked(info.Asset)
	notional := price * amount
	fee := notional * s.fee

	switch o.Side {
	case exchange.DirectionBuy:
		reserved := o.Price * amount
		quoteBal.Locked -= reserved
		quoteBal.Free += reserved - notional - fee
		baseBal.Free += amount
	case exchange.DirectionSell:
		baseBal.Locked -= amount
		quoteBal.Free += notional - fee
	}

	o.Filled += amount
	if o.Remaining() <= 1e-12 {
		o.Status = exchange.OrderStatusFilled
		delete(s.open, o.ID)
	}
	s.orders[o.ID] = *o
	s.tradeCount++

	return exchange.Trade{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Direction:     o.Side,
		Price:         price,
		Amount:        amount,
		Fee:           fee,
		FeeAsset:      info.QuoteAsset,
		Time:          s.now,
	}
}

func (s *Simulator) CancelOrder(ctx context.Context, order exchange.Order) (exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.open[order.ID]
	if !ok {
		if closed, found := s.orders[order.ID]; found {
			return closed, nil
		}
		return exchange.Order{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, order.ID)
	}
	info := s.symbols[o.Symbol]
	rest := o.Remaining()
	switch o.Side {
	case exchange.DirectionBuy:
		bal := s.balanceLocked(info.QuoteAsset)
		bal.Locked -= rest * o.Price
		bal.Free += rest * o.Price
	case exchange.DirectionSell:
		bal := s.balanceLocked(info.Asset)
		bal.Locked -= rest
		bal.Free += rest
	}
	o.Status = exchange.OrderStatusCancelled
	delete(s.open, o.ID)
	s.orders[o.ID] = *o
	return *o, nil
}

func (s *Simulator) SyncOrder(ctx context.Context, order exchange.Order) (exchange.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[order.ID]
	if !ok {
		return exchange.Order{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, order.ID)
	}
	return o, nil
}

// OpenOrders 返回某交易对当前挂单。
func (s *Simulator) OpenOrders(symbol string) []exchange.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []exchange.Order
	for _, o := range s.open {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Simulator) FreeBalance(asset string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(asset).Free
}

// Equity 以 asset 计价的总资产，其他资产按对应交易对中间价折算。
func (s *Simulator) Equity(ctx context.Context, asset string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for name, bal := range s.balances {
		amount := bal.Total()
		if amount == 0 {
			continue
		}
		if name == asset {
			total += amount
			continue
		}
		for key, info := range s.symbols {
			if info.Asset == name && info.QuoteAsset == asset {
				total += amount * s.quotes[key].Mid()
				break
			}
		}
	}
	return total, nil
}

func (s *Simulator) SetListener(l exchange.Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// TradeCount 返回累计成交笔数。
func (s *Simulator) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradeCount
}

func (s *Simulator) balanceLocked(asset string) *exchange.Balance {
	bal, ok := s.balances[asset]
	if !ok {
		bal = &exchange.Balance{Asset: asset}
		s.balances[asset] = bal
	}
	return bal
}
