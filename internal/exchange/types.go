package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Timeframe1m 为编排器默认的行情记录周期。
	Timeframe1m = "1m"
	// Timeframe1h 为信号阶段默认的历史回补周期。
	Timeframe1h = "1h"
)

// Direction 表示成交或委托方向。
type Direction string

const (
	DirectionNone Direction = ""
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Opposite 返回反方向。
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	default:
		return DirectionNone
	}
}

// ParseDirection 解析大小写不敏感的方向字符串。
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return DirectionBuy
	case "sell", "short":
		return DirectionSell
	default:
		return DirectionNone
	}
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus 表示委托状态。
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusExpired   OrderStatus = "expired"
)

// IsClosed 判断状态是否为终态。
func (s OrderStatus) IsClosed() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Quote 为某一时刻的最优买卖价。
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Mid 返回中间价，缺少一侧报价时返回另一侧。
func (q Quote) Mid() float64 {
	switch {
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	case q.Bid > 0:
		return q.Bid
	default:
		return q.Ask
	}
}

// OrderRequest 抽象具体委托。
type OrderRequest struct {
	Symbol        string
	Side          Direction
	Type          OrderType
	Amount        float64
	Price         float64
	ClientOrderID string
	TimeInForce   string
}

// Order 为交易所返回的委托快照。
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Direction   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price"`
	Amount        float64     `json:"amount"`
	Filled        float64     `json:"filled"`
	Status        OrderStatus `json:"status"`
	Time          time.Time   `json:"time"`
}

// IsClosed 判断委托是否已结束。
func (o Order) IsClosed() bool {
	return o.Status.IsClosed()
}

// Remaining 返回尚未成交的数量。
func (o Order) Remaining() float64 {
	rest := o.Amount - o.Filled
	if rest < 0 {
		return 0
	}
	return rest
}

// Trade 为一笔已确认成交。
type Trade struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	Price         float64   `json:"price"`
	Amount        float64   `json:"amount"`
	Fee           float64   `json:"fee"`
	FeeAsset      string    `json:"fee_asset"`
	Time          time.Time `json:"time"`
}

// QuoteAmount 返回成交额。
func (t Trade) QuoteAmount() float64 {
	return t.Price * t.Amount
}

// Balance 为单个资产的可用与冻结余额。
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Total 返回资产总额。
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// TimeframeDuration 解析 1m/4h/1d/1w 形式的K线周期。
func TimeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("exchange: K线周期非法: %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("exchange: K线周期非法: %q", tf)
	}
	unit := map[byte]time.Duration{
		's': time.Second,
		'm': time.Minute,
		'h': time.Hour,
		'd': 24 * time.Hour,
		'w': 7 * 24 * time.Hour,
	}[tf[len(tf)-1]]
	if unit == 0 {
		return 0, fmt.Errorf("exchange: K线周期非法: %q", tf)
	}
	return time.Duration(n) * unit, nil
}
