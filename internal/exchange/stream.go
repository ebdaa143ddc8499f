package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradeops/internal/config"
)

// BookTickerStream 订阅 Binance bookTicker 推送，实时更新最优买卖价。
type BookTickerStream struct {
	cfg     config.StreamConfig
	onQuote func(Quote)
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]string // stream 符号 -> 交易对
	nextID  int64
}

type bookTickerMessage struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// NewBookTickerStream 创建行情推送订阅器。
func NewBookTickerStream(cfg config.StreamConfig, onQuote func(Quote), logger *zap.Logger) *BookTickerStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BookTickerStream{
		cfg:     cfg,
		onQuote: onQuote,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		symbols: make(map[string]string),
	}
}

// Add 增加订阅，已连接时立即发送订阅请求。
func (s *BookTickerStream) Add(symbol string) {
	name := streamSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[name]; ok {
		return
	}
	s.symbols[name] = symbol
	if s.conn != nil {
		if err := s.sendLocked("SUBSCRIBE", []string{name}); err != nil {
			s.logger.Warn("发送订阅请求失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Remove 取消订阅。
func (s *BookTickerStream) Remove(symbol string) {
	name := streamSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[name]; !ok {
		return
	}
	delete(s.symbols, name)
	if s.conn != nil {
		if err := s.sendLocked("UNSUBSCRIBE", []string{name}); err != nil {
			s.logger.Warn("发送退订请求失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Run 维持连接并在断线后按退避时间重连，直到 ctx 结束。
func (s *BookTickerStream) Run(ctx context.Context) error {
	backoff := s.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = 3 * time.Second
	}

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("行情推送连接断开，准备重连", zap.Duration("wait", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *BookTickerStream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("exchange: 连接行情推送失败: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	names := make([]string, 0, len(s.symbols))
	for name := range s.symbols {
		names = append(names, name)
	}
	if len(names) > 0 {
		if err := s.sendLocked("SUBSCRIBE", names); err != nil {
			s.conn = nil
			s.mu.Unlock()
			_ = conn.Close()
			return err
		}
	}
	s.mu.Unlock()

	s.logger.Info("行情推送已连接", zap.String("url", s.cfg.URL), zap.Int("symbols", len(names)))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(payload)
	}
}

func (s *BookTickerStream) handle(payload []byte) {
	var msg bookTickerMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Symbol == "" {
		// 订阅确认等非行情消息
		return
	}

	s.mu.Lock()
	symbol, ok := s.symbols[strings.ToLower(msg.Symbol)]
	s.mu.Unlock()
	if !ok {
		return
	}

	bid, errBid := strconv.ParseFloat(msg.BidPrice, 64)
	ask, errAsk := strconv.ParseFloat(msg.AskPrice, 64)
	if errBid != nil || errAsk != nil {
		s.logger.Debug("解析 bookTicker 失败", zap.ByteString("payload", payload))
		return
	}

	if s.onQuote != nil {
		s.onQuote(Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now().UTC()})
	}
}

func (s *BookTickerStream) sendLocked(method string, names []string) error {
	s.nextID++
	params := make([]string, 0, len(names))
	for _, name := range names {
		params = append(params, name+"@bookTicker")
	}
	return s.conn.WriteJSON(subscribeRequest{Method: method, Params: params, ID: s.nextID})
}

func streamSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}
