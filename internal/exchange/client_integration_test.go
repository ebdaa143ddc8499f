//go:build integration
// +build integration

package exchange

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/config"
)

// 只读访问交易所公共接口，不会下单
func TestClientIntegration_MarketData(t *testing.T) {
	configPath := os.Getenv("TRADEOPS_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if !cfg.Exchange.UseSandbox && !cfg.Exchange.Paper {
		t.Skip("exchange 既非沙盒也非模拟盘，出于安全考虑跳过")
	}
	if len(cfg.Symbols.List) == 0 {
		t.Skip("配置缺少交易对，跳过测试")
	}
	symbol := cfg.Symbols.List[0]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(cfg.Exchange, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化交易所客户端失败: %v", err)
	}

	info, err := client.SymbolInfo(ctx, symbol)
	if err != nil {
		t.Fatalf("获取交易对信息失败: %v", err)
	}
	if info.PriceTick <= 0 || info.LotStep <= 0 {
		t.Fatalf("交易对精度非法: %+v", info)
	}

	feed, err := client.Subscribe(ctx, symbol)
	if err != nil {
		t.Fatalf("订阅行情失败: %v", err)
	}
	defer client.Release(feed)
	if q := feed.Quote(); q.Bid <= 0 || q.Ask < q.Bid {
		t.Fatalf("报价非法: %+v", q)
	}

	history, err := NewMarketDataService(client, zap.NewNop()).History(ctx, HistoryRequest{
		Symbols:   []string{symbol},
		Timeframe: Timeframe1m,
		Limit:     60,
	})
	if err != nil {
		t.Fatalf("回补K线失败: %v", err)
	}
	candles := history[symbol]
	if len(candles) == 0 {
		t.Fatalf("未返回K线")
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			t.Fatalf("K线时间未递增: %s <= %s", candles[i].Timestamp, candles[i-1].Timestamp)
		}
	}
}
