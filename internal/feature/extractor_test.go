package feature

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/exchange"
	"tradeops/internal/indicator"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func trendCandles(n int, start, step float64) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = exchange.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      c,
			High:      c + 2,
			Low:       c - 2,
			Close:     c,
			Volume:    5,
		}
	}
	return out
}

func TestExtractUptrend(t *testing.T) {
	ex := NewExtractor(nil, nil)
	fs, err := ex.Extract(context.Background(), Snapshot{
		Symbol:    "BTC/USDT",
		Timeframe: "1h",
		Time:      t0.Add(10 * time.Hour),
		Candles:   trendCandles(220, 100, 0.5),
		Quote:     exchange.Quote{Bid: 209.4, Ask: 209.6},
	})
	require.NoError(t, err)

	assert.Equal(t, "bullish_alignment", fs.Trend.EMARank)
	assert.Equal(t, "bullish", fs.Trend.HigherTimeframeTrend)
	assert.Equal(t, "overbought", fs.Momentum.RSIState)
	assert.Equal(t, "europe", fs.MarketState.TradingSession)
	assert.InDelta(t, 209.5, fs.Close, 1e-9)
	assert.InDelta(t, 209.5+2, fs.MarketStructure.ResistanceLevel, 1e-9)
	assert.InDelta(t, 0.2/209.5, fs.MarketStructure.SpreadRatio, 1e-9)
	assert.Greater(t, fs.Trend.DistanceToEMA50, 0.0)
}

func TestExtractWithoutHigherTimeframe(t *testing.T) {
	ex := NewExtractor(indicator.NewCalculator(), nil)
	fs, err := ex.Extract(context.Background(), Snapshot{
		Symbol:    "ETH/USDT",
		Timeframe: "1h",
		Time:      t0,
		Candles:   trendCandles(60, 300, -1),
	})
	require.NoError(t, err)
	assert.Equal(t, "unknown", fs.Trend.HigherTimeframeTrend)
	assert.Equal(t, "bearish_alignment", fs.Trend.EMARank)
	assert.Zero(t, fs.MarketStructure.SpreadRatio)
}

func TestExtractRequiresHistory(t *testing.T) {
	ex := NewExtractor(nil, nil)
	_, err := ex.Extract(context.Background(), Snapshot{Symbol: "BTC/USDT", Timeframe: "1h", Candles: trendCandles(10, 100, 1)})
	assert.ErrorIs(t, err, indicator.ErrInsufficientData)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ex.Extract(ctx, Snapshot{Symbol: "BTC/USDT"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifiers(t *testing.T) {
	assert.Equal(t, "oversold", determineRSIState(25))
	assert.Equal(t, "neutral", determineRSIState(50))
	assert.Equal(t, "range", determineTrendStrength(10))
	assert.Equal(t, "strong_trend", determineTrendStrength(45))
	assert.Equal(t, "america", determineTradingSession(t0.Add(20*time.Hour)))
	assert.Equal(t, "mixed_alignment", determineEMARank(3, 1, 2))
}
