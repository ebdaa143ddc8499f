package indicator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	talib "github.com/markcheno/go-talib"

	"tradeops/internal/exchange"
)

// MinCandles 为计算全部指标所需的最少K线数量（EMA50 需要的预热长度）。
const MinCandles = 50

// ErrInsufficientData 表示K线数量不足。
var ErrInsufficientData = errors.New("indicator: K线数量不足")

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	Bandwidth float64
	Position  float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总。
type Result struct {
	Symbol        string
	Timeframe     string
	Series        Series
	EMA12         float64
	EMA26         float64
	EMA50         float64
	MACD          MACDResult
	Bollinger     BollingerResult
	RSI           float64
	ATR           ATRResult
	ADX           float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算，按 交易对+周期 缓存最近一次结果。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算常用技术指标。K线需按时间升序。
func (c *Calculator) Compute(symbol, timeframe string, candles []exchange.Candle) (Result, error) {
	if len(candles) < MinCandles {
		return Result{}, fmt.Errorf("%w: %s %s 需要 %d 根，当前 %d", ErrInsufficientData, symbol, timeframe, MinCandles, len(candles))
	}

	series := NewSeries(candles)
	slot := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%d:%d:%g", series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix(), Last(series.Close))

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := calculate(series)
	result.Symbol = symbol
	result.Timeframe = timeframe

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

// Forget 清除某交易对的缓存。
func (c *Calculator) Forget(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slot := range c.cache {
		if strings.HasPrefix(slot, symbol+":") {
			delete(c.cache, slot)
		}
	}
}

func calculate(series Series) Result {
	closePrices := series.Close
	highs := series.High
	lows := series.Low

	ema12 := talib.Ema(closePrices, 12)
	ema26 := talib.Ema(closePrices, 26)
	ema50 := talib.Ema(closePrices, 50)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := talib.BBands(closePrices, 20, 2, 2, talib.EMA)
	rsi := talib.Rsi(closePrices, 14)
	atr := talib.Atr(highs, lows, closePrices, 14)
	adx := talib.Adx(highs, lows, closePrices, 14)

	volumeAvg20 := average(SliceTail(series.Volume, 20))
	volumeCurrent := Last(series.Volume)

	lastClose := Last(closePrices)
	atrAbs := Last(atr)

	return Result{
		Series:    series,
		EMA12:     Last(ema12),
		EMA26:     Last(ema26),
		EMA50:     Last(ema50),
		MACD:      MACDResult{Value: Last(macd), Signal: Last(macdSignal), Histogram: Last(macdHist), PrevHistogram: Prev(macdHist)},
		Bollinger: buildBollinger(lastClose, Last(bbUpper), Last(bbMiddle), Last(bbLower)),
		RSI:       Last(rsi),
		ATR:       ATRResult{Absolute: atrAbs, Relative: SafeDivide(atrAbs, lastClose), PrevAbsolute: Prev(atr)},
		ADX:       Last(adx),
		Volume: VolumeResult{
			Current:   volumeCurrent,
			Average20: volumeAvg20,
			Ratio:     SafeDivide(volumeCurrent, volumeAvg20),
		},
		Close:         lastClose,
		PreviousClose: Prev(closePrices),
	}
}

func buildBollinger(close, upper, middle, lower float64) BollingerResult {
	width := upper - lower
	position := 0.0
	if width > 0 {
		position = SafeDivide(close-lower, width)
	}
	// 位置限制在[0,1]
	position = math.Max(0, math.Min(1, position))

	return BollingerResult{
		Upper:     upper,
		Middle:    middle,
		Lower:     lower,
		Bandwidth: SafeDivide(width, middle),
		Position:  position,
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
