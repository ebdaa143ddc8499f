package feature

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/exchange"
	"tradeops/internal/indicator"
)

// HigherTimeframeFactor 为合成高周期K线时合并的根数。
const HigherTimeframeFactor = 4

// TrendFeatures 描述趋势相关指标。
type TrendFeatures struct {
	EMA12                float64 `json:"ema12"`
	EMA26                float64 `json:"ema26"`
	EMA50                float64 `json:"ema50"`
	EMARank              string  `json:"ema_rank"`
	DistanceToEMA12      float64 `json:"distance_to_ema12"`
	DistanceToEMA50      float64 `json:"distance_to_ema50"`
	MACDHistogram        float64 `json:"macd_histogram"`
	MACDHistogramChange  float64 `json:"macd_histogram_change"`
	BollingerPosition    float64 `json:"bollinger_position"`
	BollingerBandwidth   float64 `json:"bollinger_bandwidth"`
	HigherTimeframeTrend string  `json:"higher_timeframe_trend"`
}

// MomentumFeatures 描述动量相关指标。
type MomentumFeatures struct {
	RSIValue         float64 `json:"rsi"`
	RSIState         string  `json:"rsi_state"`
	VolumeRatio      float64 `json:"volume_ratio"`
	VolumeDivergence string  `json:"volume_divergence"`
}

// VolatilityFeatures 描述波动率状况。
type VolatilityFeatures struct {
	ATRAbsolute          float64 `json:"atr"`
	ATRRelative          float64 `json:"atr_relative"`
	RecentVolatility     float64 `json:"recent_volatility"`
	HistoricalVolatility float64 `json:"historical_volatility"`
	VolatilityRatio      float64 `json:"volatility_ratio"`
}

// MarketStructureFeatures 描述价格结构与盘口。
type MarketStructureFeatures struct {
	SupportLevel    float64 `json:"support"`
	ResistanceLevel float64 `json:"resistance"`
	Bid             float64 `json:"bid"`
	Ask             float64 `json:"ask"`
	SpreadRatio     float64 `json:"spread_ratio"`
}

// MarketStateFeatures 描述整体市场状态。
type MarketStateFeatures struct {
	ADXValue       float64 `json:"adx"`
	TrendStrength  string  `json:"trend_strength"`
	TradingSession string  `json:"trading_session"`
}

// FeatureSet 汇总全部特征，用于后续提示词拼装。
type FeatureSet struct {
	Symbol          string                  `json:"symbol"`
	Timeframe       string                  `json:"timeframe"`
	GeneratedAt     time.Time               `json:"generated_at"`
	Close           float64                 `json:"close"`
	Trend           TrendFeatures           `json:"trend"`
	Momentum        MomentumFeatures        `json:"momentum"`
	Volatility      VolatilityFeatures      `json:"volatility"`
	MarketStructure MarketStructureFeatures `json:"market_structure"`
	MarketState     MarketStateFeatures     `json:"market_state"`
}

// Snapshot 为特征提取的输入：按时间升序的K线与当前报价。
type Snapshot struct {
	Symbol    string
	Timeframe string
	Time      time.Time
	Candles   []exchange.Candle
	Quote     exchange.Quote
}

// Extractor 根据行情快照提取特征。
type Extractor struct {
	indicators *indicator.Calculator
	logger     *zap.Logger
}

// NewExtractor 创建特征提取器。
func NewExtractor(calc *indicator.Calculator, logger *zap.Logger) *Extractor {
	if calc == nil {
		calc = indicator.NewCalculator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		indicators: calc,
		logger:     logger,
	}
}

// Forget 释放某交易对的指标缓存。
func (e *Extractor) Forget(symbol string) {
	e.indicators.Forget(symbol)
}

// Extract 计算特征。K线不足时返回 indicator.ErrInsufficientData。
func (e *Extractor) Extract(ctx context.Context, snapshot Snapshot) (FeatureSet, error) {
	select {
	case <-ctx.Done():
		return FeatureSet{}, ctx.Err()
	default:
	}

	res, err := e.indicators.Compute(snapshot.Symbol, snapshot.Timeframe, snapshot.Candles)
	if err != nil {
		return FeatureSet{}, fmt.Errorf("feature: 计算指标失败: %w", err)
	}

	htfTrend := "unknown"
	higher := indicator.Resample(snapshot.Candles, HigherTimeframeFactor)
	htf, err := e.indicators.Compute(snapshot.Symbol, fmt.Sprintf("%sx%d", snapshot.Timeframe, HigherTimeframeFactor), higher)
	switch {
	case err == nil:
		htfTrend = determineHigherTimeframeTrend(htf)
	case !errors.Is(err, indicator.ErrInsufficientData):
		return FeatureSet{}, fmt.Errorf("feature: 计算高周期指标失败: %w", err)
	}

	features := FeatureSet{
		Symbol:          snapshot.Symbol,
		Timeframe:       snapshot.Timeframe,
		GeneratedAt:     snapshot.Time.UTC(),
		Close:           indicator.Clean(res.Close),
		Trend:           buildTrendFeatures(res, htfTrend),
		Momentum:        buildMomentumFeatures(res),
		Volatility:      buildVolatilityFeatures(res),
		MarketStructure: buildMarketStructureFeatures(res, snapshot.Quote),
		MarketState: MarketStateFeatures{
			ADXValue:       indicator.Clean(res.ADX),
			TrendStrength:  determineTrendStrength(res.ADX),
			TradingSession: determineTradingSession(snapshot.Time),
		},
	}

	e.logger.Debug("特征提取完成",
		zap.String("symbol", features.Symbol),
		zap.Time("generated_at", features.GeneratedAt),
	)

	return features, nil
}

func buildTrendFeatures(res indicator.Result, htfTrend string) TrendFeatures {
	closePrice := indicator.Clean(res.Close)
	clean := indicator.Clean

	return TrendFeatures{
		EMA12:                clean(res.EMA12),
		EMA26:                clean(res.EMA26),
		EMA50:                clean(res.EMA50),
		EMARank:              determineEMARank(res.EMA12, res.EMA26, res.EMA50),
		DistanceToEMA12:      clean(indicator.SafeDivide(closePrice-res.EMA12, closePrice)),
		DistanceToEMA50:      clean(indicator.SafeDivide(closePrice-res.EMA50, closePrice)),
		MACDHistogram:        clean(res.MACD.Histogram),
		MACDHistogramChange:  clean(res.MACD.Histogram - res.MACD.PrevHistogram),
		BollingerPosition:    clean(res.Bollinger.Position),
		BollingerBandwidth:   clean(res.Bollinger.Bandwidth),
		HigherTimeframeTrend: htfTrend,
	}
}

func buildMomentumFeatures(res indicator.Result) MomentumFeatures {
	return MomentumFeatures{
		RSIValue:         indicator.Clean(res.RSI),
		RSIState:         determineRSIState(res.RSI),
		VolumeRatio:      indicator.Clean(res.Volume.Ratio),
		VolumeDivergence: determineVolumeDivergence(res),
	}
}

func buildVolatilityFeatures(res indicator.Result) VolatilityFeatures {
	recentVol, historicalVol, ratio := computeVolatilityRatios(res.Series.Close)

	return VolatilityFeatures{
		ATRAbsolute:          indicator.Clean(res.ATR.Absolute),
		ATRRelative:          indicator.Clean(res.ATR.Relative),
		RecentVolatility:     recentVol,
		HistoricalVolatility: historicalVol,
		VolatilityRatio:      ratio,
	}
}

func buildMarketStructureFeatures(res indicator.Result, quote exchange.Quote) MarketStructureFeatures {
	support, resistance := computeSupportResistance(res.Series)
	structure := MarketStructureFeatures{
		SupportLevel:    support,
		ResistanceLevel: resistance,
		Bid:             quote.Bid,
		Ask:             quote.Ask,
	}
	if quote.Bid > 0 && quote.Ask > 0 {
		structure.SpreadRatio = indicator.SafeDivide(quote.Ask-quote.Bid, (quote.Ask+quote.Bid)/2)
	}
	return structure
}

func determineEMARank(ema12, ema26, ema50 float64) string {
	switch {
	case ema12 > ema26 && ema26 > ema50:
		return "bullish_alignment"
	case ema12 < ema26 && ema26 < ema50:
		return "bearish_alignment"
	default:
		return "mixed_alignment"
	}
}

func determineHigherTimeframeTrend(res indicator.Result) string {
	ema12 := indicator.Clean(res.EMA12)
	ema26 := indicator.Clean(res.EMA26)

	switch {
	case ema12 == 0 && ema26 == 0:
		return "unknown"
	case ema12 > ema26:
		return "bullish"
	case ema12 < ema26:
		return "bearish"
	default:
		return "neutral"
	}
}

func determineRSIState(rsi float64) string {
	rsi = indicator.Clean(rsi)
	switch {
	case rsi >= 70:
		return "overbought"
	case rsi <= 30:
		return "oversold"
	default:
		return "neutral"
	}
}

func determineTrendStrength(adx float64) string {
	adx = indicator.Clean(adx)
	switch {
	case adx < 20:
		return "range"
	case adx < 25:
		return "transition"
	case adx < 40:
		return "trending"
	default:
		return "strong_trend"
	}
}

func determineTradingSession(ts time.Time) string {
	hour := ts.UTC().Hour()
	switch {
	case hour < 8:
		return "asia"
	case hour < 16:
		return "europe"
	default:
		return "america"
	}
}

func determineVolumeDivergence(res indicator.Result) string {
	priceChange := indicator.Clean(res.Close - res.PreviousClose)
	volumeRatio := indicator.Clean(res.Volume.Ratio)

	switch {
	case priceChange > 0 && volumeRatio > 1:
		return "rally_with_volume"
	case priceChange > 0:
		return "rally_without_volume"
	case priceChange < 0 && volumeRatio > 1:
		return "selloff_with_volume"
	case priceChange < 0:
		return "selloff_without_volume"
	default:
		return "neutral"
	}
}

func computeVolatilityRatios(closes []float64) (recent, historical, ratio float64) {
	returns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) == 0 {
		return 0, 0, 0
	}

	recent = stdDev(returns[len(returns)-min(14, len(returns)):])
	historical = stdDev(returns[len(returns)-min(60, len(returns)):])
	return recent, historical, indicator.SafeDivide(recent, historical)
}

func computeSupportResistance(series indicator.Series) (float64, float64) {
	window := min(50, series.Len())
	if window == 0 {
		return 0, 0
	}

	highs := series.High[series.Len()-window:]
	lows := series.Low[series.Len()-window:]

	resistance, support := highs[0], lows[0]
	for i := range highs {
		resistance = math.Max(resistance, highs[i])
		support = math.Min(support, lows[i])
	}
	return support, resistance
}

func stdDev(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(n))
}
