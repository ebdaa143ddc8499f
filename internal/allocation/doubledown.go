package allocation

import (
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
)

// defaultDoubleDownActive 为加仓分配器未配置时的单交易对活跃操作上限。
const defaultDoubleDownActive = 3

// DoubleDown 不受冷却时间限制，但只有新信号的入场价比同方向已有操作明显更优时才加仓。
type DoubleDown struct {
	*Fixed
	threshold float64
}

// NewDoubleDown 创建加仓分配器，threshold 为入场价相对已有最优均价的最小改善比例。
func NewDoubleDown(params Params, threshold float64, logger *zap.Logger) *DoubleDown {
	if threshold <= 0 {
		threshold = 0.01
	}
	if params.MaxActivePerSymbol <= 0 {
		params.MaxActivePerSymbol = defaultDoubleDownActive
	}
	d := &DoubleDown{
		Fixed:     newFixed(params.withDefaults(), "double_down", logger),
		threshold: threshold,
	}
	d.gate = d.shouldDoubleDown
	return d
}

// shouldDoubleDown 买入信号要求入场价低于已有最低均价 threshold 以上，卖出信号反之。
// 没有已成交的同方向操作时直接允许。
func (d *DoubleDown) shouldDoubleDown(_ time.Time, signal *operation.Signal, sd *algo.SymbolData, _ time.Time) bool {
	var prices []float64
	for _, op := range sd.ActiveOperations() {
		if op.Signal.Kind != signal.Kind || op.AverageEntryPrice() <= 0 {
			continue
		}
		prices = append(prices, op.AverageEntryPrice())
	}
	if len(prices) == 0 {
		return true
	}

	switch signal.Kind {
	case exchange.DirectionBuy:
		lowest := prices[0]
		for _, p := range prices[1:] {
			if p < lowest {
				lowest = p
			}
		}
		return (lowest-signal.PriceEntry)/lowest > d.threshold
	case exchange.DirectionSell:
		highest := prices[0]
		for _, p := range prices[1:] {
			if p > highest {
				highest = p
			}
		}
		return (signal.PriceEntry-highest)/highest > d.threshold
	default:
		return false
	}
}
