package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/exchange"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

const (
	emptyCloseGrace   = 2 * time.Minute
	remainderLowRatio = 0.07
	rewardRetry       = time.Minute
)

// RewardRatioParams 为风险回报比止损参数。
type RewardRatioParams struct {
	// Ratio 为止损距离相对 |目标价-入场价| 的倍数
	Ratio float64
	// Trailing 以持仓期间的最优价格为止损基准
	Trailing bool
	// BaseLevelTimespan 大于0时，买入操作的报价跌破该时间窗口内的最低价也触发止损
	BaseLevelTimespan time.Duration
}

type rewardOpData struct {
	StopLossDelta float64   `json:"stop_loss_delta"`
	BestPrice     float64   `json:"best_price"`
	NextTry       time.Time `json:"next_try"`
}

type baseLevel struct {
	Lows []float64 `json:"lows"`
}

type rewardState struct {
	Operations map[string]*rewardOpData `json:"operations"`
	Symbols    map[string]*baseLevel    `json:"symbols"`
}

// RewardRatio 以信号的预期收益推导止损距离，可选跟踪止损与区间最低价保护。
type RewardRatio struct {
	params RewardRatioParams
	period int

	host   algo.Host
	logger *zap.Logger

	ops     map[string]*rewardOpData
	symbols map[string]*baseLevel
}

// NewRewardRatio 创建风险回报比止损。
func NewRewardRatio(params RewardRatioParams, logger *zap.Logger) *RewardRatio {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.Ratio <= 0 {
		params.Ratio = 1
	}
	return &RewardRatio{
		params:  params,
		period:  int(params.BaseLevelTimespan / time.Minute),
		logger:  logger,
		ops:     make(map[string]*rewardOpData),
		symbols: make(map[string]*baseLevel),
	}
}

func (r *RewardRatio) Initialize(ctx context.Context, host algo.Host) error {
	r.host = host
	return nil
}

func (r *RewardRatio) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	for _, sd := range removed {
		if len(sd.ActiveOperations()) == 0 {
			delete(r.symbols, sd.Key())
		}
	}
	return nil
}

// OnOperationEvent 在信号修改后重新计算止损距离。
func (r *RewardRatio) OnOperationEvent(ev operation.Event) {
	switch ev.Kind {
	case operation.EventSignalModified:
		if d, ok := r.ops[ev.Operation.ID]; ok {
			d.StopLossDelta = r.stopLossDelta(ev.Operation)
		}
	case operation.EventClosed:
		delete(r.ops, ev.Operation.ID)
	}
}

func (r *RewardRatio) stopLossDelta(op *operation.Operation) float64 {
	reward := math.Abs(op.Signal.PriceTarget - op.Signal.PriceEntry)
	if op.EntryDirection() == exchange.DirectionBuy {
		return -reward * r.params.Ratio
	}
	return reward * r.params.Ratio
}

func (r *RewardRatio) opData(op *operation.Operation) *rewardOpData {
	d, ok := r.ops[op.ID]
	if !ok {
		d = &rewardOpData{StopLossDelta: r.stopLossDelta(op)}
		r.ops[op.ID] = d
	}
	return d
}

// StopPrice 返回操作当前的止损价。
func (r *RewardRatio) StopPrice(op *operation.Operation) float64 {
	d := r.opData(op)
	if !r.params.Trailing {
		return op.Signal.PriceEntry + d.StopLossDelta
	}
	best := d.BestPrice
	if best == 0 {
		best = op.AverageEntryPrice()
	}
	return best + d.StopLossDelta
}

// BaseLevel 返回交易对的区间最低价，数据不足或未启用时 ok 为 false。
func (r *RewardRatio) BaseLevel(symbol string) (float64, bool) {
	if r.period <= 0 {
		return 0, false
	}
	bl, ok := r.symbols[symbol]
	if !ok || len(bl.Lows) < r.period {
		return 0, false
	}
	out := talib.Min(bl.Lows, r.period)
	return out[len(out)-1], true
}

func (r *RewardRatio) Update(ctx context.Context, slice *algo.TimeSlice) error {
	for _, op := range r.host.ActiveOperations() {
		if !op.IsStarted() || op.IsClosing() || op.IsClosed() {
			continue
		}
		sd, ok := r.host.SymbolData(op.Symbol.Key)
		if !ok {
			continue
		}
		_ = algo.Guard(r.logger, op, func() {
			r.manage(ctx, op, sd)
		})
	}
	r.updateRecords(slice)
	return nil
}

func (r *RewardRatio) manage(ctx context.Context, op *operation.Operation, sd *algo.SymbolData) {
	now := r.host.Now()
	if op.AmountRemaining() <= 0 {
		op.ScheduleClose(now.Add(emptyCloseGrace))
		return
	}
	if op.RiskManaged {
		r.liquidate(ctx, op, now)
		return
	}

	quote := sd.Quote()
	stop := r.StopPrice(op)
	reached := false
	switch op.Type {
	case operation.TypeBuyThenSell:
		reached = quote.Bid > 0 && quote.Bid < stop
		if level, ok := r.BaseLevel(op.Symbol.Key); ok && quote.Bid > 0 && quote.Bid < level {
			reached = true
		}
	case operation.TypeSellThenBuy:
		reached = quote.Ask > 0 && quote.Ask > stop
	}
	if !reached {
		return
	}
	op.MarkRiskManaged()
	metrics.RiskTriggers.WithLabelValues(op.Symbol.Key, "reward_ratio").Inc()
	r.logger.Warn("触发止损，操作交由风控接管",
		zap.String("operation", op.ID),
		zap.Float64("stop_price", stop),
		zap.Float64("bid", quote.Bid),
		zap.Float64("ask", quote.Ask),
	)
}

func (r *RewardRatio) liquidate(ctx context.Context, op *operation.Operation, now time.Time) {
	d := r.opData(op)
	if now.Before(d.NextTry) {
		return
	}
	d.NextTry = now.Add(rewardRetry)
	lr, err := r.host.Executor().Liquidate(ctx, op, "stop_loss")
	if err != nil {
		r.logger.Error("清算失败", zap.String("operation", op.ID), zap.Error(err))
		return
	}
	if lr.AmountRemainingLow && op.AmountInvested() > 0 && op.AmountRemaining()/op.AmountInvested() < remainderLowRatio {
		r.logger.Info("剩余数量过小，进入关闭队列", zap.String("operation", op.ID))
		op.ScheduleClose(now.Add(closeGrace))
	}
}

// updateRecords 以本周期K线刷新各操作的最优价格与交易对的最低价窗口。
func (r *RewardRatio) updateRecords(slice *algo.TimeSlice) {
	for _, data := range slice.Symbols() {
		if len(data.Records) == 0 {
			continue
		}
		sd, ok := r.host.SymbolData(data.Symbol)
		if !ok {
			continue
		}
		ops := sd.ActiveOperations()
		for _, rec := range data.Records {
			for _, op := range ops {
				if op.AmountInvested() <= 0 {
					continue
				}
				d := r.opData(op)
				switch op.Type {
				case operation.TypeBuyThenSell:
					if rec.High > d.BestPrice {
						d.BestPrice = rec.High
					}
				case operation.TypeSellThenBuy:
					if d.BestPrice == 0 || rec.Low < d.BestPrice {
						d.BestPrice = rec.Low
					}
				}
			}
			if r.period > 0 {
				bl, ok := r.symbols[data.Symbol]
				if !ok {
					bl = &baseLevel{}
					r.symbols[data.Symbol] = bl
				}
				bl.Lows = append(bl.Lows, rec.Low)
				if n := len(bl.Lows); n > r.period {
					bl.Lows = append(bl.Lows[:0], bl.Lows[n-r.period:]...)
				}
			}
		}
	}
}

func (r *RewardRatio) State() ([]byte, error) {
	return json.Marshal(rewardState{Operations: r.ops, Symbols: r.symbols})
}

func (r *RewardRatio) RestoreState(blob []byte) error {
	var st rewardState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("risk: 解析状态失败: %w", err)
	}
	for id, d := range st.Operations {
		if d != nil {
			r.ops[id] = d
		}
	}
	for key, bl := range st.Symbols {
		if bl != nil {
			r.symbols[key] = bl
		}
	}
	return nil
}
