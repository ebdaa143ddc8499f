package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/config"
)

const (
	outlierRatio      = 0.5
	notReadyRetry     = 5 * time.Minute
	errorRetry        = 2 * time.Minute
	maxEquityReadings = 64
)

// Factors 为预算相对账户净值的比例。
type Factors struct {
	Budget       float64
	PerSymbol    float64
	PerOperation float64
}

// Relative 按账户净值的指数移动平均周期性缩放固定分配器的预算。
type Relative struct {
	*Fixed
	factors  Factors
	period   int
	interval time.Duration

	readings   []float64
	nextUpdate time.Time
}

// NewRelative 创建相对净值分配器。
func NewRelative(params Params, factors Factors, period int, interval time.Duration, logger *zap.Logger) *Relative {
	if period < 2 {
		period = 6
	}
	if interval <= 0 {
		interval = 60 * time.Minute
	}
	params.ProportionalToProfit = false
	params.Budget, params.BudgetPerSymbol, params.BudgetPerOperation = 0, 0, 0
	r := &Relative{
		Fixed:    newFixed(params.withDefaults(), "relative", logger),
		factors:  factors,
		period:   period,
		interval: interval,
	}
	r.gate = r.coolDownElapsed
	return r
}

func (r *Relative) Initialize(ctx context.Context, host algo.Host) error {
	if err := r.Fixed.Initialize(ctx, host); err != nil {
		return err
	}
	r.nextUpdate = host.Now()
	r.refresh(ctx)
	return nil
}

// Update 刷新净值均值后以缩放后的预算执行固定分配。
func (r *Relative) Update(ctx context.Context, slice *algo.TimeSlice) error {
	r.refresh(ctx)
	if eq, ok := r.EquityAverage(); ok {
		r.params.Budget = r.factors.Budget * eq
		r.params.BudgetPerSymbol = r.factors.PerSymbol * eq
		r.params.BudgetPerOperation = r.factors.PerOperation * eq
	}
	return r.Fixed.Update(ctx, slice)
}

// EquityAverage 返回当前净值均值，尚无读数时返回 false。
// 读数不足一个周期时使用算术平均。
func (r *Relative) EquityAverage() (float64, bool) {
	n := len(r.readings)
	if n == 0 {
		return 0, false
	}
	if n < r.period {
		sum := 0.0
		for _, v := range r.readings {
			sum += v
		}
		return sum / float64(n), true
	}
	ema := talib.Ema(r.readings, r.period)
	return ema[len(ema)-1], true
}

// Ready 判断读数是否已满一个 EMA 周期。
func (r *Relative) Ready() bool {
	return len(r.readings) >= r.period
}

func (r *Relative) refresh(ctx context.Context) {
	now := r.host.Now()
	if now.Before(r.nextUpdate) {
		return
	}

	eq, err := r.host.Market().Equity(ctx, r.params.BudgetAsset)
	if err != nil {
		r.logger.Error("获取账户净值失败", zap.Error(err))
		r.nextUpdate = now.Add(errorRetry)
		return
	}
	r.record(eq)
	if r.Ready() {
		r.nextUpdate = now.Add(r.interval)
	} else {
		r.nextUpdate = now.Add(notReadyRetry)
	}
}

// record 记录净值读数，偏离当前均值 50% 以上的读数与零值被丢弃。
func (r *Relative) record(eq float64) bool {
	if avg, ok := r.EquityAverage(); ok && math.Abs(eq-avg) >= avg*outlierRatio {
		r.logger.Error("净值读数偏离均值过大，已丢弃", zap.Float64("equity", eq), zap.Float64("average", avg))
		return false
	}
	if eq == 0 {
		return false
	}
	r.readings = append(r.readings, eq)
	if len(r.readings) > maxEquityReadings {
		r.readings = append([]float64(nil), r.readings[len(r.readings)-maxEquityReadings:]...)
	}
	return true
}

type relativeState struct {
	fixedState
	Readings   []float64 `json:"readings"`
	NextUpdate time.Time `json:"next_update"`
}

func (r *Relative) State() ([]byte, error) {
	return json.Marshal(relativeState{
		fixedState: fixedState{LastInvestment: r.lastInvestment},
		Readings:   r.readings,
		NextUpdate: r.nextUpdate,
	})
}

func (r *Relative) RestoreState(blob []byte) error {
	var st relativeState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("allocation: 解析状态失败: %w", err)
	}
	for k, v := range st.LastInvestment {
		r.lastInvestment[k] = v
	}
	r.readings = st.Readings
	if !st.NextUpdate.IsZero() {
		r.nextUpdate = st.NextUpdate
	}
	return nil
}

// New 根据配置创建分配器。
func New(cfg config.AllocatorConfig, logger *zap.Logger) (algo.Allocator, error) {
	params := ParamsFromConfig(cfg)
	switch cfg.Kind {
	case "fixed", "":
		return NewFixed(params, logger), nil
	case "double_down":
		return NewDoubleDown(params, cfg.DoubleDownThreshold, logger), nil
	case "relative":
		rc := cfg.Relative
		factors := Factors{Budget: rc.BudgetFactor, PerSymbol: rc.PerSymbolFactor, PerOperation: rc.PerOperationFactor}
		return NewRelative(params, factors, rc.EMAPeriod, rc.UpdateInterval, logger), nil
	default:
		return nil, fmt.Errorf("allocation: 未知分配器类型 %q", cfg.Kind)
	}
}
