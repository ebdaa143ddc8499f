package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/config"
	"tradeops/internal/operation"
)

// minGrantRatio 为可授予预算相对目标金额的下限。
const minGrantRatio = 0.2

// Params 为分配器的预算参数，金额均以 BudgetAsset 计。
type Params struct {
	BudgetAsset          string
	Budget               float64
	BudgetPerSymbol      float64
	BudgetPerOperation   float64
	ProportionalToProfit bool
	TargetProfit         float64
	MaxActivePerSymbol   int
	MaxPendingEntry      int
	CoolDown             time.Duration
}

// ParamsFromConfig 由配置生成参数，未设置的字段由各分配器构造时补齐默认值。
func ParamsFromConfig(cfg config.AllocatorConfig) Params {
	return Params{
		BudgetAsset:          cfg.BudgetAsset,
		Budget:               cfg.Budget,
		BudgetPerSymbol:      cfg.BudgetPerSymbol,
		BudgetPerOperation:   cfg.BudgetPerOperation,
		ProportionalToProfit: cfg.ProportionalToProfit,
		TargetProfit:         cfg.TargetProfit,
		MaxActivePerSymbol:   cfg.MaxActiveOperationsPerSymbol,
		MaxPendingEntry:      cfg.MaxOperationsWithPendingEntry,
		CoolDown:             cfg.CoolDown,
	}
}

func (p Params) withDefaults() Params {
	if p.TargetProfit <= 0 {
		p.TargetProfit = 0.05
	}
	if p.MaxActivePerSymbol <= 0 {
		p.MaxActivePerSymbol = 1
	}
	if p.MaxPendingEntry <= 0 {
		p.MaxPendingEntry = 1
	}
	return p
}

// gateFunc 在预算检查之前决定信号能否进入分配。
type gateFunc func(now time.Time, signal *operation.Signal, sd *algo.SymbolData, last time.Time) bool

// Fixed 为每个信号分配固定金额，受总预算、单交易对预算、并发数与冷却时间约束。
type Fixed struct {
	params Params
	gate   gateFunc
	kind   string

	host   algo.Host
	logger *zap.Logger

	lastInvestment map[string]time.Time
}

// NewFixed 创建固定金额分配器。
func NewFixed(params Params, logger *zap.Logger) *Fixed {
	f := newFixed(params.withDefaults(), "fixed", logger)
	f.gate = f.coolDownElapsed
	return f
}

func newFixed(params Params, kind string, logger *zap.Logger) *Fixed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fixed{
		params:         params,
		kind:           kind,
		logger:         logger,
		lastInvestment: make(map[string]time.Time),
	}
}

// Params 返回当前生效的参数。
func (f *Fixed) Params() Params {
	return f.params
}

func (f *Fixed) Initialize(ctx context.Context, host algo.Host) error {
	f.host = host
	return nil
}

func (f *Fixed) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	return nil
}

// OnOperationEvent 以成交时间刷新交易对的最近投入时间。
func (f *Fixed) OnOperationEvent(ev operation.Event) {
	if ev.Kind != operation.EventTrade {
		return
	}
	key := ev.Operation.Symbol.Key
	if ev.Trade.Time.After(f.lastInvestment[key]) {
		f.lastInvestment[key] = ev.Trade.Time
	}
}

// LastInvestment 返回交易对最近一次成交时间。
func (f *Fixed) LastInvestment(symbol string) time.Time {
	return f.lastInvestment[symbol]
}

type fixedState struct {
	LastInvestment map[string]time.Time `json:"last_investment"`
}

func (f *Fixed) State() ([]byte, error) {
	return json.Marshal(fixedState{LastInvestment: f.lastInvestment})
}

func (f *Fixed) RestoreState(blob []byte) error {
	var st fixedState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("allocation: 解析状态失败: %w", err)
	}
	for k, v := range st.LastInvestment {
		f.lastInvestment[k] = v
	}
	return nil
}

// Update 依据剩余预算把新信号转换为操作。
func (f *Fixed) Update(ctx context.Context, slice *algo.TimeSlice) error {
	total := 0.0
	for _, op := range f.host.ActiveOperations() {
		v, err := f.stillInvested(op)
		if err != nil {
			f.logger.Warn("无法以预算资产计算操作占用", zap.String("operation", op.ID), zap.Error(err))
			continue
		}
		total += v
	}

	free := f.params.Budget - total
	if free <= 0 {
		if n := len(slice.Signals()); n > 0 {
			f.logger.Info("总预算已用尽，忽略新信号", zap.Int("signals", n), zap.Float64("invested", total))
		}
		return f.host.StopEntries(ctx)
	}
	f.host.ResumeEntries()

	for _, signal := range slice.Signals() {
		granted := f.allocate(slice, signal, free)
		free -= granted
		if free <= 0 {
			break
		}
	}
	return nil
}

// allocate 尝试为信号创建操作，返回授予的预算。
func (f *Fixed) allocate(slice *algo.TimeSlice, signal *operation.Signal, free float64) float64 {
	logger := f.logger.With(zap.String("signal", signal.ID), zap.String("symbol", signal.Symbol))
	now := f.host.Now()

	amount := f.params.BudgetPerOperation
	if f.params.ProportionalToProfit {
		if profit := signal.ImpliedProfit(); profit > 0 {
			amount = amount * f.params.TargetProfit / profit
		}
	}

	sd, ok := f.host.SymbolData(signal.Symbol)
	if !ok {
		logger.Warn("信号对应的交易对未加载")
		return 0
	}
	if !f.gate(now, signal, sd, f.lastInvestment[signal.Symbol]) {
		logger.Debug("信号未通过分配条件")
		return 0
	}

	active := sd.ActiveOperations()
	if data, ok := slice.Symbol(signal.Symbol); ok {
		active = append(active, data.Operations...)
	}
	if len(active) >= f.params.MaxActivePerSymbol {
		logger.Debug("交易对活跃操作已达上限", zap.Int("active", len(active)))
		return 0
	}
	pending := 0
	for _, op := range active {
		if !op.IsClosing() && !op.IsClosed() && op.AmountInvested() == 0 {
			pending++
		}
	}
	if pending >= f.params.MaxPendingEntry {
		logger.Debug("交易对等待入场的操作已达上限", zap.Int("pending", pending))
		return 0
	}

	invested, err := f.host.Executor().InvestedOrLocked(signal.Symbol, f.params.BudgetAsset)
	if err != nil {
		logger.Warn("查询交易对占用资金失败", zap.Error(err))
		return 0
	}
	grant := math.Min(math.Min(f.params.BudgetPerSymbol-invested, free), amount)
	if grant < minGrantRatio*amount {
		logger.Info("可用预算不足，拒绝信号",
			zap.Float64("grant", grant),
			zap.Float64("amount", amount),
			zap.Float64("symbol_invested", invested),
			zap.Float64("free", free),
		)
		return 0
	}

	op, err := f.host.NewOperation(signal, operation.AssetAmount{Asset: f.params.BudgetAsset, Amount: grant})
	if err != nil {
		logger.Warn("创建操作失败", zap.Error(err))
		return 0
	}
	slice.AddOperation(op)
	logger.Info("已为信号创建操作",
		zap.String("allocator", f.kind),
		zap.String("operation", op.ID),
		zap.String("type", string(op.Type)),
		zap.Float64("amount", grant),
		zap.String("asset", f.params.BudgetAsset),
	)
	return grant
}

// stillInvested 返回操作仍占用的预算资产数量。
func (f *Fixed) stillInvested(op *operation.Operation) (float64, error) {
	switch f.params.BudgetAsset {
	case op.Symbol.Asset:
		return op.AmountRemaining(), nil
	case op.Symbol.QuoteAsset:
		return op.QuoteAmountRemaining(), nil
	default:
		return 0, fmt.Errorf("allocation: 预算资产 %s 与交易对 %s 不匹配", f.params.BudgetAsset, op.Symbol.Key)
	}
}

func (f *Fixed) coolDownElapsed(now time.Time, _ *operation.Signal, _ *algo.SymbolData, last time.Time) bool {
	return !now.Before(last.Add(f.params.CoolDown))
}
