package risk

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

// DailyLimit 在内层风控之后检查账户净值的日内亏损，超过上限时暂停新入场到下一个交易日。
type DailyLimit struct {
	inner   algo.RiskManager
	tracker *DailyTracker
	asset   string

	host   algo.Host
	logger *zap.Logger
	last   DailyStatus
}

// NewDailyLimit 包装风控模块，inner 可为空。
func NewDailyLimit(inner algo.RiskManager, tracker *DailyTracker, asset string, logger *zap.Logger) *DailyLimit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyLimit{inner: inner, tracker: tracker, asset: asset, logger: logger}
}

// Status 返回最近一次检查的日度状态。
func (d *DailyLimit) Status() DailyStatus {
	return d.last
}

func (d *DailyLimit) Initialize(ctx context.Context, host algo.Host) error {
	d.host = host
	if d.inner != nil {
		return d.inner.Initialize(ctx, host)
	}
	return nil
}

func (d *DailyLimit) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	if d.inner != nil {
		return d.inner.OnSymbolsChanged(ctx, added, removed)
	}
	return nil
}

func (d *DailyLimit) OnOperationEvent(ev operation.Event) {
	if h, ok := d.inner.(algo.EventHandler); ok {
		h.OnOperationEvent(ev)
	}
}

func (d *DailyLimit) Update(ctx context.Context, slice *algo.TimeSlice) error {
	var errs error
	if d.inner != nil {
		errs = multierr.Append(errs, d.inner.Update(ctx, slice))
	}

	now := d.host.Now()
	equity, err := d.host.Market().Equity(ctx, d.asset)
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("risk: 获取账户净值失败: %w", err))
	}
	status, err := d.tracker.Update(ctx, now, equity)
	if err != nil {
		return multierr.Append(errs, err)
	}
	metrics.DailyLoss.Set(status.LossPercent)

	if status.Halted && !d.last.Halted {
		d.logger.Warn("日内亏损超过上限，暂停新入场",
			zap.String("trading_date", status.TradingDate),
			zap.Float64("start_equity", status.StartEquity),
			zap.Float64("equity", status.CurrentEquity),
		)
	}
	d.last = status
	if status.Halted {
		errs = multierr.Append(errs, d.host.HaltEntries(ctx, d.tracker.NextReset(now)))
	}
	return errs
}

type dailyState struct {
	Inner json.RawMessage `json:"inner,omitempty"`
}

func (d *DailyLimit) State() ([]byte, error) {
	if d.inner == nil {
		return nil, nil
	}
	blob, err := d.inner.State()
	if err != nil || blob == nil {
		return blob, err
	}
	return json.Marshal(dailyState{Inner: blob})
}

func (d *DailyLimit) RestoreState(blob []byte) error {
	if d.inner == nil {
		return nil
	}
	var st dailyState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("risk: 解析状态失败: %w", err)
	}
	if len(st.Inner) == 0 {
		return nil
	}
	return d.inner.RestoreState(st.Inner)
}
