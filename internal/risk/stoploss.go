package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/exchange"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

const (
	closeGrace          = 3 * time.Minute
	liquidationBackoff  = 120 * time.Second
	liquidationStep     = 60 * time.Second
	maxBackoffSteps     = 8
	maxLiquidationTries = 50
)

type stopLossData struct {
	NextTry          time.Time `json:"next_try"`
	LiquidationTries int       `json:"liquidation_tries"`
}

// SimpleStopLoss 在浮亏达到固定比例时接管操作，并按退避间隔反复尝试市价清算。
type SimpleStopLoss struct {
	stopLoss float64
	host     algo.Host
	logger   *zap.Logger
	data     map[string]*stopLossData
}

// NewSimpleStopLoss 创建固定比例止损。
func NewSimpleStopLoss(stopLoss float64, logger *zap.Logger) *SimpleStopLoss {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimpleStopLoss{
		stopLoss: stopLoss,
		logger:   logger,
		data:     make(map[string]*stopLossData),
	}
}

func (s *SimpleStopLoss) Initialize(ctx context.Context, host algo.Host) error {
	s.host = host
	return nil
}

func (s *SimpleStopLoss) OnSymbolsChanged(ctx context.Context, added, removed []*algo.SymbolData) error {
	return nil
}

func (s *SimpleStopLoss) OnOperationEvent(ev operation.Event) {
	if ev.Kind == operation.EventClosed {
		delete(s.data, ev.Operation.ID)
	}
}

// LiquidationTries 返回操作已尝试清算的次数。
func (s *SimpleStopLoss) LiquidationTries(id string) int {
	if d, ok := s.data[id]; ok {
		return d.LiquidationTries
	}
	return 0
}

// Update 先处理上一周期已接管的操作，再检查新的止损触发，新触发的操作下一周期才开始清算。
func (s *SimpleStopLoss) Update(ctx context.Context, slice *algo.TimeSlice) error {
	for _, op := range s.host.ActiveOperations() {
		if op.IsClosing() || op.IsClosed() {
			continue
		}
		sd, ok := s.host.SymbolData(op.Symbol.Key)
		if !ok {
			continue
		}
		_ = algo.Guard(s.logger, op, func() {
			if op.RiskManaged {
				s.liquidate(ctx, op, sd)
				return
			}
			if op.AmountRemaining() > 0 && lossReached(op, sd.Quote(), s.stopLoss) {
				op.MarkRiskManaged()
				metrics.RiskTriggers.WithLabelValues(op.Symbol.Key, "stop_loss").Inc()
				s.logger.Warn("触发止损，操作交由风控接管",
					zap.String("operation", op.ID),
					zap.Float64("average_entry", op.AverageEntryPrice()),
					zap.Float64("stop_loss", s.stopLoss),
				)
			}
		})
	}
	return nil
}

func (s *SimpleStopLoss) liquidate(ctx context.Context, op *operation.Operation, sd *algo.SymbolData) {
	now := s.host.Now()
	if op.AmountRemaining() <= 0 {
		s.logger.Info("风控操作无剩余数量，进入关闭队列", zap.String("operation", op.ID))
		op.ScheduleClose(now.Add(closeGrace))
		return
	}

	d, ok := s.data[op.ID]
	if !ok {
		d = &stopLossData{}
		s.data[op.ID] = d
	}
	if now.Before(d.NextTry) {
		return
	}

	_, amount := sd.Info.RoundOrder(op.Signal.PriceTarget, op.AmountRemaining())
	if op.AmountInvested() == 0 || amount <= 0 {
		s.logger.Info("剩余数量过小，进入关闭队列", zap.String("operation", op.ID), zap.Float64("price_target", op.Signal.PriceTarget))
		op.ScheduleClose(now.Add(closeGrace))
		return
	}

	lr, err := s.host.Executor().Liquidate(ctx, op, "stop_loss")
	d.LiquidationTries++
	delay := liquidationBackoff + time.Duration(min(maxBackoffSteps, d.LiquidationTries))*liquidationStep
	d.NextTry = now.Add(delay)
	if err != nil || lr.AmountRemainingLow || lr.OrderError {
		s.logger.Info("清算未成功，稍后重试",
			zap.String("operation", op.ID),
			zap.Int("tries", d.LiquidationTries),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
	}
	if d.LiquidationTries > maxLiquidationTries {
		s.logger.Warn("清算次数达到上限，进入关闭队列", zap.String("operation", op.ID))
		op.ScheduleClose(now.Add(closeGrace))
	}
}

// lossReached 以平仓方向的报价计算浮亏比例。
func lossReached(op *operation.Operation, quote exchange.Quote, stopLoss float64) bool {
	entry := op.AverageEntryPrice()
	if entry <= 0 {
		return false
	}
	var loss float64
	switch op.Type {
	case operation.TypeBuyThenSell:
		if quote.Bid <= 0 {
			return false
		}
		loss = -(quote.Bid - entry) / entry
	case operation.TypeSellThenBuy:
		if quote.Ask <= 0 {
			return false
		}
		loss = -(entry - quote.Ask) / entry
	}
	return loss >= stopLoss
}

func (s *SimpleStopLoss) State() ([]byte, error) {
	return json.Marshal(s.data)
}

func (s *SimpleStopLoss) RestoreState(blob []byte) error {
	var data map[string]*stopLossData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("risk: 解析状态失败: %w", err)
	}
	for id, d := range data {
		if d != nil {
			s.data[id] = d
		}
	}
	return nil
}
