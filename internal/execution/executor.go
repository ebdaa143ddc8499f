package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradeops/internal/algo"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

// Options 控制做市执行器的节奏与阈值。
type Options struct {
	EntryNearThreshold    float64
	EntryDistantThreshold float64
	Concurrency           int
	DelayAfterOrderClosed time.Duration
	DelayAfterCloseFailed time.Duration
	CloseQueueTime        time.Duration
}

// OptionsFromConfig 由配置生成执行参数并补齐默认值。
func OptionsFromConfig(cfg config.ExecutionConfig) Options {
	return Options{
		EntryNearThreshold:    cfg.EntryNearThreshold,
		EntryDistantThreshold: cfg.EntryDistantThreshold,
		Concurrency:           cfg.Concurrency,
		DelayAfterOrderClosed: cfg.DelayAfterOrderClosed,
		DelayAfterCloseFailed: cfg.DelayAfterCloseFailed,
		CloseQueueTime:        cfg.CloseQueueTime,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DelayAfterOrderClosed <= 0 {
		o.DelayAfterOrderClosed = 15 * time.Second
	}
	if o.DelayAfterCloseFailed <= 0 {
		o.DelayAfterCloseFailed = 60 * time.Second
	}
	if o.CloseQueueTime <= 0 {
		o.CloseQueueTime = 2 * time.Minute
	}
	return o
}

// New 根据配置创建执行器。
func New(cfg config.ExecutionConfig, logger *zap.Logger) (algo.Executor, error) {
	switch cfg.Kind {
	case "market_maker", "":
		return NewMarketMaker(OptionsFromConfig(cfg), logger), nil
	case "immediate":
		return NewImmediate(logger), nil
	default:
		return nil, fmt.Errorf("execution: 未知执行器类型 %q", cfg.Kind)
	}
}

// submitter 向交易场所提交委托。每次只尝试一次，失败后的重试由调用方的任务槽在后续周期完成，不阻塞 Tick。
type submitter struct {
	host   algo.Host
	logger *zap.Logger
}

func (s submitter) submit(ctx context.Context, req exchange.OrderRequest, stage string) (exchange.Order, error) {
	metrics.OrdersTotal.WithLabelValues(req.Symbol, string(req.Side), string(req.Type)).Inc()
	order, err := s.host.Market().PostOrder(ctx, req)
	if err != nil {
		metrics.OrderFailures.WithLabelValues(req.Symbol, stage).Inc()
		return exchange.Order{}, fmt.Errorf("execution: 提交 %s 委托失败: %w", stage, err)
	}
	return order, nil
}

// retryDelay 返回下单失败后任务槽的等待时间，瞬时错误使用较短的 transientRetry。
func retryDelay(err error, base time.Duration) time.Duration {
	if exchange.IsRetryable(err) {
		return transientRetry
	}
	return base
}

// closeOrder 撤销委托；撤单失败时查询委托状态，只有确认已结束才返回 true。
func (s submitter) closeOrder(ctx context.Context, op *operation.Operation, order *exchange.Order) bool {
	if order == nil || order.IsClosed() {
		return true
	}
	market := s.host.Market()
	updated, err := market.CancelOrder(ctx, *order)
	if err != nil {
		synced, syncErr := market.SyncOrder(ctx, *order)
		if syncErr != nil {
			s.logger.Error("无法撤销或同步委托",
				zap.String("operation", op.ID),
				zap.String("order", order.ID),
				zap.NamedError("cancel_error", err),
				zap.NamedError("sync_error", syncErr),
			)
			return false
		}
		updated = synced
	}
	if updated.Filled < order.Filled {
		updated.Filled = order.Filled
	}
	*order = updated
	if !order.IsClosed() {
		s.logger.Error("委托仍未结束",
			zap.String("operation", op.ID),
			zap.String("order", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err),
		)
		return false
	}
	return true
}

// limitRequest 构建带客户端委托号的限价委托。
func limitRequest(op *operation.Operation, side exchange.Direction, price, amount float64) exchange.OrderRequest {
	return exchange.OrderRequest{
		Symbol:        op.Symbol.Key,
		Side:          side,
		Type:          exchange.OrderTypeLimit,
		Amount:        amount,
		Price:         price,
		ClientOrderID: op.NewClientOrderID(),
		TimeInForce:   "GTC",
	}
}

// targetInBase 将操作目标金额换算为基础资产数量。
func targetInBase(op *operation.Operation, quote exchange.Quote) (float64, error) {
	return op.Symbol.ToBase(op.AmountTarget.Asset, op.AmountTarget.Amount, quote.Mid())
}

// stillInvested 返回操作在 asset 上仍占用的数量。
func stillInvested(op *operation.Operation, asset string) (float64, error) {
	switch asset {
	case op.Symbol.Asset:
		return op.AmountRemaining(), nil
	case op.Symbol.QuoteAsset:
		return op.QuoteAmountRemaining(), nil
	default:
		return 0, fmt.Errorf("execution: 资产 %s 不属于交易对 %s", asset, op.Symbol.Key)
	}
}
