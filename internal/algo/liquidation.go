package algo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradeops/internal/exchange"
	"tradeops/internal/metrics"
	"tradeops/internal/operation"
)

// ClampOrderAmount 将已取整的 (价格, 数量) 限制在可用余额内并重新取整。
// 买入受计价资产余额约束，卖出受基础资产余额约束（允许保证金时卖出不受限）。
// 结果不满足最小名义价值时数量为 0。
func ClampOrderAmount(info exchange.SymbolInfo, dir exchange.Direction, price, amount, freeQuote, freeBase float64, margin bool) (float64, float64) {
	if amount <= 0 {
		return price, 0
	}
	switch dir {
	case exchange.DirectionBuy:
		if amount*price > freeQuote {
			amount = 0.99 * freeQuote / price
		}
	case exchange.DirectionSell:
		if amount > freeBase && !(margin && info.MarginEnabled) {
			amount = freeBase
		}
	}
	if amount <= 0 {
		return price, 0
	}
	return info.RoundOrder(price, amount)
}

// ClampOrderAmount 使用交易所当前可用余额限制委托数量。
func (a *Algo) ClampOrderAmount(info exchange.SymbolInfo, dir exchange.Direction, price, amount float64) (float64, float64) {
	return ClampOrderAmount(info, dir, price, amount,
		a.market.FreeBalance(info.QuoteAsset),
		a.market.FreeBalance(info.Asset),
		a.opts.MarginTrading,
	)
}

// TryLiquidateOperation 撤销操作的全部委托后，以市价单卖出（或买回）剩余数量。
func (a *Algo) TryLiquidateOperation(ctx context.Context, op *operation.Operation, reason string) (LiquidationResult, error) {
	var result LiquidationResult
	logger := a.logger.With(zap.String("operation", op.ID), zap.String("symbol", op.Symbol.Key))

	// 撤单失败时挂单可能仍在，此时下市价单会与其叠加
	if err := a.mods.Executor.CancelAllOrders(ctx, op); err != nil {
		result.OrderError = true
		result.Err = fmt.Errorf("algo: 操作 %s 清算前撤单失败: %w", op.ID, err)
		logger.Warn("清算前撤单失败，放弃本次清算", zap.Error(err))
		return result, nil
	}
	logger.Info("开始清算操作", zap.String("reason", reason))
	metrics.Liquidations.WithLabelValues(op.Symbol.Key, reason).Inc()

	remaining := op.AmountRemaining()
	if remaining < 0 {
		logger.Warn("请求清算但剩余数量为负", zap.Float64("amount_remaining", remaining))
		return result, nil
	}

	sd, ok := a.symbols[op.Symbol.Key]
	if !ok {
		return result, fmt.Errorf("algo: 操作 %s 的交易对 %s 未加载", op.ID, op.Symbol.Key)
	}
	quote := sd.Quote()
	dir := op.ExitDirection()
	price := quote.Bid
	if dir == exchange.DirectionBuy {
		price = quote.Ask
	}
	if price <= 0 {
		result.OrderError = true
		result.Err = fmt.Errorf("algo: %s 缺少报价，无法清算", op.Symbol.Key)
		logger.Warn("缺少报价，无法清算")
		return result, nil
	}

	price, amount := sd.Info.RoundOrder(price, remaining)
	if amount <= 0 {
		result.AmountRemainingLow = true
		logger.Warn("剩余数量过小，无法清算", zap.Float64("amount_remaining", remaining))
		return result, nil
	}
	_, amount = a.ClampOrderAmount(sd.Info, dir, price, amount)
	if amount <= 0 {
		logger.Warn("可用余额不足，无法清算")
		return result, nil
	}

	req := exchange.OrderRequest{
		Symbol:        op.Symbol.Key,
		Side:          dir,
		Type:          exchange.OrderTypeMarket,
		Amount:        amount,
		ClientOrderID: op.NewClientOrderID(),
	}
	logger.Debug("提交市价清算委托",
		zap.String("side", string(dir)),
		zap.Float64("amount", amount),
		zap.Float64("price", price),
	)
	metrics.OrdersTotal.WithLabelValues(op.Symbol.Key, string(dir), string(exchange.OrderTypeMarket)).Inc()
	order, err := a.market.PostOrder(ctx, req)
	if err != nil {
		metrics.OrderFailures.WithLabelValues(op.Symbol.Key, "liquidate").Inc()
		result.OrderError = true
		result.Err = err
		logger.Error("市价清算委托失败", zap.Error(err))
		return result, nil
	}
	result.Order = &order
	return result, nil
}
