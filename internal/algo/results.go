package algo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeops/internal/operation"
)

// ResultsFee 为统计收益时假设的单边手续费率。
const ResultsFee = 0.00075

// TradingResults 为某一时间段内操作的汇总收益。
type TradingResults struct {
	Name            string    `json:"name"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	BaseAsset       string    `json:"base_asset"`
	OperationsCount int       `json:"operations_count"`
	Volume          float64   `json:"volume"`
	Equity          float64   `json:"equity"`
	GainsRealized   float64   `json:"gains_realized"`
	GainsPartial    float64   `json:"gains_partial"`
}

// TradingResults 统计创建时间位于 [start, end) 且有投入的操作。
// 收益率超过10%或剩余数量为负的操作视为异常并跳过。
func (a *Algo) TradingResults(ctx context.Context, start, end time.Time, baseAsset string) (TradingResults, error) {
	recs, err := a.operationsBetween(ctx, start, end)
	if err != nil {
		return TradingResults{}, err
	}

	var (
		count    int
		volume   = decimal.Zero
		equity   = decimal.Zero
		realized = decimal.Zero
		partial  = decimal.Zero
	)
	for _, rec := range recs {
		op := operation.FromRecord(rec)
		if op.AmountInvested() <= 0 || op.QuoteAmountInvested() <= 0 {
			continue
		}
		gain := decimal.NewFromFloat(op.GainAsQuote(ResultsFee))
		roi := gain.Div(decimal.NewFromFloat(op.QuoteAmountInvested()))
		if roi.GreaterThan(decimal.NewFromFloat(0.1)) || op.AmountRemaining() < 0 {
			a.logger.Warn("跳过异常操作",
				zap.String("operation", op.ID),
				zap.String("gain", gain.String()),
				zap.Float64("amount_remaining", op.AmountRemaining()),
			)
			continue
		}

		count++
		remainingRatio := op.AmountRemaining() / op.AmountInvested()
		spent := decimal.NewFromFloat(op.QuoteAmountInvested())
		recovered := decimal.NewFromFloat(op.QuoteAmountLiquidated())
		switch {
		case (op.IsClosed() || op.IsClosing()) && remainingRatio <= 0.05:
			volume = volume.Add(spent).Add(recovered)
			equity = equity.Add(roi)
			realized = realized.Add(gain)
			partial = partial.Add(gain)
		case remainingRatio > 0.02:
			sd, ok := a.symbols[op.Symbol.Key]
			if !ok || sd.Feed == nil {
				continue
			}
			bid := sd.Quote().Bid
			couldRecover := decimal.NewFromFloat(op.AmountRemaining() * bid)
			pnl := recovered.Add(couldRecover).Sub(spent)
			volume = volume.Add(spent).Add(recovered)
			equity = equity.Add(pnl.Div(spent))
			partial = partial.Add(pnl.Mul(decimal.NewFromFloat(1 - 2*ResultsFee)))
		}
	}

	out := TradingResults{
		Name:            a.opts.Name,
		PeriodStart:     start,
		PeriodEnd:       end,
		BaseAsset:       baseAsset,
		OperationsCount: count,
	}
	out.Volume, _ = volume.Float64()
	out.Equity, _ = equity.Float64()
	out.GainsRealized, _ = realized.Float64()
	out.GainsPartial, _ = partial.Float64()
	return out, nil
}

func (a *Algo) operationsBetween(ctx context.Context, start, end time.Time) ([]operation.Record, error) {
	if a.persister != nil {
		recs, err := a.persister.QueryOperations(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("algo: 查询历史操作失败: %w", err)
		}
		return recs, nil
	}
	var recs []operation.Record
	for _, op := range append(a.ActiveOperations(), a.closed...) {
		if op.CreationTime.Before(start) || !op.CreationTime.Before(end) || op.AmountInvested() <= 0 {
			continue
		}
		recs = append(recs, op.Record())
	}
	return recs, nil
}

// RequestTradingResults 在下一个周期的指令阶段统计收益，可被其他协程调用。
// 统计失败时通道被关闭而不写入结果。
func (a *Algo) RequestTradingResults(start, end time.Time, baseAsset string) <-chan TradingResults {
	out := make(chan TradingResults, 1)
	a.enqueue("trading_results", "", func(ctx context.Context) string {
		defer close(out)
		res, err := a.TradingResults(ctx, start, end, baseAsset)
		if err != nil {
			return fmt.Sprintf("统计失败: %v", err)
		}
		out <- res
		return fmt.Sprintf("统计完成: %d 个操作", res.OperationsCount)
	})
	return out
}
