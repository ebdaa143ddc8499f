package backtest

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeops/internal/exchange"
)

// SliceCandleProvider 将各交易对的K线按时间合并后依次回放。
type SliceCandleProvider struct {
	steps []Step
	index int
}

// NewSliceCandleProvider 以内存中的K线构建回放源。
func NewSliceCandleProvider(candles map[string][]exchange.Candle) *SliceCandleProvider {
	byTime := make(map[time.Time]map[string]exchange.Candle)
	for symbol, series := range candles {
		for _, c := range series {
			m, ok := byTime[c.Timestamp]
			if !ok {
				m = make(map[string]exchange.Candle)
				byTime[c.Timestamp] = m
			}
			m[symbol] = c
		}
	}
	steps := make([]Step, 0, len(byTime))
	for ts, m := range byTime {
		steps = append(steps, Step{Time: ts, Candles: m})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Time.Before(steps[j].Time) })
	return &SliceCandleProvider{steps: steps}
}

func (p *SliceCandleProvider) Next(ctx context.Context) (Step, bool, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, false, err
	}
	if p.index >= len(p.steps) {
		return Step{}, false, nil
	}
	step := p.steps[p.index]
	p.index++
	return step, true, nil
}

// Len 返回回放步数。
func (p *SliceCandleProvider) Len() int {
	return len(p.steps)
}

type rangeSource interface {
	Range(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]exchange.Candle, error)
}

// LoadCandles 并发拉取多个交易对在 [start, end) 内的K线。
func LoadCandles(ctx context.Context, source rangeSource, symbols []string, timeframe string, start, end time.Time) (map[string][]exchange.Candle, error) {
	results := make([][]exchange.Candle, len(symbols))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		group.Go(func() error {
			data, err := source.Range(groupCtx, symbol, timeframe, start, end)
			if err != nil {
				return err
			}
			results[i] = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string][]exchange.Candle, len(symbols))
	for i, symbol := range symbols {
		out[symbol] = results[i]
	}
	return out, nil
}
