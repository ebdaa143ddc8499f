package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type candleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
	FetchCandlesSince(ctx context.Context, symbol, timeframe string, since time.Time, limit int64) ([]Candle, error)
}

// HistoryRequest 控制一次历史K线回补。
type HistoryRequest struct {
	Symbols   []string
	Timeframe string
	Limit     int
}

// MarketDataService 并发拉取多个交易对的历史K线。
type MarketDataService struct {
	client candleSource
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client candleSource, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		client: client,
		logger: logger,
	}
}

// History 拉取各交易对最近的K线，任一失败则整体失败。
func (s *MarketDataService) History(ctx context.Context, req HistoryRequest) (map[string][]Candle, error) {
	if req.Timeframe == "" {
		req.Timeframe = Timeframe1h
	}
	if req.Limit <= 0 {
		req.Limit = 200
	}

	results := make([][]Candle, len(req.Symbols))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, symbol := range req.Symbols {
		i, symbol := i, symbol
		group.Go(func() error {
			data, err := s.client.FetchCandles(groupCtx, symbol, req.Timeframe, int64(req.Limit))
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

	out := make(map[string][]Candle, len(req.Symbols))
	for i, symbol := range req.Symbols {
		out[symbol] = results[i]
	}

	s.logger.Debug("历史K线回补完成",
		zap.Strings("symbols", req.Symbols),
		zap.String("timeframe", req.Timeframe),
		zap.Int("limit", req.Limit),
	)
	return out, nil
}

// Range 分页拉取 [start, end) 区间内的K线，用于回测。
func (s *MarketDataService) Range(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]Candle, error) {
	const page = 1000

	var out []Candle
	cursor := start
	for cursor.Before(end) {
		batch, err := s.client.FetchCandlesSince(ctx, symbol, timeframe, cursor, page)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			if !c.Timestamp.Before(end) {
				break
			}
			if c.Timestamp.Before(cursor) {
				continue
			}
			out = append(out, c)
		}
		next := batch[len(batch)-1].Timestamp.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	s.logger.Info("区间K线拉取完成",
		zap.String("symbol", symbol),
		zap.String("timeframe", timeframe),
		zap.Int("count", len(out)),
	)
	return out, nil
}
