package exchange

import (
	"context"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/config"
)

type mockVenue struct {
	limitCalls  []string
	cancelErr   error
	cancelled   []string
	trades      []ccxt.Trade
	freeQuote   float64
	totalQuote  float64
	lastParams  map[string]interface{}
	nextOrderID string
}

func (m *mockVenue) LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error) {
	base, quote := "ETH", "USDT"
	tick, step, minAmt, minCost := 0.01, 0.001, 0.001, 10.0
	var market ccxt.MarketInterface
	market.Base = &base
	market.Quote = &quote
	market.Precision.Price = &tick
	market.Precision.Amount = &step
	market.Limits.Amount.Min = &minAmt
	market.Limits.Cost.Min = &minCost
	return map[string]ccxt.MarketInterface{"ETH/USDT": market}, nil
}

func (m *mockVenue) FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error) {
	bid, ask := 1999.0, 2001.0
	return ccxt.Ticker{Bid: &bid, Ask: &ask}, nil
}

func (m *mockVenue) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	free, total := m.freeQuote, m.totalQuote
	return ccxt.Balances{
		Free:  map[string]*float64{"USDT": &free},
		Total: map[string]*float64{"USDT": &total},
	}, nil
}

func (m *mockVenue) FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error) {
	return nil, nil
}

func (m *mockVenue) FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error) {
	return m.trades, nil
}

func (m *mockVenue) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	id := m.nextOrderID
	return ccxt.Order{Id: &id}, nil
}

func (m *mockVenue) CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error) {
	m.limitCalls = append(m.limitCalls, symbol+":"+side)
	id := m.nextOrderID
	status := "open"
	return ccxt.Order{Id: &id, Status: &status}, nil
}

func (m *mockVenue) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	if m.cancelErr != nil {
		return ccxt.Order{}, m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	status := "canceled"
	return ccxt.Order{Id: &id, Status: &status}, nil
}

func (m *mockVenue) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	status := "closed"
	filled := 1.0
	return ccxt.Order{Id: &id, Status: &status, Filled: &filled}, nil
}

func testClient(api venueClient) *Client {
	return newClient(config.ExchangeConfig{Retry: config.RetryConfig{MaxAttempts: 1}}, api, nil)
}

func TestClient_SymbolInfoFromMarkets(t *testing.T) {
	c := testClient(&mockVenue{})
	info, err := c.SymbolInfo(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, "ETH", info.Asset)
	assert.Equal(t, "USDT", info.QuoteAsset)
	assert.InDelta(t, 10, info.MinNotional, 1e-9)

	_, err = c.SymbolInfo(context.Background(), "XRP/USDT")
	require.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestClient_PostOrderLocksQuoteBalance(t *testing.T) {
	api := &mockVenue{freeQuote: 1000, totalQuote: 1000, nextOrderID: "42"}
	c := testClient(api)
	ctx := context.Background()
	_, err := c.SymbolInfo(ctx, "ETH/USDT")
	require.NoError(t, err)
	require.NoError(t, c.RefreshBalances(ctx))

	order, err := c.PostOrder(ctx, OrderRequest{
		Symbol: "ETH/USDT", Side: DirectionBuy, Type: OrderTypeLimit,
		Amount: 0.1, Price: 2000, ClientOrderID: "7-0",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", order.ID)
	assert.Equal(t, "7-0", order.ClientOrderID)
	assert.Equal(t, OrderStatusOpen, order.Status)
	assert.InDelta(t, 800, c.FreeBalance("USDT"), 1e-9)

	cancelled, err := c.CancelOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, cancelled.IsClosed())
	assert.InDelta(t, 1000, c.FreeBalance("USDT"), 1e-9)
}

func TestClient_CancelUnknownOrderMapsNotFound(t *testing.T) {
	api := &mockVenue{cancelErr: &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "unknown order"}}
	c := testClient(api)
	_, err := c.CancelOrder(context.Background(), Order{ID: "1", Symbol: "ETH/USDT"})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestClient_PollTradesCorrelatesClientOrderID(t *testing.T) {
	tradeID, orderID, symbol, side := "t1", "42", "ETH/USDT", "buy"
	price, amount := 2000.0, 0.1
	api := &mockVenue{
		nextOrderID: orderID,
		trades: []ccxt.Trade{{
			Id: &tradeID, Order: &orderID, Symbol: &symbol, Side: &side, Price: &price, Amount: &amount,
		}},
	}
	c := testClient(api)
	ctx := context.Background()
	_, err := c.SymbolInfo(ctx, symbol)
	require.NoError(t, err)
	_, err = c.PostOrder(ctx, OrderRequest{Symbol: symbol, Side: DirectionBuy, Type: OrderTypeLimit, Amount: 0.1, Price: 2000, ClientOrderID: "9-3"})
	require.NoError(t, err)

	var got []Trade
	c.SetListener(ListenerFuncs{Trade: func(tr Trade) { got = append(got, tr) }})
	require.NoError(t, c.pollTrades(ctx, symbol))
	require.NoError(t, c.pollTrades(ctx, symbol))

	require.Len(t, got, 1)
	assert.Equal(t, "9-3", got[0].ClientOrderID)
	assert.Equal(t, DirectionBuy, got[0].Direction)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.NetworkErrorErrType}))
	assert.False(t, IsRetryable(&ccxt.Error{Type: ccxt.InvalidOrderErrType}))
	assert.True(t, IsInsufficientFunds(&ccxt.Error{Type: ccxt.InsufficientFundsErrType}))
	assert.False(t, IsRetryable(nil))
}
