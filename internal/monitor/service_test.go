package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/algo"
	"tradeops/internal/config"
	"tradeops/internal/exchange"
	"tradeops/internal/operation"
	"tradeops/internal/store"
)

var _ algo.Journal = (*Service)(nil)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}

func TestRecordOperationEventCarriesTrade(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	sig := operation.NewSignal("s1", "ETH/USDT", exchange.DirectionBuy, now, 100, now.Add(time.Hour), 110, now.Add(24*time.Hour))
	op, err := operation.New("7", sig, exchange.SymbolInfo{Key: "ETH/USDT", Asset: "ETH", QuoteAsset: "USDT"}, operation.AssetAmount{Asset: "USDT", Amount: 100}, now)
	require.NoError(t, err)
	trade := exchange.Trade{ID: "t1", ClientOrderID: "7-0", Symbol: "ETH/USDT", Direction: exchange.DirectionBuy, Price: 100, Amount: 0.5, Time: now}
	op.AddEntry(trade)

	svc.RecordOperationEvent(ctx, operation.Event{Kind: operation.EventTrade, Operation: op, Trade: trade})
	svc.RecordOperationEvent(ctx, operation.Event{Kind: operation.EventClosing, Operation: op})
	svc.RecordOperationEvent(ctx, operation.Event{Kind: operation.EventClosed})

	events, err := svc.ListEvents(ctx, Query{Subject: "7"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, now, events[0].Timestamp)

	var latest, first OperationPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &latest))
	require.NoError(t, json.Unmarshal(events[1].Payload.(json.RawMessage), &first))
	assert.Equal(t, "closing", latest.Kind)
	assert.Nil(t, latest.Trade)
	assert.Equal(t, "trade", first.Kind)
	require.NotNil(t, first.Trade)
	assert.Equal(t, "t1", first.Trade.ID)
	assert.InDelta(t, 0.5, first.AmountInvested, 1e-12)
	assert.Equal(t, string(operation.TypeBuyThenSell), first.Type)
}

func TestListEventsFiltersByType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordCommand(ctx, "force_close", "3", "操作 3 将于 30s 后关闭")
	svc.RecordCommand(ctx, "stop_entries", "", "已暂停入场")
	svc.RecordEquity(ctx, "USDT", 10010, 1)
	svc.RecordError(ctx, "行情中断", errors.New("timeout"), map[string]interface{}{"symbol": "BTC/USDT"})

	commands, err := svc.ListEvents(ctx, Query{Type: EventCommand})
	require.NoError(t, err)
	require.Len(t, commands, 2)

	var cmd CommandPayload
	require.NoError(t, json.Unmarshal(commands[0].Payload.(json.RawMessage), &cmd))
	assert.Equal(t, "stop_entries", cmd.Name)

	forOp, err := svc.ListEvents(ctx, Query{Subject: "3"})
	require.NoError(t, err)
	assert.Len(t, forOp, 1)

	limited, err := svc.ListEvents(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, EventError, limited[0].Type)
	assert.Equal(t, EventEquity, limited[1].Type)
}
