package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeops/internal/config"
)

func TestBookTickerStream_HandleParsesQuote(t *testing.T) {
	var got []Quote
	stream := NewBookTickerStream(config.StreamConfig{}, func(q Quote) { got = append(got, q) }, nil)
	stream.Add("BNB/USDT")

	stream.handle([]byte(`{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`))
	stream.handle([]byte(`{"result":null,"id":1}`))
	stream.handle([]byte(`{"u":1,"s":"ETHUSDT","b":"1","B":"1","a":"2","A":"1"}`))

	require.Len(t, got, 1)
	assert.Equal(t, "BNB/USDT", got[0].Symbol)
	assert.InDelta(t, 25.3519, got[0].Bid, 1e-9)
	assert.InDelta(t, 25.3652, got[0].Ask, 1e-9)
}

func TestBookTickerStream_RemoveStopsDelivery(t *testing.T) {
	count := 0
	stream := NewBookTickerStream(config.StreamConfig{}, func(Quote) { count++ }, nil)
	stream.Add("BNB/USDT")
	stream.Remove("BNB/USDT")
	stream.handle([]byte(`{"u":1,"s":"BNBUSDT","b":"1","B":"1","a":"2","A":"1"}`))
	assert.Zero(t, count)
}
