package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusarena/arena/pkg/schema"
)

func price(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestLimitRestsWhenNoMatch(t *testing.T) {
	e := New(true)
	res := e.ExecuteLimit("A", schema.SideBuy, price(99), 5)

	assert.Empty(t, res.Trades)
	assert.True(t, res.Rested)
	bid, ok := e.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Equal(price(99)))
}

func TestCrossingLimitTradesAtMakerPrice(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 5)
	res := e.ExecuteLimit("B", schema.SideBuy, price(102), 3)

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.True(t, tr.Price.Equal(price(100)), "trade executes at the resting price")
	assert.Equal(t, int64(3), tr.Qty)
	assert.Equal(t, "B", tr.BuyTraderID())
	assert.Equal(t, "A", tr.SellTraderID())
	assert.False(t, res.Rested)

	// Maker keeps the remaining 2 on the book.
	ask, ok := e.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Equal(price(100)))
}

func TestTakerWalksLevelsInPriceOrder(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(101), 2)
	e.ExecuteLimit("B", schema.SideSell, price(100), 2)
	res := e.ExecuteLimit("C", schema.SideBuy, price(101), 3)

	require.Len(t, res.Trades, 2)
	assert.True(t, res.Trades[0].Price.Equal(price(100)))
	assert.Equal(t, int64(2), res.Trades[0].Qty)
	assert.True(t, res.Trades[1].Price.Equal(price(101)))
	assert.Equal(t, int64(1), res.Trades[1].Qty)
}

func TestFIFOTimePriorityAtSamePrice(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 2)
	e.ExecuteLimit("B", schema.SideSell, price(100), 2)
	res := e.ExecuteLimit("C", schema.SideBuy, price(100), 3)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "A", res.Trades[0].SellTraderID())
	assert.Equal(t, "B", res.Trades[1].SellTraderID())
}

// Same trader rests asks, then sends a crossing buy: SMP skips both makers,
// no trades happen, and the crossing remainder must not rest.
func TestSelfMatchPreventionNoRest(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 2)
	e.ExecuteLimit("A", schema.SideSell, price(100), 3)
	res := e.ExecuteLimit("A", schema.SideBuy, price(101), 4)

	assert.Empty(t, res.Trades)
	assert.False(t, res.Rested)

	bids, asks := e.Snapshot(10)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Price.Equal(price(100)))
	assert.Equal(t, int64(5), asks[0].Qty)
}

func TestSMPMatchesOtherTradersFirst(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 2)
	e.ExecuteLimit("B", schema.SideSell, price(100), 2)
	res := e.ExecuteLimit("A", schema.SideBuy, price(100), 4)

	// Only B's liquidity is eligible; remainder is blocked by A's own ask.
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "B", res.Trades[0].SellTraderID())
	assert.Equal(t, int64(2), res.Trades[0].Qty)
	assert.False(t, res.Rested)
}

func TestMarketNeverRests(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 2)
	res := e.ExecuteMarket("B", schema.SideBuy, 5)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(2), res.Trades[0].Qty)
	assert.False(t, res.Rested)

	bids, _ := e.Snapshot(10)
	assert.Empty(t, bids)
}

func TestMarketEmptyBook(t *testing.T) {
	e := New(true)
	res := e.ExecuteMarket("A", schema.SideBuy, 5)
	assert.Empty(t, res.Trades)
	assert.False(t, res.Rested)
}

func TestMonotonicIDs(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 1)
	e.ExecuteLimit("B", schema.SideBuy, price(100), 1)
	res := e.ExecuteLimit("C", schema.SideBuy, price(99), 1)

	assert.Equal(t, int64(3), res.OrderID)
	orderID, tradeID, seq := e.Counters()
	assert.Equal(t, int64(4), orderID)
	assert.Equal(t, int64(2), tradeID)
	assert.Equal(t, int64(5), seq)
}

func TestResetZeroesCounters(t *testing.T) {
	e := New(true)
	e.ExecuteLimit("A", schema.SideSell, price(100), 1)
	e.ExecuteLimit("B", schema.SideBuy, price(100), 1)
	e.Reset()

	orderID, tradeID, seq := e.Counters()
	assert.Equal(t, int64(1), orderID)
	assert.Equal(t, int64(1), tradeID)
	assert.Equal(t, int64(1), seq)
	_, ok := e.BestAsk()
	assert.False(t, ok)

	res := e.ExecuteLimit("C", schema.SideSell, price(100), 1)
	assert.Equal(t, int64(1), res.OrderID)
}

func TestDeterministicReplay(t *testing.T) {
	run := func() []Trade {
		e := New(true)
		e.ExecuteLimit("A", schema.SideSell, price(100), 5)
		e.ExecuteLimit("B", schema.SideSell, price(101), 5)
		r1 := e.ExecuteLimit("C", schema.SideBuy, price(101), 7)
		r2 := e.ExecuteMarket("D", schema.SideBuy, 2)
		return append(r1.Trades, r2.Trades...)
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].Price.Equal(second[i].Price))
		assert.Equal(t, first[i].Qty, second[i].Qty)
		assert.Equal(t, first[i].Sequence, second[i].Sequence)
	}
}
