package exchange

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/params"
	"github.com/nexusarena/arena/pkg/schema"
	"github.com/nexusarena/arena/pkg/util"
)

var testStart = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func newTestExchange(totalRounds int) (*Exchange, *util.ManualClock) {
	cfg := params.Default()
	cfg.Tournament.TotalRounds = totalRounds
	cfg.DebugChecks = true
	clock := util.NewManualClock(testStart)
	x := New(cfg, zap.NewNop(), clock)
	x.session.Start(clock.Now())
	return x, clock
}

func limit(x *Exchange, trader string, side schema.Side, price string, qty int64) schema.Event {
	return x.processOrder(schema.OrderRequest{
		TraderID: trader,
		Side:     side,
		Type:     schema.OrderTypeLimit,
		Price:    d(price),
		Qty:      qty,
	})
}

func market(x *Exchange, trader string, side schema.Side, qty int64) schema.Event {
	return x.processOrder(schema.OrderRequest{
		TraderID: trader,
		Side:     side,
		Type:     schema.OrderTypeMarket,
		Qty:      qty,
	})
}

func drainFrames(x *Exchange) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-x.events:
			out = append(out, f)
		default:
			return out
		}
	}
}

func drainEvents(t *testing.T, x *Exchange) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range drainFrames(x) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i], _ = ev["type"].(string)
	}
	return types
}

func requireRejected(t *testing.T, ev schema.Event, reason string) schema.OrderRejected {
	t.Helper()
	rej, ok := ev.(schema.OrderRejected)
	require.True(t, ok, "expected rejection, got %s", ev.EventType())
	require.Equal(t, reason, rej.Reason)
	return rej
}

func TestRejectWhenSessionInactive(t *testing.T) {
	x, _ := newTestExchange(3)
	x.session.Close()
	requireRejected(t, limit(x, "alice", schema.SideBuy, "100", 1), schema.ReasonSessionInactive)
}

func TestRejectAfterWindowDeadline(t *testing.T) {
	x, clock := newTestExchange(3)
	clock.Advance(61 * time.Second)
	requireRejected(t, limit(x, "alice", schema.SideBuy, "100", 1), schema.ReasonSessionInactive)
}

func TestRestingOrderAcceptedWithBookUpdate(t *testing.T) {
	x, _ := newTestExchange(3)
	ev := limit(x, "alice", schema.SideSell, "100", 5)

	acc, ok := ev.(schema.OrderAccepted)
	require.True(t, ok)
	assert.Equal(t, int64(1), acc.OrderID)
	assert.Equal(t, "alice", acc.TraderID)

	events := drainEvents(t, x)
	require.Equal(t, []string{"book_update"}, eventTypes(events))
}

// Fill burst: trades first, then the book, then positions in trader order.
func TestBurstOrderingOnFill(t *testing.T) {
	x, _ := newTestExchange(3)
	limit(x, "bob", schema.SideSell, "100", 5)
	drainFrames(x)

	ev := limit(x, "alice", schema.SideBuy, "101", 3)
	_, ok := ev.(schema.OrderAccepted)
	require.True(t, ok)

	events := drainEvents(t, x)
	require.Equal(t, []string{"trade", "book_update", "position_update", "position_update"}, eventTypes(events))

	trade := events[0]
	assert.Equal(t, float64(100), trade["price"], "executes at the maker price")
	assert.Equal(t, float64(3), trade["qty"])
	assert.Equal(t, "alice", trade["buy_trader_id"])
	assert.Equal(t, "bob", trade["sell_trader_id"])

	assert.Equal(t, "alice", events[2]["trader_id"])
	assert.Equal(t, "bob", events[3]["trader_id"])
}

// Flat trader, BUY 600@100: required 12000 > equity 10000.
func TestInitialMarginReject(t *testing.T) {
	x, _ := newTestExchange(3)
	ev := limit(x, "alice", schema.SideBuy, "100", 600)

	rej := requireRejected(t, ev, schema.ReasonInitialMargin)
	equity, ok := rej.Details["equity"].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, equity.Equal(d("10000")))
	required, ok := rej.Details["required_margin"].(decimal.Decimal)
	require.True(t, ok)
	assert.True(t, required.Equal(d("12000")))

	assert.Empty(t, drainFrames(x), "a rejected order leaves no trace")
	assert.Equal(t, int64(0), x.ledger.Get("alice").Net)
}

func TestMarketNoLiquidityReject(t *testing.T) {
	x, _ := newTestExchange(3)
	requireRejected(t, market(x, "alice", schema.SideBuy, 3), schema.ReasonNoLiquidity)
	assert.Empty(t, drainFrames(x))
}

func TestMarkFallsBackToConfiguredPrice(t *testing.T) {
	x, _ := newTestExchange(3)
	assert.True(t, x.markPrice().Equal(d("100")), "empty book, no trades yet")
}

// Long 90@100, quotes move to 94/96 (mark 95, equity 550):
// first step sells 62, leaving 28 and a healthy margin.
func TestProgressiveLiquidation(t *testing.T) {
	x, clock := newTestExchange(3)
	limit(x, "m1", schema.SideSell, "100", 90)
	limit(x, "tom", schema.SideBuy, "100", 90)
	limit(x, "bravo", schema.SideBuy, "94", 100)
	limit(x, "charlie", schema.SideSell, "96", 100)
	drainFrames(x)

	require.True(t, x.markPrice().Equal(d("95")))
	burst := x.drainLiquidations(nil, x.breachedAmong([]string{"tom"}))
	x.publish(burst...)

	events := drainEvents(t, x)
	require.Equal(t,
		[]string{"liquidation", "trade", "book_update", "position_update", "position_update"},
		eventTypes(events))

	notice := events[0]
	assert.Equal(t, "tom", notice["trader_id"])
	assert.Equal(t, schema.ReasonMaintenanceBreach, notice["reason"])
	assert.Equal(t, float64(62), notice["qty"])
	assert.Equal(t, "sell", notice["side"])

	trade := events[1]
	assert.Equal(t, float64(94), trade["price"])
	assert.Equal(t, float64(62), trade["qty"])
	assert.Equal(t, "bravo", trade["buy_trader_id"])
	assert.Equal(t, "tom", trade["sell_trader_id"])

	assert.Equal(t, "bravo", events[3]["trader_id"])
	assert.Equal(t, "tom", events[4]["trader_id"])

	p := x.ledger.Get("tom")
	assert.Equal(t, int64(28), p.Net)
	assert.False(t, x.account("tom").Bankrupt)
	assert.Equal(t, clock.Now().Add(x.cfg.Margin.LiquidationCooldown), x.account("tom").FrozenUntil)
}

func TestLiquidationCooldownFreezesOrders(t *testing.T) {
	x, clock := newTestExchange(3)
	limit(x, "m1", schema.SideSell, "100", 90)
	limit(x, "tom", schema.SideBuy, "100", 90)
	limit(x, "bravo", schema.SideBuy, "94", 100)
	limit(x, "charlie", schema.SideSell, "96", 100)
	x.publish(x.drainLiquidations(nil, x.breachedAmong([]string{"tom"}))...)
	drainFrames(x)

	requireRejected(t, limit(x, "tom", schema.SideBuy, "94", 1), schema.ReasonAccountFrozen)

	clock.Advance(501 * time.Millisecond)
	ev := limit(x, "tom", schema.SideSell, "95", 1)
	_, ok := ev.(schema.OrderAccepted)
	assert.True(t, ok, "cooldown expired, got %s", ev.EventType())
}

// Short 90@100 squeezed to 289: buying back above 211 spends more cash than
// capital plus the sale proceeds, so the flat account ends with negative
// equity and is marked bankrupt.
func TestLiquidationBankruptcy(t *testing.T) {
	x, _ := newTestExchange(3)
	limit(x, "m1", schema.SideBuy, "100", 90)
	limit(x, "busted", schema.SideSell, "100", 90)
	limit(x, "a1", schema.SideSell, "290", 90)
	limit(x, "b1", schema.SideBuy, "288", 1)
	drainFrames(x)

	require.True(t, x.markPrice().Equal(d("289")))
	burst := x.drainLiquidations(nil, x.breachedAmong([]string{"busted"}))
	x.publish(burst...)
	events := drainEvents(t, x)

	types := eventTypes(events)
	assert.Equal(t, "liquidation", types[0])
	var reasons []string
	for _, ev := range events {
		if ev["type"] == "liquidation" {
			reasons = append(reasons, ev["reason"].(string))
		}
	}
	require.NotEmpty(t, reasons)
	assert.Equal(t, schema.ReasonBankruptcy, reasons[len(reasons)-1])

	p := x.ledger.Get("busted")
	assert.Equal(t, int64(0), p.Net)
	assert.True(t, x.ledger.Equity("busted", x.markPrice()).IsNegative())
	assert.True(t, x.account("busted").Bankrupt)

	requireRejected(t, limit(x, "busted", schema.SideBuy, "100", 1), schema.ReasonAccountBankrupt)
}

/// Session end: restings cleared, positions flattened at the session mark,
// rankings by PnL desc then trader id, counters reset for the next round.
func TestEndRoundFlattenAndReset(t *testing.T) {
	x, _ := newTestExchange(2)
	limit(x, "m1", schema.SideSell, "100", 10)
	limit(x, "alice", schema.SideBuy, "100", 10)
	limit(x, "bob", schema.SideBuy, "104", 1)
	limit(x, "carol", schema.SideSell, "106", 1)
	drainFrames(x)

	x.endRound()
	events := drainEvents(t, x)
	types := eventTypes(events)
	require.Equal(t,
		[]string{"position_update", "position_update", "position_update", "position_update", "session_end", "session_start"},
		types)

	var sessionEnd map[string]any
	for _, ev := range events {
		switch ev["type"] {
		case "session_end":
			sessionEnd = ev
		case "position_update":
			assert.Equal(t, float64(105), ev["mark_price"], "flatten values at the session mark")
		}
	}
	require.NotNil(t, sessionEnd)
	assert.Equal(t, float64(1), sessionEnd["round"])
	assert.Equal(t, float64(105), sessionEnd["mark_price"])

	rankings := sessionEnd["rankings"].([]any)
	require.Len(t, rankings, 4)
	first := rankings[0].(map[string]any)
	assert.Equal(t, "alice", first["trader_id"])
	assert.Equal(t, float64(50), first["pnl"])
	second := rankings[1].(map[string]any)
	assert.Equal(t, "bob", second["trader_id"], "ties break by trader id")
	last := rankings[3].(map[string]any)
	assert.Equal(t, "m1", last["trader_id"])
	assert.Equal(t, float64(-50), last["pnl"])

	// Fresh round: flat ledger, empty book, counters back to 1.
	assert.Equal(t, 2, x.session.Round())
	assert.True(t, x.session.Active())
	for _, id := range x.ledger.TraderIDs() {
		assert.Equal(t, int64(0), x.ledger.Get(id).Net)
		assert.True(t, x.ledger.Get(id).Cash.IsZero())
	}
	orderID, tradeID, _ := x.engine.Counters()
	assert.Equal(t, int64(1), orderID)
	assert.Equal(t, int64(1), tradeID)
	_, okBid := x.engine.BestBid()
	assert.False(t, okBid)
	assert.True(t, x.lastMark.IsZero())
}

func TestTournamentCompleteAfterFinalRound(t *testing.T) {
	x, _ := newTestExchange(2)
	limit(x, "m1", schema.SideSell, "100", 10)
	limit(x, "alice", schema.SideBuy, "100", 10)
	limit(x, "bob", schema.SideBuy, "104", 1)
	limit(x, "carol", schema.SideSell, "106", 1)
	drainFrames(x)

	x.endRound()
	drainFrames(x)
	x.endRound()
	events := drainEvents(t, x)

	types := eventTypes(events)
	require.NotEmpty(t, types)
	assert.Equal(t, "tournament_complete", types[len(types)-1])

	final := events[len(events)-1]
	assert.Equal(t, float64(2), final["rounds_completed"])
	assert.Equal(t, float64(2), final["total_rounds"])
	rankings := final["rankings"].([]any)
	first := rankings[0].(map[string]any)
	assert.Equal(t, "alice", first["trader_id"])
	assert.Equal(t, float64(50), first["pnl"], "round 2 was flat, cumulative keeps round 1")

	requireRejected(t, limit(x, "alice", schema.SideBuy, "100", 1), schema.ReasonShuttingDown)
}

// Interrupt mid-round: one partial session_end, then tournament_complete
// including the partial round exactly once.
func TestInterruptMidRound(t *testing.T) {
	x, _ := newTestExchange(3)
	limit(x, "m1", schema.SideSell, "100", 10)
	limit(x, "alice", schema.SideBuy, "100", 10)
	limit(x, "bob", schema.SideBuy, "104", 1)
	limit(x, "carol", schema.SideSell, "106", 1)
	drainFrames(x)

	x.interrupt()
	events := drainEvents(t, x)
	types := eventTypes(events)

	var sessionEnds, completes int
	for _, typ := range types {
		switch typ {
		case "session_end":
			sessionEnds++
		case "tournament_complete":
			completes++
		}
	}
	assert.Equal(t, 1, sessionEnds)
	assert.Equal(t, 1, completes)

	final := events[len(events)-1]
	assert.Equal(t, "tournament_complete", final["type"])
	assert.Equal(t, float64(1), final["rounds_completed"])
	assert.Equal(t, float64(3), final["total_rounds"])

	requireRejected(t, limit(x, "alice", schema.SideBuy, "100", 1), schema.ReasonShuttingDown)

	// A second interrupt is a no-op.
	x.interrupt()
	assert.Empty(t, drainFrames(x))
}

func TestWelcomeSnapshot(t *testing.T) {
	x, clock := newTestExchange(3)
	clock.Advance(15 * time.Second)

	w := x.buildWelcome("trader-1")
	assert.Equal(t, "trader-1", w.TraderID)
	assert.Equal(t, "NEXUS", w.Symbol)
	assert.Equal(t, 1, w.SessionRound)
	assert.True(t, w.SessionActive)
	assert.Equal(t, 60, w.SessionDurationSeconds)
	assert.True(t, w.SessionRemainingSeconds.Equal(d("45")))
}

// Same ordered inputs produce byte-identical event frames.
func TestDeterministicEventStream(t *testing.T) {
	run := func() [][]byte {
		x, _ := newTestExchange(2)
		limit(x, "m1", schema.SideSell, "100", 90)
		limit(x, "tom", schema.SideBuy, "100", 90)
		limit(x, "bravo", schema.SideBuy, "94", 100)
		limit(x, "charlie", schema.SideSell, "96", 100)
		x.publish(x.drainLiquidations(nil, x.breachedAmong([]string{"tom"}))...)
		x.endRound()
		return drainFrames(x)
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.True(t, bytes.Equal(first[i], second[i]), "frame %d differs:\n%s\n%s", i, first[i], second[i])
	}
}
