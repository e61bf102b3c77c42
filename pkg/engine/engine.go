// Package engine implements the deterministic FIFO matcher over the order
// book. Single-threaded by contract: the orchestrator serializes access.
package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/book"
	"github.com/nexusarena/arena/pkg/schema"
)

// Trade is one execution. Price is always the maker's resting price.
type Trade struct {
	ID            int64
	Price         decimal.Decimal
	Qty           int64
	MakerOrderID  int64
	TakerOrderID  int64
	MakerTraderID string
	TakerTraderID string
	Aggressor     schema.Side
	Sequence      int64
}

// BuyTraderID returns the buying side of the execution.
func (t Trade) BuyTraderID() string {
	if t.Aggressor == schema.SideBuy {
		return t.TakerTraderID
	}
	return t.MakerTraderID
}

// SellTraderID returns the selling side of the execution.
func (t Trade) SellTraderID() string {
	if t.Aggressor == schema.SideSell {
		return t.TakerTraderID
	}
	return t.MakerTraderID
}

// Result reports the executions of one order and whether a remainder rested.
type Result struct {
	OrderID int64
	Trades  []Trade
	Rested  bool
}

// BookChanged reports whether the visible book changed during execution.
func (r Result) BookChanged() bool { return len(r.Trades) > 0 || r.Rested }

// Engine matches orders for a single symbol with price-time priority and
// self-match prevention. All ids come from monotonic counters.
type Engine struct {
	book        *book.Book
	nextOrderID int64
	nextTradeID int64
	nextSeq     int64
}

func New(debug bool) *Engine {
	return &Engine{
		book:        book.New(debug),
		nextOrderID: 1,
		nextTradeID: 1,
		nextSeq:     1,
	}
}

func (e *Engine) Book() *book.Book { return e.book }

// ExecuteLimit matches an incoming limit order and rests any remainder,
// unless the only crossing liquidity left is the taker's own (SMP): resting
// then would cross the book, so the remainder is dropped.
func (e *Engine) ExecuteLimit(traderID string, side schema.Side, price decimal.Decimal, qty int64) Result {
	orderID := e.allocOrderID()
	order := &book.Order{
		ID:           orderID,
		TraderID:     traderID,
		Side:         side,
		Price:        price,
		OriginalQty:  qty,
		RemainingQty: qty,
		Sequence:     e.allocSeq(),
	}

	trades := e.matchLoop(order, &price)
	e.book.Compact()

	rested := false
	if order.RemainingQty > 0 && !e.book.HasCrossingOpposite(side, price) {
		e.book.AddResting(order)
		rested = true
	}

	e.book.Compact()
	e.assertUncrossed()

	return Result{OrderID: orderID, Trades: trades, Rested: rested}
}

// ExecuteMarket matches an incoming market order against the full opposite
// ladder. A remainder is never rested; the caller decides whether zero
// executions constitute a rejection.
func (e *Engine) ExecuteMarket(traderID string, side schema.Side, qty int64) Result {
	orderID := e.allocOrderID()
	order := &book.Order{
		ID:           orderID,
		TraderID:     traderID,
		Side:         side,
		OriginalQty:  qty,
		RemainingQty: qty,
		Sequence:     e.allocSeq(),
	}

	trades := e.matchLoop(order, nil)
	e.book.Compact()
	e.assertUncrossed()

	return Result{OrderID: orderID, Trades: trades}
}

func (e *Engine) matchLoop(order *book.Order, limit *decimal.Decimal) []Trade {
	var trades []Trade
	for order.RemainingQty > 0 {
		maker := e.book.NextMatchableOpposite(order.Side, limit, order.TraderID)
		if maker == nil {
			break
		}

		fill := order.RemainingQty
		if maker.RemainingQty < fill {
			fill = maker.RemainingQty
		}
		maker.RemainingQty -= fill
		order.RemainingQty -= fill

		trades = append(trades, Trade{
			ID:            e.allocTradeID(),
			Price:         maker.Price,
			Qty:           fill,
			MakerOrderID:  maker.ID,
			TakerOrderID:  order.ID,
			MakerTraderID: maker.TraderID,
			TakerTraderID: order.TraderID,
			Aggressor:     order.Side,
			Sequence:      e.allocSeq(),
		})

		if maker.RemainingQty == 0 {
			e.book.RemoveOrder(maker)
		}
	}
	return trades
}

// CancelByTrader removes the trader's resting orders; reports book change.
func (e *Engine) CancelByTrader(traderID string) bool {
	return e.book.CancelByTrader(traderID)
}

func (e *Engine) BestBid() (decimal.Decimal, bool) { return e.book.BestBid() }
func (e *Engine) BestAsk() (decimal.Decimal, bool) { return e.book.BestAsk() }

func (e *Engine) Snapshot(depth int) (bids, asks []schema.BookLevel) {
	return e.book.Snapshot(depth)
}

// ClearBook removes all resting orders without touching the id counters.
// Used by the session boundary, which emits no per-order cancels.
func (e *Engine) ClearBook() {
	e.book.Clear()
}

// Reset zeroes all counters and clears the book for the next round.
func (e *Engine) Reset() {
	e.book.Clear()
	e.nextOrderID = 1
	e.nextTradeID = 1
	e.nextSeq = 1
}

// Counters exposes the next order/trade/sequence ids, for determinism checks.
func (e *Engine) Counters() (orderID, tradeID, seq int64) {
	return e.nextOrderID, e.nextTradeID, e.nextSeq
}

func (e *Engine) assertUncrossed() {
	bestBid, okBid := e.book.BestBid()
	bestAsk, okAsk := e.book.BestAsk()
	if okBid && okAsk && !bestBid.LessThan(bestAsk) {
		panic(fmt.Sprintf("engine: crossed book after matching: best_bid=%s best_ask=%s", bestBid, bestAsk))
	}
}

func (e *Engine) allocOrderID() int64 {
	id := e.nextOrderID
	e.nextOrderID++
	return id
}

func (e *Engine) allocTradeID() int64 {
	id := e.nextTradeID
	e.nextTradeID++
	return id
}

func (e *Engine) allocSeq() int64 {
	s := e.nextSeq
	e.nextSeq++
	return s
}
