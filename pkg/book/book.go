// Package book implements the single-symbol two-sided price ladder with
// price-time priority. Price levels live in ordered btrees (bids descending,
// asks ascending); each level holds a FIFO queue of resting orders.
package book

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/schema"
)

const btreeDegree = 16

// Order is a resting limit order.
type Order struct {
	ID           int64
	TraderID     string
	Side         schema.Side
	Price        decimal.Decimal
	OriginalQty  int64
	RemainingQty int64
	Sequence     int64
}

type priceLevel struct {
	price decimal.Decimal
	queue []*Order
}

func (l *priceLevel) totalQty() int64 {
	var total int64
	for _, o := range l.queue {
		total += o.RemainingQty
	}
	return total
}

// ladder is one side of the book. Ascend order on the tree is priority order:
// bids are keyed descending, asks ascending, so the first item is always best.
type ladder struct {
	tree *btree.BTreeG[*priceLevel]
	side schema.Side
}

func newLadder(side schema.Side) *ladder {
	less := func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }
	if side == schema.SideBuy {
		less = func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }
	}
	return &ladder{tree: btree.NewG(btreeDegree, less), side: side}
}

func (l *ladder) level(price decimal.Decimal) *priceLevel {
	if lvl, ok := l.tree.Get(&priceLevel{price: price}); ok {
		return lvl
	}
	return nil
}

func (l *ladder) best() *priceLevel {
	if lvl, ok := l.tree.Min(); ok {
		return lvl
	}
	return nil
}

func (l *ladder) add(o *Order) {
	lvl := l.level(o.Price)
	if lvl == nil {
		lvl = &priceLevel{price: o.Price}
		l.tree.ReplaceOrInsert(lvl)
	}
	lvl.queue = append(lvl.queue, o)
}

func (l *ladder) dropIfEmpty(lvl *priceLevel) {
	if len(lvl.queue) == 0 {
		l.tree.Delete(lvl)
	}
}

// Book is the per-symbol order book.
type Book struct {
	bids  *ladder
	asks  *ladder
	debug bool
}

func New(debug bool) *Book {
	return &Book{
		bids:  newLadder(schema.SideBuy),
		asks:  newLadder(schema.SideSell),
		debug: debug,
	}
}

func (b *Book) side(s schema.Side) *ladder {
	if s == schema.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) opposite(taker schema.Side) *ladder {
	return b.side(taker.Opposite())
}

func (b *Book) BestBid() (decimal.Decimal, bool) {
	if lvl := b.bids.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Zero, false
}

func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if lvl := b.asks.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Zero, false
}

// AddResting places an order on its own side. The caller guarantees it does
// not cross the opposite side.
func (b *Book) AddResting(o *Order) {
	b.side(o.Side).add(o)
	b.validateDebug()
}

// PeekOppositeBest returns the head order of the opposite best level.
func (b *Book) PeekOppositeBest(taker schema.Side) *Order {
	lvl := b.opposite(taker).best()
	if lvl == nil {
		return nil
	}
	return lvl.queue[0]
}

// NextMatchableOpposite walks opposite prices in priority order up to the
// taker's limit (no limit for market orders) and returns the first resting
// order not owned by the taker. Skipped self-owned orders keep their place.
func (b *Book) NextMatchableOpposite(taker schema.Side, limit *decimal.Decimal, takerTraderID string) *Order {
	var match *Order
	b.opposite(taker).tree.Ascend(func(lvl *priceLevel) bool {
		if limit != nil {
			if taker == schema.SideBuy && lvl.price.GreaterThan(*limit) {
				return false
			}
			if taker == schema.SideSell && lvl.price.LessThan(*limit) {
				return false
			}
		}
		for _, candidate := range lvl.queue {
			if candidate.TraderID == takerTraderID {
				continue
			}
			match = candidate
			return false
		}
		return true
	})
	return match
}

// PopOppositeBest removes and returns the head of the opposite best level.
func (b *Book) PopOppositeBest(taker schema.Side) *Order {
	opp := b.opposite(taker)
	lvl := opp.best()
	if lvl == nil {
		return nil
	}
	o := lvl.queue[0]
	lvl.queue = lvl.queue[1:]
	opp.dropIfEmpty(lvl)
	return o
}

// RemoveOrder removes a specific resting order, pruning its level if empty.
func (b *Book) RemoveOrder(o *Order) {
	side := b.side(o.Side)
	lvl := side.level(o.Price)
	if lvl == nil {
		panic(fmt.Sprintf("book: price level %s not found for order %d", o.Price, o.ID))
	}
	for i, resting := range lvl.queue {
		if resting.ID == o.ID {
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			side.dropIfEmpty(lvl)
			b.validateDebug()
			return
		}
	}
	panic(fmt.Sprintf("book: order %d not found at level %s", o.ID, o.Price))
}

// CancelByTrader removes every resting order owned by the trader. Reports
// whether the visible book changed.
func (b *Book) CancelByTrader(traderID string) bool {
	changed := b.cancelOnSide(b.bids, traderID)
	changed = b.cancelOnSide(b.asks, traderID) || changed
	b.validateDebug()
	return changed
}

func (b *Book) cancelOnSide(side *ladder, traderID string) bool {
	changed := false
	var levels []*priceLevel
	side.tree.Ascend(func(lvl *priceLevel) bool {
		levels = append(levels, lvl)
		return true
	})
	for _, lvl := range levels {
		kept := lvl.queue[:0:0]
		for _, o := range lvl.queue {
			if o.TraderID != traderID {
				kept = append(kept, o)
			}
		}
		if len(kept) != len(lvl.queue) {
			changed = true
			lvl.queue = kept
			side.dropIfEmpty(lvl)
		}
	}
	return changed
}

// Snapshot aggregates the top levels per side: bids best-first descending,
// asks best-first ascending.
func (b *Book) Snapshot(depth int) (bids, asks []schema.BookLevel) {
	bids = snapshotSide(b.bids, depth)
	asks = snapshotSide(b.asks, depth)
	return bids, asks
}

func snapshotSide(side *ladder, depth int) []schema.BookLevel {
	levels := make([]schema.BookLevel, 0, depth)
	side.tree.Ascend(func(lvl *priceLevel) bool {
		levels = append(levels, schema.BookLevel{Price: lvl.price, Qty: lvl.totalQty()})
		return len(levels) < depth
	})
	return levels
}

// HasCrossingOpposite reports whether opposite resting liquidity still crosses
// the incoming limit. The engine uses this to avoid resting a remainder that
// was blocked only by self-match prevention.
func (b *Book) HasCrossingOpposite(taker schema.Side, limit decimal.Decimal) bool {
	if taker == schema.SideBuy {
		if bestAsk, ok := b.BestAsk(); ok {
			return bestAsk.LessThanOrEqual(limit)
		}
		return false
	}
	if bestBid, ok := b.BestBid(); ok {
		return bestBid.GreaterThanOrEqual(limit)
	}
	return false
}

// Compact drops zero-quantity orders and empty levels from both sides.
func (b *Book) Compact() {
	compactSide(b.bids)
	compactSide(b.asks)
	b.validateDebug()
}

func compactSide(side *ladder) {
	var levels []*priceLevel
	side.tree.Ascend(func(lvl *priceLevel) bool {
		levels = append(levels, lvl)
		return true
	})
	for _, lvl := range levels {
		kept := lvl.queue[:0:0]
		for _, o := range lvl.queue {
			if o.RemainingQty > 0 {
				kept = append(kept, o)
			}
		}
		lvl.queue = kept
		side.dropIfEmpty(lvl)
	}
}

// Clear removes all resting orders from both sides.
func (b *Book) Clear() {
	b.bids.tree.Clear(false)
	b.asks.tree.Clear(false)
}

func (b *Book) validateDebug() {
	if !b.debug {
		return
	}
	if err := b.Validate(); err != nil {
		panic(err)
	}
}

// Validate checks the structural invariants: nonempty level queues, side and
// price agreement, positive remaining quantities, strictly increasing
// sequences within a level, and ordered price indexes.
func (b *Book) Validate() error {
	if err := validateSide(b.bids); err != nil {
		return err
	}
	return validateSide(b.asks)
}

func validateSide(side *ladder) error {
	var err error
	prev := decimal.Decimal{}
	seen := false
	side.tree.Ascend(func(lvl *priceLevel) bool {
		if seen {
			inOrder := lvl.price.GreaterThan(prev)
			if side.side == schema.SideBuy {
				inOrder = lvl.price.LessThan(prev)
			}
			if !inOrder {
				err = fmt.Errorf("book: %s price index out of order at %s", side.side, lvl.price)
				return false
			}
		}
		prev = lvl.price
		seen = true

		if len(lvl.queue) == 0 {
			err = fmt.Errorf("book: empty %s level at %s", side.side, lvl.price)
			return false
		}
		lastSeq := int64(-1)
		for _, o := range lvl.queue {
			if o.Side != side.side {
				err = fmt.Errorf("book: order %d side mismatch at %s", o.ID, lvl.price)
				return false
			}
			if !o.Price.Equal(lvl.price) {
				err = fmt.Errorf("book: order %d price mismatch at level %s", o.ID, lvl.price)
				return false
			}
			if o.RemainingQty <= 0 {
				err = fmt.Errorf("book: order %d has non-positive remaining qty", o.ID)
				return false
			}
			if o.Sequence <= lastSeq {
				err = fmt.Errorf("book: FIFO sequence regression at level %s", lvl.price)
				return false
			}
			lastSeq = o.Sequence
		}
		return true
	})
	return err
}
