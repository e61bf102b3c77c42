// Package ledger tracks per-trader net positions, cash flow and PnL.
// Cash is tracked excluding starting capital; equity adds it back.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/num"
	"github.com/nexusarena/arena/pkg/schema"
)

// Position is one trader's account state. All monetary fields are rounded to
// 4 decimals after every mutation.
type Position struct {
	TraderID string
	Net      int64
	Cash     decimal.Decimal
	AvgEntry decimal.Decimal
	Realized decimal.Decimal
}

// Ledger holds every participant's position keyed by trader id.
type Ledger struct {
	startingCapital decimal.Decimal
	positions       map[string]*Position
}

func New(startingCapital decimal.Decimal) *Ledger {
	return &Ledger{
		startingCapital: startingCapital,
		positions:       make(map[string]*Position),
	}
}

func (l *Ledger) StartingCapital() decimal.Decimal { return l.startingCapital }

// Touch registers a trader with a zero position if not yet known.
func (l *Ledger) Touch(traderID string) *Position {
	p, ok := l.positions[traderID]
	if !ok {
		p = &Position{TraderID: traderID, Cash: decimal.Zero, AvgEntry: decimal.Zero, Realized: decimal.Zero}
		l.positions[traderID] = p
	}
	return p
}

// ApplyFill books one execution leg for a single trader.
func (l *Ledger) ApplyFill(traderID string, side schema.Side, price decimal.Decimal, qty int64) {
	p := l.Touch(traderID)
	notional := num.MulQty(price, qty)

	signed := qty
	if side == schema.SideSell {
		signed = -qty
		p.Cash = num.Round4(p.Cash.Add(notional))
	} else {
		p.Cash = num.Round4(p.Cash.Sub(notional))
	}

	switch {
	case p.Net == 0:
		p.Net = signed
		p.AvgEntry = num.Round4(price)

	case sameSign(p.Net, signed):
		// Increase: volume-weighted average entry.
		oldAbs := abs(p.Net)
		newAbs := oldAbs + qty
		weighted := num.MulQty(p.AvgEntry, oldAbs).Add(notional)
		p.AvgEntry = num.Round4(weighted.Div(decimal.NewFromInt(newAbs)))
		p.Net += signed

	default:
		// Reduce, close, or cross through zero.
		closeQty := qty
		if abs(p.Net) < closeQty {
			closeQty = abs(p.Net)
		}
		perUnit := price.Sub(p.AvgEntry)
		if p.Net < 0 {
			perUnit = p.AvgEntry.Sub(price)
		}
		p.Realized = num.Round4(p.Realized.Add(num.MulQty(perUnit, closeQty)))
		p.Net += signed

		if p.Net == 0 {
			p.AvgEntry = decimal.Zero
		} else if !sameSign(p.Net-signed, p.Net) {
			// Crossed through zero: the remainder opens at the fill price.
			p.AvgEntry = num.Round4(price)
		}
	}
}

// ApplyTrade books both legs of one execution.
func (l *Ledger) ApplyTrade(buyTraderID, sellTraderID string, price decimal.Decimal, qty int64) {
	l.ApplyFill(buyTraderID, schema.SideBuy, price, qty)
	l.ApplyFill(sellTraderID, schema.SideSell, price, qty)
}

// Unrealized is net * (mark - avgEntry), rounded. Zero for flat positions.
func (l *Ledger) Unrealized(traderID string, mark decimal.Decimal) decimal.Decimal {
	p, ok := l.positions[traderID]
	if !ok || p.Net == 0 {
		return decimal.Zero
	}
	return num.Round4(num.MulQty(mark.Sub(p.AvgEntry), p.Net))
}

// Equity is startingCapital + cash + unrealized, rounded.
func (l *Ledger) Equity(traderID string, mark decimal.Decimal) decimal.Decimal {
	p, ok := l.positions[traderID]
	if !ok {
		return l.startingCapital
	}
	return num.Round4(l.startingCapital.Add(p.Cash).Add(l.Unrealized(traderID, mark)))
}

// TotalPnl is realized + unrealized at the mark.
func (l *Ledger) TotalPnl(traderID string, mark decimal.Decimal) decimal.Decimal {
	p, ok := l.positions[traderID]
	if !ok {
		return decimal.Zero
	}
	return num.Round4(p.Realized.Add(l.Unrealized(traderID, mark)))
}

// Get returns a copy of the trader's position, or a zero one if unknown.
func (l *Ledger) Get(traderID string) Position {
	if p, ok := l.positions[traderID]; ok {
		return *p
	}
	return Position{TraderID: traderID, Cash: decimal.Zero, AvgEntry: decimal.Zero, Realized: decimal.Zero}
}

// TraderIDs returns every registered trader id in ascending order.
func (l *Ledger) TraderIDs() []string {
	ids := make([]string, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForceFlatten closes every open position at the mark price, in ascending
// trader id order. Returns the ids of traders that were flattened.
func (l *Ledger) ForceFlatten(mark decimal.Decimal) []string {
	var flattened []string
	for _, id := range l.TraderIDs() {
		p := l.positions[id]
		if p.Net == 0 {
			continue
		}
		side := schema.SideSell
		if p.Net < 0 {
			side = schema.SideBuy
		}
		l.ApplyFill(id, side, mark, abs(p.Net))
		flattened = append(flattened, id)
	}
	return flattened
}

// Reset zeroes every account but keeps traders registered.
func (l *Ledger) Reset() {
	for id := range l.positions {
		l.positions[id] = &Position{TraderID: id, Cash: decimal.Zero, AvgEntry: decimal.Zero, Realized: decimal.Zero}
	}
}

// PositionUpdateEvent builds the stream snapshot of one account at the mark.
func (l *Ledger) PositionUpdateEvent(traderID string, mark decimal.Decimal, ts uint64) schema.PositionUpdate {
	p := l.Get(traderID)
	return schema.PositionUpdate{
		Type:          "position_update",
		TraderID:      traderID,
		Position:      p.Net,
		Cash:          p.Cash,
		AvgEntryPrice: p.AvgEntry,
		RealizedPnl:   p.Realized,
		UnrealizedPnl: l.Unrealized(traderID, mark),
		TotalEquity:   l.Equity(traderID, mark),
		MarkPrice:     num.Round4(mark),
		Timestamp:     ts,
	}
}

// Rankings orders every participant by total PnL at the given per-trader PnL
// values, descending, ties broken by ascending trader id.
func Rankings(pnl map[string]decimal.Decimal) []schema.RankingRow {
	ids := make([]string, 0, len(pnl))
	for id := range pnl {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := pnl[ids[i]], pnl[ids[j]]
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return ids[i] < ids[j]
	})
	rows := make([]schema.RankingRow, len(ids))
	for i, id := range ids {
		rows[i] = schema.RankingRow{Rank: i + 1, TraderID: id, Pnl: num.Round4(pnl[id])}
	}
	return rows
}

func sameSign(a, b int64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
