package exchange

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/pkg/engine"
	"github.com/nexusarena/arena/pkg/ledger"
	"github.com/nexusarena/arena/pkg/num"
	"github.com/nexusarena/arena/pkg/risk"
	"github.com/nexusarena/arena/pkg/schema"
)

// markPrice resolves the working mark: midpoint when both sides quote, then
// the last trade, then whichever side exists, then the configured fallback.
func (x *Exchange) markPrice() decimal.Decimal {
	bid, okBid := x.engine.BestBid()
	ask, okAsk := x.engine.BestAsk()
	if okBid && okAsk {
		return num.Mid(bid, ask)
	}
	if x.lastMark.IsPositive() {
		return x.lastMark
	}
	if okBid {
		return bid
	}
	if okAsk {
		return ask
	}
	return x.fallback
}

// sessionMark values the end-of-round flatten. Live quotes take precedence
// over the last trade so a one-sided book still settles at its own price.
func (x *Exchange) sessionMark() decimal.Decimal {
	bid, okBid := x.engine.BestBid()
	ask, okAsk := x.engine.BestAsk()
	switch {
	case okBid && okAsk:
		return num.Mid(bid, ask)
	case okBid:
		return bid
	case okAsk:
		return ask
	case x.lastMark.IsPositive():
		return x.lastMark
	default:
		return x.fallback
	}
}

// processOrder runs the full per-order pipeline and returns the submitter's
// response. Broadcast events are published before returning, so the caller's
// reply lands ahead of the burst only because the gateway sends it directly.
func (x *Exchange) processOrder(req schema.OrderRequest) schema.Event {
	ts := x.nowMillis()
	reject := func(reason string, details map[string]any) schema.Event {
		return schema.NewOrderRejected(reason, details, req.TraderID, req.ClientOrderID, ts)
	}

	if x.shuttingDown {
		return reject(schema.ReasonShuttingDown, nil)
	}
	if !x.session.OrderWindowOpen(x.now()) {
		return reject(schema.ReasonSessionInactive, nil)
	}

	acct := x.account(req.TraderID)
	if acct.Bankrupt {
		return reject(schema.ReasonAccountBankrupt, nil)
	}
	if acct.InLiquidation || x.now().Before(acct.FrozenUntil) {
		return reject(schema.ReasonAccountFrozen, nil)
	}

	mark := x.markPrice()
	refPrice := mark
	if req.Type == schema.OrderTypeLimit {
		refPrice = req.Price
	}
	if !refPrice.IsPositive() {
		return reject(schema.ReasonInvalidPriceRef, map[string]any{"reference_price": refPrice})
	}

	pos := x.ledger.Get(req.TraderID)
	equity := x.ledger.Equity(req.TraderID, mark)
	if required, ok := x.risk.CheckInitialMargin(pos.Net, req.Side, req.Qty, refPrice, equity); !ok {
		return reject(schema.ReasonInitialMargin, map[string]any{
			"equity":          equity,
			"required_margin": required,
		})
	}

	var res engine.Result
	if req.Type == schema.OrderTypeLimit {
		res = x.engine.ExecuteLimit(req.TraderID, req.Side, req.Price, req.Qty)
	} else {
		res = x.engine.ExecuteMarket(req.TraderID, req.Side, req.Qty)
		if len(res.Trades) == 0 {
			return reject(schema.ReasonNoLiquidity, nil)
		}
	}

	touched := x.applyTrades(res.Trades)

	var burst []schema.Event
	burst = x.appendTradeEvents(burst, res.Trades, ts)
	if res.BookChanged() {
		burst = append(burst, x.buildBookUpdate())
	}
	burst = x.appendPositionUpdates(burst, sortedKeys(touched), x.markPrice(), ts)

	// Fills may have pushed a counterparty below maintenance.
	queue := x.breachedAmong(sortedKeys(touched))
	burst = x.drainLiquidations(burst, queue)

	x.publish(burst...)
	return schema.NewOrderAccepted(res.OrderID, req.TraderID, req.ClientOrderID, ts)
}

// applyTrades books both legs of each execution and advances the last-trade
// mark. Returns the set of traders touched.
func (x *Exchange) applyTrades(trades []engine.Trade) map[string]bool {
	touched := make(map[string]bool, len(trades)*2)
	for _, t := range trades {
		x.ledger.ApplyTrade(t.BuyTraderID(), t.SellTraderID(), t.Price, t.Qty)
		x.lastMark = t.Price
		touched[t.BuyTraderID()] = true
		touched[t.SellTraderID()] = true
	}
	return touched
}

func (x *Exchange) appendTradeEvents(burst []schema.Event, trades []engine.Trade, ts uint64) []schema.Event {
	for _, t := range trades {
		burst = append(burst, schema.TradeEvent{
			Type:         "trade",
			TradeID:      t.ID,
			Price:        t.Price,
			Qty:          t.Qty,
			BuyTraderID:  t.BuyTraderID(),
			SellTraderID: t.SellTraderID(),
			Timestamp:    ts,
		})
	}
	return burst
}

func (x *Exchange) appendPositionUpdates(burst []schema.Event, traderIDs []string, mark decimal.Decimal, ts uint64) []schema.Event {
	for _, id := range traderIDs {
		burst = append(burst, x.ledger.PositionUpdateEvent(id, mark, ts))
	}
	return burst
}

// breachedAmong filters the given sorted trader ids down to those eligible
// for liquidation right now.
func (x *Exchange) breachedAmong(traderIDs []string) []string {
	var queue []string
	mark := x.markPrice()
	now := x.now()
	for _, id := range traderIDs {
		acct := x.account(id)
		if acct.Bankrupt || acct.InLiquidation || now.Before(acct.FrozenUntil) {
			continue
		}
		p := x.ledger.Get(id)
		if x.risk.Breached(p.Net, x.ledger.Equity(id, mark), mark) {
			queue = append(queue, id)
		}
	}
	return queue
}

// drainLiquidations runs the progressive loop for every queued trader.
// Counterparties pushed into breach by liquidation fills join the queue;
// the cooldown set on each processed trader keeps the drain finite.
func (x *Exchange) drainLiquidations(burst []schema.Event, queue []string) []schema.Event {
	for len(queue) > 0 {
		traderID := queue[0]
		queue = queue[1:]

		acct := x.account(traderID)
		if acct.Bankrupt || acct.InLiquidation {
			continue
		}

		var touched []string
		burst, touched = x.liquidate(burst, traderID)
		queue = append(queue, x.breachedAmong(touched)...)
	}
	return burst
}

// liquidate progressively reduces one breached trader. Returns the burst with
// the liquidation chain appended and the counterparties touched by its fills.
func (x *Exchange) liquidate(burst []schema.Event, traderID string) ([]schema.Event, []string) {
	acct := x.account(traderID)
	acct.InLiquidation = true
	acct.FrozenUntil = x.now().Add(x.cfg.Margin.LiquidationCooldown)
	defer func() { acct.InLiquidation = false }()

	ts := x.nowMillis()
	touched := map[string]bool{traderID: true}

	start := x.ledger.Get(traderID)
	maxSteps := 2 * abs64(start.Net)
	if maxSteps < 1 {
		maxSteps = 1
	}

	x.log.Warn("liquidation started",
		zap.String("trader", traderID),
		zap.Int64("position", start.Net))

	for step := 0; step < int(maxSteps); step++ {
		mark := x.markPrice()
		p := x.ledger.Get(traderID)
		equity := x.ledger.Equity(traderID, mark)
		if p.Net == 0 || !x.risk.Breached(p.Net, equity, mark) {
			break
		}

		qty := x.risk.LiquidationQty(p.Net, equity, mark)
		side := risk.CloseSide(p.Net)
		burst = append(burst, schema.LiquidationEvent{
			Type:      "liquidation",
			TraderID:  traderID,
			Reason:    schema.ReasonMaintenanceBreach,
			Qty:       qty,
			Side:      side,
			Timestamp: ts,
		})

		if x.engine.CancelByTrader(traderID) {
			burst = append(burst, x.buildBookUpdate())
		}

		res := x.engine.ExecuteMarket(traderID, side, qty)
		if len(res.Trades) == 0 {
			break
		}
		for id := range x.applyTrades(res.Trades) {
			touched[id] = true
		}
		burst = x.appendTradeEvents(burst, res.Trades, ts)
	}

	// Progressive steps exhausted or stalled: one full-flatten attempt.
	mark := x.markPrice()
	p := x.ledger.Get(traderID)
	if p.Net != 0 && x.risk.Breached(p.Net, x.ledger.Equity(traderID, mark), mark) {
		side := risk.CloseSide(p.Net)
		qty := abs64(p.Net)
		burst = append(burst, schema.LiquidationEvent{
			Type:      "liquidation",
			TraderID:  traderID,
			Reason:    schema.ReasonMaintenanceFlatten,
			Qty:       qty,
			Side:      side,
			Timestamp: ts,
		})
		if res := x.engine.ExecuteMarket(traderID, side, qty); len(res.Trades) > 0 {
			for id := range x.applyTrades(res.Trades) {
				touched[id] = true
			}
			burst = x.appendTradeEvents(burst, res.Trades, ts)
		}
	}

	mark = x.markPrice()
	p = x.ledger.Get(traderID)
	equity := x.ledger.Equity(traderID, mark)
	stillBreached := p.Net != 0 && x.risk.Breached(p.Net, equity, mark)
	if stillBreached || (p.Net == 0 && equity.IsNegative()) {
		acct.Bankrupt = true
		burst = append(burst, schema.LiquidationEvent{
			Type:      "liquidation",
			TraderID:  traderID,
			Reason:    schema.ReasonBankruptcy,
			Qty:       abs64(p.Net),
			Side:      risk.CloseSide(p.Net),
			Timestamp: ts,
		})
		x.log.Warn("trader bankrupt",
			zap.String("trader", traderID),
			zap.String("equity", equity.String()))
	}

	burst = append(burst, x.buildBookUpdate())
	burst = x.appendPositionUpdates(burst, sortedKeys(touched), x.markPrice(), ts)

	var counterparties []string
	for id := range touched {
		if id != traderID {
			counterparties = append(counterparties, id)
		}
	}
	sort.Strings(counterparties)
	return burst, counterparties
}

// endRound finalizes the current round: clear the book silently, flatten at
// the session mark, publish results, record the round, reset for the next
// one or finish the tournament.
func (x *Exchange) endRound() {
	if !x.session.Active() {
		return
	}
	ts := x.nowMillis()
	mark := x.sessionMark()
	round := x.session.Round()
	x.session.Close()

	x.engine.ClearBook()
	x.ledger.ForceFlatten(mark)

	traderIDs := x.ledger.TraderIDs()
	var burst []schema.Event
	burst = x.appendPositionUpdates(burst, traderIDs, mark, ts)

	pnl := make(map[string]decimal.Decimal, len(traderIDs))
	for _, id := range traderIDs {
		pnl[id] = x.ledger.Get(id).Realized
	}
	burst = append(burst, schema.SessionEnd{
		Type:      "session_end",
		Round:     round,
		MarkPrice: num.Round4(mark),
		Rankings:  ledger.Rankings(pnl),
	})
	x.session.RecordRound(round, pnl)

	x.ledger.Reset()
	x.engine.Reset()
	x.lastMark = decimal.Zero

	x.log.Info("session ended",
		zap.Int("round", round),
		zap.String("mark", mark.String()))

	if x.session.Complete() {
		burst = append(burst, x.session.TournamentCompleteEvent())
		x.shuttingDown = true
		x.finalized = true
		x.publish(burst...)
		x.log.Info("tournament complete", zap.Int("rounds", x.session.CompletedRounds()))
		return
	}

	if !x.shuttingDown {
		burst = append(burst, x.session.Start(x.now()))
		x.log.Info("session started", zap.Int("round", x.session.Round()))
	}
	x.publish(burst...)
}

// interrupt switches to reject-all, finalizes at most one partial round and
// emits the terminal tournament_complete.
func (x *Exchange) interrupt() {
	if x.finalized {
		return
	}
	x.shuttingDown = true
	if x.session.Active() {
		x.endRound()
	}
	if !x.finalized {
		x.publish(x.session.TournamentCompleteEvent())
		x.finalized = true
	}
	x.log.Info("exchange interrupted",
		zap.Int("rounds_completed", x.session.CompletedRounds()))
}

func (x *Exchange) buildWelcome(traderID string) schema.Welcome {
	x.ledger.Touch(traderID)
	x.account(traderID)
	return schema.Welcome{
		Type:                    "welcome",
		TraderID:                traderID,
		Symbol:                  x.cfg.Market.Symbol,
		SessionRound:            x.session.Round(),
		SessionActive:           x.session.Active() && !x.shuttingDown,
		SessionDurationSeconds:  int(x.session.Duration().Seconds()),
		SessionRemainingSeconds: x.session.RemainingSeconds(x.now()),
	}
}

func (x *Exchange) buildBookUpdate() schema.BookUpdate {
	bids, asks := x.engine.Snapshot(x.cfg.Market.BookDepth)
	update := schema.BookUpdate{
		Type:      "book_update",
		Bids:      bids,
		Asks:      asks,
		Timestamp: x.nowMillis(),
	}
	if bid, ok := x.engine.BestBid(); ok {
		update.BestBid = &bid
	}
	if ask, ok := x.engine.BestAsk(); ok {
		update.BestAsk = &ask
	}
	return update
}

func (x *Exchange) buildLeaderboard() []schema.RankingRow {
	mark := x.markPrice()
	pnl := make(map[string]decimal.Decimal)
	for _, id := range x.ledger.TraderIDs() {
		pnl[id] = x.ledger.TotalPnl(id, mark)
	}
	return ledger.Rankings(pnl)
}

func sortedKeys(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
