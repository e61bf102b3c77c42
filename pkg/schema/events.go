package schema

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Event is one outbound message on the event stream.
type Event interface {
	EventType() string
}

// Rejection reasons understood by clients.
const (
	ReasonInvalidJSON        = "invalid_json"
	ReasonInvalidMessage     = "invalid_message"
	ReasonInvalidPriceRef    = "invalid_price_reference"
	ReasonInitialMargin      = "initial_margin_insufficient"
	ReasonNoLiquidity        = "no_liquidity"
	ReasonAccountFrozen      = "account_frozen"
	ReasonAccountBankrupt    = "account_bankrupt"
	ReasonShuttingDown       = "exchange_shutting_down"
	ReasonSessionInactive    = "session_inactive"
	ReasonMaintenanceBreach  = "maintenance_margin_breach"
	ReasonMaintenanceFlatten = "maintenance_margin_breach_force_flatten"
	ReasonBankruptcy         = "bankruptcy"
)

type OrderAccepted struct {
	Type          string `json:"type"`
	OrderID       int64  `json:"order_id"`
	TraderID      string `json:"trader_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Timestamp     uint64 `json:"timestamp"`
}

func (OrderAccepted) EventType() string { return "order_accepted" }

func NewOrderAccepted(orderID int64, traderID, clientOrderID string, ts uint64) OrderAccepted {
	return OrderAccepted{Type: "order_accepted", OrderID: orderID, TraderID: traderID, ClientOrderID: clientOrderID, Timestamp: ts}
}

type OrderRejected struct {
	Type          string         `json:"type"`
	Reason        string         `json:"reason"`
	Details       map[string]any `json:"details"`
	TraderID      string         `json:"trader_id,omitempty"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	Timestamp     uint64         `json:"timestamp"`
}

func (OrderRejected) EventType() string { return "order_rejected" }

func NewOrderRejected(reason string, details map[string]any, traderID, clientOrderID string, ts uint64) OrderRejected {
	if details == nil {
		details = map[string]any{}
	}
	return OrderRejected{Type: "order_rejected", Reason: reason, Details: details, TraderID: traderID, ClientOrderID: clientOrderID, Timestamp: ts}
}

type TradeEvent struct {
	Type         string          `json:"type"`
	TradeID      int64           `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Qty          int64           `json:"qty"`
	BuyTraderID  string          `json:"buy_trader_id"`
	SellTraderID string          `json:"sell_trader_id"`
	Timestamp    uint64          `json:"timestamp"`
}

func (TradeEvent) EventType() string { return "trade" }

// BookLevel marshals as the [price, qty] pair the stream exposes.
type BookLevel struct {
	Price decimal.Decimal
	Qty   int64
}

func (l BookLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{l.Price, l.Qty})
}

func (l *BookLevel) UnmarshalJSON(data []byte) error {
	var pair [2]json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	price, err := decimal.NewFromString(pair[0].String())
	if err != nil {
		return err
	}
	qty, err := pair[1].Int64()
	if err != nil {
		return err
	}
	l.Price = price
	l.Qty = qty
	return nil
}

type BookUpdate struct {
	Type      string           `json:"type"`
	BestBid   *decimal.Decimal `json:"best_bid"`
	BestAsk   *decimal.Decimal `json:"best_ask"`
	Bids      []BookLevel      `json:"bids"`
	Asks      []BookLevel      `json:"asks"`
	Timestamp uint64           `json:"timestamp"`
}

func (BookUpdate) EventType() string { return "book_update" }

type PositionUpdate struct {
	Type          string          `json:"type"`
	TraderID      string          `json:"trader_id"`
	Position      int64           `json:"position"`
	Cash          decimal.Decimal `json:"cash"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Timestamp     uint64          `json:"timestamp"`
}

func (PositionUpdate) EventType() string { return "position_update" }

type LiquidationEvent struct {
	Type      string `json:"type"`
	TraderID  string `json:"trader_id"`
	Reason    string `json:"reason"`
	Qty       int64  `json:"qty"`
	Side      Side   `json:"side"`
	Timestamp uint64 `json:"timestamp"`
}

func (LiquidationEvent) EventType() string { return "liquidation" }

type SessionStart struct {
	Type            string `json:"type"`
	Round           int    `json:"round"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (SessionStart) EventType() string { return "session_start" }

type RankingRow struct {
	Rank     int             `json:"rank"`
	TraderID string          `json:"trader_id"`
	Pnl      decimal.Decimal `json:"pnl"`
}

type SessionEnd struct {
	Type      string          `json:"type"`
	Round     int             `json:"round"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	Rankings  []RankingRow    `json:"rankings"`
}

func (SessionEnd) EventType() string { return "session_end" }

type TournamentComplete struct {
	Type            string       `json:"type"`
	RoundsCompleted int          `json:"rounds_completed"`
	TotalRounds     int          `json:"total_rounds"`
	Rankings        []RankingRow `json:"rankings"`
}

func (TournamentComplete) EventType() string { return "tournament_complete" }

type Welcome struct {
	Type                    string          `json:"type"`
	TraderID                string          `json:"trader_id"`
	Symbol                  string          `json:"symbol"`
	SessionRound            int             `json:"session_round"`
	SessionActive           bool            `json:"session_active"`
	SessionDurationSeconds  int             `json:"session_duration_seconds"`
	SessionRemainingSeconds decimal.Decimal `json:"session_remaining_seconds"`
}

func (Welcome) EventType() string { return "welcome" }
