// Package schema defines the wire protocol: inbound order frames and the
// tagged outbound event variants. JSON stays at this boundary; the core works
// with the parsed types only.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/num"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// ProtocolError marks a frame that parsed as JSON but violates the schema.
// The gateway maps it to an invalid_message rejection; it never reaches the core.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string { return e.msg }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

// UTCMillis is the protocol timestamp: milliseconds since the Unix epoch.
func UTCMillis(t time.Time) uint64 { return uint64(t.UnixMilli()) }

// OrderRequest is a validated inbound order.
type OrderRequest struct {
	TraderID      string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // zero for market orders
	Qty           int64
	ClientOrderID string
}

type orderWire struct {
	Type          string   `json:"type"`
	TraderID      string   `json:"trader_id"`
	Side          string   `json:"side"`
	OrderType     string   `json:"order_type"`
	Price         *float64 `json:"price"`
	Qty           *float64 `json:"qty"`
	ClientOrderID *string  `json:"client_order_id"`
}

// ParseOrderRequest validates one gateway frame. A json.Unmarshal failure is
// returned as-is (reason invalid_json at the gateway); every other failure is
// a ProtocolError (reason invalid_message).
func ParseOrderRequest(raw []byte) (OrderRequest, error) {
	var wire orderWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return OrderRequest{}, err
	}
	if wire.Type != "order" {
		return OrderRequest{}, protocolErrorf("'type' must be 'order'")
	}
	if wire.TraderID == "" {
		return OrderRequest{}, protocolErrorf("'trader_id' must be a non-empty string")
	}

	side := Side(wire.Side)
	if !side.Valid() {
		return OrderRequest{}, protocolErrorf("'side' must be 'buy' or 'sell'")
	}

	orderType := OrderType(wire.OrderType)
	if wire.OrderType == "" {
		orderType = OrderTypeLimit
	}
	if orderType != OrderTypeLimit && orderType != OrderTypeMarket {
		return OrderRequest{}, protocolErrorf("'order_type' must be 'limit' or 'market'")
	}

	if wire.Qty == nil {
		return OrderRequest{}, protocolErrorf("'qty' is required")
	}
	qtyF := *wire.Qty
	if qtyF != math.Trunc(qtyF) {
		return OrderRequest{}, protocolErrorf("'qty' must be an integer")
	}
	qty := int64(qtyF)
	if qty < 1 {
		return OrderRequest{}, protocolErrorf("'qty' must be >= 1")
	}

	var price decimal.Decimal
	switch orderType {
	case OrderTypeLimit:
		if wire.Price == nil {
			return OrderRequest{}, protocolErrorf("'price' is required for limit orders")
		}
		if *wire.Price <= 0 {
			return OrderRequest{}, protocolErrorf("'price' must be > 0")
		}
		price = num.FromFloat(*wire.Price)
		if !price.IsPositive() {
			return OrderRequest{}, protocolErrorf("'price' must be > 0")
		}
	case OrderTypeMarket:
		if wire.Price != nil {
			return OrderRequest{}, protocolErrorf("'price' must be null/omitted for market orders")
		}
	}

	clientOrderID := ""
	if wire.ClientOrderID != nil {
		clientOrderID = *wire.ClientOrderID
	}

	return OrderRequest{
		TraderID:      wire.TraderID,
		Side:          side,
		Type:          orderType,
		Price:         price,
		Qty:           qty,
		ClientOrderID: clientOrderID,
	}, nil
}
