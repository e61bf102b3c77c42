package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/pkg/exchange"
	"github.com/nexusarena/arena/pkg/schema"
	"github.com/nexusarena/arena/pkg/util"
)

// Gateway accepts order connections. Each connection gets an assigned trader
// identity in its welcome frame and a direct accepted/rejected reply per
// order, ahead of the broadcast burst on the stream.
type Gateway struct {
	exchange *exchange.Exchange
	clock    util.Clock
	log      *zap.Logger
}

func NewGateway(x *exchange.Exchange, log *zap.Logger) *Gateway {
	return &Gateway{exchange: x, clock: x.Clock(), log: log}
}

// HandleOrders upgrades one order connection and serves it until disconnect.
func (g *Gateway) HandleOrders(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("gateway upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	connID := uuid.NewString()
	traderID := g.exchange.AllocateTraderID()

	welcome, err := g.exchange.Welcome(ctx, traderID)
	if err != nil {
		return
	}
	if err := g.writeJSON(conn, welcome); err != nil {
		return
	}
	g.log.Info("trader connected", zap.String("conn", connID), zap.String("trader", traderID))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warn("gateway read error", zap.String("trader", traderID), zap.Error(err))
			}
			break
		}

		reply := g.handleFrame(ctx, raw)
		if reply == nil {
			break
		}
		if err := g.writeJSON(conn, reply); err != nil {
			break
		}
	}
	g.log.Info("trader disconnected", zap.String("conn", connID), zap.String("trader", traderID))
}

// handleFrame maps one inbound frame to its direct reply. A nil reply means
// the connection should close.
func (g *Gateway) handleFrame(ctx context.Context, raw []byte) schema.Event {
	ts := schema.UTCMillis(g.clock.Now())

	req, err := schema.ParseOrderRequest(raw)
	if err != nil {
		var perr *schema.ProtocolError
		if errors.As(err, &perr) {
			return schema.NewOrderRejected(schema.ReasonInvalidMessage, map[string]any{"error": perr.Error()}, "", "", ts)
		}
		return schema.NewOrderRejected(schema.ReasonInvalidJSON, map[string]any{"error": err.Error()}, "", "", ts)
	}

	reply, err := g.exchange.Submit(ctx, req)
	if err != nil {
		return nil
	}
	return reply
}

func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		g.log.Error("gateway marshal failed", zap.Error(err))
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}
