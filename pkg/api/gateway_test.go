package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/params"
	"github.com/nexusarena/arena/pkg/exchange"
	"github.com/nexusarena/arena/pkg/schema"
	"github.com/nexusarena/arena/pkg/util"
)

var gwStart = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func newTestGateway() (*Gateway, *util.ManualClock) {
	clock := util.NewManualClock(gwStart)
	x := exchange.New(params.Default(), zap.NewNop(), clock)
	return NewGateway(x, zap.NewNop()), clock
}

func TestHandleFrameInvalidJSON(t *testing.T) {
	g, clock := newTestGateway()
	clock.Advance(3 * time.Second)

	reply := g.handleFrame(context.Background(), []byte(`{not json`))
	rejected, ok := reply.(schema.OrderRejected)
	require.True(t, ok)
	assert.Equal(t, schema.ReasonInvalidJSON, rejected.Reason)
	assert.Equal(t, schema.UTCMillis(clock.Now()), rejected.Timestamp, "rejects are stamped from the core clock")
}

func TestHandleFrameSchemaViolation(t *testing.T) {
	g, clock := newTestGateway()

	reply := g.handleFrame(context.Background(), []byte(`{"type":"order","trader_id":"t","side":"hold","price":1,"qty":1}`))
	rejected, ok := reply.(schema.OrderRejected)
	require.True(t, ok)
	assert.Equal(t, schema.ReasonInvalidMessage, rejected.Reason)
	assert.Contains(t, rejected.Details, "error")
	assert.Equal(t, schema.UTCMillis(clock.Now()), rejected.Timestamp)
}
