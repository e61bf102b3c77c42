package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/nexusarena/arena/pkg/schema"
)

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func newTestEngine() *Engine { return New(d("0.20"), d("0.10")) }

// Flat trader, BUY 600@100 with equity 10000:
// required = 600 * 100 * 0.20 = 12000 > 10000.
func TestInitialMarginReject(t *testing.T) {
	e := newTestEngine()
	required, ok := e.CheckInitialMargin(0, schema.SideBuy, 600, d("100"), d("10000"))
	assert.False(t, ok)
	assert.True(t, required.Equal(d("12000")))
}

func TestInitialMarginExactEquityPasses(t *testing.T) {
	e := newTestEngine()
	// 500 * 100 * 0.20 = 10000 exactly.
	required, ok := e.CheckInitialMargin(0, schema.SideBuy, 500, d("100"), d("10000"))
	assert.True(t, ok)
	assert.True(t, required.Equal(d("10000")))
}

func TestInitialMarginUsesProjectedPosition(t *testing.T) {
	e := newTestEngine()
	// Short 10, buying 4 projects to -6: requirement shrinks.
	required, ok := e.CheckInitialMargin(-10, schema.SideBuy, 4, d("100"), d("150"))
	assert.True(t, ok)
	assert.True(t, required.Equal(d("120")))

	// Selling 4 more projects to -14.
	required, ok = e.CheckInitialMargin(-10, schema.SideSell, 4, d("100"), d("150"))
	assert.False(t, ok)
	assert.True(t, required.Equal(d("280")))
}

func TestMaintenanceBreach(t *testing.T) {
	e := newTestEngine()

	// Flat never breaches.
	assert.False(t, e.Breached(0, d("-5"), d("100")))

	// 90 long at mark 95: maintenance = 90*95*0.10 = 855.
	assert.True(t, e.Breached(90, d("550"), d("95")))
	assert.False(t, e.Breached(90, d("855"), d("95")), "exactly at requirement is healthy")
	assert.True(t, e.Breached(90, d("854.9999"), d("95")))
}

// Long 90 at mark 95, equity 550:
// targetAbs = floor(550 / (95*0.20)) = floor(28.94) = 28; qty = 90-28 = 62.
func TestLiquidationQtyProgressive(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, int64(62), e.LiquidationQty(90, d("550"), d("95")))
}

func TestLiquidationQtyZeroWhenHealthy(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, int64(0), e.LiquidationQty(90, d("855"), d("95")))
	assert.Equal(t, int64(0), e.LiquidationQty(0, d("-100"), d("95")))
}

func TestLiquidationQtyFullCloseOnNonPositiveEquity(t *testing.T) {
	e := newTestEngine()
	assert.Equal(t, int64(90), e.LiquidationQty(90, d("0"), d("95")))
	assert.Equal(t, int64(90), e.LiquidationQty(90, d("-10"), d("95")))
	assert.Equal(t, int64(40), e.LiquidationQty(-40, d("-10"), d("95")))
}

func TestLiquidationQtySmallPositions(t *testing.T) {
	e := newTestEngine()
	// 2 long at mark 100: maintenance = 20; equity 19.99 breaches.
	// target = floor(19.99 / 20) = 0, so the whole position goes.
	assert.Equal(t, int64(2), e.LiquidationQty(2, d("19.99"), d("100")))
	// 1 long at mark 10: target = floor(0.5 / 2) = 0, qty clamps to 1.
	assert.Equal(t, int64(1), e.LiquidationQty(1, d("0.5"), d("10")))
}

func TestLiquidationQtyStepsByTarget(t *testing.T) {
	e := newTestEngine()
	// 10 long at mark 100: maintenance = 100; equity 99 breaches.
	// target = floor(99 / 20) = 4 -> qty = 6.
	assert.Equal(t, int64(6), e.LiquidationQty(10, d("99"), d("100")))
	// 3 short at mark 10: maintenance = 3; equity 2.9 breaches.
	// target = floor(2.9 / 2) = 1 -> qty = 2.
	assert.Equal(t, int64(2), e.LiquidationQty(-3, d("2.9"), d("10")))
}

func TestCloseSide(t *testing.T) {
	assert.Equal(t, schema.SideSell, CloseSide(5))
	assert.Equal(t, schema.SideBuy, CloseSide(-5))
}
