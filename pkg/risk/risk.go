// Package risk implements the margin model: initial margin admission on the
// projected position and maintenance checks with progressive liquidation
// sizing.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/num"
	"github.com/nexusarena/arena/pkg/schema"
)

type Engine struct {
	initialRate     decimal.Decimal
	maintenanceRate decimal.Decimal
}

func New(initialRate, maintenanceRate decimal.Decimal) *Engine {
	return &Engine{initialRate: initialRate, maintenanceRate: maintenanceRate}
}

// ProjectedNet is the worst-case net position if the order fills completely.
func ProjectedNet(net int64, side schema.Side, qty int64) int64 {
	if side == schema.SideBuy {
		return net + qty
	}
	return net - qty
}

// InitialMarginRequired is |projectedNet| * refPrice * initialRate, rounded.
func (e *Engine) InitialMarginRequired(projectedNet int64, refPrice decimal.Decimal) decimal.Decimal {
	return num.Round4(num.MulQty(refPrice, abs(projectedNet)).Mul(e.initialRate))
}

// CheckInitialMargin admits the order if equity covers the initial margin on
// the projected position. Returns the requirement and whether it is met.
func (e *Engine) CheckInitialMargin(net int64, side schema.Side, qty int64, refPrice, equity decimal.Decimal) (decimal.Decimal, bool) {
	required := e.InitialMarginRequired(ProjectedNet(net, side, qty), refPrice)
	return required, !equity.LessThan(required)
}

// MaintenanceRequired is |net| * mark * maintenanceRate, rounded.
func (e *Engine) MaintenanceRequired(net int64, mark decimal.Decimal) decimal.Decimal {
	return num.Round4(num.MulQty(mark, abs(net)).Mul(e.maintenanceRate))
}

// Breached reports a maintenance margin breach. Flat positions never breach;
// the comparison is strict, so equity exactly at the requirement is healthy.
func (e *Engine) Breached(net int64, equity, mark decimal.Decimal) bool {
	if net == 0 {
		return false
	}
	return equity.LessThan(e.MaintenanceRequired(net, mark))
}

// LiquidationQty sizes one liquidation step. The target is the largest
// position the current equity could open fresh under initial margin; the step
// closes down to that target, at least one contract, never more than the
// whole position. Non-positive equity or mark forces a full close.
func (e *Engine) LiquidationQty(net int64, equity, mark decimal.Decimal) int64 {
	if !e.Breached(net, equity, mark) {
		return 0
	}
	posAbs := abs(net)
	if !equity.IsPositive() || !mark.IsPositive() {
		return posAbs
	}
	targetAbs := equity.Div(mark.Mul(e.initialRate)).Floor().IntPart()
	if targetAbs >= posAbs {
		return 1
	}
	qty := posAbs - targetAbs
	if qty < 1 {
		qty = 1
	}
	return qty
}

// CloseSide is the order side that reduces the given net position.
func CloseSide(net int64) schema.Side {
	if net > 0 {
		return schema.SideSell
	}
	return schema.SideBuy
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
