package reconciliation

import (
	"github.com/odyssey-erp/stockledger/internal/money"
)

// ComputeConsumption applies
//
//	opening + receipts + transfers_in - transfers_out - issues - closing + adjustments
//
// A negative result is valid.
func ComputeConsumption(c Components, adj Adjustments) money.Money {
	return c.OpeningStock.
		Add(c.Receipts).
		Add(c.TransfersIn).
		Sub(c.TransfersOut).
		Sub(c.Issues).
		Sub(c.ClosingStock).
		Add(adj.Total())
}

// ComputeMandayCost divides consumption by mandays, or reports not applicable
// when there are none.
func ComputeMandayCost(consumption money.Money, mandays int64) MandayCost {
	if mandays <= 0 {
		return MandayCost{Value: money.Zero()}
	}
	return MandayCost{Value: consumption.Div(money.FromInt(mandays)), Applicable: true}
}

func assemble(locationID, periodID int64, mode Mode, c Components, adj Adjustments, mandays int64) Result {
	consumption := ComputeConsumption(c, adj)
	return Result{
		LocationID:       locationID,
		PeriodID:         periodID,
		Mode:             mode,
		Components:       c,
		Adjustments:      adj,
		TotalAdjustments: adj.Total(),
		Consumption:      consumption,
		TotalMandays:     mandays,
		MandayCost:       ComputeMandayCost(consumption, mandays),
	}
}

func zeroAdjustments() Adjustments {
	z := money.Zero()
	return Adjustments{BackCharges: z, Credits: z, Condemnations: z, Other: z}
}
