package variance

import (
	"github.com/odyssey-erp/stockledger/internal/money"
)

// DetectVariance compares actual against expected unit price. It reports a
// record when the absolute difference exceeds tolerance, an absolute currency
// amount. The value is the difference times quantity, positive for overcharges.
func DetectVariance(expected, actual money.Money, qty money.Quantity, tolerance money.Money) (Record, bool) {
	if tolerance.IsNegative() {
		tolerance = money.Zero()
	}
	diff := actual.Sub(expected)
	if !diff.Abs().GreaterThan(tolerance) {
		return Record{}, false
	}
	rec := Record{
		ExpectedPrice: expected,
		ActualPrice:   actual,
		Quantity:      qty,
		VarianceValue: money.Value(qty, diff),
		Direction:     Overcharge,
	}
	if diff.IsNegative() {
		rec.Direction = Undercharge
	}
	return rec, true
}
