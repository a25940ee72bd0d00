// Package reconciliation derives period consumption and manday cost per
// location from the stock ledger, persists supervisor adjustments and keeps
// the frozen snapshot written at period close.
package reconciliation

import (
	"errors"
	"time"

	"github.com/odyssey-erp/stockledger/internal/money"
)

// Mode tells how a Result was produced.
type Mode string

const (
	// ModeDerived is computed on demand with zero adjustments; nothing is stored.
	ModeDerived Mode = "DERIVED"
	// ModeSaved uses stored adjustments with freshly aggregated movement sums.
	ModeSaved Mode = "SAVED"
	// ModeFrozen is the immutable snapshot taken when the period closed.
	ModeFrozen Mode = "FROZEN"
)

// Components are the ledger-derived values feeding the consumption formula.
type Components struct {
	OpeningStock money.Money
	Receipts     money.Money
	TransfersIn  money.Money
	TransfersOut money.Money
	Issues       money.Money
	ClosingStock money.Money
}

// Adjustments are the supervisor-entered corrections. Any sign is allowed.
type Adjustments struct {
	BackCharges   money.Money
	Credits       money.Money
	Condemnations money.Money
	Other         money.Money
}

// Total sums the four adjustment fields.
func (a Adjustments) Total() money.Money {
	return a.BackCharges.Add(a.Credits).Add(a.Condemnations).Add(a.Other)
}

// MandayCost is consumption per manday. Applicable is false when the period
// has no mandays, so a missing denominator never reads as a zero cost.
type MandayCost struct {
	Value      money.Money
	Applicable bool
}

// NotApplicable is how an inapplicable manday cost is displayed.
const NotApplicable = "N/A"

// Format renders the cost with f, or NotApplicable.
func (m MandayCost) Format(f *money.Formatter) string {
	if !m.Applicable {
		return NotApplicable
	}
	return f.Format(m.Value)
}

// Result is one location's reconciliation for a period.
type Result struct {
	LocationID       int64
	PeriodID         int64
	Mode             Mode
	Components       Components
	Adjustments      Adjustments
	TotalAdjustments money.Money
	Consumption      money.Money
	TotalMandays     int64
	MandayCost       MandayCost
	SavedBy          int64
	SavedAt          *time.Time
	FrozenAt         *time.Time
}

// Record is the stored row for a saved reconciliation. Snapshot is only set
// once the record is frozen.
type Record struct {
	LocationID   int64
	PeriodID     int64
	Adjustments  Adjustments
	Consumption  money.Money
	TotalMandays int64
	MandayCost   MandayCost
	Snapshot     *Components
	Frozen       bool
	SavedBy      int64
	SavedAt      time.Time
	FrozenAt     *time.Time
}

// SaveInput carries a supervisor's adjustments for one location and period.
type SaveInput struct {
	LocationID  int64 `validate:"required"`
	PeriodID    int64 `validate:"required"`
	ActorID     int64 `validate:"required"`
	Adjustments Adjustments
}

var (
	// ErrNotSaved is returned when a frozen snapshot is requested for a
	// reconciliation that was never saved.
	ErrNotSaved = errors.New("reconciliation: not saved")
	// ErrFrozen is returned when a frozen reconciliation would be overwritten.
	ErrFrozen = errors.New("reconciliation: frozen")
)
