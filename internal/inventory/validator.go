package inventory

import (
	"context"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// PeriodGate answers whether a period accepts postings at a location.
type PeriodGate interface {
	EnsureOpen(ctx context.Context, locationID, periodID int64) error
}

// Check is one movement about to be applied.
type Check struct {
	LocationID int64
	ItemID     int64
	PeriodID   int64
	Quantity   money.Quantity
	Kind       MovementKind
	// CounterpartID is the other end of a transfer.
	CounterpartID int64
}

// OnHandFunc reads the current on-hand quantity for the checked row.
type OnHandFunc func(ctx context.Context) (money.Quantity, error)

// Validator runs the pre-mutation checks shared by every posting.
type Validator struct {
	periods PeriodGate
}

// NewValidator constructs Validator.
func NewValidator(periods PeriodGate) *Validator {
	return &Validator{periods: periods}
}

// Validate checks, in order: period open at the location, positive quantity,
// sufficient stock for outgoing kinds, distinct transfer endpoints. onHand is
// only consulted for outgoing kinds and must read inside the mutating
// transaction when the result is authoritative.
func (v *Validator) Validate(ctx context.Context, c Check, onHand OnHandFunc) error {
	if err := v.periods.EnsureOpen(ctx, c.LocationID, c.PeriodID); err != nil {
		return err
	}
	if !c.Quantity.IsPositive() {
		return &shared.InvalidQuantityError{Quantity: c.Quantity}
	}
	if c.Kind.Outgoing() {
		available, err := onHand(ctx)
		if err != nil {
			return err
		}
		if c.Quantity.GreaterThan(available) {
			return &shared.InsufficientStockError{
				LocationID: c.LocationID,
				ItemID:     c.ItemID,
				Requested:  c.Quantity,
				Available:  available,
			}
		}
	}
	if (c.Kind == KindTransferOut || c.Kind == KindTransferIn) && c.LocationID == c.CounterpartID {
		return &shared.SameLocationTransferError{LocationID: c.LocationID}
	}
	return nil
}
