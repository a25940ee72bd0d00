package variance

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/money"
)

// Direction tells whether the supplier charged more or less than the locked price.
type Direction string

const (
	// Overcharge means actual price above expected.
	Overcharge Direction = "OVERCHARGE"
	// Undercharge means actual price below expected.
	Undercharge Direction = "UNDERCHARGE"
)

// Record links a received movement to the reference price it deviated from.
// Only HandedOffAt changes after a record is stored, once, when the NCR
// workflow accepts it.
type Record struct {
	ID            uuid.UUID
	MovementID    uuid.UUID
	DeliveryID    uuid.NullUUID
	LocationID    int64
	ItemID        int64
	PeriodID      int64
	ExpectedPrice money.Money
	ActualPrice   money.Money
	Quantity      money.Quantity
	VarianceValue money.Money
	Direction     Direction
	CreatedAt     time.Time
	HandedOffAt   *time.Time
}

// LockedPrice is the reference unit price of an item for a period.
type LockedPrice struct {
	PeriodID  int64
	ItemID    int64
	UnitPrice money.Money
	LockedBy  int64
	LockedAt  time.Time
}

// SetPriceInput locks a reference price for a period.
type SetPriceInput struct {
	PeriodID  int64       `validate:"required"`
	ItemID    int64       `validate:"required"`
	UnitPrice money.Money `validate:"-"`
	ActorID   int64       `validate:"required"`
}

// Line is a received delivery line to check.
type Line struct {
	MovementID  uuid.UUID
	DeliveryID  uuid.NullUUID
	LocationID  int64
	ItemID      int64
	PeriodID    int64
	ActualPrice money.Money
	Quantity    money.Quantity
}

var (
	// ErrNoLockedPrice indicates no reference price exists for the item and period.
	ErrNoLockedPrice = errors.New("variance: no locked price for item in period")
	// ErrNegativePrice rejects negative reference prices.
	ErrNegativePrice = errors.New("variance: price must be >= 0")
	// ErrNoSink indicates no NCR sink is configured.
	ErrNoSink = errors.New("variance: ncr sink not configured")
)
