package delivery

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/variance"
)

// PostInput is a supplier delivery received at a location.
type PostInput struct {
	DeliveryID  uuid.UUID `validate:"required"`
	LocationID  int64     `validate:"required"`
	PeriodID    int64     `validate:"required"`
	SupplierRef string    `validate:"max=64"`
	ActorID     int64     `validate:"required"`
	Lines       []Line    `validate:"required,min=1,dive"`
}

// Line is one received item.
type Line struct {
	ItemID    int64          `validate:"required"`
	Quantity  money.Quantity `validate:"-"`
	UnitPrice money.Money    `validate:"-"`
}

// PostResult reports what a delivery did to the ledger.
type PostResult struct {
	DeliveryID uuid.UUID
	Movements  []inventory.Movement
	Stock      []inventory.LocationStock
	Variances  []variance.Record
	PostedAt   time.Time
}

const idempotencyModule = "delivery"

func idempotencyKey(id uuid.UUID) string {
	return "delivery:" + id.String()
}
