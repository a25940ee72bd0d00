package inventory

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/money"
)

// MovementKind enumerates the ledger categories reconciliation buckets by.
type MovementKind string

const (
	// KindReceipt increases stock at the supplier's price.
	KindReceipt MovementKind = "RECEIPT"
	// KindIssue consumes stock at the current WAC.
	KindIssue MovementKind = "ISSUE"
	// KindTransferOut leaves a location at its WAC.
	KindTransferOut MovementKind = "TRANSFER_OUT"
	// KindTransferIn arrives at a location carrying the source WAC.
	KindTransferIn MovementKind = "TRANSFER_IN"
)

// Outgoing reports whether the kind decreases on-hand stock.
func (k MovementKind) Outgoing() bool {
	return k == KindIssue || k == KindTransferOut
}

// Valid reports whether k is a known kind.
func (k MovementKind) Valid() bool {
	switch k {
	case KindReceipt, KindIssue, KindTransferOut, KindTransferIn:
		return true
	}
	return false
}

// MovementStatus is draft or posted; only posted movements touch the ledger.
type MovementStatus string

const (
	MovementDraft  MovementStatus = "DRAFT"
	MovementPosted MovementStatus = "POSTED"
)

// LocationStock is the position of one item at one location.
type LocationStock struct {
	LocationID int64
	ItemID     int64
	OnHand     money.Quantity
	WAC        money.Money
	UpdatedAt  time.Time
}

// Value is on-hand quantity at WAC, rounded for aggregation.
func (s LocationStock) Value() money.Money {
	return money.Value(s.OnHand, s.WAC)
}

// Movement is one immutable ledger line.
type Movement struct {
	ID                    uuid.UUID
	Kind                  MovementKind
	Status                MovementStatus
	LocationID            int64
	ItemID                int64
	PeriodID              int64
	Quantity              money.Quantity
	UnitCost              money.Money
	Value                 money.Money
	OnHandAfter           money.Quantity
	WACAfter              money.Money
	CounterpartLocationID *int64
	TransferID            uuid.NullUUID
	DeliveryID            uuid.NullUUID
	ActorID               int64
	Note                  string
	PostedAt              time.Time
}

// ReceiveInput describes goods received at a location.
type ReceiveInput struct {
	LocationID int64          `validate:"required"`
	ItemID     int64          `validate:"required"`
	PeriodID   int64          `validate:"required"`
	Quantity   money.Quantity `validate:"-"`
	UnitPrice  money.Money    `validate:"-"`
	ActorID    int64          `validate:"required"`
	DeliveryID uuid.NullUUID  `validate:"-"`
	Note       string         `validate:"max=500"`
}

// IssueInput describes stock consumed at a location.
type IssueInput struct {
	LocationID int64          `validate:"required"`
	ItemID     int64          `validate:"required"`
	PeriodID   int64          `validate:"required"`
	Quantity   money.Quantity `validate:"-"`
	ActorID    int64          `validate:"required"`
	Note       string         `validate:"max=500"`
}

// TransferLegInput is one side of a transfer applied directly to the ledger.
// SourceWAC is only read for the incoming leg.
type TransferLegInput struct {
	LocationID            int64          `validate:"required"`
	CounterpartLocationID int64          `validate:"required"`
	ItemID                int64          `validate:"required"`
	PeriodID              int64          `validate:"required"`
	Quantity              money.Quantity `validate:"-"`
	SourceWAC             money.Money    `validate:"-"`
	ActorID               int64          `validate:"required"`
	TransferID            uuid.NullUUID  `validate:"-"`
	Note                  string         `validate:"max=500"`
}

// TransferStatus tracks approval of a transfer.
type TransferStatus string

const (
	TransferPendingApproval TransferStatus = "PENDING_APPROVAL"
	TransferApproved        TransferStatus = "APPROVED"
	TransferRejected        TransferStatus = "REJECTED"
)

// Transfer moves items between two locations once approved.
type Transfer struct {
	ID               uuid.UUID
	Code             string
	SourceLocationID int64
	DestLocationID   int64
	PeriodID         int64
	Status           TransferStatus
	Note             string
	RequestedBy      int64
	RequestedAt      time.Time
	DecidedBy        *int64
	DecidedAt        *time.Time
	Lines            []TransferLine
}

// TransferLine is one item on a transfer.
type TransferLine struct {
	LineNo   int
	ItemID   int64          `validate:"required"`
	Quantity money.Quantity `validate:"-"`
}

// TransferRequest captures a new transfer.
type TransferRequest struct {
	Code             string         `validate:"omitempty,max=64"`
	SourceLocationID int64          `validate:"required"`
	DestLocationID   int64          `validate:"required"`
	PeriodID         int64          `validate:"required"`
	ActorID          int64          `validate:"required"`
	Note             string         `validate:"max=500"`
	Lines            []TransferLine `validate:"required,min=1,dive"`
}

// TransferResult reports the ledger state after an approval.
type TransferResult struct {
	Transfer  Transfer
	Movements []Movement
	Source    []LocationStock
	Dest      []LocationStock
}

// MovementFilter narrows movement history queries.
type MovementFilter struct {
	LocationID int64
	ItemID     int64
	PeriodID   int64
	Kinds      []MovementKind
	From       time.Time
	To         time.Time
	Limit      int
}

var (
	// ErrTransferNotFound indicates a missing transfer.
	ErrTransferNotFound = errors.New("inventory: transfer not found")
	// ErrTransferNotPending indicates the transfer was already decided.
	ErrTransferNotPending = errors.New("inventory: transfer is not pending approval")
	// ErrInvalidUnitCost indicates a negative price.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
)
