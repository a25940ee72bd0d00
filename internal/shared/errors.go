package shared

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrPeriodClosed indicates a mutation against a period that is not OPEN at the location.
	ErrPeriodClosed = errors.New("period not open for location")
	// ErrInsufficientStock indicates an outgoing movement larger than on-hand stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrSameLocationTransfer indicates a transfer whose source equals its destination.
	ErrSameLocationTransfer = errors.New("transfer source and destination must differ")
	// ErrInvalidQuantity indicates a zero or negative quantity.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// ErrPermissionDenied indicates the actor lacks the capability.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosePrecondition indicates one or more locations block a period close.
	ErrClosePrecondition = errors.New("period close preconditions not met")
)

// Stable machine codes for mapping errors to user messages.
const (
	CodePeriodClosed          = "PERIOD_CLOSED"
	CodeInsufficientStock     = "INSUFFICIENT_STOCK"
	CodeSameLocationTransfer  = "SAME_LOCATION_TRANSFER"
	CodeInvalidQuantity       = "INVALID_QUANTITY"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeClosePreconditionFail = "CLOSE_PRECONDITION_FAILED"
)

// PeriodClosedError is returned when the period is not OPEN at the location.
type PeriodClosedError struct {
	LocationID int64
	PeriodID   int64
	Status     string
}

func (e *PeriodClosedError) Error() string {
	status := e.Status
	if status == "" {
		status = "NOT_ENROLLED"
	}
	return fmt.Sprintf("period %d is %s at location %d", e.PeriodID, status, e.LocationID)
}

func (e *PeriodClosedError) Is(target error) bool { return target == ErrPeriodClosed }

// Code returns the machine code.
func (e *PeriodClosedError) Code() string { return CodePeriodClosed }

// InsufficientStockError carries both sides of the shortage.
type InsufficientStockError struct {
	LocationID int64
	ItemID     int64
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d at location %d: requested %s, available %s",
		e.ItemID, e.LocationID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// Code returns the machine code.
func (e *InsufficientStockError) Code() string { return CodeInsufficientStock }

// SameLocationTransferError rejects a transfer to itself.
type SameLocationTransferError struct {
	LocationID int64
}

func (e *SameLocationTransferError) Error() string {
	return fmt.Sprintf("transfer source and destination are both location %d", e.LocationID)
}

func (e *SameLocationTransferError) Is(target error) bool { return target == ErrSameLocationTransfer }

// Code returns the machine code.
func (e *SameLocationTransferError) Code() string { return CodeSameLocationTransfer }

// InvalidQuantityError rejects zero and negative quantities.
type InvalidQuantityError struct {
	Quantity decimal.Decimal
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than zero, got %s", e.Quantity.String())
}

func (e *InvalidQuantityError) Is(target error) bool { return target == ErrInvalidQuantity }

// Code returns the machine code.
func (e *InvalidQuantityError) Code() string { return CodeInvalidQuantity }

// PermissionDeniedError names the missing capability.
type PermissionDeniedError struct {
	ActorID    int64
	LocationID int64
	Capability string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("actor %d lacks %s at location %d", e.ActorID, e.Capability, e.LocationID)
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// Code returns the machine code.
func (e *PermissionDeniedError) Code() string { return CodePermissionDenied }

// LocationFailure is one reason a location blocks a close.
type LocationFailure struct {
	LocationID int64
	Reason     string
}

// ClosePreconditionError lists every location blocking a close.
type ClosePreconditionError struct {
	PeriodID int64
	Failures []LocationFailure
}

func (e *ClosePreconditionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("location %d: %s", f.LocationID, f.Reason))
	}
	return fmt.Sprintf("period %d cannot close: %s", e.PeriodID, strings.Join(parts, "; "))
}

func (e *ClosePreconditionError) Is(target error) bool { return target == ErrClosePrecondition }

// Code returns the machine code.
func (e *ClosePreconditionError) Code() string { return CodeClosePreconditionFail }

// FailingLocations returns the distinct location ids in failure order.
func (e *ClosePreconditionError) FailingLocations() []int64 {
	seen := make(map[int64]struct{}, len(e.Failures))
	ids := make([]int64, 0, len(e.Failures))
	for _, f := range e.Failures {
		if _, ok := seen[f.LocationID]; ok {
			continue
		}
		seen[f.LocationID] = struct{}{}
		ids = append(ids, f.LocationID)
	}
	return ids
}

// ErrorCode extracts the machine code from err, or "" for unclassified errors.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
