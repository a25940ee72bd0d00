package periods

import (
	"errors"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Status is the lifecycle stage of a period at one location.
type Status string

const (
	StatusOpen         Status = shared.PeriodStatusOpen
	StatusPendingClose Status = shared.PeriodStatusPendingClose
	StatusClosed       Status = shared.PeriodStatusClosed
)

// Period is an accounting window shared by all locations.
type Period struct {
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	CreatedBy int64
	CreatedAt time.Time
}

// Contains reports whether day falls inside the period (inclusive).
func (p Period) Contains(day time.Time) bool {
	d := truncateDay(day)
	return !d.Before(truncateDay(p.StartDate)) && !d.After(truncateDay(p.EndDate))
}

// LocationPeriod is a location's membership in a period and its own status.
type LocationPeriod struct {
	PeriodID   int64
	LocationID int64
	Status     Status
	ClosedBy   *int64
	ClosedAt   *time.Time
	UpdatedAt  time.Time
}

// CreatePeriodInput captures validation rules for new periods.
type CreatePeriodInput struct {
	Code      string    `validate:"required,max=32"`
	StartDate time.Time `validate:"required"`
	EndDate   time.Time `validate:"required"`
	ActorID   int64     `validate:"required"`
}

// LockMode selects the row lock taken when reading period_locations.
type LockMode int

const (
	// LockNone reads without locking.
	LockNone LockMode = iota
	// LockShare blocks concurrent status changes; used by postings.
	LockShare
	// LockUpdate serialises status changes; used by close.
	LockUpdate
)

func (m LockMode) clause() string {
	switch m {
	case LockShare:
		return " FOR SHARE"
	case LockUpdate:
		return " FOR UPDATE"
	default:
		return ""
	}
}

var (
	// ErrPeriodNotFound indicates a missing period.
	ErrPeriodNotFound = errors.New("periods: period not found")
	// ErrPeriodOverlap indicates the requested period conflicts with an existing range.
	ErrPeriodOverlap = errors.New("periods: period overlaps existing range")
	// ErrInvalidRange indicates the start date falls after the end date.
	ErrInvalidRange = errors.New("periods: start date cannot be after end date")
)

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
