// Package close runs the per-location period close: RequestClose moves every
// location to PENDING_CLOSE once its preconditions hold, ExecuteClose freezes
// each reconciliation and marks the location CLOSED.
package close

import (
	"errors"
	"time"

	"github.com/odyssey-erp/stockledger/internal/reconciliation"
)

// Reasons reported in shared.ClosePreconditionError.
const (
	ReasonPendingTransfers = "transfers pending approval"
	ReasonNotSaved         = "reconciliation not saved"
	ReasonNotPermitted     = "actor may not close period"
	ReasonNotPending       = "close not requested"
	ReasonAlreadyClosed    = "period already closed"
)

var (
	// ErrNoLocations is returned for a period with no enrolled locations.
	ErrNoLocations = errors.New("close: period has no locations")
	// ErrCloseInProgress is returned when another worker holds the close lock.
	ErrCloseInProgress = errors.New("close: execution already in progress")
)

// RequestResult lists the locations moved to PENDING_CLOSE.
type RequestResult struct {
	PeriodID    int64
	Locations   []int64
	RequestedBy int64
	RequestedAt time.Time
}

// Summary reports one ExecuteClose run.
type Summary struct {
	PeriodID      int64
	Closed        []reconciliation.Result
	AlreadyClosed []int64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// ClosedLocations returns the ids closed by this run.
func (s Summary) ClosedLocations() []int64 {
	ids := make([]int64, 0, len(s.Closed))
	for _, r := range s.Closed {
		ids = append(ids, r.LocationID)
	}
	return ids
}
