package shared

import "errors"

// Period statuses per location.
const (
	PeriodStatusOpen         = "OPEN"
	PeriodStatusPendingClose = "PENDING_CLOSE"
	PeriodStatusClosed       = "CLOSED"
)

// ErrInvalidPeriodTransition indicates status change not allowed.
var ErrInvalidPeriodTransition = errors.New("period transition invalid")

// ValidatePeriodTransition enforces OPEN -> PENDING_CLOSE -> CLOSED. Nothing leaves CLOSED.
func ValidatePeriodTransition(current, target string) error {
	if current == target && current != PeriodStatusClosed {
		return nil
	}
	switch current {
	case PeriodStatusOpen:
		if target == PeriodStatusPendingClose {
			return nil
		}
	case PeriodStatusPendingClose:
		if target == PeriodStatusClosed {
			return nil
		}
	}
	return ErrInvalidPeriodTransition
}
