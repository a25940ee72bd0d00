package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Store is the persistence port used by Service.
type Store interface {
	InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error)
	PeriodRangeConflict(ctx context.Context, start, end time.Time) (bool, error)
	LoadPeriod(ctx context.Context, id int64) (Period, error)
	PreviousPeriod(ctx context.Context, id int64) (Period, error)
	EnrolLocation(ctx context.Context, periodID, locationID int64) error
	LocationStatus(ctx context.Context, periodID, locationID int64, lock LockMode) (Status, error)
	ListLocations(ctx context.Context, periodID int64, lock LockMode) ([]LocationPeriod, error)
	UpdateLocationStatus(ctx context.Context, periodID, locationID int64, status Status, actorID int64) error
}

// Service manages periods and answers "is this location open" for every posting.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs Service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validate: validator.New(), logger: logger}
}

// CreatePeriod inserts a new period after validating overlap.
func (s *Service) CreatePeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	in.Code = strings.TrimSpace(in.Code)
	if err := s.validate.Struct(in); err != nil {
		return Period{}, fmt.Errorf("periods: %w", err)
	}
	in.StartDate = truncateDay(in.StartDate)
	in.EndDate = truncateDay(in.EndDate)
	if in.StartDate.After(in.EndDate) {
		return Period{}, ErrInvalidRange
	}
	conflict, err := s.store.PeriodRangeConflict(ctx, in.StartDate, in.EndDate)
	if err != nil {
		return Period{}, err
	}
	if conflict {
		return Period{}, ErrPeriodOverlap
	}
	p, err := s.store.InsertPeriod(ctx, in)
	if err != nil {
		return Period{}, err
	}
	s.logger.Info("period created", slog.Int64("period_id", p.ID), slog.String("code", p.Code))
	return p, nil
}

// GetPeriod returns a period by id.
func (s *Service) GetPeriod(ctx context.Context, id int64) (Period, error) {
	return s.store.LoadPeriod(ctx, id)
}

// PreviousPeriod returns the period immediately before id, or ErrPeriodNotFound.
func (s *Service) PreviousPeriod(ctx context.Context, id int64) (Period, error) {
	return s.store.PreviousPeriod(ctx, id)
}

// EnrolLocation opens the period at a location.
func (s *Service) EnrolLocation(ctx context.Context, periodID, locationID int64) error {
	if _, err := s.store.LoadPeriod(ctx, periodID); err != nil {
		return err
	}
	if err := s.store.EnrolLocation(ctx, periodID, locationID); err != nil {
		return err
	}
	s.logger.Info("location enrolled", slog.Int64("period_id", periodID), slog.Int64("location_id", locationID))
	return nil
}

// LocationStatus returns the status of the period at a location.
func (s *Service) LocationStatus(ctx context.Context, periodID, locationID int64) (Status, error) {
	return s.store.LocationStatus(ctx, periodID, locationID, LockNone)
}

// ListLocations returns every location enrolled in the period.
func (s *Service) ListLocations(ctx context.Context, periodID int64) ([]LocationPeriod, error) {
	return s.store.ListLocations(ctx, periodID, LockNone)
}

// EnsureOpen fails with PeriodClosedError unless the period is OPEN at the location.
// Inside a transaction the membership row is share-locked so a concurrent close
// waits for the caller to commit.
func (s *Service) EnsureOpen(ctx context.Context, locationID, periodID int64) error {
	status, err := s.store.LocationStatus(ctx, periodID, locationID, LockShare)
	if err != nil {
		return err
	}
	if status != StatusOpen {
		return &shared.PeriodClosedError{LocationID: locationID, PeriodID: periodID, Status: string(status)}
	}
	return nil
}

// EnsureNotClosed fails with PeriodClosedError when the location is not enrolled
// or already CLOSED. PENDING_CLOSE passes so reconciliations stay editable
// until the close executes.
func (s *Service) EnsureNotClosed(ctx context.Context, locationID, periodID int64) error {
	status, err := s.store.LocationStatus(ctx, periodID, locationID, LockShare)
	if err != nil {
		return err
	}
	if status == "" || status == StatusClosed {
		return &shared.PeriodClosedError{LocationID: locationID, PeriodID: periodID, Status: string(status)}
	}
	return nil
}

// LockLocation reads the status at a location with FOR UPDATE, blocking
// postings until the caller's transaction ends. "" means not enrolled.
func (s *Service) LockLocation(ctx context.Context, periodID, locationID int64) (Status, error) {
	return s.store.LocationStatus(ctx, periodID, locationID, LockUpdate)
}

// Transition moves the period at one location to target, enforcing the lifecycle order.
// Callers run it inside the close transaction.
func (s *Service) Transition(ctx context.Context, periodID, locationID int64, target Status, actorID int64) error {
	current, err := s.store.LocationStatus(ctx, periodID, locationID, LockUpdate)
	if err != nil {
		return err
	}
	if current == "" {
		return &shared.PeriodClosedError{LocationID: locationID, PeriodID: periodID}
	}
	if err := shared.ValidatePeriodTransition(string(current), string(target)); err != nil {
		return fmt.Errorf("periods: %s -> %s at location %d: %w", current, target, locationID, err)
	}
	if current == target {
		return nil
	}
	if err := s.store.UpdateLocationStatus(ctx, periodID, locationID, target, actorID); err != nil {
		return err
	}
	s.logger.Info("period status changed",
		slog.Int64("period_id", periodID),
		slog.Int64("location_id", locationID),
		slog.String("from", string(current)),
		slog.String("to", string(target)))
	return nil
}

// IsNotFound reports whether err means the period does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPeriodNotFound)
}
