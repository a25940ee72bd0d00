package pob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/periods"
)

// Store is the persistence port used by Service.
type Store interface {
	Upsert(ctx context.Context, in UpsertInput) (Entry, error)
	SumMandays(ctx context.Context, locationID int64, from, to time.Time) (int64, error)
	List(ctx context.Context, locationID int64, from, to time.Time) ([]Entry, error)
}

// PeriodLookup resolves a period's date range.
type PeriodLookup interface {
	GetPeriod(ctx context.Context, id int64) (periods.Period, error)
}

// Service records POB entries and answers TotalMandays.
type Service struct {
	store    Store
	periods  PeriodLookup
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs Service.
func NewService(store Store, periods PeriodLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, periods: periods, validate: validator.New(), logger: logger}
}

// UpsertDaily creates or replaces the counts for one location-day.
func (s *Service) UpsertDaily(ctx context.Context, in UpsertInput) (Entry, error) {
	if err := s.validate.Struct(in); err != nil {
		return Entry{}, fmt.Errorf("pob: %w", err)
	}
	in.Date = day(in.Date)
	entry, err := s.store.Upsert(ctx, in)
	if err != nil {
		return Entry{}, err
	}
	s.logger.Debug("pob entry saved",
		slog.Int64("location_id", in.LocationID),
		slog.String("date", in.Date.Format(time.DateOnly)),
		slog.Int64("mandays", entry.Mandays()))
	return entry, nil
}

// TotalMandays sums crew+extra over every day of the period at the location.
func (s *Service) TotalMandays(ctx context.Context, locationID, periodID int64) (int64, error) {
	p, err := s.periods.GetPeriod(ctx, periodID)
	if err != nil {
		return 0, err
	}
	return s.store.SumMandays(ctx, locationID, day(p.StartDate), day(p.EndDate))
}

// ListPeriod returns the daily entries recorded for the period.
func (s *Service) ListPeriod(ctx context.Context, locationID, periodID int64) ([]Entry, error) {
	p, err := s.periods.GetPeriod(ctx, periodID)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, locationID, p.StartDate, p.EndDate)
}

// List returns entries between from and to inclusive.
func (s *Service) List(ctx context.Context, locationID int64, from, to time.Time) ([]Entry, error) {
	from, to = day(from), day(to)
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	return s.store.List(ctx, locationID, from, to)
}
