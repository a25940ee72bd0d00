package variance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Store is the persistence port used by Service.
type Store interface {
	UpsertLockedPrice(ctx context.Context, p LockedPrice) error
	LockedPrice(ctx context.Context, periodID, itemID int64) (LockedPrice, error)
	InsertRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, id uuid.UUID) (Record, error)
	ListByPeriod(ctx context.Context, periodID, locationID int64) ([]Record, error)
	MarkHandedOff(ctx context.Context, id uuid.UUID, at time.Time) error
	ListPendingHandoff(ctx context.Context, before time.Time, limit int) ([]Record, error)
}

// PeriodLocations lists a period's per-location status.
type PeriodLocations interface {
	ListLocations(ctx context.Context, periodID int64) ([]periods.LocationPeriod, error)
}

// NCRSink receives variance records for the non-conformance workflow.
type NCRSink interface {
	Submit(ctx context.Context, rec Record) error
}

// handoffGrace keeps the sweep away from records whose post-commit handoff
// may still be in flight.
const handoffGrace = 2 * time.Minute

// Service detects and records price variances against period-locked prices.
type Service struct {
	store     Store
	periods   PeriodLocations
	sink      NCRSink
	tolerance money.Money
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds the service. tolerance is an absolute currency amount.
func NewService(store Store, periods PeriodLocations, tolerance money.Money, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, periods: periods, tolerance: tolerance, validate: validator.New(), logger: logger, now: time.Now}
}

// WithSink sets where variance records are handed for NCR processing.
func (s *Service) WithSink(sink NCRSink) *Service {
	s.sink = sink
	return s
}

// Tolerance returns the configured tolerance.
func (s *Service) Tolerance() money.Money {
	return s.tolerance
}

// SetLockedPrice sets an item's reference price. Prices cannot change once any
// location has closed the period.
func (s *Service) SetLockedPrice(ctx context.Context, in SetPriceInput) (LockedPrice, error) {
	if err := s.validate.Struct(in); err != nil {
		return LockedPrice{}, fmt.Errorf("variance: %w", err)
	}
	if in.UnitPrice.IsNegative() {
		return LockedPrice{}, ErrNegativePrice
	}
	locations, err := s.periods.ListLocations(ctx, in.PeriodID)
	if err != nil {
		return LockedPrice{}, err
	}
	for _, lp := range locations {
		if lp.Status == periods.StatusClosed {
			return LockedPrice{}, &shared.PeriodClosedError{LocationID: lp.LocationID, PeriodID: in.PeriodID, Status: string(lp.Status)}
		}
	}
	p := LockedPrice{PeriodID: in.PeriodID, ItemID: in.ItemID, UnitPrice: in.UnitPrice, LockedBy: in.ActorID, LockedAt: s.now().UTC()}
	if err := s.store.UpsertLockedPrice(ctx, p); err != nil {
		return LockedPrice{}, err
	}
	s.logger.Info("period price locked",
		slog.Int64("period_id", in.PeriodID),
		slog.Int64("item_id", in.ItemID),
		slog.String("unit_price", in.UnitPrice.String()),
		slog.Int64("actor_id", in.ActorID))
	return p, nil
}

// LockedPrice returns the reference price for an item in a period.
func (s *Service) LockedPrice(ctx context.Context, periodID, itemID int64) (LockedPrice, error) {
	return s.store.LockedPrice(ctx, periodID, itemID)
}

// Check compares a received line with its locked price and stores a record
// when it deviates. Lines without a locked price are not checked.
func (s *Service) Check(ctx context.Context, line Line) (Record, bool, error) {
	ref, err := s.store.LockedPrice(ctx, line.PeriodID, line.ItemID)
	if err != nil {
		if errors.Is(err, ErrNoLockedPrice) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, ok := DetectVariance(ref.UnitPrice, line.ActualPrice, line.Quantity, s.tolerance)
	if !ok {
		return Record{}, false, nil
	}
	rec.ID = uuid.New()
	rec.MovementID = line.MovementID
	rec.DeliveryID = line.DeliveryID
	rec.LocationID = line.LocationID
	rec.ItemID = line.ItemID
	rec.PeriodID = line.PeriodID
	rec.CreatedAt = s.now().UTC()
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return Record{}, false, err
	}
	s.logger.Info("price variance recorded",
		slog.String("variance_id", rec.ID.String()),
		slog.Int64("location_id", rec.LocationID),
		slog.Int64("item_id", rec.ItemID),
		slog.String("direction", string(rec.Direction)),
		slog.String("value", rec.VarianceValue.String()))
	return rec, true, nil
}

// GetRecord returns a stored variance.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	return s.store.GetRecord(ctx, id)
}

// ListByPeriod returns variances for a period, optionally one location.
func (s *Service) ListByPeriod(ctx context.Context, periodID, locationID int64) ([]Record, error) {
	return s.store.ListByPeriod(ctx, periodID, locationID)
}

// HandOff submits a stored record to the NCR sink and stamps it once the sink
// accepts it. A record the sink rejects stays pending for SweepHandoffs.
func (s *Service) HandOff(ctx context.Context, rec Record) error {
	if s.sink == nil {
		return ErrNoSink
	}
	if err := s.sink.Submit(ctx, rec); err != nil {
		return fmt.Errorf("variance: submit %s: %w", rec.ID, err)
	}
	return s.store.MarkHandedOff(ctx, rec.ID, s.now().UTC())
}

// SweepResult counts one pass over pending handoffs.
type SweepResult struct {
	Pending   int
	HandedOff int
	Failed    int
}

// SweepHandoffs resubmits up to limit records the NCR workflow has not
// accepted. Failures are counted and left for the next pass.
func (s *Service) SweepHandoffs(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.store.ListPendingHandoff(ctx, s.now().UTC().Add(-handoffGrace), limit)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Pending: len(pending)}
	for _, rec := range pending {
		if err := s.HandOff(ctx, rec); err != nil {
			if errors.Is(err, ErrNoSink) {
				return res, err
			}
			res.Failed++
			s.logger.Warn("ncr handoff retry failed",
				slog.String("variance_id", rec.ID.String()),
				slog.Any("error", err))
			continue
		}
		res.HandedOff++
	}
	return res, nil
}
