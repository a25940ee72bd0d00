package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// sharedReadTimeout bounds a coalesced read once it no longer follows the
// caller that started it.
const sharedReadTimeout = 30 * time.Second

// Store is the persistence port used by Service.
type Store interface {
	Load(ctx context.Context, locationID, periodID int64) (Record, bool, error)
	Upsert(ctx context.Context, rec Record) error
	Freeze(ctx context.Context, rec Record) error
	MovementTotals(ctx context.Context, locationID, periodID int64) (MovementTotals, error)
	OpeningStock(ctx context.Context, locationID, periodID int64) (money.Money, error)
}

// StockReader lists the live stock rows at a location.
type StockReader interface {
	ListStock(ctx context.Context, locationID int64) ([]inventory.LocationStock, error)
}

// MandaySource supplies the POB aggregate.
type MandaySource interface {
	TotalMandays(ctx context.Context, locationID, periodID int64) (int64, error)
}

// PeriodGuard is the subset of the period service used here.
type PeriodGuard interface {
	EnsureNotClosed(ctx context.Context, locationID, periodID int64) error
	ListLocations(ctx context.Context, periodID int64) ([]periods.LocationPeriod, error)
}

// TxRunner runs fn in one database transaction carried on ctx.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps groups the collaborators of Service.
type Deps struct {
	Store   Store
	Stock   StockReader
	Mandays MandaySource
	Periods PeriodGuard
	Tx      TxRunner
	Authz   shared.Authorizer
	Audit   AuditPort
	Logger  *slog.Logger
}

// Service calculates, saves and freezes reconciliations.
type Service struct {
	store    Store
	stock    StockReader
	mandays  MandaySource
	periods  PeriodGuard
	tx       TxRunner
	authz    shared.Authorizer
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	group    singleflight.Group
	now      func() time.Time
	parallel int
}

// NewService constructs Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    d.Store,
		stock:    d.Stock,
		mandays:  d.Mandays,
		periods:  d.Periods,
		tx:       d.Tx,
		authz:    d.Authz,
		audit:    d.Audit,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
		parallel: 4,
	}
}

// Calculate returns the reconciliation for a location and period. Frozen
// records come back as stored; otherwise movement sums, closing stock and
// mandays are read fresh and combined with saved adjustments, or zero ones
// when nothing was saved. Concurrent calls for the same key share one read
// that survives any single caller cancelling. Calls inside a transaction read
// on that transaction and are never shared.
func (s *Service) Calculate(ctx context.Context, locationID, periodID int64) (Result, error) {
	if _, ok := db.TxFromContext(ctx); ok {
		return s.calculate(ctx, locationID, periodID)
	}
	key := fmt.Sprintf("%d:%d", locationID, periodID)
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(detached, sharedReadTimeout)
		defer cancel()
		return s.calculate(readCtx, locationID, periodID)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

func (s *Service) calculate(ctx context.Context, locationID, periodID int64) (Result, error) {
	rec, found, err := s.store.Load(ctx, locationID, periodID)
	if err != nil {
		return Result{}, err
	}
	if found && rec.Frozen {
		return frozenResult(rec)
	}
	c, mandays, err := s.gather(ctx, locationID, periodID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return assemble(locationID, periodID, ModeDerived, c, zeroAdjustments(), mandays), nil
	}
	res := assemble(locationID, periodID, ModeSaved, c, rec.Adjustments, mandays)
	savedAt := rec.SavedAt
	res.SavedBy, res.SavedAt = rec.SavedBy, &savedAt
	return res, nil
}

// gather reads the live inputs sequentially so it can run on a transaction.
func (s *Service) gather(ctx context.Context, locationID, periodID int64) (Components, int64, error) {
	opening, err := s.store.OpeningStock(ctx, locationID, periodID)
	if err != nil {
		return Components{}, 0, err
	}
	totals, err := s.store.MovementTotals(ctx, locationID, periodID)
	if err != nil {
		return Components{}, 0, err
	}
	rows, err := s.stock.ListStock(ctx, locationID)
	if err != nil {
		return Components{}, 0, fmt.Errorf("reconciliation: closing stock: %w", err)
	}
	closing := money.Zero()
	for _, row := range rows {
		closing = closing.Add(row.Value())
	}
	mandays, err := s.mandays.TotalMandays(ctx, locationID, periodID)
	if err != nil {
		return Components{}, 0, fmt.Errorf("reconciliation: mandays: %w", err)
	}
	return Components{
		OpeningStock: opening,
		Receipts:     totals.Receipts,
		TransfersIn:  totals.TransfersIn,
		TransfersOut: totals.TransfersOut,
		Issues:       totals.Issues,
		ClosingStock: closing,
	}, mandays, nil
}

func frozenResult(rec Record) (Result, error) {
	if rec.Snapshot == nil {
		return Result{}, fmt.Errorf("reconciliation: location %d period %d frozen without snapshot", rec.LocationID, rec.PeriodID)
	}
	savedAt := rec.SavedAt
	return Result{
		LocationID:       rec.LocationID,
		PeriodID:         rec.PeriodID,
		Mode:             ModeFrozen,
		Components:       *rec.Snapshot,
		Adjustments:      rec.Adjustments,
		TotalAdjustments: rec.Adjustments.Total(),
		Consumption:      rec.Consumption,
		TotalMandays:     rec.TotalMandays,
		MandayCost:       rec.MandayCost,
		SavedBy:          rec.SavedBy,
		SavedAt:          &savedAt,
		FrozenAt:         rec.FrozenAt,
	}, nil
}

// SaveAdjustments upserts the adjustments for a location and period and
// stores the recomputed consumption and manday cost. It is rejected once the
// period is CLOSED at the location.
func (s *Service) SaveAdjustments(ctx context.Context, in SaveInput) (Result, error) {
	if err := s.validate.Struct(in); err != nil {
		return Result{}, fmt.Errorf("reconciliation: %w", err)
	}
	ok, err := s.authz.CanSaveAdjustments(ctx, in.ActorID, in.LocationID)
	if err := shared.RequireCapability(ok, err, in.ActorID, in.LocationID, shared.PermReconciliationAdjust); err != nil {
		return Result{}, err
	}

	var res Result
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.periods.EnsureNotClosed(ctx, in.LocationID, in.PeriodID); err != nil {
			return err
		}
		c, mandays, err := s.gather(ctx, in.LocationID, in.PeriodID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		res = assemble(in.LocationID, in.PeriodID, ModeSaved, c, in.Adjustments, mandays)
		res.SavedBy, res.SavedAt = in.ActorID, &now
		err = s.store.Upsert(ctx, Record{
			LocationID:   in.LocationID,
			PeriodID:     in.PeriodID,
			Adjustments:  in.Adjustments,
			Consumption:  res.Consumption,
			TotalMandays: mandays,
			MandayCost:   res.MandayCost,
			SavedBy:      in.ActorID,
			SavedAt:      now,
		})
		if errors.Is(err, ErrFrozen) {
			return &shared.PeriodClosedError{LocationID: in.LocationID, PeriodID: in.PeriodID, Status: shared.PeriodStatusClosed}
		}
		if err != nil {
			return err
		}
		return s.record(ctx, in.ActorID, "reconciliation:adjustments_saved", res)
	})
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("reconciliation saved",
		slog.Int64("location_id", in.LocationID),
		slog.Int64("period_id", in.PeriodID),
		slog.Int64("actor_id", in.ActorID),
		slog.String("consumption", res.Consumption.String()))
	return res, nil
}

// HasSaved reports whether a reconciliation was explicitly saved.
func (s *Service) HasSaved(ctx context.Context, locationID, periodID int64) (bool, error) {
	_, found, err := s.store.Load(ctx, locationID, periodID)
	return found, err
}

// Freeze snapshots the saved reconciliation with live figures and makes it
// immutable. Callers run it inside the close transaction. Freezing an already
// frozen record returns the stored snapshot.
func (s *Service) Freeze(ctx context.Context, locationID, periodID, actorID int64) (Result, error) {
	var res Result
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		rec, found, err := s.store.Load(ctx, locationID, periodID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotSaved
		}
		if rec.Frozen {
			res, err = frozenResult(rec)
			return err
		}
		c, mandays, err := s.gather(ctx, locationID, periodID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		res = assemble(locationID, periodID, ModeFrozen, c, rec.Adjustments, mandays)
		savedAt := rec.SavedAt
		res.SavedBy, res.SavedAt, res.FrozenAt = rec.SavedBy, &savedAt, &now

		rec.Consumption = res.Consumption
		rec.TotalMandays = mandays
		rec.MandayCost = res.MandayCost
		rec.Snapshot = &c
		rec.Frozen = true
		rec.FrozenAt = &now
		if err := s.store.Freeze(ctx, rec); err != nil {
			return err
		}
		return s.record(ctx, actorID, "reconciliation:frozen", res)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// CalculatePeriod returns every enrolled location's reconciliation, ordered as
// the locations are listed.
func (s *Service) CalculatePeriod(ctx context.Context, periodID int64) ([]Result, error) {
	locations, err := s.periods.ListLocations(ctx, periodID)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(locations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, lp := range locations {
		g.Go(func() error {
			res, err := s.Calculate(gctx, lp.LocationID, periodID)
			if err != nil {
				return fmt.Errorf("location %d: %w", lp.LocationID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, res Result) error {
	if s.audit == nil {
		return nil
	}
	meta := map[string]any{
		"period_id":     res.PeriodID,
		"back_charges":  res.Adjustments.BackCharges.String(),
		"credits":       res.Adjustments.Credits.String(),
		"condemnations": res.Adjustments.Condemnations.String(),
		"other":         res.Adjustments.Other.String(),
		"consumption":   res.Consumption.String(),
		"total_mandays": res.TotalMandays,
	}
	if res.MandayCost.Applicable {
		meta["manday_cost"] = res.MandayCost.Value.String()
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "reconciliation",
		EntityID: fmt.Sprintf("%d:%d", res.LocationID, res.PeriodID),
		Meta:     meta,
		At:       s.now().UTC(),
	})
}
