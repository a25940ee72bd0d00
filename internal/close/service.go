package close

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/reconciliation"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

var tracer = otel.Tracer("stockledger/close")

// PeriodPort is the subset of the period service used by the orchestrator.
type PeriodPort interface {
	ListLocations(ctx context.Context, periodID int64) ([]periods.LocationPeriod, error)
	LockLocation(ctx context.Context, periodID, locationID int64) (periods.Status, error)
	Transition(ctx context.Context, periodID, locationID int64, target periods.Status, actorID int64) error
}

// ReconciliationPort checks and freezes reconciliations.
type ReconciliationPort interface {
	HasSaved(ctx context.Context, locationID, periodID int64) (bool, error)
	Freeze(ctx context.Context, locationID, periodID, actorID int64) (reconciliation.Result, error)
}

// TransferPort counts transfers still awaiting approval.
type TransferPort interface {
	PendingTransfers(ctx context.Context, periodID, locationID int64) (int, error)
}

// TxRunner runs fn in one database transaction carried on ctx.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer receives close outcomes for metrics.
type Observer interface {
	ObserveCloseRun(outcome string, d time.Duration)
	ObserveLocationClosed(locationID int64)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Periods        PeriodPort
	Reconciliation ReconciliationPort
	Transfers      TransferPort
	Tx             TxRunner
	Authz          shared.Authorizer
	Locker         Locker
	Audit          AuditPort
	Observer       Observer
	LockTTL        time.Duration
	Logger         *slog.Logger
}

// Service orchestrates the period close.
type Service struct {
	periods   PeriodPort
	recon     ReconciliationPort
	transfers TransferPort
	tx        TxRunner
	authz     shared.Authorizer
	locker    Locker
	audit     AuditPort
	observer  Observer
	lockTTL   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Service{
		periods:   d.Periods,
		recon:     d.Reconciliation,
		transfers: d.Transfers,
		tx:        d.Tx,
		authz:     d.Authz,
		locker:    d.Locker,
		audit:     d.Audit,
		observer:  d.Observer,
		lockTTL:   ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RequestClose moves every location of the period from OPEN to
// PENDING_CLOSE. Each location must have no pending transfers, a saved
// reconciliation and an actor allowed to close it. Every failure is collected
// and returned as one ClosePreconditionError; nothing changes unless all
// locations pass. Locations already PENDING_CLOSE are accepted as-is.
func (s *Service) RequestClose(ctx context.Context, periodID, actorID int64) (RequestResult, error) {
	locations, err := s.locationIDs(ctx, periodID)
	if err != nil {
		return RequestResult{}, err
	}
	denied := make(map[int64]string, len(locations))
	for _, id := range locations {
		reason, err := s.permitted(ctx, actorID, id)
		if err != nil {
			return RequestResult{}, err
		}
		if reason != "" {
			denied[id] = reason
		}
	}

	var failures []shared.LocationFailure
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		failures = failures[:0]
		for _, id := range locations {
			if reason, ok := denied[id]; ok {
				failures = append(failures, shared.LocationFailure{LocationID: id, Reason: reason})
			}
			status, err := s.periods.LockLocation(ctx, periodID, id)
			if err != nil {
				return err
			}
			if status == periods.StatusClosed {
				failures = append(failures, shared.LocationFailure{LocationID: id, Reason: ReasonAlreadyClosed})
				continue
			}
			reasons, err := s.preconditions(ctx, periodID, id)
			if err != nil {
				return err
			}
			for _, r := range reasons {
				failures = append(failures, shared.LocationFailure{LocationID: id, Reason: r})
			}
		}
		if len(failures) > 0 {
			return &shared.ClosePreconditionError{PeriodID: periodID, Failures: append([]shared.LocationFailure(nil), failures...)}
		}
		for _, id := range locations {
			if err := s.periods.Transition(ctx, periodID, id, periods.StatusPendingClose, actorID); err != nil {
				return err
			}
		}
		return s.record(ctx, actorID, "period:close_requested", periodID, map[string]any{"locations": locations})
	})
	if err != nil {
		return RequestResult{}, err
	}
	s.logger.Info("period close requested",
		slog.Int64("period_id", periodID),
		slog.Int64("actor_id", actorID),
		slog.Int("locations", len(locations)))
	return RequestResult{PeriodID: periodID, Locations: locations, RequestedBy: actorID, RequestedAt: s.now().UTC()}, nil
}

// ExecuteClose closes every PENDING_CLOSE location of the period under a
// redis lock. Each location is frozen and closed in its own transaction after
// its preconditions are checked again. A failing location is reported in the
// returned ClosePreconditionError while the others still close; locations
// that are already CLOSED are skipped, so running again resumes.
func (s *Service) ExecuteClose(ctx context.Context, periodID, actorID int64) (summary Summary, err error) {
	started := s.now()
	summary = Summary{PeriodID: periodID, StartedAt: started.UTC()}

	ctx, span := tracer.Start(ctx, "close.execute")
	span.SetAttributes(attribute.Int64("period.id", periodID), attribute.Int64("actor.id", actorID))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			if errors.Is(err, ErrCloseInProgress) {
				outcome = "locked"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.observer != nil {
			s.observer.ObserveCloseRun(outcome, s.now().Sub(started))
		}
	}()

	lock, err := s.locker.Obtain(ctx, shared.PeriodCloseLockKey(periodID), s.lockTTL)
	if err != nil {
		return summary, err
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release close lock", slog.Int64("period_id", periodID), slog.Any("error", rerr))
		}
	}()

	locations, err := s.locationIDs(ctx, periodID)
	if err != nil {
		return summary, err
	}
	var failures []shared.LocationFailure
	for _, id := range locations {
		res, closed, reasons, err := s.closeLocation(ctx, periodID, id, actorID)
		switch {
		case err != nil:
			failures = append(failures, shared.LocationFailure{LocationID: id, Reason: err.Error()})
		case len(reasons) > 0:
			for _, r := range reasons {
				failures = append(failures, shared.LocationFailure{LocationID: id, Reason: r})
			}
		case !closed:
			summary.AlreadyClosed = append(summary.AlreadyClosed, id)
		default:
			summary.Closed = append(summary.Closed, res)
			if s.observer != nil {
				s.observer.ObserveLocationClosed(id)
			}
		}
	}
	summary.FinishedAt = s.now().UTC()
	span.SetAttributes(attribute.Int("close.locations_closed", len(summary.Closed)))

	s.logger.Info("period close executed",
		slog.Int64("period_id", periodID),
		slog.Int("closed", len(summary.Closed)),
		slog.Int("already_closed", len(summary.AlreadyClosed)),
		slog.Int("failed", len(failures)))
	if len(failures) > 0 {
		return summary, &shared.ClosePreconditionError{PeriodID: periodID, Failures: failures}
	}
	return summary, nil
}

// closeLocation returns closed=false without reasons when the location was
// already CLOSED.
func (s *Service) closeLocation(ctx context.Context, periodID, locationID, actorID int64) (res reconciliation.Result, closed bool, reasons []string, err error) {
	if reason, err := s.permitted(ctx, actorID, locationID); err != nil {
		return res, false, nil, err
	} else if reason != "" {
		return res, false, []string{reason}, nil
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		closed, reasons = false, nil
		status, err := s.periods.LockLocation(ctx, periodID, locationID)
		if err != nil {
			return err
		}
		switch status {
		case periods.StatusClosed:
			return nil
		case periods.StatusPendingClose:
		default:
			reasons = []string{ReasonNotPending}
			return nil
		}
		reasons, err = s.preconditions(ctx, periodID, locationID)
		if err != nil || len(reasons) > 0 {
			return err
		}
		res, err = s.recon.Freeze(ctx, locationID, periodID, actorID)
		if err != nil {
			return err
		}
		if err := s.periods.Transition(ctx, periodID, locationID, periods.StatusClosed, actorID); err != nil {
			return err
		}
		closed = true
		return s.record(ctx, actorID, "period:location_closed", periodID, map[string]any{
			"location_id":   locationID,
			"closing_stock": res.Components.ClosingStock.String(),
			"consumption":   res.Consumption.String(),
		})
	})
	if err != nil {
		return reconciliation.Result{}, false, nil, err
	}
	return res, closed, reasons, nil
}

func (s *Service) preconditions(ctx context.Context, periodID, locationID int64) ([]string, error) {
	var reasons []string
	pending, err := s.transfers.PendingTransfers(ctx, periodID, locationID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		reasons = append(reasons, fmt.Sprintf("%s (%d)", ReasonPendingTransfers, pending))
	}
	saved, err := s.recon.HasSaved(ctx, locationID, periodID)
	if err != nil {
		return nil, err
	}
	if !saved {
		reasons = append(reasons, ReasonNotSaved)
	}
	return reasons, nil
}

func (s *Service) permitted(ctx context.Context, actorID, locationID int64) (string, error) {
	ok, err := s.authz.CanClosePeriod(ctx, actorID, locationID)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonNotPermitted, nil
	}
	return "", nil
}

func (s *Service) locationIDs(ctx context.Context, periodID int64) ([]int64, error) {
	rows, err := s.periods.ListLocations(ctx, periodID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoLocations
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.LocationID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, periodID int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "period",
		EntityID: fmt.Sprintf("%d", periodID),
		Meta:     meta,
		At:       s.now().UTC(),
	})
}
