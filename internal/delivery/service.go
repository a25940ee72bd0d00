package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/variance"
)

// TxRunner runs fn in one database transaction carried on ctx.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Ledger is the stock ledger receive operation.
type Ledger interface {
	Receive(ctx context.Context, in inventory.ReceiveInput) (inventory.LocationStock, inventory.Movement, error)
}

// VarianceChecker compares a received line with its locked price.
type VarianceChecker interface {
	Check(ctx context.Context, line variance.Line) (variance.Record, bool, error)
}

// Handoff passes a stored variance to the NCR workflow and records that it
// got there.
type Handoff interface {
	HandOff(ctx context.Context, rec variance.Record) error
}

// IdempotencyPort guards against posting a delivery twice.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts supplier deliveries into the ledger.
type Service struct {
	tx       TxRunner
	ledger   Ledger
	variance VarianceChecker
	ncr      Handoff
	idem     IdempotencyPort
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// Config groups the collaborators of Service.
type Config struct {
	Tx          TxRunner
	Ledger      Ledger
	Variance    VarianceChecker
	NCR         Handoff
	Idempotency IdempotencyPort
	Audit       AuditPort
	Logger      *slog.Logger
}

// NewService constructs Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tx:       cfg.Tx,
		ledger:   cfg.Ledger,
		variance: cfg.Variance,
		ncr:      cfg.NCR,
		idem:     cfg.Idempotency,
		audit:    cfg.Audit,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Post receives every line, checks each against the period-locked price and
// stores any variance, all in one transaction. Variances are handed to the
// NCR workflow after commit; one whose handoff fails stays pending for the
// sweep. Posting the same delivery id twice fails with
// shared.ErrIdempotencyConflict.
func (s *Service) Post(ctx context.Context, in PostInput) (PostResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return PostResult{}, fmt.Errorf("delivery: %w", err)
	}
	result := PostResult{DeliveryID: in.DeliveryID, PostedAt: s.now().UTC()}
	link := uuid.NullUUID{UUID: in.DeliveryID, Valid: true}

	txCtx, announcements := inventory.DeferPosted(ctx)
	err := s.tx.RunInTx(txCtx, func(ctx context.Context) error {
		result.Movements, result.Stock, result.Variances = nil, nil, nil
		announcements.Reset()
		if s.idem != nil {
			if err := s.idem.CheckAndInsert(ctx, idempotencyKey(in.DeliveryID), idempotencyModule); err != nil {
				return err
			}
		}
		for i, line := range in.Lines {
			stock, mv, err := s.ledger.Receive(ctx, inventory.ReceiveInput{
				LocationID: in.LocationID,
				ItemID:     line.ItemID,
				PeriodID:   in.PeriodID,
				Quantity:   line.Quantity,
				UnitPrice:  line.UnitPrice,
				ActorID:    in.ActorID,
				DeliveryID: link,
				Note:       in.SupplierRef,
			})
			if err != nil {
				return fmt.Errorf("delivery: line %d: %w", i+1, err)
			}
			result.Movements = append(result.Movements, mv)
			result.Stock = append(result.Stock, stock)
			if s.variance == nil {
				continue
			}
			rec, found, err := s.variance.Check(ctx, variance.Line{
				MovementID:  mv.ID,
				DeliveryID:  link,
				LocationID:  in.LocationID,
				ItemID:      line.ItemID,
				PeriodID:    in.PeriodID,
				ActualPrice: line.UnitPrice,
				Quantity:    line.Quantity,
			})
			if err != nil {
				return fmt.Errorf("delivery: line %d variance: %w", i+1, err)
			}
			if found {
				result.Variances = append(result.Variances, rec)
			}
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "stock:delivery_posted",
			Entity:   "delivery",
			EntityID: in.DeliveryID.String(),
			Meta: map[string]any{
				"location_id":  in.LocationID,
				"period_id":    in.PeriodID,
				"supplier_ref": in.SupplierRef,
				"lines":        len(in.Lines),
				"variances":    len(result.Variances),
			},
			At: result.PostedAt,
		})
	})
	if err != nil {
		return PostResult{}, err
	}
	announcements.Flush()

	s.logger.Info("delivery posted",
		slog.String("delivery_id", in.DeliveryID.String()),
		slog.Int64("location_id", in.LocationID),
		slog.Int64("period_id", in.PeriodID),
		slog.Int("lines", len(in.Lines)),
		slog.Int("variances", len(result.Variances)))
	s.handoff(ctx, result.Variances)
	return result, nil
}

func (s *Service) handoff(ctx context.Context, records []variance.Record) {
	if s.ncr == nil {
		return
	}
	for _, rec := range records {
		if err := s.ncr.HandOff(ctx, rec); err != nil {
			s.logger.Warn("ncr handoff failed, left for sweep",
				slog.String("variance_id", rec.ID.String()),
				slog.Any("error", err))
		}
	}
}
