package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStock(ctx context.Context, locationID, itemID int64) (LocationStock, error)
	ListStock(ctx context.Context, locationID int64) ([]LocationStock, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records transfer decisions.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Observer receives ledger outcomes for metrics.
type Observer interface {
	ObserveMovement(kind string)
	ObserveRejection(code string)
}

// Service coordinates stock ledger operations.
type Service struct {
	repo      RepositoryPort
	validator *Validator
	authz     shared.Authorizer
	audit     AuditPort
	approvals ApprovalPort
	observer  Observer
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, periods PeriodGate, authz shared.Authorizer, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		validator: NewValidator(periods),
		authz:     authz,
		audit:     audit,
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// WithApprovals attaches the approval history recorder.
func (s *Service) WithApprovals(approvals ApprovalPort) *Service {
	s.approvals = approvals
	return s
}

// WithObserver attaches a metrics observer.
func (s *Service) WithObserver(observer Observer) *Service {
	s.observer = observer
	return s
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Receive posts goods into a location at unit price and blends the WAC.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (LocationStock, Movement, error) {
	if err := s.validate.Struct(in); err != nil {
		return LocationStock{}, Movement{}, fmt.Errorf("inventory: %w", err)
	}
	p := posting{
		kind:       KindReceipt,
		locationID: in.LocationID,
		itemID:     in.ItemID,
		periodID:   in.PeriodID,
		quantity:   in.Quantity,
		price:      in.UnitPrice,
		actorID:    in.ActorID,
		deliveryID: in.DeliveryID,
		note:       in.Note,
	}
	return s.postOne(ctx, p)
}

// Issue consumes stock at the location's current WAC.
func (s *Service) Issue(ctx context.Context, in IssueInput) (LocationStock, Movement, error) {
	if err := s.validate.Struct(in); err != nil {
		return LocationStock{}, Movement{}, fmt.Errorf("inventory: %w", err)
	}
	p := posting{
		kind:       KindIssue,
		locationID: in.LocationID,
		itemID:     in.ItemID,
		periodID:   in.PeriodID,
		quantity:   in.Quantity,
		actorID:    in.ActorID,
		note:       in.Note,
	}
	return s.postOne(ctx, p)
}

// TransferOut decreases stock at the source at its WAC.
func (s *Service) TransferOut(ctx context.Context, in TransferLegInput) (LocationStock, Movement, error) {
	if err := s.validate.Struct(in); err != nil {
		return LocationStock{}, Movement{}, fmt.Errorf("inventory: %w", err)
	}
	return s.postOne(ctx, legPosting(KindTransferOut, in))
}

// TransferIn increases stock at the destination, blending in the source WAC.
func (s *Service) TransferIn(ctx context.Context, in TransferLegInput) (LocationStock, Movement, error) {
	if err := s.validate.Struct(in); err != nil {
		return LocationStock{}, Movement{}, fmt.Errorf("inventory: %w", err)
	}
	return s.postOne(ctx, legPosting(KindTransferIn, in))
}

// GetStock returns the position of an item at a location. A never-stocked
// pair reads as zero.
func (s *Service) GetStock(ctx context.Context, locationID, itemID int64) (LocationStock, error) {
	return s.repo.GetStock(ctx, locationID, itemID)
}

// ListStock returns every item position at a location.
func (s *Service) ListStock(ctx context.Context, locationID int64) ([]LocationStock, error) {
	return s.repo.ListStock(ctx, locationID)
}

// ListMovements returns posted movements matching filter, newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	for _, k := range filter.Kinds {
		if !k.Valid() {
			return nil, errUnknownKind(k)
		}
	}
	return s.repo.ListMovements(ctx, filter)
}

type posting struct {
	kind          MovementKind
	locationID    int64
	itemID        int64
	periodID      int64
	quantity      money.Quantity
	price         money.Money
	counterpartID int64
	actorID       int64
	transferID    uuid.NullUUID
	deliveryID    uuid.NullUUID
	note          string
}

func legPosting(kind MovementKind, in TransferLegInput) posting {
	return posting{
		kind:          kind,
		locationID:    in.LocationID,
		itemID:        in.ItemID,
		periodID:      in.PeriodID,
		quantity:      in.Quantity,
		price:         in.SourceWAC,
		counterpartID: in.CounterpartLocationID,
		actorID:       in.ActorID,
		transferID:    in.TransferID,
		note:          in.Note,
	}
}

func (s *Service) postOne(ctx context.Context, p posting) (LocationStock, Movement, error) {
	var (
		stock LocationStock
		mv    Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		stock, mv, err = s.post(ctx, tx, p)
		return err
	})
	if err != nil {
		s.rejected(err)
		return LocationStock{}, Movement{}, err
	}
	if batch := postedBatchFrom(ctx); batch != nil {
		batch.add(func() { s.posted(mv) })
		return stock, mv, nil
	}
	s.posted(mv)
	return stock, mv, nil
}

// post validates and applies one movement inside tx. The stock row is locked
// before it is read so concurrent postings on the same row serialise.
func (s *Service) post(ctx context.Context, tx TxRepository, p posting) (LocationStock, Movement, error) {
	var (
		stock  LocationStock
		locked bool
	)
	lock := func(ctx context.Context) (money.Quantity, error) {
		if !locked {
			var err error
			stock, err = tx.LockStock(ctx, p.locationID, p.itemID)
			if err != nil {
				return money.Zero(), err
			}
			locked = true
		}
		return stock.OnHand, nil
	}
	check := Check{
		LocationID:    p.locationID,
		ItemID:        p.itemID,
		PeriodID:      p.periodID,
		Quantity:      p.quantity,
		Kind:          p.kind,
		CounterpartID: p.counterpartID,
	}
	if err := s.validator.Validate(ctx, check, lock); err != nil {
		return LocationStock{}, Movement{}, err
	}
	if _, err := lock(ctx); err != nil {
		return LocationStock{}, Movement{}, err
	}

	next, unitCost, err := applyMovement(stock, p.kind, p.quantity, p.price)
	if err != nil {
		return LocationStock{}, Movement{}, err
	}
	now := s.now().UTC()
	next.UpdatedAt = now
	mv := Movement{
		ID:          uuid.New(),
		Kind:        p.kind,
		Status:      MovementPosted,
		LocationID:  p.locationID,
		ItemID:      p.itemID,
		PeriodID:    p.periodID,
		Quantity:    p.quantity,
		UnitCost:    unitCost,
		Value:       money.Value(p.quantity, unitCost),
		OnHandAfter: next.OnHand,
		WACAfter:    next.WAC,
		TransferID:  p.transferID,
		DeliveryID:  p.deliveryID,
		ActorID:     p.actorID,
		Note:        p.note,
		PostedAt:    now,
	}
	if p.counterpartID != 0 {
		counterpart := p.counterpartID
		mv.CounterpartLocationID = &counterpart
	}
	if err := tx.InsertMovement(ctx, mv); err != nil {
		return LocationStock{}, Movement{}, err
	}
	if err := tx.SaveStock(ctx, next); err != nil {
		return LocationStock{}, Movement{}, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  p.actorID,
			Action:   "stock:" + string(p.kind),
			Entity:   "stock_movement",
			EntityID: mv.ID.String(),
			Meta: map[string]any{
				"location_id": p.locationID,
				"item_id":     p.itemID,
				"period_id":   p.periodID,
				"quantity":    p.quantity.String(),
				"unit_cost":   unitCost.String(),
				"wac_after":   next.WAC.String(),
			},
			At: now,
		}); err != nil {
			return LocationStock{}, Movement{}, err
		}
	}
	return next, mv, nil
}

func (s *Service) posted(mv Movement) {
	s.logger.Info("stock movement posted",
		slog.String("kind", string(mv.Kind)),
		slog.Int64("location_id", mv.LocationID),
		slog.Int64("item_id", mv.ItemID),
		slog.Int64("period_id", mv.PeriodID),
		slog.String("quantity", mv.Quantity.String()),
		slog.String("wac_after", mv.WACAfter.String()))
	if s.observer != nil {
		s.observer.ObserveMovement(string(mv.Kind))
	}
}

func (s *Service) rejected(err error) {
	if s.observer == nil {
		return
	}
	if code := shared.ErrorCode(err); code != "" {
		s.observer.ObserveRejection(code)
	}
}

type postedBatchKey struct{}

// PostedBatch holds the log line and metric of postings made inside an
// enclosing transaction until that transaction commits.
type PostedBatch struct {
	mu      sync.Mutex
	pending []func()
}

// DeferPosted returns a context under which single postings queue their
// announcement on the batch instead of emitting it. Callers Flush after the
// enclosing transaction commits and Reset at the start of every attempt.
func DeferPosted(ctx context.Context) (context.Context, *PostedBatch) {
	batch := &PostedBatch{}
	return context.WithValue(ctx, postedBatchKey{}, batch), batch
}

func postedBatchFrom(ctx context.Context) *PostedBatch {
	batch, _ := ctx.Value(postedBatchKey{}).(*PostedBatch)
	return batch
}

func (b *PostedBatch) add(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, fn)
}

// Reset drops announcements queued by a rolled back attempt.
func (b *PostedBatch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Flush emits every queued announcement once.
func (b *PostedBatch) Flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
