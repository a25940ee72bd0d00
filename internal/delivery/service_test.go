package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/variance"
)

type stockKey struct {
	location int64
	item     int64
}

// memoryLedger blends WAC like the real ledger and rolls back with fakeTx.
type memoryLedger struct {
	stock     map[stockKey]inventory.LocationStock
	movements []inventory.Movement
	failItem  int64
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{stock: map[stockKey]inventory.LocationStock{}}
}

func (l *memoryLedger) Receive(_ context.Context, in inventory.ReceiveInput) (inventory.LocationStock, inventory.Movement, error) {
	if in.ItemID == l.failItem {
		return inventory.LocationStock{}, inventory.Movement{}, &shared.PeriodClosedError{LocationID: in.LocationID, PeriodID: in.PeriodID, Status: shared.PeriodStatusClosed}
	}
	key := stockKey{in.LocationID, in.ItemID}
	st := l.stock[key]
	wac, err := money.BlendWAC(st.OnHand, st.WAC, in.Quantity, in.UnitPrice)
	if err != nil {
		return inventory.LocationStock{}, inventory.Movement{}, err
	}
	st = inventory.LocationStock{LocationID: in.LocationID, ItemID: in.ItemID, OnHand: st.OnHand.Add(in.Quantity), WAC: wac}
	l.stock[key] = st
	mv := inventory.Movement{
		ID:         uuid.New(),
		Kind:       inventory.KindReceipt,
		LocationID: in.LocationID,
		ItemID:     in.ItemID,
		Quantity:   in.Quantity,
		UnitCost:   in.UnitPrice,
		DeliveryID: in.DeliveryID,
	}
	l.movements = append(l.movements, mv)
	return st, mv, nil
}

type fakeVariance struct {
	prices  map[int64]money.Money
	records []variance.Record
}

func (v *fakeVariance) Check(_ context.Context, line variance.Line) (variance.Record, bool, error) {
	expected, ok := v.prices[line.ItemID]
	if !ok {
		return variance.Record{}, false, nil
	}
	rec, flagged := variance.DetectVariance(expected, line.ActualPrice, line.Quantity, money.Zero())
	if !flagged {
		return variance.Record{}, false, nil
	}
	rec.ID = uuid.New()
	rec.MovementID = line.MovementID
	rec.DeliveryID = line.DeliveryID
	rec.ItemID = line.ItemID
	v.records = append(v.records, rec)
	return rec, true, nil
}

type memoryKeys struct {
	keys map[string]struct{}
}

func (m *memoryKeys) CheckAndInsert(_ context.Context, key, _ string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type memorySink struct {
	submitted []variance.Record
	err       error
}

func (s *memorySink) HandOff(_ context.Context, rec variance.Record) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, rec)
	return nil
}

// fakeTx snapshots every collaborator and restores them when fn fails.
type fakeTx struct {
	ledger   *memoryLedger
	variance *fakeVariance
	keys     *memoryKeys
	audit    *memoryAudit
}

func (f *fakeTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	stock := make(map[stockKey]inventory.LocationStock, len(f.ledger.stock))
	for k, v := range f.ledger.stock {
		stock[k] = v
	}
	keys := make(map[string]struct{}, len(f.keys.keys))
	for k := range f.keys.keys {
		keys[k] = struct{}{}
	}
	movements := len(f.ledger.movements)
	records := len(f.variance.records)
	logs := len(f.audit.logs)
	if err := fn(ctx); err != nil {
		f.ledger.stock = stock
		f.ledger.movements = f.ledger.movements[:movements]
		f.variance.records = f.variance.records[:records]
		f.keys.keys = keys
		f.audit.logs = f.audit.logs[:logs]
		return err
	}
	return nil
}

type fixture struct {
	svc    *Service
	ledger *memoryLedger
	varc   *fakeVariance
	audit  *memoryAudit
	sink   *memorySink
}

func newFixture() fixture {
	ledger := newMemoryLedger()
	varc := &fakeVariance{prices: map[int64]money.Money{1: money.Must("15.00")}}
	keys := &memoryKeys{keys: map[string]struct{}{}}
	audit := &memoryAudit{}
	sink := &memorySink{}
	svc := NewService(Config{
		Tx:          &fakeTx{ledger: ledger, variance: varc, keys: keys, audit: audit},
		Ledger:      ledger,
		Variance:    varc,
		NCR:         sink,
		Idempotency: keys,
		Audit:       audit,
	})
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, ledger: ledger, varc: varc, audit: audit, sink: sink}
}

func delivery(lines ...Line) PostInput {
	return PostInput{
		DeliveryID:  uuid.New(),
		LocationID:  10,
		PeriodID:    3,
		SupplierRef: "INV-2291",
		ActorID:     7,
		Lines:       lines,
	}
}

func TestPostReceivesEveryLineAndLinksDelivery(t *testing.T) {
	f := newFixture()
	in := delivery(
		Line{ItemID: 1, Quantity: money.Must("50"), UnitPrice: money.Must("15.00")},
		Line{ItemID: 2, Quantity: money.Must("4"), UnitPrice: money.Must("2.25")},
	)

	res, err := f.svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Movements, 2)
	require.Empty(t, res.Variances)
	for _, mv := range res.Movements {
		require.True(t, mv.DeliveryID.Valid)
		require.Equal(t, in.DeliveryID, mv.DeliveryID.UUID)
	}
	require.True(t, f.ledger.stock[stockKey{10, 1}].OnHand.Equal(money.Must("50")))
	require.Len(t, f.audit.logs, 1)
	require.Equal(t, "stock:delivery_posted", f.audit.logs[0].Action)
	require.Equal(t, in.DeliveryID.String(), f.audit.logs[0].EntityID)
}

func TestPostRaisesVarianceAndHandsOffAfterCommit(t *testing.T) {
	f := newFixture()
	in := delivery(Line{ItemID: 1, Quantity: money.Must("20"), UnitPrice: money.Must("16.50")})

	res, err := f.svc.Post(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Variances, 1)
	rec := res.Variances[0]
	require.Equal(t, variance.Overcharge, rec.Direction)
	require.Equal(t, "30.00", rec.VarianceValue.StringFixed(2))
	require.Equal(t, res.Movements[0].ID, rec.MovementID)
	require.Len(t, f.sink.submitted, 1)
	require.Equal(t, rec.ID, f.sink.submitted[0].ID)
}

func TestPostTwiceIsRejected(t *testing.T) {
	f := newFixture()
	in := delivery(Line{ItemID: 2, Quantity: money.Must("5"), UnitPrice: money.Must("3")})

	_, err := f.svc.Post(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.Post(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.True(t, f.ledger.stock[stockKey{10, 2}].OnHand.Equal(money.Must("5")))
}

func TestPostFailureRollsBackEarlierLines(t *testing.T) {
	f := newFixture()
	f.ledger.failItem = 9
	in := delivery(
		Line{ItemID: 1, Quantity: money.Must("10"), UnitPrice: money.Must("18")},
		Line{ItemID: 9, Quantity: money.Must("1"), UnitPrice: money.Must("1")},
	)

	_, err := f.svc.Post(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
	require.Empty(t, f.ledger.stock)
	require.Empty(t, f.ledger.movements)
	require.Empty(t, f.varc.records)
	require.Empty(t, f.sink.submitted)
	require.Empty(t, f.audit.logs)

	// the key rolled back with the failed attempt
	f.ledger.failItem = 0
	_, err = f.svc.Post(context.Background(), in)
	require.NoError(t, err)
}

func TestPostSucceedsWhenHandoffFails(t *testing.T) {
	f := newFixture()
	f.sink.err = errors.New("redis down")
	res, err := f.svc.Post(context.Background(), delivery(Line{ItemID: 1, Quantity: money.Must("2"), UnitPrice: money.Must("14")}))
	require.NoError(t, err)
	require.Len(t, res.Variances, 1)
	require.Equal(t, variance.Undercharge, res.Variances[0].Direction)
	require.Empty(t, f.sink.submitted)
}

func TestPostValidatesInput(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Post(context.Background(), PostInput{LocationID: 1, PeriodID: 1, ActorID: 1})
	require.Error(t, err)
	_, err = f.svc.Post(context.Background(), PostInput{DeliveryID: uuid.New(), LocationID: 1, PeriodID: 1, ActorID: 1})
	require.Error(t, err)
}
