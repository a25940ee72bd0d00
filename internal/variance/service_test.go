package variance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

type memoryStore struct {
	prices  map[[2]int64]LockedPrice
	records []Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{prices: map[[2]int64]LockedPrice{}}
}

func (m *memoryStore) UpsertLockedPrice(_ context.Context, p LockedPrice) error {
	m.prices[[2]int64{p.PeriodID, p.ItemID}] = p
	return nil
}

func (m *memoryStore) LockedPrice(_ context.Context, periodID, itemID int64) (LockedPrice, error) {
	p, ok := m.prices[[2]int64{periodID, itemID}]
	if !ok {
		return LockedPrice{}, ErrNoLockedPrice
	}
	return p, nil
}

func (m *memoryStore) InsertRecord(_ context.Context, rec Record) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryStore) GetRecord(_ context.Context, id uuid.UUID) (Record, error) {
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, ErrRecordNotFound
}

func (m *memoryStore) MarkHandedOff(_ context.Context, id uuid.UUID, at time.Time) error {
	for i := range m.records {
		if m.records[i].ID == id && m.records[i].HandedOffAt == nil {
			stamp := at
			m.records[i].HandedOffAt = &stamp
		}
	}
	return nil
}

func (m *memoryStore) ListPendingHandoff(_ context.Context, before time.Time, limit int) ([]Record, error) {
	var out []Record
	for _, r := range m.records {
		if r.HandedOffAt == nil && r.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) ListByPeriod(_ context.Context, periodID, _ int64) ([]Record, error) {
	var out []Record
	for _, r := range m.records {
		if r.PeriodID == periodID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeLocations []periods.LocationPeriod

func (f fakeLocations) ListLocations(context.Context, int64) ([]periods.LocationPeriod, error) {
	return f, nil
}

func TestSetLockedPriceBlockedAfterClose(t *testing.T) {
	store := newMemoryStore()
	open := fakeLocations{{PeriodID: 1, LocationID: 1, Status: periods.StatusOpen}}
	svc := NewService(store, open, money.Must("0.01"), nil)
	ctx := context.Background()

	p, err := svc.SetLockedPrice(ctx, SetPriceInput{PeriodID: 1, ItemID: 5, UnitPrice: money.Must("12.5"), ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, int64(3), p.LockedBy)

	_, err = svc.SetLockedPrice(ctx, SetPriceInput{PeriodID: 1, ItemID: 5, UnitPrice: money.Must("-1"), ActorID: 3})
	require.ErrorIs(t, err, ErrNegativePrice)

	closed := fakeLocations{{PeriodID: 1, LocationID: 1, Status: periods.StatusOpen}, {PeriodID: 1, LocationID: 2, Status: periods.StatusClosed}}
	svc = NewService(store, closed, money.Must("0.01"), nil)
	_, err = svc.SetLockedPrice(ctx, SetPriceInput{PeriodID: 1, ItemID: 5, UnitPrice: money.Must("13"), ActorID: 3})
	require.ErrorIs(t, err, shared.ErrPeriodClosed)
}

func TestCheckRecordsVariance(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, fakeLocations{}, money.Must("0.01"), nil)
	ctx := context.Background()
	require.NoError(t, store.UpsertLockedPrice(ctx, LockedPrice{PeriodID: 1, ItemID: 5, UnitPrice: money.Must("10.00")}))

	delivery := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	line := Line{MovementID: uuid.New(), DeliveryID: delivery, LocationID: 2, ItemID: 5, PeriodID: 1, ActualPrice: money.Must("10.40"), Quantity: money.Must("25")}
	rec, ok, err := svc.Check(ctx, line)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Overcharge, rec.Direction)
	require.Equal(t, "10.00", rec.VarianceValue.StringFixed(2))
	require.Equal(t, delivery, rec.DeliveryID)
	require.Len(t, store.records, 1)

	line.ActualPrice = money.Must("10.005")
	_, ok, err = svc.Check(ctx, line)
	require.NoError(t, err)
	require.False(t, ok)

	line.ItemID = 6
	_, ok, err = svc.Check(ctx, line)
	require.NoError(t, err)
	require.False(t, ok, "items without a locked price are not checked")
	require.Len(t, store.records, 1)
}

type fakeEnqueuer struct {
	payloads []jobs.NCRVariancePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueNCRVariance(_ context.Context, p jobs.NCRVariancePayload) (*asynq.TaskInfo, error) {
	f.payloads = append(f.payloads, p)
	return &asynq.TaskInfo{ID: "ncr-" + p.VarianceID}, f.err
}

func TestAsynqSinkAndHandoff(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, fakeLocations{}, money.Must("0.01"), nil)
	rec := Record{ID: uuid.New(), MovementID: uuid.New(), LocationID: 1, ItemID: 2, PeriodID: 3,
		ExpectedPrice: money.Must("1"), ActualPrice: money.Must("2"), Quantity: money.Must("3"),
		VarianceValue: money.Must("3"), Direction: Overcharge, CreatedAt: time.Now()}
	store.records = append(store.records, rec)

	enq := &fakeEnqueuer{}
	sink := NewAsynqSink(enq)
	require.NoError(t, sink.Submit(context.Background(), rec))
	require.Len(t, enq.payloads, 1)
	require.Equal(t, "", enq.payloads[0].DeliveryID)

	enq.err = jobs.ErrAlreadyQueued
	require.NoError(t, sink.Submit(context.Background(), rec))

	task, err := jobs.NewNCRVarianceTask(enq.payloads[0])
	require.NoError(t, err)
	require.NoError(t, NewHandoffJob(svc, nil).Handle(context.Background(), task))

	missing := enq.payloads[0]
	missing.VarianceID = uuid.NewString()
	task, err = jobs.NewNCRVarianceTask(missing)
	require.NoError(t, err)
	require.ErrorIs(t, NewHandoffJob(svc, nil).Handle(context.Background(), task), asynq.SkipRetry)
}

type flakySink struct {
	err       error
	submitted []uuid.UUID
}

func (f *flakySink) Submit(_ context.Context, rec Record) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, rec.ID)
	return nil
}

func TestSweepResubmitsRecordWhoseHandoffFailed(t *testing.T) {
	store := newMemoryStore()
	sink := &flakySink{err: errors.New("redis down")}
	svc := NewService(store, fakeLocations{}, money.Must("0.01"), nil).WithSink(sink)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	rec := Record{ID: uuid.New(), MovementID: uuid.New(), LocationID: 1, ItemID: 2, PeriodID: 3,
		VarianceValue: money.Must("4"), Direction: Overcharge, CreatedAt: now}
	store.records = append(store.records, rec)

	require.Error(t, svc.HandOff(ctx, rec))
	require.Nil(t, store.records[0].HandedOffAt)

	// still inside the grace window
	res, err := svc.SweepHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, res.Pending)

	now = now.Add(10 * time.Minute)
	res, err = svc.SweepHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Pending: 1, Failed: 1}, res)

	sink.err = nil
	res, err = svc.SweepHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Pending: 1, HandedOff: 1}, res)
	require.Equal(t, []uuid.UUID{rec.ID}, sink.submitted)
	require.NotNil(t, store.records[0].HandedOffAt)

	res, err = svc.SweepHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, res.Pending)
}

func TestSweepJobWithoutSinkFails(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, fakeLocations{}, money.Must("0.01"), nil)
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	store.records = append(store.records, Record{ID: uuid.New(), CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})

	task, err := jobs.NewNCRHandoffSweepTask(0)
	require.NoError(t, err)
	require.ErrorIs(t, NewSweepJob(svc, nil, nil).Handle(context.Background(), task), ErrNoSink)
}
