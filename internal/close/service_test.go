package close

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/reconciliation"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

const (
	period   int64 = 5
	kitchen  int64 = 1
	store    int64 = 2
	camp     int64 = 3
	manager  int64 = 90
	stranger int64 = 91
)

type world struct {
	status  map[int64]periods.Status
	saved   map[int64]bool
	frozen  map[int64]bool
	pending map[int64]int
	logs    []shared.AuditLog
}

func (w *world) clone() world {
	c := world{
		status:  map[int64]periods.Status{},
		saved:   map[int64]bool{},
		frozen:  map[int64]bool{},
		pending: map[int64]int{},
		logs:    append([]shared.AuditLog(nil), w.logs...),
	}
	for k, v := range w.status {
		c.status[k] = v
	}
	for k, v := range w.saved {
		c.saved[k] = v
	}
	for k, v := range w.frozen {
		c.frozen[k] = v
	}
	for k, v := range w.pending {
		c.pending[k] = v
	}
	return c
}

type memoryBackend struct {
	w          world
	freezeFail map[int64]error
}

func newBackend() *memoryBackend {
	return &memoryBackend{
		w: world{
			status:  map[int64]periods.Status{kitchen: periods.StatusOpen, store: periods.StatusOpen, camp: periods.StatusOpen},
			saved:   map[int64]bool{kitchen: true, store: true, camp: true},
			frozen:  map[int64]bool{},
			pending: map[int64]int{},
		},
		freezeFail: map[int64]error{},
	}
}

func (b *memoryBackend) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := b.w.clone()
	if err := fn(ctx); err != nil {
		b.w = snapshot
		return err
	}
	return nil
}

func (b *memoryBackend) ListLocations(_ context.Context, periodID int64) ([]periods.LocationPeriod, error) {
	var out []periods.LocationPeriod
	for _, id := range []int64{camp, kitchen, store} {
		if st, ok := b.w.status[id]; ok {
			out = append(out, periods.LocationPeriod{PeriodID: periodID, LocationID: id, Status: st})
		}
	}
	return out, nil
}

func (b *memoryBackend) LockLocation(_ context.Context, _, locationID int64) (periods.Status, error) {
	return b.w.status[locationID], nil
}

func (b *memoryBackend) Transition(_ context.Context, _, locationID int64, target periods.Status, _ int64) error {
	current := b.w.status[locationID]
	if err := shared.ValidatePeriodTransition(string(current), string(target)); err != nil {
		return err
	}
	b.w.status[locationID] = target
	return nil
}

func (b *memoryBackend) HasSaved(_ context.Context, locationID, _ int64) (bool, error) {
	return b.w.saved[locationID], nil
}

func (b *memoryBackend) Freeze(_ context.Context, locationID, periodID, _ int64) (reconciliation.Result, error) {
	if err := b.freezeFail[locationID]; err != nil {
		return reconciliation.Result{}, err
	}
	b.w.frozen[locationID] = true
	return reconciliation.Result{
		LocationID:  locationID,
		PeriodID:    periodID,
		Mode:        reconciliation.ModeFrozen,
		Components:  reconciliation.Components{ClosingStock: money.Must("50000")},
		Consumption: money.Must("34500"),
	}, nil
}

func (b *memoryBackend) PendingTransfers(_ context.Context, _, locationID int64) (int, error) {
	return b.w.pending[locationID], nil
}

func (b *memoryBackend) Record(_ context.Context, log shared.AuditLog) error {
	b.w.logs = append(b.w.logs, log)
	return nil
}

type closers map[int64]bool

func (c closers) CanApprove(context.Context, int64, int64) (bool, error)         { return false, nil }
func (c closers) CanSaveAdjustments(context.Context, int64, int64) (bool, error) { return false, nil }
func (c closers) CanClosePeriod(_ context.Context, actorID, _ int64) (bool, error) {
	return c[actorID], nil
}

type countingObserver struct {
	runs   map[string]int
	closed []int64
}

func (o *countingObserver) ObserveCloseRun(outcome string, _ time.Duration) { o.runs[outcome]++ }

func (o *countingObserver) ObserveLocationClosed(locationID int64) {
	o.closed = append(o.closed, locationID)
}

type fixture struct {
	svc      *Service
	backend  *memoryBackend
	observer *countingObserver
	redis    *redis.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := newBackend()
	observer := &countingObserver{runs: map[string]int{}}
	svc := NewService(Deps{
		Periods:        backend,
		Reconciliation: backend,
		Transfers:      backend,
		Tx:             backend,
		Authz:          closers{manager: true},
		Locker:         NewRedisLocker(rdb),
		Audit:          backend,
		Observer:       observer,
		LockTTL:        time.Minute,
	})
	return fixture{svc: svc, backend: backend, observer: observer, redis: rdb}
}

func TestRequestCloseMovesAllLocationsToPending(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.RequestClose(context.Background(), period, manager)
	require.NoError(t, err)
	require.Equal(t, []int64{kitchen, store, camp}, res.Locations)
	for _, id := range res.Locations {
		require.Equal(t, periods.StatusPendingClose, f.backend.w.status[id])
	}
	require.Len(t, f.backend.w.logs, 1)
	require.Equal(t, "period:close_requested", f.backend.w.logs[0].Action)
}

func TestRequestCloseCollectsEveryFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.w.pending[kitchen] = 2
	f.backend.w.saved[store] = false
	f.backend.w.saved[kitchen] = false

	_, err := f.svc.RequestClose(context.Background(), period, manager)
	require.ErrorIs(t, err, shared.ErrClosePrecondition)
	var pre *shared.ClosePreconditionError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, []int64{kitchen, store}, pre.FailingLocations())
	require.Len(t, pre.Failures, 3)
	require.Contains(t, pre.Error(), "transfers pending approval (2)")
	require.Contains(t, pre.Error(), ReasonNotSaved)

	for _, id := range []int64{kitchen, store, camp} {
		require.Equal(t, periods.StatusOpen, f.backend.w.status[id], "no partial close")
	}
	require.Empty(t, f.backend.w.logs)
}

func TestRequestCloseRequiresPermissionEverywhere(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RequestClose(context.Background(), period, stranger)
	var pre *shared.ClosePreconditionError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, []int64{kitchen, store, camp}, pre.FailingLocations())
	require.Equal(t, ReasonNotPermitted, pre.Failures[0].Reason)
}

func TestRequestCloseReportsPermissionAndLedgerFailuresTogether(t *testing.T) {
	f := newFixture(t)
	f.backend.w.saved[store] = false
	f.backend.w.pending[camp] = 1

	_, err := f.svc.RequestClose(context.Background(), period, stranger)
	var pre *shared.ClosePreconditionError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, []int64{kitchen, store, camp}, pre.FailingLocations())

	reasons := map[int64][]string{}
	for _, fl := range pre.Failures {
		reasons[fl.LocationID] = append(reasons[fl.LocationID], fl.Reason)
	}
	require.Equal(t, []string{ReasonNotPermitted}, reasons[kitchen])
	require.Equal(t, []string{ReasonNotPermitted, ReasonNotSaved}, reasons[store])
	require.Equal(t, []string{ReasonNotPermitted, ReasonPendingTransfers + " (1)"}, reasons[camp])
	for _, id := range []int64{kitchen, store, camp} {
		require.Equal(t, periods.StatusOpen, f.backend.w.status[id])
	}
}

func TestRequestCloseWithoutLocations(t *testing.T) {
	f := newFixture(t)
	f.backend.w.status = map[int64]periods.Status{}
	_, err := f.svc.RequestClose(context.Background(), period, manager)
	require.ErrorIs(t, err, ErrNoLocations)
}

func TestExecuteCloseFreezesAndCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestClose(ctx, period, manager)
	require.NoError(t, err)

	summary, err := f.svc.ExecuteClose(ctx, period, manager)
	require.NoError(t, err)
	require.Equal(t, []int64{kitchen, store, camp}, summary.ClosedLocations())
	require.Empty(t, summary.AlreadyClosed)
	for _, id := range []int64{kitchen, store, camp} {
		require.Equal(t, periods.StatusClosed, f.backend.w.status[id])
		require.True(t, f.backend.w.frozen[id])
	}
	require.Equal(t, 1, f.observer.runs["success"])
	require.Equal(t, []int64{kitchen, store, camp}, f.observer.closed)

	again, err := f.svc.ExecuteClose(ctx, period, manager)
	require.NoError(t, err)
	require.Empty(t, again.Closed)
	require.Equal(t, []int64{kitchen, store, camp}, again.AlreadyClosed)

	_, err = f.svc.RequestClose(ctx, period, manager)
	require.ErrorIs(t, err, shared.ErrClosePrecondition, "closed period cannot be requested again")
}

func TestExecuteCloseRevalidatesAndResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestClose(ctx, period, manager)
	require.NoError(t, err)

	// a transfer touching the store slipped in after the request
	f.backend.w.pending[store] = 1
	summary, err := f.svc.ExecuteClose(ctx, period, manager)
	var pre *shared.ClosePreconditionError
	require.ErrorAs(t, err, &pre)
	require.Equal(t, []int64{store}, pre.FailingLocations())
	require.Equal(t, []int64{kitchen, camp}, summary.ClosedLocations())
	require.Equal(t, periods.StatusClosed, f.backend.w.status[kitchen])
	require.Equal(t, periods.StatusPendingClose, f.backend.w.status[store])
	require.False(t, f.backend.w.frozen[store])
	require.Equal(t, 1, f.observer.runs["failure"])

	f.backend.w.pending[store] = 0
	summary, err = f.svc.ExecuteClose(ctx, period, manager)
	require.NoError(t, err)
	require.Equal(t, []int64{store}, summary.ClosedLocations())
	require.Equal(t, []int64{kitchen, camp}, summary.AlreadyClosed)
}

func TestExecuteCloseRollsBackFailedLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestClose(ctx, period, manager)
	require.NoError(t, err)

	f.backend.freezeFail[camp] = errors.New("disk full")
	summary, err := f.svc.ExecuteClose(ctx, period, manager)
	require.ErrorIs(t, err, shared.ErrClosePrecondition)
	require.Equal(t, []int64{kitchen, store}, summary.ClosedLocations())
	require.Equal(t, periods.StatusPendingClose, f.backend.w.status[camp])
	require.False(t, f.backend.w.frozen[camp])
}

func TestExecuteCloseNeedsRequestFirst(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ExecuteClose(context.Background(), period, manager)
	var pre *shared.ClosePreconditionError
	require.ErrorAs(t, err, &pre)
	require.Len(t, pre.Failures, 3)
	require.Equal(t, ReasonNotPending, pre.Failures[0].Reason)
	require.Equal(t, periods.StatusOpen, f.backend.w.status[kitchen])
}

func TestExecuteCloseHonoursLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RequestClose(ctx, period, manager)
	require.NoError(t, err)

	held, err := NewRedisLocker(f.redis).Obtain(ctx, shared.PeriodCloseLockKey(period), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.ExecuteClose(ctx, period, manager)
	require.ErrorIs(t, err, ErrCloseInProgress)
	require.Equal(t, 1, f.observer.runs["locked"])
	require.Equal(t, periods.StatusPendingClose, f.backend.w.status[kitchen])

	require.NoError(t, held.Release(ctx))
	_, err = f.svc.ExecuteClose(ctx, period, manager)
	require.NoError(t, err)
}

func TestJobSkipsRetryOnPreconditionFailure(t *testing.T) {
	f := newFixture(t)
	job := NewJob(f.svc, nil)
	task, err := jobs.NewPeriodCloseTask(jobs.PeriodClosePayload{PeriodID: period, ActorID: manager})
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, shared.ErrClosePrecondition)

	_, err = f.svc.RequestClose(context.Background(), period, manager)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, periods.StatusClosed, f.backend.w.status[camp])
}

func TestJobRejectsMalformedPayload(t *testing.T) {
	job := NewJob(nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskPeriodClose, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
