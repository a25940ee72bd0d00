package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

type fakeSource struct {
	rows []StockDiscrepancy
	err  error
	got  int64
}

func (f *fakeSource) StockDiscrepancies(_ context.Context, locationID int64) ([]StockDiscrepancy, error) {
	f.got = locationID
	return f.rows, f.err
}

func TestStockIntegrityJobReportsDiscrepancies(t *testing.T) {
	src := &fakeSource{rows: []StockDiscrepancy{
		{LocationID: 1, ItemID: 10, OnHand: decimal.NewFromInt(5), Ledger: decimal.NewFromInt(4)},
		{LocationID: 1, ItemID: 11, OnHand: decimal.NewFromInt(0), Ledger: decimal.NewFromInt(2)},
	}}
	job := NewStockIntegrityJob(src, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewStockIntegrityTask(1, time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, int64(1), src.got)

	found, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func TestStockIntegrityJobPropagatesErrors(t *testing.T) {
	boom := errors.New("db down")
	job := NewStockIntegrityJob(&fakeSource{err: boom}, nil, nil)
	_, err := job.Run(context.Background(), 0)
	require.ErrorIs(t, err, boom)
}

type fakeCleaner struct {
	olderThan time.Duration
}

func (f *fakeCleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	f.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := &IdempotencyCleanupJob{Store: cleaner}
	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 48*time.Hour, cleaner.olderThan)
}

func TestTaskConstructorsValidate(t *testing.T) {
	_, err := NewPeriodCloseTask(PeriodClosePayload{PeriodID: 1})
	require.Error(t, err)

	task, err := NewPeriodCloseTask(PeriodClosePayload{PeriodID: 3, ActorID: 9})
	require.NoError(t, err)
	payload, err := DecodePeriodClose(task)
	require.NoError(t, err)
	require.Equal(t, int64(3), payload.PeriodID)

	_, err = NewNCRVarianceTask(NCRVariancePayload{})
	require.Error(t, err)
}
