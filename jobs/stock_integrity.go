package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// StockDiscrepancy is a stock row whose on-hand differs from the signed sum of
// its posted movements.
type StockDiscrepancy struct {
	LocationID int64
	ItemID     int64
	OnHand     decimal.Decimal
	Ledger     decimal.Decimal
}

// DiscrepancySource finds discrepancies; locationID 0 scans every location.
type DiscrepancySource interface {
	StockDiscrepancies(ctx context.Context, locationID int64) ([]StockDiscrepancy, error)
}

// PGDiscrepancySource reads discrepancies from PostgreSQL.
type PGDiscrepancySource struct {
	Pool *pgxpool.Pool
}

// StockDiscrepancies implements DiscrepancySource.
func (s PGDiscrepancySource) StockDiscrepancies(ctx context.Context, locationID int64) ([]StockDiscrepancy, error) {
	if s.Pool == nil {
		return nil, errors.New("stock integrity: pool not configured")
	}
	rows, err := s.Pool.Query(ctx, `SELECT s.location_id, s.item_id, s.on_hand, COALESCE(m.ledger, 0)
FROM location_stock s
LEFT JOIN (
    SELECT location_id, item_id,
           SUM(CASE WHEN kind IN ('RECEIPT','TRANSFER_IN') THEN quantity ELSE -quantity END) AS ledger
    FROM stock_movements
    WHERE status = 'POSTED'
    GROUP BY location_id, item_id
) m ON m.location_id = s.location_id AND m.item_id = s.item_id
WHERE ($1::bigint = 0 OR s.location_id = $1)
  AND s.on_hand <> COALESCE(m.ledger, 0)
ORDER BY s.location_id, s.item_id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockDiscrepancy
	for rows.Next() {
		var d StockDiscrepancy
		if err := rows.Scan(&d.LocationID, &d.ItemID, &d.OnHand, &d.Ledger); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StockIntegrityJob logs and counts stock rows that drifted from the movement log.
type StockIntegrityJob struct {
	Source  DiscrepancySource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockIntegrityJob initialises the integrity scan handler.
func NewStockIntegrityJob(source DiscrepancySource, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockIntegrityJob {
	return &StockIntegrityJob{Source: source, Logger: logger, Metrics: metrics}
}

// Handle executes the scan.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload StockIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := j.Run(ctx, payload.LocationID)
	return err
}

// Run scans and returns the discrepancies found.
func (j *StockIntegrityJob) Run(ctx context.Context, locationID int64) (found []StockDiscrepancy, resultErr error) {
	start := time.Now()
	tracker := j.Metrics.Track(TaskStockIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("location_id", locationID))
	found, err := j.Source.StockDiscrepancies(ctx, locationID)
	if err != nil {
		logger.Error("stock integrity scan failed", slog.Any("error", err))
		return nil, err
	}
	perLocation := map[int64]int{}
	for _, d := range found {
		logger.Warn("stock discrepancy detected",
			slog.Int64("stock_location_id", d.LocationID),
			slog.Int64("item_id", d.ItemID),
			slog.String("on_hand", d.OnHand.String()),
			slog.String("ledger", d.Ledger.String()),
			slog.String("delta", d.OnHand.Sub(d.Ledger).String()))
		perLocation[d.LocationID]++
	}
	for loc, n := range perLocation {
		j.Metrics.AddDiscrepancies(loc, n)
	}
	logger.Info("completed stock integrity scan",
		slog.Int("discrepancies", len(found)),
		slog.Duration("duration", time.Since(start)))
	return found, nil
}

func (j *StockIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// KeyCleaner prunes idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob removes expired posting keys.
type IdempotencyCleanupJob struct {
	Store   KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RetentionHours <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	if err = j.Store.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour); err != nil {
		return err
	}
	if j.Logger != nil {
		j.Logger.Info("idempotency keys pruned", slog.Int("retention_hours", payload.RetentionHours))
	}
	return nil
}
