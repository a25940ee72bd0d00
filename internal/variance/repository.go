package variance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists locked prices and variance records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repo.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertLockedPrice sets the reference price for an item in a period.
func (r *Repository) UpsertLockedPrice(ctx context.Context, p LockedPrice) error {
	_, err := db.QuerierFrom(ctx, r.pool).Exec(ctx, `INSERT INTO period_prices (period_id, item_id, unit_price, locked_by, locked_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (period_id, item_id) DO UPDATE SET unit_price=EXCLUDED.unit_price, locked_by=EXCLUDED.locked_by, locked_at=EXCLUDED.locked_at`,
		p.PeriodID, p.ItemID, p.UnitPrice, p.LockedBy, p.LockedAt)
	if err != nil {
		return fmt.Errorf("variance: upsert locked price: %w", err)
	}
	return nil
}

// LockedPrice returns the reference price or ErrNoLockedPrice.
func (r *Repository) LockedPrice(ctx context.Context, periodID, itemID int64) (LockedPrice, error) {
	p := LockedPrice{PeriodID: periodID, ItemID: itemID}
	var lockedBy *int64
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `SELECT unit_price, locked_by, locked_at FROM period_prices WHERE period_id=$1 AND item_id=$2`, periodID, itemID).
		Scan(&p.UnitPrice, &lockedBy, &p.LockedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockedPrice{}, ErrNoLockedPrice
		}
		return LockedPrice{}, err
	}
	if lockedBy != nil {
		p.LockedBy = *lockedBy
	}
	return p, nil
}

// InsertRecord stores a variance record.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) error {
	_, err := db.QuerierFrom(ctx, r.pool).Exec(ctx, `INSERT INTO price_variances (id, movement_id, delivery_id, location_id, item_id, period_id,
expected_price, actual_price, quantity, variance_value, direction, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.MovementID, rec.DeliveryID, rec.LocationID, rec.ItemID, rec.PeriodID,
		rec.ExpectedPrice, rec.ActualPrice, rec.Quantity, rec.VarianceValue, string(rec.Direction), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("variance: insert record: %w", err)
	}
	return nil
}

// GetRecord loads a single variance record.
func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (Record, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, recordSelect+` WHERE id=$1`, id)
	if err != nil {
		return Record{}, err
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrRecordNotFound
	}
	return recs[0], nil
}

// ListByPeriod returns a period's variances at a location, newest first.
func (r *Repository) ListByPeriod(ctx context.Context, periodID, locationID int64) ([]Record, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, recordSelect+` WHERE period_id=$1 AND ($2::bigint = 0 OR location_id=$2) ORDER BY created_at DESC`, periodID, locationID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// MarkHandedOff stamps a record accepted by the NCR workflow. An existing
// stamp is kept.
func (r *Repository) MarkHandedOff(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.QuerierFrom(ctx, r.pool).Exec(ctx, `UPDATE price_variances SET handed_off_at=$2 WHERE id=$1 AND handed_off_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("variance: mark handed off: %w", err)
	}
	return nil
}

// ListPendingHandoff returns records created before the cutoff that the NCR
// workflow has not accepted yet, oldest first.
func (r *Repository) ListPendingHandoff(ctx context.Context, before time.Time, limit int) ([]Record, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, recordSelect+` WHERE handed_off_at IS NULL AND created_at < $1 ORDER BY created_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

const recordSelect = `SELECT id, movement_id, delivery_id, location_id, item_id, period_id, expected_price, actual_price, quantity, variance_value, direction, created_at, handed_off_at
FROM price_variances`

func scanRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var direction string
		if err := rows.Scan(&rec.ID, &rec.MovementID, &rec.DeliveryID, &rec.LocationID, &rec.ItemID, &rec.PeriodID,
			&rec.ExpectedPrice, &rec.ActualPrice, &rec.Quantity, &rec.VarianceValue, &direction, &rec.CreatedAt, &rec.HandedOffAt); err != nil {
			return nil, err
		}
		rec.Direction = Direction(direction)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ErrRecordNotFound indicates a missing variance record.
var ErrRecordNotFound = errors.New("variance: record not found")
