package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// MovementTotals are posted movement values for one location and period.
type MovementTotals struct {
	Receipts     money.Money
	TransfersIn  money.Money
	TransfersOut money.Money
	Issues       money.Money
}

// Repository persists reconciliations and aggregates posted movements.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFrom(ctx, r.pool)
}

const selectRecord = `SELECT location_id, period_id, back_charges, credits, condemnations, other_adjustments,
       consumption, total_mandays, manday_cost, opening_stock, receipts, transfers_in, transfers_out,
       issues, closing_stock, frozen, saved_by, saved_at, frozen_at
FROM reconciliations`

// Load returns the stored reconciliation; found is false when none was saved.
func (r *Repository) Load(ctx context.Context, locationID, periodID int64) (Record, bool, error) {
	var (
		rec        Record
		mandayCost decimal.NullDecimal
		snap       [6]decimal.NullDecimal
	)
	err := r.q(ctx).QueryRow(ctx, selectRecord+` WHERE location_id=$1 AND period_id=$2`, locationID, periodID).Scan(
		&rec.LocationID, &rec.PeriodID,
		&rec.Adjustments.BackCharges, &rec.Adjustments.Credits, &rec.Adjustments.Condemnations, &rec.Adjustments.Other,
		&rec.Consumption, &rec.TotalMandays, &mandayCost,
		&snap[0], &snap[1], &snap[2], &snap[3], &snap[4], &snap[5],
		&rec.Frozen, &rec.SavedBy, &rec.SavedAt, &rec.FrozenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reconciliation: load: %w", err)
	}
	if mandayCost.Valid {
		rec.MandayCost = MandayCost{Value: mandayCost.Decimal, Applicable: true}
	}
	if rec.Frozen {
		rec.Snapshot = &Components{
			OpeningStock: snap[0].Decimal,
			Receipts:     snap[1].Decimal,
			TransfersIn:  snap[2].Decimal,
			TransfersOut: snap[3].Decimal,
			Issues:       snap[4].Decimal,
			ClosingStock: snap[5].Decimal,
		}
	}
	return rec, true, nil
}

// Upsert stores adjustments and the recomputed figures. Frozen rows are never
// touched; ErrFrozen is returned instead.
func (r *Repository) Upsert(ctx context.Context, rec Record) error {
	tag, err := r.q(ctx).Exec(ctx, `INSERT INTO reconciliations (location_id, period_id, back_charges, credits, condemnations,
    other_adjustments, consumption, total_mandays, manday_cost, saved_by, saved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (location_id, period_id) DO UPDATE
SET back_charges = EXCLUDED.back_charges, credits = EXCLUDED.credits, condemnations = EXCLUDED.condemnations,
    other_adjustments = EXCLUDED.other_adjustments, consumption = EXCLUDED.consumption,
    total_mandays = EXCLUDED.total_mandays, manday_cost = EXCLUDED.manday_cost,
    saved_by = EXCLUDED.saved_by, saved_at = EXCLUDED.saved_at
WHERE reconciliations.frozen = FALSE`,
		rec.LocationID, rec.PeriodID,
		rec.Adjustments.BackCharges, rec.Adjustments.Credits, rec.Adjustments.Condemnations, rec.Adjustments.Other,
		rec.Consumption, rec.TotalMandays, nullMandayCost(rec.MandayCost), rec.SavedBy, rec.SavedAt)
	if err != nil {
		return fmt.Errorf("reconciliation: upsert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFrozen
	}
	return nil
}

// Freeze writes the close-time snapshot and marks the row immutable.
func (r *Repository) Freeze(ctx context.Context, rec Record) error {
	if rec.Snapshot == nil || rec.FrozenAt == nil {
		return errors.New("reconciliation: freeze without snapshot")
	}
	c := rec.Snapshot
	tag, err := r.q(ctx).Exec(ctx, `UPDATE reconciliations
SET opening_stock=$3, receipts=$4, transfers_in=$5, transfers_out=$6, issues=$7, closing_stock=$8,
    consumption=$9, total_mandays=$10, manday_cost=$11, frozen=TRUE, frozen_at=$12
WHERE location_id=$1 AND period_id=$2 AND frozen = FALSE`,
		rec.LocationID, rec.PeriodID,
		c.OpeningStock, c.Receipts, c.TransfersIn, c.TransfersOut, c.Issues, c.ClosingStock,
		rec.Consumption, rec.TotalMandays, nullMandayCost(rec.MandayCost), *rec.FrozenAt)
	if err != nil {
		return fmt.Errorf("reconciliation: freeze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFrozen
	}
	return nil
}

// MovementTotals sums posted movement values by kind.
func (r *Repository) MovementTotals(ctx context.Context, locationID, periodID int64) (MovementTotals, error) {
	totals := MovementTotals{Receipts: money.Zero(), TransfersIn: money.Zero(), TransfersOut: money.Zero(), Issues: money.Zero()}
	rows, err := r.q(ctx).Query(ctx, `SELECT kind, COALESCE(SUM(value), 0)
FROM stock_movements
WHERE location_id=$1 AND period_id=$2 AND status='POSTED'
GROUP BY kind`, locationID, periodID)
	if err != nil {
		return totals, fmt.Errorf("reconciliation: movement totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var sum decimal.Decimal
		if err := rows.Scan(&kind, &sum); err != nil {
			return totals, err
		}
		switch inventory.MovementKind(kind) {
		case inventory.KindReceipt:
			totals.Receipts = sum
		case inventory.KindTransferIn:
			totals.TransfersIn = sum
		case inventory.KindTransferOut:
			totals.TransfersOut = sum
		case inventory.KindIssue:
			totals.Issues = sum
		}
	}
	return totals, rows.Err()
}

// OpeningStock returns the frozen closing stock of the latest earlier period
// that is CLOSED at the location, or zero when there is none.
func (r *Repository) OpeningStock(ctx context.Context, locationID, periodID int64) (money.Money, error) {
	var closing decimal.NullDecimal
	err := r.q(ctx).QueryRow(ctx, `SELECT r.closing_stock
FROM reconciliations r
JOIN periods p ON p.id = r.period_id
JOIN period_locations pl ON pl.period_id = r.period_id AND pl.location_id = r.location_id
WHERE r.location_id = $1
  AND r.frozen
  AND pl.status = 'CLOSED'
  AND p.end_date < (SELECT start_date FROM periods WHERE id = $2)
ORDER BY p.end_date DESC
LIMIT 1`, locationID, periodID).Scan(&closing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return money.Zero(), nil
		}
		return money.Zero(), fmt.Errorf("reconciliation: opening stock: %w", err)
	}
	if !closing.Valid {
		return money.Zero(), nil
	}
	return closing.Decimal, nil
}

func nullMandayCost(m MandayCost) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: m.Value, Valid: m.Applicable}
}
