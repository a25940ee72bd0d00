package pob

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists POB entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert inserts or replaces the (location, date) entry.
func (r *Repository) Upsert(ctx context.Context, in UpsertInput) (Entry, error) {
	e := Entry{LocationID: in.LocationID, Date: in.Date, CrewCount: in.CrewCount, ExtraCount: in.ExtraCount, UpdatedBy: in.ActorID}
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `INSERT INTO pob_entries (location_id, entry_date, crew_count, extra_count, updated_by, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (location_id, entry_date) DO UPDATE
SET crew_count = EXCLUDED.crew_count, extra_count = EXCLUDED.extra_count,
    updated_by = EXCLUDED.updated_by, updated_at = NOW()
RETURNING updated_at`, in.LocationID, in.Date, in.CrewCount, in.ExtraCount, in.ActorID).Scan(&e.UpdatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("pob: upsert: %w", err)
	}
	return e, nil
}

// SumMandays totals crew+extra for entries between from and to inclusive.
func (r *Repository) SumMandays(ctx context.Context, locationID int64, from, to time.Time) (int64, error) {
	var total int64
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(crew_count + extra_count), 0)
FROM pob_entries WHERE location_id=$1 AND entry_date BETWEEN $2 AND $3`, locationID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("pob: sum mandays: %w", err)
	}
	return total, nil
}

// List returns entries between from and to ordered by date.
func (r *Repository) List(ctx context.Context, locationID int64, from, to time.Time) ([]Entry, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, `SELECT location_id, entry_date, crew_count, extra_count, COALESCE(updated_by, 0), updated_at
FROM pob_entries WHERE location_id=$1 AND entry_date BETWEEN $2 AND $3 ORDER BY entry_date`, locationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.LocationID, &e.Date, &e.CrewCount, &e.ExtraCount, &e.UpdatedBy, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
