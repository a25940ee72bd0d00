package periods

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists periods and their per-location status in PostgreSQL.
// Every method joins the transaction carried on ctx when there is one.
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

// InsertPeriod creates a period row.
func (r *Repository) InsertPeriod(ctx context.Context, in CreatePeriodInput) (Period, error) {
	p := Period{Code: in.Code, StartDate: in.StartDate, EndDate: in.EndDate, CreatedBy: in.ActorID}
	err := r.q(ctx).QueryRow(ctx, `INSERT INTO periods (code, start_date, end_date, created_by)
VALUES ($1, $2, $3, $4) RETURNING id, created_at`, in.Code, in.StartDate, in.EndDate, in.ActorID).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return Period{}, fmt.Errorf("periods: insert: %w", err)
	}
	return p, nil
}

// PeriodRangeConflict reports whether [start,end] overlaps an existing period.
func (r *Repository) PeriodRangeConflict(ctx context.Context, start, end time.Time) (bool, error) {
	var exists bool
	err := r.q(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM periods WHERE start_date <= $2 AND end_date >= $1)`, start, end).Scan(&exists)
	return exists, err
}

// LoadPeriod fetches a single period.
func (r *Repository) LoadPeriod(ctx context.Context, id int64) (Period, error) {
	var p Period
	var createdBy *int64
	err := r.q(ctx).QueryRow(ctx, `SELECT id, code, start_date, end_date, created_by, created_at FROM periods WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &createdBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	if createdBy != nil {
		p.CreatedBy = *createdBy
	}
	return p, nil
}

// PreviousPeriod returns the period ending most recently before the given one starts.
func (r *Repository) PreviousPeriod(ctx context.Context, id int64) (Period, error) {
	var p Period
	err := r.q(ctx).QueryRow(ctx, `SELECT prev.id, prev.code, prev.start_date, prev.end_date, prev.created_at
FROM periods cur
JOIN periods prev ON prev.end_date < cur.start_date
WHERE cur.id=$1
ORDER BY prev.end_date DESC
LIMIT 1`, id).Scan(&p.ID, &p.Code, &p.StartDate, &p.EndDate, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Period{}, ErrPeriodNotFound
		}
		return Period{}, err
	}
	return p, nil
}

// EnrolLocation opens the period at a location. Existing memberships are left untouched.
func (r *Repository) EnrolLocation(ctx context.Context, periodID, locationID int64) error {
	_, err := r.q(ctx).Exec(ctx, `INSERT INTO period_locations (period_id, location_id, status, updated_at)
VALUES ($1, $2, 'OPEN', NOW()) ON CONFLICT (period_id, location_id) DO NOTHING`, periodID, locationID)
	return err
}

// LocationStatus returns the status of the period at a location, or "" when not enrolled.
func (r *Repository) LocationStatus(ctx context.Context, periodID, locationID int64, lock LockMode) (Status, error) {
	var status string
	err := r.q(ctx).QueryRow(ctx, `SELECT status FROM period_locations WHERE period_id=$1 AND location_id=$2`+lock.clause(), periodID, locationID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return Status(status), nil
}

// ListLocations returns every location enrolled in the period ordered by location id.
func (r *Repository) ListLocations(ctx context.Context, periodID int64, lock LockMode) ([]LocationPeriod, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT period_id, location_id, status, closed_by, closed_at, updated_at
FROM period_locations WHERE period_id=$1 ORDER BY location_id`+lock.clause(), periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LocationPeriod
	for rows.Next() {
		var lp LocationPeriod
		var status string
		if err := rows.Scan(&lp.PeriodID, &lp.LocationID, &status, &lp.ClosedBy, &lp.ClosedAt, &lp.UpdatedAt); err != nil {
			return nil, err
		}
		lp.Status = Status(status)
		out = append(out, lp)
	}
	return out, rows.Err()
}

// UpdateLocationStatus sets a new status; closing stamps closed_by/closed_at.
func (r *Repository) UpdateLocationStatus(ctx context.Context, periodID, locationID int64, status Status, actorID int64) error {
	var closedBy any
	var closedAt any
	if status == StatusClosed {
		closedBy = actorID
		closedAt = time.Now().UTC()
	}
	tag, err := r.q(ctx).Exec(ctx, `UPDATE period_locations SET status=$3, closed_by=COALESCE($4, closed_by), closed_at=COALESCE($5, closed_at), updated_at=NOW()
WHERE period_id=$1 AND location_id=$2`, periodID, locationID, string(status), closedBy, closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}
