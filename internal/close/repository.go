package close

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository answers close preconditions that live outside the period and
// reconciliation packages.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PendingTransfers counts transfers of the period awaiting approval that
// touch the location on either side.
func (r *Repository) PendingTransfers(ctx context.Context, periodID, locationID int64) (int, error) {
	var n int
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM transfers
WHERE period_id=$1 AND status='PENDING_APPROVAL'
  AND (source_location_id=$2 OR dest_location_id=$2)`, periodID, locationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("close: pending transfers: %w", err)
	}
	return n, nil
}
