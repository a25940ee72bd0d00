package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	tx      *db.Manager
	builder squirrel.StatementBuilderType
}

// NewRepository constructs Repository.
func NewRepository(manager *db.Manager) *Repository {
	return &Repository{
		pool:    manager.Pool(),
		tx:      manager,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	// LockStock returns the row locked FOR UPDATE, creating a zero row the
	// first time an item is placed at a location.
	LockStock(ctx context.Context, locationID, itemID int64) (LocationStock, error)
	SaveStock(ctx context.Context, stock LocationStock) error
	InsertMovement(ctx context.Context, mv Movement) error
	InsertTransfer(ctx context.Context, t Transfer) error
	LockTransfer(ctx context.Context, id uuid.UUID) (Transfer, error)
	UpdateTransferStatus(ctx context.Context, id uuid.UUID, status TransferStatus, actorID int64, at time.Time) error
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside a repeatable-read transaction, joining
// one already carried on ctx.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return r.tx.RunInTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: db.QuerierFrom(ctx, r.pool)})
	})
}

// GetStock returns a position; a missing row reads as zero stock.
func (r *Repository) GetStock(ctx context.Context, locationID, itemID int64) (LocationStock, error) {
	s := LocationStock{LocationID: locationID, ItemID: itemID}
	err := db.QuerierFrom(ctx, r.pool).QueryRow(ctx, `SELECT on_hand, wac, updated_at FROM location_stock WHERE location_id=$1 AND item_id=$2`, locationID, itemID).
		Scan(&s.OnHand, &s.WAC, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, nil
		}
		return LocationStock{}, fmt.Errorf("inventory: get stock: %w", err)
	}
	return s, nil
}

// ListStock returns every item position at a location.
func (r *Repository) ListStock(ctx context.Context, locationID int64) ([]LocationStock, error) {
	rows, err := db.QuerierFrom(ctx, r.pool).Query(ctx, `SELECT location_id, item_id, on_hand, wac, updated_at
FROM location_stock WHERE location_id=$1 ORDER BY item_id`, locationID)
	if err != nil {
		return nil, fmt.Errorf("inventory: list stock: %w", err)
	}
	defer rows.Close()
	var out []LocationStock
	for rows.Next() {
		var s LocationStock
		if err := rows.Scan(&s.LocationID, &s.ItemID, &s.OnHand, &s.WAC, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetTransfer loads a transfer with lines.
func (r *Repository) GetTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return loadTransfer(ctx, db.QuerierFrom(ctx, r.pool), id, false)
}

func (r *txRepository) LockStock(ctx context.Context, locationID, itemID int64) (LocationStock, error) {
	if _, err := r.q.Exec(ctx, `INSERT INTO location_stock (location_id, item_id, on_hand, wac, updated_at)
VALUES ($1, $2, 0, 0, NOW()) ON CONFLICT (location_id, item_id) DO NOTHING`, locationID, itemID); err != nil {
		return LocationStock{}, fmt.Errorf("inventory: seed stock: %w", err)
	}
	s := LocationStock{LocationID: locationID, ItemID: itemID}
	err := r.q.QueryRow(ctx, `SELECT on_hand, wac, updated_at FROM location_stock WHERE location_id=$1 AND item_id=$2 FOR UPDATE`, locationID, itemID).
		Scan(&s.OnHand, &s.WAC, &s.UpdatedAt)
	if err != nil {
		return LocationStock{}, fmt.Errorf("inventory: lock stock: %w", err)
	}
	return s, nil
}

func (r *txRepository) SaveStock(ctx context.Context, s LocationStock) error {
	_, err := r.q.Exec(ctx, `UPDATE location_stock SET on_hand=$3, wac=$4, updated_at=$5 WHERE location_id=$1 AND item_id=$2`,
		s.LocationID, s.ItemID, s.OnHand, s.WAC, s.UpdatedAt)
	return err
}

func (r *txRepository) InsertMovement(ctx context.Context, mv Movement) error {
	_, err := r.q.Exec(ctx, `INSERT INTO stock_movements (id, kind, status, location_id, item_id, period_id, quantity, unit_cost, value,
on_hand_after, wac_after, counterpart_location_id, transfer_id, delivery_id, actor_id, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		mv.ID, string(mv.Kind), string(mv.Status), mv.LocationID, mv.ItemID, mv.PeriodID, mv.Quantity, mv.UnitCost, mv.Value,
		mv.OnHandAfter, mv.WACAfter, mv.CounterpartLocationID, mv.TransferID, mv.DeliveryID, nullInt(mv.ActorID), mv.Note, mv.PostedAt)
	if err != nil {
		return fmt.Errorf("inventory: insert movement: %w", err)
	}
	return nil
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) error {
	_, err := r.q.Exec(ctx, `INSERT INTO transfers (id, code, source_location_id, dest_location_id, period_id, status, note, requested_by, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, t.ID, t.Code, t.SourceLocationID, t.DestLocationID, t.PeriodID, string(t.Status), t.Note, t.RequestedBy, t.RequestedAt)
	if err != nil {
		return fmt.Errorf("inventory: insert transfer: %w", err)
	}
	for _, line := range t.Lines {
		if _, err := r.q.Exec(ctx, `INSERT INTO transfer_lines (transfer_id, line_no, item_id, quantity) VALUES ($1,$2,$3,$4)`,
			t.ID, line.LineNo, line.ItemID, line.Quantity); err != nil {
			return fmt.Errorf("inventory: insert transfer line: %w", err)
		}
	}
	return nil
}

func (r *txRepository) LockTransfer(ctx context.Context, id uuid.UUID) (Transfer, error) {
	return loadTransfer(ctx, r.q, id, true)
}

func (r *txRepository) UpdateTransferStatus(ctx context.Context, id uuid.UUID, status TransferStatus, actorID int64, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE transfers SET status=$2, decided_by=$3, decided_at=$4 WHERE id=$1`, id, string(status), actorID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func loadTransfer(ctx context.Context, q db.Querier, id uuid.UUID, forUpdate bool) (Transfer, error) {
	query := `SELECT id, code, source_location_id, dest_location_id, period_id, status, note, requested_by, requested_at, decided_by, decided_at
FROM transfers WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var t Transfer
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&t.ID, &t.Code, &t.SourceLocationID, &t.DestLocationID, &t.PeriodID, &status, &t.Note,
		&t.RequestedBy, &t.RequestedAt, &t.DecidedBy, &t.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	t.Status = TransferStatus(status)
	rows, err := q.Query(ctx, `SELECT line_no, item_id, quantity FROM transfer_lines WHERE transfer_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return Transfer{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line TransferLine
		if err := rows.Scan(&line.LineNo, &line.ItemID, &line.Quantity); err != nil {
			return Transfer{}, err
		}
		t.Lines = append(t.Lines, line)
	}
	return t, rows.Err()
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
