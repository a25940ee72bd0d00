package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

const defaultHistoryLimit = 200

type movementRow struct {
	ID                    uuid.UUID       `db:"id"`
	Kind                  string          `db:"kind"`
	Status                string          `db:"status"`
	LocationID            int64           `db:"location_id"`
	ItemID                int64           `db:"item_id"`
	PeriodID              int64           `db:"period_id"`
	Quantity              decimal.Decimal `db:"quantity"`
	UnitCost              decimal.Decimal `db:"unit_cost"`
	Value                 decimal.Decimal `db:"value"`
	OnHandAfter           decimal.Decimal `db:"on_hand_after"`
	WACAfter              decimal.Decimal `db:"wac_after"`
	CounterpartLocationID *int64          `db:"counterpart_location_id"`
	TransferID            uuid.NullUUID   `db:"transfer_id"`
	DeliveryID            uuid.NullUUID   `db:"delivery_id"`
	ActorID               *int64          `db:"actor_id"`
	Note                  string          `db:"note"`
	PostedAt              time.Time       `db:"posted_at"`
}

func (r movementRow) toMovement() Movement {
	mv := Movement{
		ID:                    r.ID,
		Kind:                  MovementKind(r.Kind),
		Status:                MovementStatus(r.Status),
		LocationID:            r.LocationID,
		ItemID:                r.ItemID,
		PeriodID:              r.PeriodID,
		Quantity:              r.Quantity,
		UnitCost:              r.UnitCost,
		Value:                 r.Value,
		OnHandAfter:           r.OnHandAfter,
		WACAfter:              r.WACAfter,
		CounterpartLocationID: r.CounterpartLocationID,
		TransferID:            r.TransferID,
		DeliveryID:            r.DeliveryID,
		Note:                  r.Note,
		PostedAt:              r.PostedAt,
	}
	if r.ActorID != nil {
		mv.ActorID = *r.ActorID
	}
	return mv
}

// ListMovements returns posted movements matching filter, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	sql, args, err := movementQuery(r.builder, filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("inventory: build movement query: %w", err)
	}
	var rows []movementRow
	if err := pgxscan.Select(ctx, db.QuerierFrom(ctx, r.pool), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("inventory: list movements: %w", err)
	}
	out := make([]Movement, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMovement())
	}
	return out, nil
}

func movementQuery(b squirrel.StatementBuilderType, filter MovementFilter) squirrel.SelectBuilder {
	q := b.
		Select("id", "kind", "status", "location_id", "item_id", "period_id", "quantity", "unit_cost", "value",
			"on_hand_after", "wac_after", "counterpart_location_id", "transfer_id", "delivery_id", "actor_id", "note", "posted_at").
		From("stock_movements").
		Where(squirrel.Eq{"status": string(MovementPosted)})
	if filter.LocationID != 0 {
		q = q.Where(squirrel.Eq{"location_id": filter.LocationID})
	}
	if filter.ItemID != 0 {
		q = q.Where(squirrel.Eq{"item_id": filter.ItemID})
	}
	if filter.PeriodID != 0 {
		q = q.Where(squirrel.Eq{"period_id": filter.PeriodID})
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, k := range filter.Kinds {
			kinds = append(kinds, string(k))
		}
		q = q.Where(squirrel.Eq{"kind": kinds})
	}
	if !filter.From.IsZero() {
		q = q.Where(squirrel.GtOrEq{"posted_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(squirrel.Lt{"posted_at": filter.To})
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return q.OrderBy("posted_at DESC", "id DESC").Limit(uint64(limit))
}
