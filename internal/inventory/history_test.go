package inventory

import (
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"
)

func TestMovementQueryAppliesEveryFilter(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	b := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	sql, args, err := movementQuery(b, MovementFilter{
		LocationID: 10,
		ItemID:     5,
		PeriodID:   3,
		Kinds:      []MovementKind{KindReceipt, KindIssue},
		From:       from,
		To:         to,
		Limit:      50,
	}).ToSql()
	require.NoError(t, err)
	require.Contains(t, sql, "FROM stock_movements WHERE status = $1 AND location_id = $2 AND item_id = $3 AND period_id = $4 AND kind IN ($5,$6) AND posted_at >= $7 AND posted_at < $8")
	require.Contains(t, sql, "ORDER BY posted_at DESC, id DESC LIMIT 50")
	require.Equal(t, []any{string(MovementPosted), int64(10), int64(5), int64(3), string(KindReceipt), string(KindIssue), from, to}, args)
}

func TestMovementQueryDefaultsToPostedOnlyWithLimit(t *testing.T) {
	b := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

	sql, args, err := movementQuery(b, MovementFilter{}).ToSql()
	require.NoError(t, err)
	require.Contains(t, sql, "WHERE status = $1 ORDER BY")
	require.Contains(t, sql, "LIMIT 200")
	require.Equal(t, []any{string(MovementPosted)}, args)
}
