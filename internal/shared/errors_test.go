package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		code     string
	}{
		{&PeriodClosedError{LocationID: 1, PeriodID: 2, Status: PeriodStatusClosed}, ErrPeriodClosed, CodePeriodClosed},
		{&InsufficientStockError{Requested: decimal.NewFromInt(5), Available: decimal.NewFromInt(2)}, ErrInsufficientStock, CodeInsufficientStock},
		{&SameLocationTransferError{LocationID: 3}, ErrSameLocationTransfer, CodeSameLocationTransfer},
		{&InvalidQuantityError{Quantity: decimal.Zero}, ErrInvalidQuantity, CodeInvalidQuantity},
		{&PermissionDeniedError{ActorID: 9, LocationID: 1, Capability: PermTransfersApprove}, ErrPermissionDenied, CodePermissionDenied},
		{&ClosePreconditionError{PeriodID: 4}, ErrClosePrecondition, CodeClosePreconditionFail},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		require.ErrorIs(t, wrapped, tc.sentinel)
		require.Equal(t, tc.code, ErrorCode(wrapped))
	}
	require.Equal(t, "", ErrorCode(errors.New("plain")))
}

func TestInsufficientStockCarriesNumbers(t *testing.T) {
	err := fmt.Errorf("issue: %w", &InsufficientStockError{LocationID: 1, ItemID: 7, Requested: decimal.RequireFromString("12.5"), Available: decimal.RequireFromString("10")})
	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, "12.5", stockErr.Requested.String())
	require.Equal(t, "10", stockErr.Available.String())
}

func TestClosePreconditionFailingLocations(t *testing.T) {
	err := &ClosePreconditionError{PeriodID: 1, Failures: []LocationFailure{
		{LocationID: 2, Reason: "pending transfer"},
		{LocationID: 5, Reason: "reconciliation not saved"},
		{LocationID: 2, Reason: "reconciliation not saved"},
	}}
	require.Equal(t, []int64{2, 5}, err.FailingLocations())
	require.Contains(t, err.Error(), "location 5: reconciliation not saved")
}

func TestValidatePeriodTransition(t *testing.T) {
	require.NoError(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusPendingClose))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusPendingClose, PeriodStatusClosed))
	require.NoError(t, ValidatePeriodTransition(PeriodStatusPendingClose, PeriodStatusPendingClose))
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusOpen, PeriodStatusClosed), ErrInvalidPeriodTransition)
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusClosed, PeriodStatusOpen), ErrInvalidPeriodTransition)
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusClosed, PeriodStatusClosed), ErrInvalidPeriodTransition)
	require.ErrorIs(t, ValidatePeriodTransition(PeriodStatusPendingClose, PeriodStatusOpen), ErrInvalidPeriodTransition)
}

func TestRequireCapability(t *testing.T) {
	require.NoError(t, RequireCapability(true, nil, 1, 2, PermPeriodsClose))
	err := RequireCapability(false, nil, 1, 2, PermPeriodsClose)
	require.ErrorIs(t, err, ErrPermissionDenied)
	boom := errors.New("boom")
	require.ErrorIs(t, RequireCapability(false, boom, 1, 2, PermPeriodsClose), boom)
}
