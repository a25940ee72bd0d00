package shared

import "context"

// Location-scoped permissions checked by the stock core.
const (
	PermTransfersApprove     = "stock.transfers.approve"
	PermReconciliationAdjust = "stock.reconciliation.adjust"
	PermPeriodsClose         = "stock.periods.close"
	PermStockPost            = "stock.movements.post"
	PermReconciliationView   = "stock.reconciliation.view"
)

// StockScopes lists all permissions related to the stock core.
func StockScopes() []string {
	return []string{
		PermTransfersApprove,
		PermReconciliationAdjust,
		PermPeriodsClose,
		PermStockPost,
		PermReconciliationView,
	}
}

// Authorizer is the single capability check used by the core.
type Authorizer interface {
	CanApprove(ctx context.Context, actorID, locationID int64) (bool, error)
	CanSaveAdjustments(ctx context.Context, actorID, locationID int64) (bool, error)
	CanClosePeriod(ctx context.Context, actorID, locationID int64) (bool, error)
}

// RequireCapability turns a failed check into PermissionDeniedError.
func RequireCapability(ok bool, err error, actorID, locationID int64, capability string) error {
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionDeniedError{ActorID: actorID, LocationID: locationID, Capability: capability}
	}
	return nil
}
