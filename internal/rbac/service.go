package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Store is the persistence port used by Service.
type Store interface {
	EnsurePermission(ctx context.Context, name, description string) (Permission, error)
	EnsureRole(ctx context.Context, name, description string) (Role, error)
	SetRolePermissions(ctx context.Context, roleID int64, names []string) error
	Grant(ctx context.Context, g Grant) error
	Revoke(ctx context.Context, g Grant) error
	LocationPermissions(ctx context.Context, userID, locationID int64) ([]string, error)
	GetRole(ctx context.Context, name string) (Role, error)
}

// Service answers location-scoped capability checks. It implements
// shared.Authorizer.
type Service struct {
	store  Store
	logger *slog.Logger
}

var _ shared.Authorizer = (*Service)(nil)

// NewService constructs a Service backed by store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Default roles seeded by SeedDefaults.
const (
	RoleStorekeeper = "storekeeper"
	RoleSupervisor  = "supervisor"
	RoleController  = "controller"
)

var defaultRoles = map[string][]string{
	RoleStorekeeper: {shared.PermStockPost, shared.PermReconciliationView},
	RoleSupervisor:  {shared.PermStockPost, shared.PermReconciliationView, shared.PermTransfersApprove, shared.PermReconciliationAdjust},
	RoleController:  shared.StockScopes(),
}

var permissionDescriptions = map[string]string{
	shared.PermTransfersApprove:     "Approve stock transfers leaving the location",
	shared.PermReconciliationAdjust: "Save reconciliation adjustments",
	shared.PermPeriodsClose:         "Request and execute period close",
	shared.PermStockPost:            "Post receipts and issues",
	shared.PermReconciliationView:   "View reconciliations",
}

// SeedDefaults makes sure the stock permissions and default roles exist.
func (s *Service) SeedDefaults(ctx context.Context) error {
	for _, name := range shared.StockScopes() {
		if _, err := s.store.EnsurePermission(ctx, name, permissionDescriptions[name]); err != nil {
			return err
		}
	}
	for name, perms := range defaultRoles {
		role, err := s.store.EnsureRole(ctx, name, "")
		if err != nil {
			return err
		}
		if err := s.store.SetRolePermissions(ctx, role.ID, perms); err != nil {
			return err
		}
	}
	return nil
}

// Assign grants a role at a location; nil locationID grants it everywhere.
func (s *Service) Assign(ctx context.Context, userID, roleID int64, locationID *int64) error {
	if userID == 0 || roleID == 0 {
		return errors.New("rbac: user and role required")
	}
	return s.store.Grant(ctx, Grant{UserID: userID, RoleID: roleID, LocationID: locationID})
}

// AssignRole grants the named role at a location; nil locationID grants it everywhere.
func (s *Service) AssignRole(ctx context.Context, userID int64, roleName string, locationID *int64) error {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(strings.ToLower(roleName)))
	if err != nil {
		return fmt.Errorf("rbac: role %q: %w", roleName, err)
	}
	if err := s.Assign(ctx, userID, role.ID, locationID); err != nil {
		return err
	}
	s.logger.Info("role assigned", slog.Int64("user_id", userID), slog.String("role", role.Name))
	return nil
}

// Unassign removes a grant.
func (s *Service) Unassign(ctx context.Context, userID, roleID int64, locationID *int64) error {
	return s.store.Revoke(ctx, Grant{UserID: userID, RoleID: roleID, LocationID: locationID})
}

// EffectivePermissions returns deduplicated permission names for a user at a location.
func (s *Service) EffectivePermissions(ctx context.Context, userID, locationID int64) ([]string, error) {
	rows, err := s.store.LocationPermissions(ctx, userID, locationID)
	if err != nil {
		return nil, err
	}
	return normalizePermissions(rows), nil
}

// Can reports whether the user holds perm at the location.
func (s *Service) Can(ctx context.Context, userID, locationID int64, perm string) (bool, error) {
	if userID == 0 {
		return false, nil
	}
	granted, err := s.EffectivePermissions(ctx, userID, locationID)
	if err != nil {
		s.logger.Error("rbac lookup", slog.Int64("actor_id", userID), slog.Int64("location_id", locationID), slog.Any("error", err))
		return false, err
	}
	return hasAnyPermission(granted, normalizePermissions([]string{perm})), nil
}

// CanApprove implements shared.Authorizer.
func (s *Service) CanApprove(ctx context.Context, actorID, locationID int64) (bool, error) {
	return s.Can(ctx, actorID, locationID, shared.PermTransfersApprove)
}

// CanSaveAdjustments implements shared.Authorizer.
func (s *Service) CanSaveAdjustments(ctx context.Context, actorID, locationID int64) (bool, error) {
	return s.Can(ctx, actorID, locationID, shared.PermReconciliationAdjust)
}

// CanClosePeriod implements shared.Authorizer.
func (s *Service) CanClosePeriod(ctx context.Context, actorID, locationID int64) (bool, error) {
	return s.Can(ctx, actorID, locationID, shared.PermPeriodsClose)
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[p] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
