package rbac

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type memoryStore struct {
	nextID      int64
	permissions map[string]Permission
	roles       map[string]Role
	rolePerms   map[int64][]string
	grants      []Grant
}

func newMemoryStore() *memoryStore {
	return &memoryStore{permissions: map[string]Permission{}, roles: map[string]Role{}, rolePerms: map[int64][]string{}}
}

func (m *memoryStore) EnsurePermission(_ context.Context, name, description string) (Permission, error) {
	if p, ok := m.permissions[name]; ok {
		return p, nil
	}
	m.nextID++
	p := Permission{ID: m.nextID, Name: name, Description: description}
	m.permissions[name] = p
	return p, nil
}

func (m *memoryStore) EnsureRole(_ context.Context, name, description string) (Role, error) {
	if r, ok := m.roles[name]; ok {
		return r, nil
	}
	m.nextID++
	r := Role{ID: m.nextID, Name: name, Description: description}
	m.roles[name] = r
	return r, nil
}

func (m *memoryStore) SetRolePermissions(_ context.Context, roleID int64, names []string) error {
	m.rolePerms[roleID] = append([]string(nil), names...)
	return nil
}

func (m *memoryStore) Grant(_ context.Context, g Grant) error {
	m.grants = append(m.grants, g)
	return nil
}

func (m *memoryStore) Revoke(_ context.Context, g Grant) error {
	for i, existing := range m.grants {
		if existing.UserID == g.UserID && existing.RoleID == g.RoleID && sameLocation(existing.LocationID, g.LocationID) {
			m.grants = append(m.grants[:i], m.grants[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryStore) LocationPermissions(_ context.Context, userID, locationID int64) ([]string, error) {
	var out []string
	for _, g := range m.grants {
		if g.UserID != userID {
			continue
		}
		if !g.AllLocations() && *g.LocationID != locationID {
			continue
		}
		out = append(out, m.rolePerms[g.RoleID]...)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryStore) GetRole(_ context.Context, name string) (Role, error) {
	r, ok := m.roles[name]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func sameLocation(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func loc(id int64) *int64 { return &id }

func seeded(t *testing.T) (*Service, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	svc := NewService(store, nil)
	require.NoError(t, svc.SeedDefaults(context.Background()))
	return svc, store
}

func TestSeedDefaultsCreatesStockPermissions(t *testing.T) {
	_, store := seeded(t)
	for _, name := range shared.StockScopes() {
		require.Contains(t, store.permissions, name)
	}
	controller := store.roles[RoleController]
	require.ElementsMatch(t, shared.StockScopes(), store.rolePerms[controller.ID])
}

func TestCapabilitiesAreLocationScoped(t *testing.T) {
	svc, store := seeded(t)
	ctx := context.Background()
	supervisor := store.roles[RoleSupervisor]
	require.NoError(t, svc.Assign(ctx, 7, supervisor.ID, loc(1)))

	ok, err := svc.CanApprove(ctx, 7, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CanApprove(ctx, 7, 2)
	require.NoError(t, err)
	require.False(t, ok, "grant at kitchen does not reach the store")

	ok, err = svc.CanClosePeriod(ctx, 7, 1)
	require.NoError(t, err)
	require.False(t, ok, "supervisors cannot close periods")

	ok, err = svc.CanSaveAdjustments(ctx, 7, 1)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnscopedGrantCoversEveryLocation(t *testing.T) {
	svc, store := seeded(t)
	ctx := context.Background()
	require.NoError(t, svc.Assign(ctx, 9, store.roles[RoleController].ID, nil))

	for _, location := range []int64{1, 2, 300} {
		ok, err := svc.CanClosePeriod(ctx, 9, location)
		require.NoError(t, err)
		require.True(t, ok)
	}

	perms, err := svc.EffectivePermissions(ctx, 9, 1)
	require.NoError(t, err)
	require.Len(t, perms, len(shared.StockScopes()))
}

func TestUnassignRemovesCapability(t *testing.T) {
	svc, store := seeded(t)
	ctx := context.Background()
	role := store.roles[RoleStorekeeper].ID
	require.NoError(t, svc.Assign(ctx, 3, role, loc(4)))
	require.NoError(t, svc.Unassign(ctx, 3, role, loc(4)))
	require.ErrorIs(t, svc.Unassign(ctx, 3, role, loc(4)), ErrNotFound)

	perms, err := svc.EffectivePermissions(ctx, 3, 4)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestAnonymousActorHasNothing(t *testing.T) {
	svc, _ := seeded(t)
	ok, err := svc.CanApprove(context.Background(), 0, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Error(t, svc.Assign(context.Background(), 0, 1, nil))
}

func TestNormalizePermissions(t *testing.T) {
	require.Equal(t, []string{"stock.a", "stock.b"}, normalizePermissions([]string{" Stock.A", "stock.b", "stock.a", ""}))
	require.True(t, hasAnyPermission([]string{"x"}, nil))
	require.False(t, hasAnyPermission(nil, []string{"x"}))
}

func TestAssignRoleByName(t *testing.T) {
	svc := NewService(newMemoryStore(), nil)
	ctx := context.Background()
	require.NoError(t, svc.SeedDefaults(ctx))

	loc := int64(3)
	require.NoError(t, svc.AssignRole(ctx, 12, " Supervisor ", &loc))
	ok, err := svc.CanApprove(ctx, 12, 3)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.CanClosePeriod(ctx, 12, 3)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, svc.AssignRole(ctx, 12, "auditor", nil), ErrNotFound)
}
