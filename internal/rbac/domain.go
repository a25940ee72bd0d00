package rbac

import "time"

// Role represents a high-level permission grouping.
type Role struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Description string
}

// Grant links a user to a role at one location, or at every location when
// LocationID is nil.
type Grant struct {
	UserID     int64
	RoleID     int64
	LocationID *int64
	CreatedAt  time.Time
}

// AllLocations reports whether the grant is unscoped.
func (g Grant) AllLocations() bool {
	return g.LocationID == nil
}
