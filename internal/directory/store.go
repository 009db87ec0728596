// Package directory holds users, business applications and the roles users
// hold within them. Policy principals are assembled from it.
package directory

import (
	"context"
	"time"

	"github.com/pitabwire/taskgate/model"
)

// Store persists directory data. Role lookups only return active roles and
// active assignments.
type Store interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	GetBusinessApp(ctx context.Context, name string) (model.BusinessApp, error)
	// ListRoles lists the active roles of a business application.
	ListRoles(ctx context.Context, businessApp string) ([]model.AppRole, error)
	// UserRoles lists the active roles a user holds in a business application.
	UserRoles(ctx context.Context, userID, businessApp string) ([]model.AppRole, error)
	// AssignRoles activates assignments for the named roles and reports how
	// many were newly activated. Roles must already exist.
	AssignRoles(ctx context.Context, userID, businessApp string, roleNames []string, at time.Time) (int, error)
	// RemoveRoles deactivates assignments and reports how many changed.
	RemoveRoles(ctx context.Context, userID, businessApp string, roleNames []string) (int, error)
}
