package directory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/taskgate/model"
)

type assignmentKey struct {
	userID      string
	businessApp string
	roleName    string
}

type assignment struct {
	active     bool
	assignedAt time.Time
}

// MemoryStore is an in-memory Store for testing and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]model.User
	apps        map[string]model.BusinessApp
	roles       map[string]map[string]model.AppRole
	assignments map[assignmentKey]assignment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]model.User),
		apps:        make(map[string]model.BusinessApp),
		roles:       make(map[string]map[string]model.AppRole),
		assignments: make(map[assignmentKey]assignment),
	}
}

// PutUser inserts or replaces a user.
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Attributes = maps.Clone(u.Attributes)
	s.users[u.ID] = u
}

// PutBusinessApp inserts or replaces a business application.
func (s *MemoryStore) PutBusinessApp(app model.BusinessApp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app.Metadata = maps.Clone(app.Metadata)
	s.apps[app.Name] = app
}

// PutRole inserts or replaces an application role.
func (s *MemoryStore) PutRole(role model.AppRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[role.BusinessApp] == nil {
		s.roles[role.BusinessApp] = make(map[string]model.AppRole)
	}
	role.Metadata = maps.Clone(role.Metadata)
	s.roles[role.BusinessApp][role.Name] = role
}

// GetUser returns a user by id.
func (s *MemoryStore) GetUser(_ context.Context, userID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return model.User{}, model.NewUserNotFoundError(userID)
	}
	u.Attributes = maps.Clone(u.Attributes)
	return u, nil
}

// GetBusinessApp returns a business application by name.
func (s *MemoryStore) GetBusinessApp(_ context.Context, name string) (model.BusinessApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[name]
	if !ok {
		return model.BusinessApp{}, model.NewBusinessAppNotFoundError(name)
	}
	app.Metadata = maps.Clone(app.Metadata)
	return app, nil
}

// ListRoles lists the active roles of an application by name.
func (s *MemoryStore) ListRoles(_ context.Context, businessApp string) ([]model.AppRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.AppRole{}
	for _, r := range s.roles[businessApp] {
		if r.Active {
			out = append(out, r)
		}
	}
	sortRoles(out)
	return out, nil
}

// UserRoles lists the active roles a user holds.
func (s *MemoryStore) UserRoles(_ context.Context, userID, businessApp string) ([]model.AppRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.AppRole{}
	for name, r := range s.roles[businessApp] {
		a := s.assignments[assignmentKey{userID, businessApp, name}]
		if r.Active && a.active {
			out = append(out, r)
		}
	}
	sortRoles(out)
	return out, nil
}

// AssignRoles activates role assignments.
func (s *MemoryStore) AssignRoles(_ context.Context, userID, businessApp string, roleNames []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, name := range roleNames {
		if r, ok := s.roles[businessApp][name]; !ok || !r.Active {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return 0, unknownRolesError(businessApp, missing)
	}

	added := 0
	for _, name := range roleNames {
		key := assignmentKey{userID, businessApp, name}
		if s.assignments[key].active {
			continue
		}
		s.assignments[key] = assignment{active: true, assignedAt: at}
		added++
	}
	return added, nil
}

// RemoveRoles deactivates role assignments.
func (s *MemoryStore) RemoveRoles(_ context.Context, userID, businessApp string, roleNames []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, name := range roleNames {
		key := assignmentKey{userID, businessApp, name}
		a, ok := s.assignments[key]
		if !ok || !a.active {
			continue
		}
		a.active = false
		s.assignments[key] = a
		removed++
	}
	return removed, nil
}

func sortRoles(roles []model.AppRole) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
}
