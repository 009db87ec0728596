package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// Service is the user and role directory used by the HTTP surface and by
// principal assembly.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []func(userID, businessApp string)
}

// NewService creates a directory service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnRolesChanged registers fn to run after a user's roles in an application
// change.
func (s *Service) OnRolesChanged(fn func(userID, businessApp string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// GetUser returns a user.
func (s *Service) GetUser(ctx context.Context, userID string) (model.User, error) {
	return s.store.GetUser(ctx, userID)
}

// BusinessApp returns a business application.
func (s *Service) BusinessApp(ctx context.Context, name string) (model.BusinessApp, error) {
	return s.store.GetBusinessApp(ctx, name)
}

// ListRoles lists the active roles of an existing business application.
func (s *Service) ListRoles(ctx context.Context, businessApp string) ([]model.AppRole, error) {
	if _, err := s.store.GetBusinessApp(ctx, businessApp); err != nil {
		return nil, err
	}
	return s.store.ListRoles(ctx, businessApp)
}

// UserRoles lists a user's active roles in a business application. Both the
// user and the application must exist.
func (s *Service) UserRoles(ctx context.Context, userID, businessApp string) (model.UserRoles, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return model.UserRoles{}, err
	}
	if _, err := s.store.GetBusinessApp(ctx, businessApp); err != nil {
		return model.UserRoles{}, err
	}
	roles, err := s.store.UserRoles(ctx, userID, businessApp)
	if err != nil {
		return model.UserRoles{}, err
	}
	return model.UserRoles{UserID: userID, BusinessApp: businessApp, Roles: roles}, nil
}

// AssignRoles grants roles to a user. Every named role must exist and be
// active; otherwise nothing is assigned.
func (s *Service) AssignRoles(ctx context.Context, userID string, req model.RoleChangeRequest) (model.UserRoles, error) {
	logger := observability.RequestLogger(ctx, s.logger)

	if err := validateRoleChange(req); err != nil {
		return model.UserRoles{}, err
	}
	if _, err := s.UserRoles(ctx, userID, req.BusinessApp); err != nil {
		return model.UserRoles{}, err
	}

	added, err := s.store.AssignRoles(ctx, userID, req.BusinessApp, req.RoleNames, s.now())
	if err != nil {
		return model.UserRoles{}, err
	}
	if added > 0 {
		logger.Info("roles assigned",
			zap.String("user_id", userID),
			zap.String("business_app", req.BusinessApp),
			zap.Int("count", added),
		)
		s.notify(userID, req.BusinessApp)
	}
	return s.UserRoles(ctx, userID, req.BusinessApp)
}

// RemoveRoles revokes roles from a user. Roles the user does not hold are
// ignored.
func (s *Service) RemoveRoles(ctx context.Context, userID string, req model.RoleChangeRequest) (model.UserRoles, error) {
	logger := observability.RequestLogger(ctx, s.logger)

	if err := validateRoleChange(req); err != nil {
		return model.UserRoles{}, err
	}
	if _, err := s.UserRoles(ctx, userID, req.BusinessApp); err != nil {
		return model.UserRoles{}, err
	}

	removed, err := s.store.RemoveRoles(ctx, userID, req.BusinessApp, req.RoleNames)
	if err != nil {
		return model.UserRoles{}, err
	}
	if removed == 0 {
		logger.Warn("no active role assignments to remove",
			zap.String("user_id", userID),
			zap.String("business_app", req.BusinessApp),
		)
	} else {
		logger.Info("roles removed",
			zap.String("user_id", userID),
			zap.String("business_app", req.BusinessApp),
			zap.Int("count", removed),
		)
		s.notify(userID, req.BusinessApp)
	}
	return s.UserRoles(ctx, userID, req.BusinessApp)
}

func (s *Service) notify(userID, businessApp string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(userID, businessApp)
	}
}

func validateRoleChange(req model.RoleChangeRequest) error {
	var details []model.FieldError
	if req.BusinessApp == "" {
		details = append(details, model.FieldError{Field: "business_app", Code: "REQUIRED", Message: "business_app is required"})
	}
	if len(req.RoleNames) == 0 {
		details = append(details, model.FieldError{Field: "role_names", Code: "REQUIRED", Message: "at least one role name is required"})
	}
	for _, name := range req.RoleNames {
		if strings.TrimSpace(name) == "" {
			details = append(details, model.FieldError{Field: "role_names", Code: "INVALID", Message: "role names must not be empty"})
			break
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func unknownRolesError(businessApp string, missing []string) error {
	return model.NewNotFoundError(fmt.Sprintf("roles %s not found in business application %q",
		strings.Join(missing, ", "), businessApp))
}
