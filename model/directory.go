package model

import "time"

// User is a directory user. Attributes are free-form and flow into the
// principal unchanged.
type User struct {
	ID         string         `json:"id"`
	Username   string         `json:"username"`
	Email      string         `json:"email,omitempty"`
	FirstName  string         `json:"first_name,omitempty"`
	LastName   string         `json:"last_name,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// BusinessApp is a tenant-like grouping of workflows, roles and users.
type BusinessApp struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AppRole is a role defined within one business application.
type AppRole struct {
	ID          string         `json:"id"`
	BusinessApp string         `json:"business_app"`
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RoleAssignment binds a user to an application role.
type RoleAssignment struct {
	UserID      string    `json:"user_id"`
	BusinessApp string    `json:"business_app"`
	RoleName    string    `json:"role_name"`
	AssignedAt  time.Time `json:"assigned_at"`
}

// UserRoles lists the roles a user holds in one business application.
type UserRoles struct {
	UserID      string    `json:"user_id"`
	BusinessApp string    `json:"business_app"`
	Roles       []AppRole `json:"roles"`
}

// RoleChangeRequest adds or removes role assignments.
type RoleChangeRequest struct {
	BusinessApp string   `json:"business_app"`
	RoleNames   []string `json:"role_names"`
}
