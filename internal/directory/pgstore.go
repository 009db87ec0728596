package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/taskgate/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL directory store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// GetUser returns a user by id.
func (s *PgStore) GetUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	var email, first, last *string
	var attrs []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, first_name, last_name, attributes, created_at, updated_at
		FROM users
		WHERE id = $1 AND active = TRUE`,
		userID,
	).Scan(&u.ID, &u.Username, &email, &first, &last, &attrs, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.NewUserNotFoundError(userID)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Email, u.FirstName, u.LastName = deref(email), deref(first), deref(last)
	if err := unmarshalMap(attrs, &u.Attributes); err != nil {
		return model.User{}, fmt.Errorf("decode user attributes: %w", err)
	}
	return u, nil
}

// GetBusinessApp returns a business application by name.
func (s *PgStore) GetBusinessApp(ctx context.Context, name string) (model.BusinessApp, error) {
	var app model.BusinessApp
	var desc *string
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, active, metadata, created_at, updated_at
		FROM business_applications
		WHERE name = $1`,
		name,
	).Scan(&app.ID, &app.Name, &desc, &app.Active, &meta, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BusinessApp{}, model.NewBusinessAppNotFoundError(name)
	}
	if err != nil {
		return model.BusinessApp{}, fmt.Errorf("get business app: %w", err)
	}
	app.Description = deref(desc)
	if err := unmarshalMap(meta, &app.Metadata); err != nil {
		return model.BusinessApp{}, fmt.Errorf("decode business app metadata: %w", err)
	}
	return app, nil
}

const roleColumns = `r.id, r.business_app, r.role_name, r.display_name, r.description, r.active, r.metadata`

// ListRoles lists the active roles of an application.
func (s *PgStore) ListRoles(ctx context.Context, businessApp string) ([]model.AppRole, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM business_app_roles r
		WHERE r.business_app = $1 AND r.active = TRUE
		ORDER BY r.role_name`,
		businessApp,
	)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return collectRoles(rows)
}

// UserRoles lists the active roles a user holds.
func (s *PgStore) UserRoles(ctx context.Context, userID, businessApp string) ([]model.AppRole, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+roleColumns+`
		FROM business_app_roles r
		JOIN user_business_app_roles a
		  ON a.business_app = r.business_app AND a.role_name = r.role_name
		WHERE a.user_id = $1 AND r.business_app = $2
		  AND r.active = TRUE AND a.active = TRUE
		ORDER BY r.role_name`,
		userID, businessApp,
	)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	return collectRoles(rows)
}

// AssignRoles activates role assignments in one transaction.
func (s *PgStore) AssignRoles(ctx context.Context, userID, businessApp string, roleNames []string, at time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin assign roles: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT role_name FROM business_app_roles
		WHERE business_app = $1 AND role_name = ANY($2) AND active = TRUE`,
		businessApp, roleNames,
	)
	if err != nil {
		return 0, fmt.Errorf("lookup roles: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("lookup roles: %w", err)
	}
	if missing := difference(roleNames, found); len(missing) > 0 {
		return 0, unknownRolesError(businessApp, missing)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO user_business_app_roles (user_id, business_app, role_name, active, assigned_at)
		SELECT $1, $2, unnest($3::text[]), TRUE, $4
		ON CONFLICT (user_id, business_app, role_name)
		DO UPDATE SET active = TRUE, assigned_at = EXCLUDED.assigned_at
		WHERE user_business_app_roles.active = FALSE`,
		userID, businessApp, roleNames, at,
	)
	if err != nil {
		return 0, fmt.Errorf("assign roles: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit assign roles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemoveRoles deactivates role assignments.
func (s *PgStore) RemoveRoles(ctx context.Context, userID, businessApp string, roleNames []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_business_app_roles
		SET active = FALSE
		WHERE user_id = $1 AND business_app = $2 AND role_name = ANY($3) AND active = TRUE`,
		userID, businessApp, roleNames,
	)
	if err != nil {
		return 0, fmt.Errorf("remove roles: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectRoles(rows pgx.Rows) ([]model.AppRole, error) {
	defer rows.Close()

	out := []model.AppRole{}
	for rows.Next() {
		var r model.AppRole
		var display, desc *string
		var meta []byte
		if err := rows.Scan(&r.ID, &r.BusinessApp, &r.Name, &display, &desc, &r.Active, &meta); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		r.DisplayName, r.Description = deref(display), deref(desc)
		if err := unmarshalMap(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode role metadata: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return out, nil
}

func unmarshalMap(data []byte, out *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func difference(want, have []string) []string {
	seen := make(map[string]bool, len(have))
	for _, h := range have {
		seen[h] = true
	}
	var out []string
	for _, w := range want {
		if !seen[w] {
			out = append(out, w)
		}
	}
	return out
}
