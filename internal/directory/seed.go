package directory

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/taskgate/model"
)

type seedFile struct {
	BusinessApps []seedApp  `yaml:"business_apps"`
	Users        []seedUser `yaml:"users"`
}

type seedApp struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Metadata    map[string]any `yaml:"metadata"`
	Roles       []seedRole     `yaml:"roles"`
}

type seedRole struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
}

type seedUser struct {
	ID         string              `yaml:"id"`
	Username   string              `yaml:"username"`
	Email      string              `yaml:"email"`
	FirstName  string              `yaml:"first_name"`
	LastName   string              `yaml:"last_name"`
	Attributes map[string]any      `yaml:"attributes"`
	Roles      map[string][]string `yaml:"roles"`
}

// LoadSeed fills a memory store from a YAML file of business apps, roles and
// users. Role assignments refer to roles declared in the same file.
func LoadSeed(path string, store *MemoryStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("directory: reading seed file %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("directory: parsing seed file %s: %w", path, err)
	}

	now := time.Now().UTC()
	for _, a := range seed.BusinessApps {
		if a.Name == "" {
			return fmt.Errorf("directory: seed business app without a name")
		}
		store.PutBusinessApp(model.BusinessApp{
			ID:          uuid.NewString(),
			Name:        a.Name,
			Description: a.Description,
			Active:      true,
			Metadata:    a.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		for _, r := range a.Roles {
			store.PutRole(model.AppRole{
				ID:          uuid.NewString(),
				BusinessApp: a.Name,
				Name:        r.Name,
				DisplayName: r.DisplayName,
				Description: r.Description,
				Active:      true,
			})
		}
	}

	for _, u := range seed.Users {
		if u.ID == "" {
			return fmt.Errorf("directory: seed user without an id")
		}
		username := u.Username
		if username == "" {
			username = u.ID
		}
		store.PutUser(model.User{
			ID:         u.ID,
			Username:   username,
			Email:      u.Email,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Attributes: u.Attributes,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		for app, roles := range u.Roles {
			if _, err := store.AssignRoles(context.Background(), u.ID, app, roles, now); err != nil {
				return fmt.Errorf("directory: seeding roles of %s: %w", u.ID, err)
			}
		}
	}
	return nil
}
