package workflow

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

const metadataColumns = `id, process_definition_key, process_name, description, business_app,
	version, candidate_group_mappings, task_queue_mappings, metadata,
	active, deployed, deployment_id, process_definition_id, created_by,
	created_at, updated_at`

// PgMetadataStore is a PostgreSQL-backed MetadataStore using pgx/v5.
type PgMetadataStore struct {
	pool *pgxpool.Pool
}

// NewPgMetadataStore creates a new PostgreSQL metadata store.
func NewPgMetadataStore(pool *pgxpool.Pool) *PgMetadataStore {
	return &PgMetadataStore{pool: pool}
}

// Create inserts new metadata.
func (s *PgMetadataStore) Create(ctx context.Context, meta model.WorkflowMetadata) error {
	mappingsJSON, routesJSON, extraJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_metadata (`+metadataColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (process_definition_key) DO NOTHING`,
		meta.ID, meta.ProcessDefinitionKey, meta.ProcessName, meta.Description, meta.BusinessApp,
		meta.Version, mappingsJSON, routesJSON, extraJSON,
		meta.Active, meta.Deployed, meta.DeploymentID, meta.ProcessDefinitionID, meta.CreatedBy,
		meta.CreatedAt, meta.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewWorkflowExistsError(meta.ProcessDefinitionKey)
	}
	return nil
}

// Get retrieves metadata by key.
func (s *PgMetadataStore) Get(ctx context.Context, key string) (model.WorkflowMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+metadataColumns+`
		FROM workflow_metadata
		WHERE process_definition_key = $1`,
		key,
	)
	return scanMetadata(row, key)
}

// GetActive retrieves active metadata by key.
func (s *PgMetadataStore) GetActive(ctx context.Context, key string) (model.WorkflowMetadata, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+metadataColumns+`
		FROM workflow_metadata
		WHERE process_definition_key = $1 AND active = TRUE`,
		key,
	)
	return scanMetadata(row, key)
}

// Update replaces stored metadata.
func (s *PgMetadataStore) Update(ctx context.Context, meta model.WorkflowMetadata) error {
	mappingsJSON, routesJSON, extraJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_metadata SET
			process_name = $1,
			description = $2,
			version = $3,
			candidate_group_mappings = $4,
			task_queue_mappings = $5,
			metadata = $6,
			active = $7,
			deployed = $8,
			deployment_id = $9,
			process_definition_id = $10,
			updated_at = $11
		WHERE process_definition_key = $12`,
		meta.ProcessName, meta.Description, meta.Version,
		mappingsJSON, routesJSON, extraJSON,
		meta.Active, meta.Deployed, meta.DeploymentID, meta.ProcessDefinitionID,
		time.Now().UTC(), meta.ProcessDefinitionKey,
	)
	if err != nil {
		return fmt.Errorf("update workflow metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewWorkflowNotFoundError(meta.ProcessDefinitionKey)
	}
	return nil
}

// ListActive returns the active metadata of a business application.
func (s *PgMetadataStore) ListActive(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return s.list(ctx, `
		SELECT `+metadataColumns+`
		FROM workflow_metadata
		WHERE business_app = $1 AND active = TRUE
		ORDER BY created_at ASC, process_definition_key ASC`,
		businessApp,
	)
}

// ListByBusinessApp returns all metadata of a business application,
// deactivated rows included.
func (s *PgMetadataStore) ListByBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return s.list(ctx, `
		SELECT `+metadataColumns+`
		FROM workflow_metadata
		WHERE business_app = $1
		ORDER BY created_at ASC, process_definition_key ASC`,
		businessApp,
	)
}

func (s *PgMetadataStore) list(ctx context.Context, query string, args ...any) ([]model.WorkflowMetadata, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow metadata: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows, "")
		if err != nil {
			return nil, err
		}
		result = append(result, meta)
	}
	return result, rows.Err()
}

// Deactivate clears the active flag.
func (s *PgMetadataStore) Deactivate(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_metadata SET active = FALSE, updated_at = $1
		WHERE process_definition_key = $2`,
		time.Now().UTC(), key,
	)
	if err != nil {
		return fmt.Errorf("deactivate workflow metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewWorkflowNotFoundError(key)
	}
	return nil
}

func marshalMetadata(meta model.WorkflowMetadata) (mappings, routes, extra []byte, err error) {
	if mappings, err = json.Marshal(meta.CandidateGroupMappings); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal candidate group mappings: %w", err)
	}
	taskRoutes := meta.TaskRoutes
	if taskRoutes == nil {
		taskRoutes = []model.TaskRoute{}
	}
	if routes, err = json.Marshal(taskRoutes); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal task routes: %w", err)
	}
	if extra, err = json.Marshal(meta.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return mappings, routes, extra, nil
}

func scanMetadata(row pgx.Row, key string) (model.WorkflowMetadata, error) {
	var meta model.WorkflowMetadata
	var mappingsJSON, routesJSON, extraJSON []byte
	var description, deploymentID, definitionID, createdBy *string

	err := row.Scan(
		&meta.ID, &meta.ProcessDefinitionKey, &meta.ProcessName, &description, &meta.BusinessApp,
		&meta.Version, &mappingsJSON, &routesJSON, &extraJSON,
		&meta.Active, &meta.Deployed, &deploymentID, &definitionID, &createdBy,
		&meta.CreatedAt, &meta.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowMetadata{}, model.NewWorkflowNotFoundError(key)
	}
	if err != nil {
		return model.WorkflowMetadata{}, fmt.Errorf("scan workflow metadata: %w", err)
	}

	meta.Description = deref(description)
	meta.DeploymentID = deref(deploymentID)
	meta.ProcessDefinitionID = deref(definitionID)
	meta.CreatedBy = deref(createdBy)

	if mappingsJSON != nil {
		if err := json.Unmarshal(mappingsJSON, &meta.CandidateGroupMappings); err != nil {
			return model.WorkflowMetadata{}, fmt.Errorf("unmarshal candidate group mappings: %w", err)
		}
	}
	if routesJSON != nil {
		if err := json.Unmarshal(routesJSON, &meta.TaskRoutes); err != nil {
			return model.WorkflowMetadata{}, fmt.Errorf("unmarshal task routes: %w", err)
		}
	}
	if extraJSON != nil {
		_ = json.Unmarshal(extraJSON, &meta.Metadata)
	}
	return meta, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
