// Package workflow owns the workflow metadata: the candidate-group routing
// rules registered per process definition and the task routes resolved when
// the definition is deployed.
package workflow

import (
	"context"

	"github.com/pitabwire/taskgate/model"
)

// MetadataStore persists workflow metadata. Records are never deleted, only
// deactivated.
type MetadataStore interface {
	// Create persists new metadata. Returns WORKFLOW_ALREADY_EXISTS if the
	// process definition key is taken.
	Create(ctx context.Context, meta model.WorkflowMetadata) error

	// Get retrieves metadata by process definition key regardless of the
	// active flag. Returns WORKFLOW_NOT_FOUND if absent.
	Get(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)

	// GetActive retrieves active metadata by process definition key.
	// Returns WORKFLOW_NOT_FOUND if absent or deactivated.
	GetActive(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)

	// Update replaces stored metadata. Returns WORKFLOW_NOT_FOUND if absent.
	Update(ctx context.Context, meta model.WorkflowMetadata) error

	// ListActive returns the active metadata of a business application in
	// creation order.
	ListActive(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error)

	// ListByBusinessApp returns every workflow of a business application,
	// deactivated ones included, in creation order.
	ListByBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error)

	// Deactivate clears the active flag.
	Deactivate(ctx context.Context, processDefinitionKey string) error
}
