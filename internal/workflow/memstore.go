package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/taskgate/model"
)

// MemoryMetadataStore is an in-memory MetadataStore for testing and local runs.
type MemoryMetadataStore struct {
	mu    sync.RWMutex
	items map[string]model.WorkflowMetadata // key: process definition key
}

// NewMemoryMetadataStore creates a new in-memory metadata store.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		items: make(map[string]model.WorkflowMetadata),
	}
}

// Create persists new metadata.
func (s *MemoryMetadataStore) Create(_ context.Context, meta model.WorkflowMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[meta.ProcessDefinitionKey]; exists {
		return model.NewWorkflowExistsError(meta.ProcessDefinitionKey)
	}
	s.items[meta.ProcessDefinitionKey] = cloneMetadata(meta)
	return nil
}

// Get retrieves metadata by key.
func (s *MemoryMetadataStore) Get(_ context.Context, key string) (model.WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.items[key]
	if !exists {
		return model.WorkflowMetadata{}, model.NewWorkflowNotFoundError(key)
	}
	return cloneMetadata(meta), nil
}

// GetActive retrieves active metadata by key.
func (s *MemoryMetadataStore) GetActive(_ context.Context, key string) (model.WorkflowMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, exists := s.items[key]
	if !exists || !meta.Active {
		return model.WorkflowMetadata{}, model.NewWorkflowNotFoundError(key)
	}
	return cloneMetadata(meta), nil
}

// Update replaces stored metadata.
func (s *MemoryMetadataStore) Update(_ context.Context, meta model.WorkflowMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[meta.ProcessDefinitionKey]; !exists {
		return model.NewWorkflowNotFoundError(meta.ProcessDefinitionKey)
	}
	meta.UpdatedAt = time.Now().UTC()
	s.items[meta.ProcessDefinitionKey] = cloneMetadata(meta)
	return nil
}

// ListActive returns the active metadata of a business application, oldest
// first.
func (s *MemoryMetadataStore) ListActive(_ context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return s.list(businessApp, true), nil
}

// ListByBusinessApp returns all metadata of a business application, oldest
// first, whatever its active flag.
func (s *MemoryMetadataStore) ListByBusinessApp(_ context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return s.list(businessApp, false), nil
}

func (s *MemoryMetadataStore) list(businessApp string, activeOnly bool) []model.WorkflowMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowMetadata
	for _, meta := range s.items {
		if meta.BusinessApp != businessApp || (activeOnly && !meta.Active) {
			continue
		}
		result = append(result, cloneMetadata(meta))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ProcessDefinitionKey < result[j].ProcessDefinitionKey
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Deactivate clears the active flag.
func (s *MemoryMetadataStore) Deactivate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, exists := s.items[key]
	if !exists {
		return model.NewWorkflowNotFoundError(key)
	}
	meta.Active = false
	meta.UpdatedAt = time.Now().UTC()
	s.items[key] = meta
	return nil
}

// Len returns the number of stored records. For testing.
func (s *MemoryMetadataStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func cloneMetadata(meta model.WorkflowMetadata) model.WorkflowMetadata {
	out := meta
	if meta.CandidateGroupMappings != nil {
		out.CandidateGroupMappings = make(map[string]string, len(meta.CandidateGroupMappings))
		for k, v := range meta.CandidateGroupMappings {
			out.CandidateGroupMappings[k] = v
		}
	}
	if meta.TaskRoutes != nil {
		out.TaskRoutes = make([]model.TaskRoute, len(meta.TaskRoutes))
		for i, r := range meta.TaskRoutes {
			r.CandidateGroups = append([]string(nil), r.CandidateGroups...)
			out.TaskRoutes[i] = r
		}
	}
	if meta.Metadata != nil {
		out.Metadata = make(map[string]any, len(meta.Metadata))
		for k, v := range meta.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
