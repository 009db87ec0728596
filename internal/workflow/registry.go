package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/model"
)

// Registry registers workflow routing rules and deploys their BPMN
// definitions, resolving the per-task queue routes on deployment.
type Registry struct {
	store  MetadataStore
	engine engine.Adapter
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a workflow registry.
func NewRegistry(store MetadataStore, eng engine.Adapter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		engine: eng,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register stores the candidate-group mappings of a process definition.
func (r *Registry) Register(ctx context.Context, subjectID string, req model.RegisterWorkflowRequest) (model.WorkflowMetadata, error) {
	// 1. Validate identifiers and mappings.
	if err := validateRegistration(req); err != nil {
		return model.WorkflowMetadata{}, err
	}

	// 2. Build the record.
	now := r.now()
	meta := model.WorkflowMetadata{
		ID:                     uuid.NewString(),
		ProcessDefinitionKey:   req.ProcessDefinitionKey,
		ProcessName:            req.ProcessName,
		Description:            req.Description,
		BusinessApp:            req.BusinessApp,
		Version:                1,
		CandidateGroupMappings: req.CandidateGroupMappings,
		TaskRoutes:             []model.TaskRoute{},
		Metadata:               req.Metadata,
		Active:                 true,
		CreatedBy:              subjectID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	// 3. Persist; the store rejects duplicate keys.
	if err := r.store.Create(ctx, meta); err != nil {
		return model.WorkflowMetadata{}, err
	}

	r.logger.Info("workflow registered",
		zap.String("process_definition_key", meta.ProcessDefinitionKey),
		zap.String("business_app", meta.BusinessApp),
		zap.Int("mappings", len(meta.CandidateGroupMappings)),
	)
	return meta, nil
}

// Deploy sends the BPMN document to the engine and rebuilds the task routes
// from the user tasks of the deployed definition.
func (r *Registry) Deploy(ctx context.Context, req model.DeployWorkflowRequest) (model.WorkflowMetadata, error) {
	// 1. Load active metadata.
	meta, err := r.store.GetActive(ctx, req.ProcessDefinitionKey)
	if err != nil {
		return model.WorkflowMetadata{}, err
	}

	// 2. The document must define the registered process.
	def, err := engine.ParseBPMN(req.BPMNXML)
	if err != nil {
		return model.WorkflowMetadata{}, err
	}
	if def.Key != meta.ProcessDefinitionKey {
		return model.WorkflowMetadata{}, model.NewValidationError([]model.FieldError{{
			Field:   "bpmn_xml",
			Code:    "PROCESS_KEY_MISMATCH",
			Message: fmt.Sprintf("document defines process %q, expected %q", def.Key, meta.ProcessDefinitionKey),
		}})
	}

	// 3. Deploy.
	name := req.DeploymentName
	if name == "" {
		name = meta.ProcessName
	}
	dep, err := r.engine.Deploy(ctx, name, meta.ProcessDefinitionKey+".bpmn20.xml", req.BPMNXML)
	if err != nil {
		return model.WorkflowMetadata{}, err
	}

	// 4. Resolve routes from the deployed definition.
	tasks, err := r.engine.GetBPMNUserTasks(ctx, dep.ProcessDefinitionID)
	if err != nil {
		return model.WorkflowMetadata{}, err
	}
	routes := BuildTaskRoutes(tasks, meta.CandidateGroupMappings)
	for _, route := range routes {
		if route.Queue == model.DefaultQueue {
			r.logger.Warn("task has no queue mapping, routed to default queue",
				zap.String("process_definition_key", meta.ProcessDefinitionKey),
				zap.String("task_definition_key", route.TaskDefinitionKey),
				zap.Strings("candidate_groups", route.CandidateGroups),
			)
		}
	}

	// 5. Record the deployment. Redeployments bump the version.
	if meta.Deployed {
		meta.Version++
	}
	meta.TaskRoutes = routes
	meta.Deployed = true
	meta.DeploymentID = dep.ID
	meta.ProcessDefinitionID = dep.ProcessDefinitionID
	meta.UpdatedAt = r.now()
	if err := r.store.Update(ctx, meta); err != nil {
		return model.WorkflowMetadata{}, err
	}

	r.logger.Info("workflow deployed",
		zap.String("process_definition_key", meta.ProcessDefinitionKey),
		zap.String("deployment_id", dep.ID),
		zap.Int("version", meta.Version),
		zap.Int("routes", len(routes)),
	)
	return meta, nil
}

// Get returns metadata regardless of the active flag.
func (r *Registry) Get(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error) {
	return r.store.Get(ctx, processDefinitionKey)
}

// GetActive returns active metadata.
func (r *Registry) GetActive(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error) {
	return r.store.GetActive(ctx, processDefinitionKey)
}

// Deactivate retires a workflow. Its projected tasks remain queryable.
func (r *Registry) Deactivate(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error) {
	if err := r.store.Deactivate(ctx, processDefinitionKey); err != nil {
		return model.WorkflowMetadata{}, err
	}
	r.logger.Info("workflow deactivated", zap.String("process_definition_key", processDefinitionKey))
	return r.store.Get(ctx, processDefinitionKey)
}

// ActiveForBusinessApp lists the active workflows of an application, oldest first.
func (r *Registry) ActiveForBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return r.store.ListActive(ctx, businessApp)
}

// ForBusinessApp lists every workflow an application ever registered,
// deactivated ones included.
func (r *Registry) ForBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error) {
	return r.store.ListByBusinessApp(ctx, businessApp)
}

func validateRegistration(req model.RegisterWorkflowRequest) error {
	var details []model.FieldError
	if strings.TrimSpace(req.ProcessDefinitionKey) == "" {
		details = append(details, model.FieldError{Field: "process_definition_key", Code: "REQUIRED", Message: "is required"})
	} else if strings.Contains(req.ProcessDefinitionKey, model.KindSeparator) {
		details = append(details, model.FieldError{Field: "process_definition_key", Code: "INVALID", Message: "must not contain " + model.KindSeparator})
	}
	if strings.TrimSpace(req.BusinessApp) == "" {
		details = append(details, model.FieldError{Field: "business_app", Code: "REQUIRED", Message: "is required"})
	} else if strings.Contains(req.BusinessApp, model.KindSeparator) {
		details = append(details, model.FieldError{Field: "business_app", Code: "INVALID", Message: "must not contain " + model.KindSeparator})
	}
	if strings.TrimSpace(req.ProcessName) == "" {
		details = append(details, model.FieldError{Field: "process_name", Code: "REQUIRED", Message: "is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}

	if len(req.CandidateGroupMappings) == 0 {
		return model.NewInvalidMappingsError("at least one candidate group to queue mapping is required")
	}
	for group, queue := range req.CandidateGroupMappings {
		if strings.TrimSpace(group) == "" || strings.TrimSpace(queue) == "" {
			return model.NewInvalidMappingsError("candidate groups and queues must be non-empty")
		}
	}
	return nil
}
