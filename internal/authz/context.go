package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// ProcessReader is the part of the engine the context builder reads.
type ProcessReader interface {
	GetProcessDefinitionKey(ctx context.Context, processInstanceID string) (string, error)
	GetProcessVariables(ctx context.Context, processInstanceID string) (map[string]any, error)
}

// TaskReader is the part of the queue store the context builder reads.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (model.QueueTask, error)
	ListByProcessInstance(ctx context.Context, processInstanceID string) ([]model.QueueTask, error)
}

// WorkflowReader yields routing metadata.
type WorkflowReader interface {
	GetActive(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)
	ActiveForBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error)
}

// AppReader yields business applications.
type AppReader interface {
	BusinessApp(ctx context.Context, name string) (model.BusinessApp, error)
}

// ContextBuilder assembles the resource a policy decision is made on.
// Lookups of descriptive data degrade to empty attributes with a warning;
// only a missing root target is an error.
type ContextBuilder struct {
	processes ProcessReader
	tasks     TaskReader
	workflows WorkflowReader
	apps      AppReader
	logger    *zap.Logger
}

// NewContextBuilder creates a context builder.
func NewContextBuilder(processes ProcessReader, tasks TaskReader, workflows WorkflowReader, apps AppReader, logger *zap.Logger) *ContextBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextBuilder{
		processes: processes,
		tasks:     tasks,
		workflows: workflows,
		apps:      apps,
		logger:    logger,
	}
}

// Build dispatches on the target kind.
func (b *ContextBuilder) Build(ctx context.Context, target Target) (model.Resource, error) {
	if target.BusinessApp == "" || strings.Contains(target.BusinessApp, model.KindSeparator) {
		return model.Resource{}, model.NewValidationError([]model.FieldError{{
			Field:   "business_app",
			Code:    "INVALID",
			Message: fmt.Sprintf("business application %q is not a valid resource kind prefix", target.BusinessApp),
		}})
	}

	switch target.kind {
	case targetProcess:
		return b.ForProcess(ctx, target.BusinessApp, target.ProcessInstanceID, target.TaskID)
	case targetTask:
		return b.ForTask(ctx, target.BusinessApp, target.TaskID)
	case targetCreation:
		return b.ForCreation(ctx, target.BusinessApp, target.ProcessDefinitionKey, target.CreateRequest)
	case targetQueue:
		return b.ForQueue(ctx, target.BusinessApp, target.Queue)
	case targetWorkflowManagement:
		return b.ForWorkflowManagement(target.BusinessApp, target.ProcessDefinitionKey), nil
	default:
		return model.Resource{}, fmt.Errorf("authz: unknown target kind %d", target.kind)
	}
}

// ForProcess builds the context of a running instance. taskID is optional;
// when set and projected, it becomes currentTask.
func (b *ContextBuilder) ForProcess(ctx context.Context, businessApp, processInstanceID, taskID string) (model.Resource, error) {
	// 1. Definition key from the engine; a missing instance is fatal.
	key, err := b.processes.GetProcessDefinitionKey(ctx, processInstanceID)
	if err != nil {
		return model.Resource{}, err
	}
	return b.build(ctx, businessApp, key, processInstanceID, taskID), nil
}

// ForTask builds the context of a projected task. The queue row is the only
// link from a task id to its instance, so an unprojected task is
// TASK_NOT_FOUND here; use ProcessTarget(...).WithTask when the instance is
// already known and currentTask may be omitted.
func (b *ContextBuilder) ForTask(ctx context.Context, businessApp, taskID string) (model.Resource, error) {
	task, err := b.tasks.Get(ctx, taskID)
	if err != nil {
		return model.Resource{}, err
	}
	return b.ForProcess(ctx, businessApp, task.ProcessInstanceID, taskID)
}

// ForCreation builds the context for starting a process. There is no
// instance yet, so no task states or variables.
func (b *ContextBuilder) ForCreation(ctx context.Context, businessApp, processDefinitionKey string, createRequest map[string]any) (model.Resource, error) {
	res := b.build(ctx, businessApp, processDefinitionKey, "", "")
	if createRequest != nil {
		res.Attributes["createRequest"] = model.MapValue(model.AttributesFromMap(createRequest))
	}
	return res, nil
}

// ForQueue builds the context for reading a queue. The kind comes from the
// application's oldest active workflow; the id names the queue.
func (b *ContextBuilder) ForQueue(ctx context.Context, businessApp, queue string) (model.Resource, error) {
	logger := observability.RequestLogger(ctx, b.logger)

	if _, err := b.apps.BusinessApp(ctx, businessApp); err != nil {
		return model.Resource{}, err
	}
	active, err := b.workflows.ActiveForBusinessApp(ctx, businessApp)
	if err != nil {
		return model.Resource{}, err
	}
	if len(active) == 0 {
		logger.Warn("no active workflow for business app", zap.String("business_app", businessApp))
		return model.Resource{}, model.NewWorkflowNotFoundError(businessApp + model.KindSeparator + "*")
	}
	key := active[0].ProcessDefinitionKey

	res := model.Resource{
		Kind: model.ResourceKind(businessApp, key),
		ID:   businessApp + model.KindSeparator + queue,
		Attributes: model.Attributes{
			"businessApp":          model.StringValue(businessApp),
			"processDefinitionKey": model.StringValue(key),
			"businessAppMetadata":  model.MapValue(b.businessAppAttributes(ctx, businessApp)),
			"workflowMetadata":     model.MapValue(b.workflowAttributes(ctx, businessApp, key)),
			"taskStates":           model.MapValue(model.Attributes{}),
			"processVariables":     model.MapValue(model.Attributes{}),
			"currentQueue":         model.StringValue(queue),
		},
	}
	return res, nil
}

// ForWorkflowManagement builds the fixed-kind context for administrative
// operations.
func (b *ContextBuilder) ForWorkflowManagement(businessApp, processDefinitionKey string) model.Resource {
	id := businessApp
	attrs := model.Attributes{"businessApp": model.StringValue(businessApp)}
	if processDefinitionKey != "" {
		id = businessApp + model.KindSeparator + processDefinitionKey
		attrs["processDefinitionKey"] = model.StringValue(processDefinitionKey)
	}
	return model.Resource{Kind: model.WorkflowManagementKind, ID: id, Attributes: attrs}
}

func (b *ContextBuilder) build(ctx context.Context, businessApp, key, processInstanceID, taskID string) model.Resource {
	id := key
	if processInstanceID != "" {
		id = processInstanceID
	}

	attrs := model.Attributes{
		"businessApp":          model.StringValue(businessApp),
		"processDefinitionKey": model.StringValue(key),
		// 2. Business-app metadata.
		"businessAppMetadata": model.MapValue(b.businessAppAttributes(ctx, businessApp)),
		// 3. Workflow metadata and routing table.
		"workflowMetadata": model.MapValue(b.workflowAttributes(ctx, businessApp, key)),
	}

	// 4. Current task.
	if taskID != "" {
		if current, ok := b.currentTask(ctx, taskID); ok {
			attrs["currentTask"] = model.MapValue(current)
		}
	}

	// 5. Sibling task states and variables.
	if processInstanceID != "" {
		attrs["processInstanceId"] = model.StringValue(processInstanceID)
		attrs["taskStates"] = model.MapValue(b.taskStates(ctx, processInstanceID))
		attrs["processVariables"] = model.MapValue(b.processVariables(ctx, processInstanceID))
	} else {
		attrs["taskStates"] = model.MapValue(model.Attributes{})
		attrs["processVariables"] = model.MapValue(model.Attributes{})
	}

	return model.Resource{Kind: model.ResourceKind(businessApp, key), ID: id, Attributes: attrs}
}

func (b *ContextBuilder) businessAppAttributes(ctx context.Context, name string) model.Attributes {
	app, err := b.apps.BusinessApp(ctx, name)
	if err != nil {
		observability.RequestLogger(ctx, b.logger).Warn("business app metadata unavailable",
			zap.String("business_app", name), zap.Error(err))
		return model.Attributes{}
	}

	out := model.AttributesFromMap(app.Metadata)
	out["id"] = model.StringValue(app.ID)
	out["name"] = model.StringValue(app.Name)
	out["description"] = model.StringValue(app.Description)
	out["isActive"] = model.BoolValue(app.Active)
	return out
}

func (b *ContextBuilder) workflowAttributes(ctx context.Context, businessApp, key string) model.Attributes {
	logger := observability.RequestLogger(ctx, b.logger)

	meta, err := b.workflows.GetActive(ctx, key)
	if err != nil {
		logger.Warn("workflow metadata unavailable",
			zap.String("business_app", businessApp),
			zap.String("process_definition_key", key),
			zap.Error(err),
		)
		return model.Attributes{}
	}
	if meta.BusinessApp != businessApp {
		logger.Warn("workflow belongs to another business app",
			zap.String("business_app", businessApp),
			zap.String("owner", meta.BusinessApp),
			zap.String("process_definition_key", key),
		)
		return model.Attributes{}
	}

	routes := make([]model.AttributeValue, 0, len(meta.TaskRoutes))
	for _, r := range meta.TaskRoutes {
		route := model.Attributes{
			"taskId":          model.StringValue(r.TaskDefinitionKey),
			"taskName":        model.StringValue(r.TaskName),
			"queue":           model.StringValue(r.Queue),
			"candidateGroups": mustAttribute(r.CandidateGroups),
		}
		md := model.Attributes{}
		if r.Metadata.Documentation != "" {
			md["documentation"] = model.StringValue(r.Metadata.Documentation)
		}
		if r.Metadata.FormKey != "" {
			md["formKey"] = model.StringValue(r.Metadata.FormKey)
		}
		if r.Metadata.Category != "" {
			md["category"] = model.StringValue(r.Metadata.Category)
		}
		if r.Metadata.Priority != 0 {
			md["priority"] = model.NumberValue(float64(r.Metadata.Priority))
		}
		route["metadata"] = model.MapValue(md)
		routes = append(routes, model.MapValue(route))
	}

	// Open metadata first; the fixed keys always win.
	out := model.AttributesFromMap(meta.Metadata)
	out["id"] = model.StringValue(meta.ID)
	out["processDefinitionKey"] = model.StringValue(meta.ProcessDefinitionKey)
	out["version"] = model.NumberValue(float64(meta.Version))
	out["isActive"] = model.BoolValue(meta.Active)
	out["taskQueueMappings"] = model.ListValue(routes...)
	return out
}

func (b *ContextBuilder) currentTask(ctx context.Context, taskID string) (model.Attributes, bool) {
	task, err := b.tasks.Get(ctx, taskID)
	if err != nil {
		observability.RequestLogger(ctx, b.logger).Warn("current task not projected",
			zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}

	out := model.Attributes{
		"taskDefinitionKey": model.StringValue(task.TaskDefinitionKey),
		"taskId":            model.StringValue(task.TaskID),
		"queue":             model.StringValue(task.QueueName),
		"status":            model.StringValue(string(task.Status)),
	}
	if task.Assignee != "" {
		out["assignee"] = model.StringValue(task.Assignee)
	}
	return out, true
}

// taskStates keys rows by task definition. Rows come oldest first, so a
// looped-back task reports its latest attempt.
func (b *ContextBuilder) taskStates(ctx context.Context, processInstanceID string) model.Attributes {
	tasks, err := b.tasks.ListByProcessInstance(ctx, processInstanceID)
	if err != nil {
		observability.RequestLogger(ctx, b.logger).Warn("task states unavailable",
			zap.String("process_instance_id", processInstanceID), zap.Error(err))
		return model.Attributes{}
	}

	out := make(model.Attributes, len(tasks))
	for _, t := range tasks {
		state := model.Attributes{
			"status":    model.StringValue(string(t.Status)),
			"createdAt": model.StringValue(t.CreatedAt.UTC().Format(time.RFC3339Nano)),
		}
		if t.Assignee != "" {
			state["assignee"] = model.StringValue(t.Assignee)
		}
		if t.CompletedAt != nil {
			state["completedAt"] = model.StringValue(t.CompletedAt.UTC().Format(time.RFC3339Nano))
		}
		out[t.TaskDefinitionKey] = model.MapValue(state)
	}
	return out
}

func (b *ContextBuilder) processVariables(ctx context.Context, processInstanceID string) model.Attributes {
	vars, err := b.processes.GetProcessVariables(ctx, processInstanceID)
	if err != nil {
		observability.RequestLogger(ctx, b.logger).Warn("process variables unavailable",
			zap.String("process_instance_id", processInstanceID), zap.Error(err))
		return model.Attributes{}
	}
	return model.AttributesFromMap(vars)
}

func mustAttribute(v any) model.AttributeValue {
	if av, ok := model.AttributeFromAny(v); ok {
		return av
	}
	return model.ListValue()
}
