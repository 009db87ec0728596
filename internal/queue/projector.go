package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// MetadataSource yields the active routing metadata of a process definition.
type MetadataSource interface {
	GetActive(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)
}

// TaskSource is the part of the engine the projector reads.
type TaskSource interface {
	GetActiveTasks(ctx context.Context, processInstanceID string) ([]engine.ActiveTask, error)
	GetProcessInstance(ctx context.Context, id string) (engine.ProcessInstance, error)
}

// ProjectionResult summarizes one reconciliation pass.
type ProjectionResult struct {
	// Projected holds the tasks inserted by this pass.
	Projected []model.QueueTask
	// Skipped counts tasks with no route in the workflow metadata.
	Skipped int
	// Existing counts tasks already present in the store.
	Existing int
	// Failed counts tasks whose insert failed.
	Failed int
}

// Projector mirrors engine user tasks into the queue store.
type Projector struct {
	metadata MetadataSource
	tasks    TaskSource
	store    Store
	emitter  *events.Emitter
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewProjector creates a projector.
func NewProjector(metadata MetadataSource, tasks TaskSource, store Store, emitter *events.Emitter, logger *zap.Logger, metrics *observability.Metrics) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{
		metadata: metadata,
		tasks:    tasks,
		store:    store,
		emitter:  emitter,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Project reconciles the active engine tasks of an instance with the store.
// It is idempotent: tasks already projected are left untouched. Failures on
// individual tasks are logged and do not stop the pass.
func (p *Projector) Project(ctx context.Context, processInstanceID, processDefinitionKey string) (result ProjectionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "queue.Project",
		observability.AttrProcessInstanceID.String(processInstanceID),
		observability.AttrProcessDefinitionKey.String(processDefinitionKey),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, p.logger).With(
		zap.String("process_instance_id", processInstanceID),
		zap.String("process_definition_key", processDefinitionKey),
	)

	// 1. Routing metadata; without it nothing can be routed.
	meta, err := p.metadata.GetActive(ctx, processDefinitionKey)
	if err != nil {
		if model.IsCode(err, model.ErrWorkflowNotFound) {
			logger.Warn("no active workflow metadata, tasks not projected")
			return ProjectionResult{}, nil
		}
		return ProjectionResult{}, err
	}

	// 2. Active engine tasks.
	active, err := p.tasks.GetActiveTasks(ctx, processInstanceID)
	if err != nil {
		return ProjectionResult{}, err
	}

	var businessKey string
	var businessKeyLoaded bool

	// 3. Insert each task not yet present.
	for _, task := range active {
		if _, err := p.store.Get(ctx, task.ID); err == nil {
			result.Existing++
			p.metrics.RecordProjection(processDefinitionKey, "existing")
			continue
		} else if !model.IsCode(err, model.ErrTaskNotFound) {
			result.Failed++
			p.metrics.RecordProjection(processDefinitionKey, "failed")
			logger.Error("queue lookup failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		route, ok := meta.Route(task.TaskDefinitionKey)
		if !ok {
			result.Skipped++
			p.metrics.RecordProjection(processDefinitionKey, "skipped")
			logger.Warn("no route for task definition, task not projected",
				zap.String("task_id", task.ID),
				zap.String("task_definition_key", task.TaskDefinitionKey),
			)
			continue
		}

		if !businessKeyLoaded {
			businessKeyLoaded = true
			if inst, err := p.tasks.GetProcessInstance(ctx, processInstanceID); err == nil {
				businessKey = inst.BusinessKey
			}
		}

		qt := p.buildTask(task, route, processDefinitionKey, businessKey)
		inserted, err := p.store.Insert(ctx, qt)
		if err != nil {
			result.Failed++
			p.metrics.RecordProjection(processDefinitionKey, "failed")
			logger.Error("task projection failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if !inserted {
			result.Existing++
			p.metrics.RecordProjection(processDefinitionKey, "existing")
			continue
		}

		result.Projected = append(result.Projected, qt)
		p.metrics.RecordProjection(processDefinitionKey, "projected")
		logger.Info("task projected",
			zap.String("task_id", qt.TaskID),
			zap.String("task_definition_key", qt.TaskDefinitionKey),
			zap.String("queue", qt.QueueName),
			zap.Int("priority", qt.Priority),
		)

		ev := events.New(events.TypeTaskProjected)
		ev.BusinessApp = meta.BusinessApp
		ev.ProcessInstanceID = processInstanceID
		ev.ProcessDefinitionKey = processDefinitionKey
		ev.TaskID = qt.TaskID
		ev.TaskDefinitionKey = qt.TaskDefinitionKey
		ev.Queue = qt.QueueName
		p.emitter.Emit(ctx, ev)
	}

	return result, nil
}

func (p *Projector) buildTask(task engine.ActiveTask, route model.TaskRoute, processDefinitionKey, businessKey string) model.QueueTask {
	priority := model.DefaultTaskPriority
	switch {
	case task.Priority > 0:
		priority = task.Priority
	case route.Metadata.Priority > 0:
		priority = route.Metadata.Priority
	}

	createdAt := task.CreateTime
	if createdAt.IsZero() {
		createdAt = p.now()
	}

	name := task.Name
	if name == "" {
		name = route.TaskName
	}

	return model.QueueTask{
		TaskID:               task.ID,
		ProcessInstanceID:    task.ProcessInstanceID,
		ProcessDefinitionKey: processDefinitionKey,
		TaskDefinitionKey:    task.TaskDefinitionKey,
		TaskName:             name,
		QueueName:            route.Queue,
		Status:               model.TaskOpen,
		Priority:             priority,
		BusinessKey:          businessKey,
		CreatedAt:            createdAt,
		TaskData: model.TaskData{
			Description:       task.Description,
			FormKey:           task.FormKey,
			Owner:             task.Owner,
			DueDate:           task.DueDate,
			CreateTime:        task.CreateTime,
			TaskDefinitionKey: task.TaskDefinitionKey,
		},
	}
}
