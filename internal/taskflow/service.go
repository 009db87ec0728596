// Package taskflow orchestrates the task lifecycle: starting processes,
// reading queues, and claiming, releasing and completing tasks. Every
// operation is authorized through the gateway, runs against the engine
// first and then keeps the queue projection in step.
package taskflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/model"
)

// Authorizer turns an authorization decision into an error.
type Authorizer interface {
	Require(ctx context.Context, userID string, action model.Action, target authz.Target) error
}

// Workflows resolves the routing metadata of process definitions.
type Workflows interface {
	GetActive(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)
	ForBusinessApp(ctx context.Context, businessApp string) ([]model.WorkflowMetadata, error)
}

// Projector reconciles engine tasks into the queue store.
type Projector interface {
	Project(ctx context.Context, processInstanceID, processDefinitionKey string) (queue.ProjectionResult, error)
}

// Service implements the task lifecycle operations.
type Service struct {
	engine    engine.Adapter
	tasks     queue.Store
	projector Projector
	workflows Workflows
	authz     Authorizer

	emitter *events.Emitter
	idem    *idempotency.Guard
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithIdempotency enables Idempotency-Key replay for start and complete.
func WithIdempotency(g *idempotency.Guard) Option {
	return func(s *Service) { s.idem = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(eng engine.Adapter, tasks queue.Store, projector Projector, workflows Workflows, authorizer Authorizer, opts ...Option) *Service {
	s := &Service{
		engine:    eng,
		tasks:     tasks,
		projector: projector,
		workflows: workflows,
		authz:     authorizer,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// engineError keeps classified engine errors and wraps anything else as an
// upstream failure of op.
func engineError(op string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewUpstreamError(op, err)
}

func (s *Service) emit(ctx context.Context, eventType, businessApp, actor string, task model.QueueTask) {
	ev := events.New(eventType)
	ev.BusinessApp = businessApp
	ev.ProcessInstanceID = task.ProcessInstanceID
	ev.ProcessDefinitionKey = task.ProcessDefinitionKey
	ev.TaskID = task.TaskID
	ev.TaskDefinitionKey = task.TaskDefinitionKey
	ev.Queue = task.QueueName
	ev.Actor = actor
	s.emitter.Emit(ctx, ev)
}

// appDefinitions returns the process definition keys of the application's
// workflows. Queue names are shared across applications, so listings are
// filtered by it. Deactivated workflows stay in the set: their projected
// rows remain workable.
func (s *Service) appDefinitions(ctx context.Context, businessApp string) (map[string]bool, error) {
	workflows, err := s.workflows.ForBusinessApp(ctx, businessApp)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(workflows))
	for _, w := range workflows {
		keys[w.ProcessDefinitionKey] = true
	}
	return keys, nil
}

func filterTasks(tasks []model.QueueTask, keys map[string]bool) []model.QueueTask {
	out := make([]model.QueueTask, 0, len(tasks))
	for _, t := range tasks {
		if keys[t.ProcessDefinitionKey] {
			out = append(out, t)
		}
	}
	return out
}
