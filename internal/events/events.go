// Package events publishes task lifecycle events for downstream consumers.
// Publishing is best-effort: a failed publish never fails the operation
// that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/observability"
)

// Event types.
const (
	TypeProcessStarted   = "process.started"
	TypeTaskProjected    = "task.projected"
	TypeTaskClaimed      = "task.claimed"
	TypeTaskUnclaimed    = "task.unclaimed"
	TypeTaskCompleted    = "task.completed"
	TypeTaskLoopback     = "task.validation_failed"
	TypeWorkflowDeployed = "workflow.deployed"
)

// Event is a task lifecycle notification.
type Event struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	OccurredAt           time.Time      `json:"occurred_at"`
	BusinessApp          string         `json:"business_app,omitempty"`
	ProcessInstanceID    string         `json:"process_instance_id,omitempty"`
	ProcessDefinitionKey string         `json:"process_definition_key,omitempty"`
	TaskID               string         `json:"task_id,omitempty"`
	TaskDefinitionKey    string         `json:"task_definition_key,omitempty"`
	Queue                string         `json:"queue,omitempty"`
	Actor                string         `json:"actor,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
}

// New returns an event of the given type with a fresh id and timestamp.
func New(eventType string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter publishes events on behalf of services, logging and counting
// failures instead of returning them. A nil Emitter discards events.
type Emitter struct {
	pub     Publisher
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewEmitter creates an Emitter. A nil publisher discards events.
func NewEmitter(pub Publisher, logger *zap.Logger, metrics *observability.Metrics) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, logger: logger, metrics: metrics}
}

// Emit publishes ev.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.metrics.RecordEventPublished(ev.Type, "error")
		observability.RequestLogger(ctx, e.logger).Warn("event publish failed",
			zap.String("event_type", ev.Type),
			zap.String("event_id", ev.ID),
			zap.String("task_id", ev.TaskID),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordEventPublished(ev.Type, "ok")
}

// MemoryPublisher records events in memory. For tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish records ev.
func (p *MemoryPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns the recorded events in publish order.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// OfType returns the recorded events of one type.
func (p *MemoryPublisher) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range p.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
