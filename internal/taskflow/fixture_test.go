package taskflow

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/internal/workflow"
	"github.com/pitabwire/taskgate/model"
)

// fakeAuthz allows everything except the listed actions and records what
// was asked.
type fakeAuthz struct {
	mu    sync.Mutex
	deny  map[model.Action]bool
	calls []model.Action
}

func (f *fakeAuthz) Require(_ context.Context, _ string, action model.Action, _ authz.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	if f.deny[action] {
		return model.NewForbiddenError(authz.ForbiddenMessage)
	}
	return nil
}

type fixture struct {
	engine    *engine.Memory
	store     *queue.MemoryStore
	events    *events.MemoryPublisher
	metrics   *observability.Metrics
	authz     *fakeAuthz
	idemStore *idempotency.MemoryStore
	registry  *workflow.Registry
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bpmn, err := os.ReadFile("testdata/approval.bpmn20.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	f := &fixture{
		engine:    engine.NewMemory(),
		store:     queue.NewMemoryStore(),
		events:    events.NewMemoryPublisher(),
		metrics:   observability.InitMetrics(prometheus.NewRegistry()),
		authz:     &fakeAuthz{deny: map[model.Action]bool{}},
		idemStore: idempotency.NewMemoryStore(),
	}

	registry := workflow.NewRegistry(workflow.NewMemoryMetadataStore(), f.engine, nil)
	f.registry = registry
	if _, err := registry.Register(ctx, "admin", model.RegisterWorkflowRequest{
		ProcessDefinitionKey:   "approval",
		ProcessName:            "Loan Approval",
		BusinessApp:            "loans",
		CandidateGroupMappings: map[string]string{"managers": "mgr-queue", "finance": "fin-queue"},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := registry.Deploy(ctx, model.DeployWorkflowRequest{
		ProcessDefinitionKey: "approval",
		BPMNXML:              string(bpmn),
	}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	emitter := events.NewEmitter(f.events, nil, f.metrics)
	projector := queue.NewProjector(registry, f.engine, f.store, emitter, nil, f.metrics)
	f.svc = NewService(f.engine, f.store, projector, registry, f.authz,
		WithEmitter(emitter),
		WithIdempotency(idempotency.NewGuard(f.idemStore, 0, f.metrics)),
		WithMetrics(f.metrics),
	)
	return f
}

// start launches an approval instance and returns it with its first task.
func (f *fixture) start(t *testing.T, variables map[string]any) (string, string) {
	t.Helper()
	view, err := f.svc.StartProcess(context.Background(), "alice", "loans", model.StartProcessRequest{
		ProcessDefinitionKey: "approval",
		BusinessKey:          "LOAN-1",
		Variables:            variables,
	}, "")
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	if len(view.Tasks) != 1 {
		t.Fatalf("started with %d tasks, want 1", len(view.Tasks))
	}
	return view.ProcessInstanceID, view.Tasks[0].TaskID
}

// claimAndStart starts an instance and claims its first task for alice.
func (f *fixture) claimAndStart(t *testing.T) (string, string) {
	t.Helper()
	pid, taskID := f.start(t, map[string]any{"amount": 1200})
	if _, err := f.svc.ClaimTask(context.Background(), "alice", "loans", taskID); err != nil {
		t.Fatalf("ClaimTask() error = %v", err)
	}
	return pid, taskID
}
