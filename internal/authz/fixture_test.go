package authz

import (
	"context"
	"os"
	"testing"

	"github.com/pitabwire/taskgate/internal/directory"
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/internal/workflow"
	"github.com/pitabwire/taskgate/model"
)

type fixture struct {
	engine    *engine.Memory
	queue     *queue.MemoryStore
	registry  *workflow.Registry
	dirStore  *directory.MemoryStore
	directory *directory.Service
	projector *queue.Projector
	builder   *ContextBuilder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bpmn, err := os.ReadFile("testdata/approval.bpmn20.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	f := &fixture{
		engine:   engine.NewMemory(),
		queue:    queue.NewMemoryStore(),
		dirStore: directory.NewMemoryStore(),
	}
	if err := directory.LoadSeed("testdata/seed.yaml", f.dirStore); err != nil {
		t.Fatalf("LoadSeed() error = %v", err)
	}
	f.directory = directory.NewService(f.dirStore, nil)

	f.registry = workflow.NewRegistry(workflow.NewMemoryMetadataStore(), f.engine, nil)
	if _, err := f.registry.Register(ctx, "admin", model.RegisterWorkflowRequest{
		ProcessDefinitionKey:   "approval",
		ProcessName:            "Loan Approval",
		BusinessApp:            "loans",
		CandidateGroupMappings: map[string]string{"managers": "mgr-queue", "finance": "fin-queue"},
		Metadata:               map[string]any{"slaHours": 48},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := f.registry.Deploy(ctx, model.DeployWorkflowRequest{
		ProcessDefinitionKey: "approval",
		BPMNXML:              string(bpmn),
	}); err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}

	f.projector = queue.NewProjector(f.registry, f.engine, f.queue, nil, nil, nil)
	f.builder = NewContextBuilder(f.engine, f.queue, f.registry, f.directory, nil)
	return f
}

// start launches an approval instance and returns it with its first task.
func (f *fixture) start(t *testing.T, variables map[string]any) (string, string) {
	t.Helper()
	ctx := context.Background()

	inst, err := f.engine.StartProcess(ctx, "approval", "LOAN-1", variables)
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	result, err := f.projector.Project(ctx, inst.ID, "approval")
	if err != nil || len(result.Projected) != 1 {
		t.Fatalf("Project() = %+v, %v", result, err)
	}
	return inst.ID, result.Projected[0].TaskID
}

func attrMap(t *testing.T, attrs model.Attributes, key string) model.Attributes {
	t.Helper()
	m, ok := attrs[key].Map()
	if !ok {
		t.Fatalf("attribute %q is not a map: %#v", key, attrs[key])
	}
	return m
}

func attrString(attrs model.Attributes, key string) string {
	s, _ := attrs[key].Str()
	return s
}
