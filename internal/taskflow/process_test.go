package taskflow

import (
	"context"
	"testing"

	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/model"
)

func TestStartProcess(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.StartProcess(context.Background(), "alice", "loans", model.StartProcessRequest{
		ProcessDefinitionKey: "approval",
		BusinessKey:          "LOAN-7",
		Variables:            map[string]any{"amount": 1200},
	}, "")
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}

	if !view.Active || view.BusinessKey != "LOAN-7" || view.ProcessDefinitionKey != "approval" {
		t.Errorf("view = %+v", view)
	}
	if len(view.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(view.Tasks))
	}
	task := view.Tasks[0]
	if task.TaskDefinitionKey != "reviewApplication" || task.QueueName != "mgr-queue" || task.Status != model.TaskOpen {
		t.Errorf("task = %+v", task)
	}
	if task.BusinessKey != "LOAN-7" {
		t.Errorf("task business key = %q", task.BusinessKey)
	}

	if got := len(f.events.OfType(events.TypeProcessStarted)); got != 1 {
		t.Errorf("process.started events = %d, want 1", got)
	}
	if got := len(f.events.OfType(events.TypeTaskProjected)); got != 1 {
		t.Errorf("task.projected events = %d, want 1", got)
	}
	if len(f.authz.calls) != 1 || f.authz.calls[0] != model.ActionStartWorkflowInstance {
		t.Errorf("authorization calls = %v", f.authz.calls)
	}
}

func TestStartProcess_rejections(t *testing.T) {
	tests := []struct {
		name     string
		app      string
		key      string
		deny     bool
		wantCode string
	}{
		{"missing key", "loans", " ", false, model.ErrValidationError},
		{"unknown workflow", "loans", "payroll", false, model.ErrWorkflowNotFound},
		{"other application", "payroll", "approval", false, model.ErrWorkflowNotFound},
		{"forbidden", "loans", "approval", true, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.authz.deny[model.ActionStartWorkflowInstance] = tt.deny

			_, err := f.svc.StartProcess(context.Background(), "alice", tt.app,
				model.StartProcessRequest{ProcessDefinitionKey: tt.key}, "")
			if !model.IsCode(err, tt.wantCode) {
				t.Fatalf("StartProcess() error = %v, want %s", err, tt.wantCode)
			}
			if got := len(f.events.OfType(events.TypeProcessStarted)); got != 0 {
				t.Errorf("process started despite rejection")
			}
		})
	}
}

func TestStartProcess_idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := model.StartProcessRequest{ProcessDefinitionKey: "approval", Variables: map[string]any{"amount": 10}}

	first, err := f.svc.StartProcess(ctx, "alice", "loans", req, "key-1")
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	second, err := f.svc.StartProcess(ctx, "alice", "loans", req, "key-1")
	if err != nil {
		t.Fatalf("replayed StartProcess() error = %v", err)
	}
	if second.ProcessInstanceID != first.ProcessInstanceID {
		t.Errorf("replay started a new instance: %s != %s", second.ProcessInstanceID, first.ProcessInstanceID)
	}
	if got := len(f.events.OfType(events.TypeProcessStarted)); got != 1 {
		t.Errorf("process.started events = %d, want 1", got)
	}

	req.Variables = map[string]any{"amount": 20}
	if _, err := f.svc.StartProcess(ctx, "alice", "loans", req, "key-1"); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("reused key with new input error = %v, want CONFLICT", err)
	}
}

func TestGetProcessInstance(t *testing.T) {
	f := newFixture(t)
	pid, taskID := f.start(t, map[string]any{"amount": 1200})

	view, err := f.svc.GetProcessInstance(context.Background(), "alice", "loans", pid)
	if err != nil {
		t.Fatalf("GetProcessInstance() error = %v", err)
	}
	if view.ProcessInstanceID != pid || !view.Active {
		t.Errorf("view = %+v", view)
	}
	if view.Variables["amount"] != 1200 {
		t.Errorf("variables = %v", view.Variables)
	}
	if len(view.Tasks) != 1 || view.Tasks[0].TaskID != taskID {
		t.Errorf("tasks = %+v", view.Tasks)
	}

	if _, err := f.svc.GetProcessInstance(context.Background(), "alice", "loans", "missing"); !model.IsCode(err, model.ErrProcessNotFound) {
		t.Errorf("missing instance error = %v, want PROCESS_NOT_FOUND", err)
	}
}
