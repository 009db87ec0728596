package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/upstream"
	"github.com/pitabwire/taskgate/model"
)

func newFlowable(t *testing.T, h http.Handler) *FlowableClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewFlowableClient(upstream.New(upstream.Options{
		Name:    "flowable",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Retry:   config.RetryConfig{MaxAttempts: 1},
	}))
}

func TestFlowable_StartProcess(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runtime/process-instances" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ProcessDefinitionKey string             `json:"processDefinitionKey"`
			BusinessKey          string             `json:"businessKey"`
			Variables            []flowableVariable `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.ProcessDefinitionKey != "approval" || body.BusinessKey != "LOAN-1" {
			t.Errorf("body = %+v", body)
		}
		if len(body.Variables) != 2 || body.Variables[0].Name != "amount" {
			t.Errorf("variables = %+v, want sorted by name", body.Variables)
		}
		w.Write([]byte(`{"id":"pi-1","processDefinitionId":"approval:3:abc","businessKey":"LOAN-1",
			"ended":false,"startTime":"2026-03-01T10:00:00.000+0000"}`))
	}))

	inst, err := f.StartProcess(context.Background(), "approval", "LOAN-1",
		map[string]any{"amount": 100, "channel": "web"})
	if err != nil {
		t.Fatalf("StartProcess() error = %v", err)
	}
	if inst.ID != "pi-1" || inst.ProcessDefinitionKey != "approval" {
		t.Errorf("instance = %+v", inst)
	}
	if inst.StartedAt.IsZero() {
		t.Error("start time not parsed")
	}
}

func TestFlowable_GetProcessInstance_notFound(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := f.GetProcessDefinitionKey(context.Background(), "pi-x")
	if !model.IsCode(err, model.ErrProcessNotFound) {
		t.Errorf("error = %v, want PROCESS_NOT_FOUND", err)
	}
}

func TestFlowable_GetActiveTasks(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("processInstanceId") != "pi-1" {
			t.Errorf("query = %v", r.URL.Query())
		}
		w.Write([]byte(`{"data":[{"id":"t1","name":"Review","taskDefinitionKey":"reviewApplication",
			"processInstanceId":"pi-1","priority":70,"formKey":"loan-review",
			"createTime":"2026-03-01T10:00:01.000+0000","dueDate":"2026-03-05T10:00:00Z"}],"total":1}`))
	}))

	tasks, err := f.GetActiveTasks(context.Background(), "pi-1")
	if err != nil {
		t.Fatalf("GetActiveTasks() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.TaskDefinitionKey != "reviewApplication" || task.Priority != 70 || task.FormKey != "loan-review" {
		t.Errorf("task = %+v", task)
	}
	if task.DueDate == nil || task.DueDate.Day() != 5 {
		t.Errorf("due date = %v", task.DueDate)
	}
}

func TestFlowable_GetTask_candidateGroups(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runtime/tasks/t1":
			w.Write([]byte(`{"id":"t1","taskDefinitionKey":"reviewApplication"}`))
		case "/runtime/tasks/t1/identitylinks":
			w.Write([]byte(`[{"group":"managers","type":"candidate"},{"user":"bob","type":"participant"}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	task, err := f.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if len(task.CandidateGroups) != 1 || task.CandidateGroups[0] != "managers" {
		t.Errorf("candidate groups = %v", task.CandidateGroups)
	}

	if _, err := f.GetTask(context.Background(), "t2"); !model.IsCode(err, model.ErrTaskNotFound) {
		t.Errorf("GetTask(t2) error = %v, want TASK_NOT_FOUND", err)
	}
}

func TestFlowable_ClaimTask_conflict(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "claim" || body["assignee"] != "alice" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusConflict)
	}))

	err := f.ClaimTask(context.Background(), "t1", "alice")
	if !model.IsCode(err, model.ErrTaskAlreadyAssigned) {
		t.Errorf("error = %v, want TASK_ALREADY_ASSIGNED", err)
	}
}

func TestFlowable_UnclaimTask_sendsNullAssignee(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"assignee":null`) {
			t.Errorf("body = %s", raw)
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := f.UnclaimTask(context.Background(), "t1"); err != nil {
		t.Fatalf("UnclaimTask() error = %v", err)
	}
}

func TestFlowable_CompleteTask_upstreamFailure(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	err := f.CompleteTask(context.Background(), "t1", map[string]any{"approved": true})
	if !model.IsCode(err, model.ErrUpstreamFailure) {
		t.Errorf("error = %v, want UPSTREAM_FAILURE", err)
	}
}

func TestFlowable_GetTaskVariables_localShadowsProcess(t *testing.T) {
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name":"note","value":"local","scope":"local"},
			{"name":"note","value":"global","scope":"global"},
			{"name":"amount","value":100,"scope":"global"}]`))
	}))

	vars, err := f.GetTaskVariables(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTaskVariables() error = %v", err)
	}
	if vars["note"] != "local" {
		t.Errorf("note = %v, want local", vars["note"])
	}
	if vars["amount"] != float64(100) {
		t.Errorf("amount = %v", vars["amount"])
	}
}

func TestFlowable_DeployAndIntrospect(t *testing.T) {
	bpmn := loadApproval(t)
	f := newFlowable(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repository/deployments":
			file, header, err := r.FormFile("file")
			if err != nil {
				t.Errorf("FormFile() error = %v", err)
				http.Error(w, "bad", http.StatusBadRequest)
				return
			}
			defer file.Close()
			if header.Filename != "approval.bpmn20.xml" {
				t.Errorf("filename = %q", header.Filename)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"dep-1","name":"loans","deploymentTime":"2026-03-01T10:00:00.000+0000"}`))
		case r.URL.Path == "/repository/process-definitions":
			if r.URL.Query().Get("deploymentId") != "dep-1" {
				t.Errorf("deploymentId = %q", r.URL.Query().Get("deploymentId"))
			}
			w.Write([]byte(`{"data":[{"id":"approval:1:xyz","key":"approval"}]}`))
		case r.URL.Path == "/repository/process-definitions/approval:1:xyz/resourcedata":
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(bpmn))
		default:
			http.NotFound(w, r)
		}
	}))

	dep, err := f.Deploy(context.Background(), "loans", "approval.bpmn20.xml", bpmn)
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	if dep.ID != "dep-1" || dep.ProcessDefinitionID != "approval:1:xyz" || dep.ProcessDefinitionKey != "approval" {
		t.Errorf("deployment = %+v", dep)
	}

	tasks, err := f.GetBPMNUserTasks(context.Background(), dep.ProcessDefinitionID)
	if err != nil {
		t.Fatalf("GetBPMNUserTasks() error = %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "reviewApplication" {
		t.Errorf("user tasks = %+v", tasks)
	}
}

func TestFlowable_breakerOpenPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	f := NewFlowableClient(upstream.New(upstream.Options{
		Name:           "flowable",
		BaseURL:        srv.URL,
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute},
		Retry:          config.RetryConfig{MaxAttempts: 1},
	}))

	_, _ = f.GetActiveTasks(context.Background(), "pi-1")
	_, err := f.GetActiveTasks(context.Background(), "pi-1")
	if !model.IsCode(err, model.ErrBackendUnavailable) {
		t.Errorf("error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if f.Check(context.Background()) == nil {
		t.Error("Check() should fail while breaker is open")
	}
}
