package taskflow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/model"
)

// foreignTask is a task of another application sharing the queue name.
func foreignTask(id string, priority int) model.QueueTask {
	return model.QueueTask{
		TaskID:               id,
		ProcessInstanceID:    "pi-" + id,
		ProcessDefinitionKey: "payrun",
		TaskDefinitionKey:    "check",
		QueueName:            "mgr-queue",
		Status:               model.TaskOpen,
		Priority:             priority,
		CreatedAt:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestListQueue_filtersByApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, first := f.start(t, nil)
	_, second := f.start(t, nil)
	if _, err := f.store.Insert(ctx, foreignTask("foreign", 99)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ClaimTask(ctx, "alice", "loans", first); err != nil {
		t.Fatal(err)
	}

	all, err := f.svc.ListQueue(ctx, "alice", "loans", "mgr-queue", false)
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListQueue() = %d tasks, want 2 (foreign task filtered)", len(all))
	}

	unassigned, err := f.svc.ListQueue(ctx, "alice", "loans", "mgr-queue", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(unassigned) != 1 || unassigned[0].TaskID != second {
		t.Errorf("unassigned = %+v, want only %s", unassigned, second)
	}
}

func TestListQueue_forbidden(t *testing.T) {
	f := newFixture(t)
	f.authz.deny[model.ActionViewQueue] = true

	if _, err := f.svc.ListQueue(context.Background(), "bob", "loans", "mgr-queue", false); !model.IsCode(err, model.ErrForbidden) {
		t.Errorf("ListQueue() error = %v, want FORBIDDEN", err)
	}
	if _, _, err := f.svc.NextTask(context.Background(), "bob", "loans", "mgr-queue"); !model.IsCode(err, model.ErrForbidden) {
		t.Errorf("NextTask() error = %v, want FORBIDDEN", err)
	}
}

func TestNextTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, ok, err := f.svc.NextTask(ctx, "alice", "loans", "mgr-queue"); err != nil || ok {
		t.Fatalf("NextTask() on empty queue = %v, %v", ok, err)
	}

	_, first := f.start(t, nil)
	_, _ = f.start(t, nil)
	// Highest priority in the queue, but not ours.
	if _, err := f.store.Insert(ctx, foreignTask("foreign", 99)); err != nil {
		t.Fatal(err)
	}

	next, ok, err := f.svc.NextTask(ctx, "alice", "loans", "mgr-queue")
	if err != nil || !ok {
		t.Fatalf("NextTask() = %v, %v", ok, err)
	}
	if next.TaskID != first {
		t.Errorf("NextTask() = %s, want oldest %s", next.TaskID, first)
	}
}

func TestMyTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.claimAndStart(t)
	_, _ = f.start(t, nil)

	foreign := foreignTask("foreign", 10)
	if _, err := f.store.Insert(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Claim(ctx, "foreign", "alice", time.Now()); err != nil {
		t.Fatal(err)
	}

	mine, err := f.svc.MyTasks(ctx, "alice", "loans")
	if err != nil {
		t.Fatalf("MyTasks() error = %v", err)
	}
	if len(mine) != 1 || mine[0].TaskID != taskID {
		t.Errorf("MyTasks() = %+v, want only %s", mine, taskID)
	}
}

func TestListings_keepTasksOfDeactivatedWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, claimed := f.claimAndStart(t)
	_, open := f.start(t, nil)

	if _, err := f.registry.Deactivate(ctx, "approval"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	mine, err := f.svc.MyTasks(ctx, "alice", "loans")
	if err != nil {
		t.Fatalf("MyTasks() error = %v", err)
	}
	if len(mine) != 1 || mine[0].TaskID != claimed {
		t.Errorf("MyTasks() = %+v, want %s", mine, claimed)
	}

	all, err := f.svc.ListQueue(ctx, "alice", "loans", "mgr-queue", false)
	if err != nil {
		t.Fatalf("ListQueue() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListQueue() returned %d tasks, want 2", len(all))
	}

	next, ok, err := f.svc.NextTask(ctx, "alice", "loans", "mgr-queue")
	if err != nil || !ok || next.TaskID != open {
		t.Errorf("NextTask() = %s, %v, %v; want %s", next.TaskID, ok, err, open)
	}

	if _, err := f.svc.CompleteTask(ctx, "alice", "loans", claimed, model.CompleteTaskRequest{}, ""); err != nil {
		t.Errorf("CompleteTask() after deactivation error = %v", err)
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.start(t, map[string]any{"amount": 1200})

	details, err := f.svc.GetTask(ctx, "alice", "loans", taskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if details.FormKey != "loan-review" || details.QueueName != "mgr-queue" {
		t.Errorf("details = %+v", details)
	}
	if details.Variables["amount"] != 1200 {
		t.Errorf("variables = %v", details.Variables)
	}

	if _, err := f.svc.GetTask(ctx, "alice", "loans", "missing"); !model.IsCode(err, model.ErrTaskNotFound) {
		t.Errorf("missing task error = %v, want TASK_NOT_FOUND", err)
	}
}

func TestGetTask_completedServedFromProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.claimAndStart(t)
	if _, err := f.svc.CompleteTask(ctx, "alice", "loans", taskID, model.CompleteTaskRequest{}, ""); err != nil {
		t.Fatal(err)
	}

	details, err := f.svc.GetTask(ctx, "alice", "loans", taskID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if details.Status != model.TaskCompleted || details.FormKey != "loan-review" {
		t.Errorf("details = %+v", details)
	}
	if details.Variables != nil {
		t.Errorf("completed task carries live variables: %v", details.Variables)
	}
}

func TestClaimTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.start(t, nil)

	claimed, err := f.svc.ClaimTask(ctx, "alice", "loans", taskID)
	if err != nil {
		t.Fatalf("ClaimTask() error = %v", err)
	}
	if claimed.Assignee != "alice" || claimed.Status != model.TaskClaimed || claimed.ClaimedAt == nil {
		t.Errorf("claimed = %+v", claimed)
	}
	live, _ := f.engine.GetTask(ctx, taskID)
	if live.Assignee != "alice" {
		t.Errorf("engine assignee = %q", live.Assignee)
	}
	if got := len(f.events.OfType(events.TypeTaskClaimed)); got != 1 {
		t.Errorf("task.claimed events = %d", got)
	}

	for _, user := range []string{"bob", "alice"} {
		if _, err := f.svc.ClaimTask(ctx, user, "loans", taskID); !model.IsCode(err, model.ErrTaskAlreadyAssigned) {
			t.Errorf("second claim by %s error = %v, want TASK_ALREADY_ASSIGNED", user, err)
		}
	}
	if _, err := f.svc.ClaimTask(ctx, "alice", "loans", "missing"); !model.IsCode(err, model.ErrTaskNotFound) {
		t.Errorf("claim missing error = %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.QueueTransitionsTotal.WithLabelValues("claim", "ok")); got != 1 {
		t.Errorf("claim ok transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.QueueTransitionsTotal.WithLabelValues("claim", "error")); got != 3 {
		t.Errorf("claim error transitions = %v, want 3", got)
	}
}

func TestClaimTask_forbiddenLeavesEngineUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.start(t, nil)
	f.authz.deny[model.ActionClaimTask] = true

	if _, err := f.svc.ClaimTask(ctx, "bob", "loans", taskID); !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("ClaimTask() error = %v, want FORBIDDEN", err)
	}
	live, _ := f.engine.GetTask(ctx, taskID)
	if live.Assignee != "" {
		t.Errorf("engine assignee = %q after denied claim", live.Assignee)
	}
}

// lostClaimStore loses every claim race.
type lostClaimStore struct {
	*queue.MemoryStore
}

func (s lostClaimStore) Claim(_ context.Context, taskID, _ string, _ time.Time) (model.QueueTask, error) {
	return model.QueueTask{}, model.NewTaskAlreadyAssignedError(taskID)
}

func TestClaimTask_lostRaceRecordsDivergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.start(t, nil)
	f.svc.tasks = lostClaimStore{f.store}

	if _, err := f.svc.ClaimTask(ctx, "alice", "loans", taskID); !model.IsCode(err, model.ErrTaskAlreadyAssigned) {
		t.Fatalf("ClaimTask() error = %v, want TASK_ALREADY_ASSIGNED", err)
	}
	if got := testutil.ToFloat64(f.metrics.ConsistencyWarnings.WithLabelValues("claim")); got != 1 {
		t.Errorf("consistency warnings = %v, want 1", got)
	}
}

func TestUnclaimTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, taskID := f.start(t, nil)

	if _, err := f.svc.UnclaimTask(ctx, "alice", "loans", taskID); !model.IsCode(err, model.ErrTaskNotAssigned) {
		t.Fatalf("unclaim open task error = %v, want TASK_NOT_ASSIGNED", err)
	}

	if _, err := f.svc.ClaimTask(ctx, "alice", "loans", taskID); err != nil {
		t.Fatal(err)
	}
	released, err := f.svc.UnclaimTask(ctx, "alice", "loans", taskID)
	if err != nil {
		t.Fatalf("UnclaimTask() error = %v", err)
	}
	if released.Status != model.TaskOpen || released.Assignee != "" || released.ClaimedAt != nil {
		t.Errorf("released = %+v", released)
	}
	live, _ := f.engine.GetTask(ctx, taskID)
	if live.Assignee != "" {
		t.Errorf("engine assignee = %q after unclaim", live.Assignee)
	}
	if got := len(f.events.OfType(events.TypeTaskUnclaimed)); got != 1 {
		t.Errorf("task.unclaimed events = %d", got)
	}

	// Released tasks can be claimed by someone else.
	if _, err := f.svc.ClaimTask(ctx, "bob", "loans", taskID); err != nil {
		t.Errorf("claim after unclaim error = %v", err)
	}
}
