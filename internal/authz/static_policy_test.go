package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/taskgate/model"
)

func resourceWith(kind string, attrs model.Attributes) model.Resource {
	return model.Resource{Kind: kind, ID: "pi-1", Attributes: attrs}
}

func currentTask(assignee, queue string) model.AttributeValue {
	m := model.Attributes{
		"taskDefinitionKey": model.StringValue("reviewApplication"),
		"queue":             model.StringValue(queue),
		"status":            model.StringValue("OPEN"),
	}
	if assignee != "" {
		m["assignee"] = model.StringValue(assignee)
		m["status"] = model.StringValue("CLAIMED")
	}
	return model.MapValue(m)
}

func TestStaticPolicy_Check(t *testing.T) {
	p, err := NewStaticPolicy("testdata/policy.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}
	manager := model.Principal{ID: "alice", Roles: []string{"manager"}}
	officer := model.Principal{ID: "bob", Roles: []string{"officer"}}
	admin := model.Principal{ID: "root", Roles: []string{"admin"}}

	tests := []struct {
		name      string
		principal model.Principal
		resource  model.Resource
		action    model.Action
		want      bool
	}{
		{"view task any role", officer, resourceWith("loans::approval", nil), model.ActionViewTask, true},
		{"kind mismatch", manager, resourceWith("payroll::run", nil), model.ActionViewTask, false},
		{"queue allowed", officer, resourceWith("loans::approval", model.Attributes{"currentQueue": model.StringValue("mgr-queue")}), model.ActionViewQueue, true},
		{"queue not listed", officer, resourceWith("loans::approval", model.Attributes{"currentQueue": model.StringValue("fin-queue")}), model.ActionViewQueue, false},
		{"claim unassigned", manager, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("", "mgr-queue")}), model.ActionClaimTask, true},
		{"claim assigned", manager, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("bob", "mgr-queue")}), model.ActionClaimTask, false},
		{"claim without task", manager, resourceWith("loans::approval", nil), model.ActionClaimTask, false},
		{"claim wrong role", officer, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("", "mgr-queue")}), model.ActionClaimTask, false},
		{"unclaim own", manager, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("alice", "mgr-queue")}), model.ActionUnclaimTask, true},
		{"unclaim other", manager, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("carol", "mgr-queue")}), model.ActionUnclaimTask, false},
		{"complete own", manager, resourceWith("loans::approval", model.Attributes{"currentTask": currentTask("alice", "mgr-queue")}), model.ActionCompleteTask, true},
		{
			"four eyes",
			manager,
			resourceWith("loans::approval", model.Attributes{
				"currentTask": currentTask("alice", "mgr-queue"),
				"taskStates": model.MapValue(model.Attributes{
					"disburse": model.MapValue(model.Attributes{"assignee": model.StringValue("alice")}),
				}),
			}),
			model.ActionCompleteTask,
			false,
		},
		{"admin wildcard", admin, resourceWith(model.WorkflowManagementKind, nil), model.ActionDeployWorkflow, true},
		{"non admin management", manager, resourceWith(model.WorkflowManagementKind, nil), model.ActionRegisterWorkflow, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Check(context.Background(), tt.principal, tt.resource, tt.action)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticPolicy_Sync_invalidKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	write("resources:\n  - kind: \"*\"\n    rules:\n      - actions: [view_task]\n        roles: [manager]\n")
	p, err := NewStaticPolicy(path)
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}

	write("resources:\n  - kind: \"*\"\n    rules:\n      - actions: [fly]\n        roles: [manager]\n")
	if err := p.Sync(); err == nil {
		t.Fatal("Sync() with unknown action should fail")
	}

	ok, _ := p.Check(context.Background(), model.Principal{ID: "a", Roles: []string{"manager"}}, resourceWith("x::y", nil), model.ActionViewTask)
	if !ok {
		t.Error("previous policy should remain after a failed reload")
	}
}

func TestStaticPolicy_missingFile(t *testing.T) {
	if _, err := NewStaticPolicy("testdata/absent.yaml"); err == nil {
		t.Fatal("NewStaticPolicy() with missing file should fail")
	}
}
