package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

const (
	managerPolicy = "resources:\n  - kind: \"*\"\n    rules:\n      - actions: [view_task]\n        roles: [manager]\n"
	officerPolicy = "resources:\n  - kind: \"*\"\n    rules:\n      - actions: [view_task]\n        roles: [officer]\n"
)

func TestPolicyWatcher_reloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(managerPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	policy, err := NewStaticPolicy(path)
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	w, err := NewPolicyWatcher(policy, nil, metrics)
	if err != nil {
		t.Fatalf("NewPolicyWatcher() error = %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	officer := model.Principal{ID: "bob", Roles: []string{"officer"}}
	resource := model.Resource{Kind: "loans::approval", ID: "pi-1"}
	if ok, _ := policy.Check(ctx, officer, resource, model.ActionViewTask); ok {
		t.Fatal("officer allowed before reload")
	}

	if err := os.WriteFile(path, []byte(officerPolicy), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := policy.Check(ctx, officer, resource, model.ActionViewTask); ok {
			if got := testutil.ToFloat64(metrics.PolicyReloadTotal.WithLabelValues("ok")); got < 1 {
				t.Errorf("reload ok count = %v, want >= 1", got)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy was not reloaded after the file changed")
}

func TestPolicyWatcher_badReloadKeepsPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(managerPolicy), 0o600); err != nil {
		t.Fatal(err)
	}
	policy, err := NewStaticPolicy(path)
	if err != nil {
		t.Fatalf("NewStaticPolicy() error = %v", err)
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	w, err := NewPolicyWatcher(policy, nil, metrics)
	if err != nil {
		t.Fatalf("NewPolicyWatcher() error = %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("resources: [::"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(metrics.PolicyReloadTotal.WithLabelValues("error")) >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.PolicyReloadTotal.WithLabelValues("error")); got < 1 {
		t.Fatalf("reload error count = %v, want >= 1", got)
	}

	manager := model.Principal{ID: "alice", Roles: []string{"manager"}}
	if ok, _ := policy.Check(ctx, manager, model.Resource{Kind: "loans::approval"}, model.ActionViewTask); !ok {
		t.Error("previous policy lost after a bad reload")
	}
}
