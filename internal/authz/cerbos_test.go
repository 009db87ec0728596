package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pitabwire/taskgate/internal/upstream"
	"github.com/pitabwire/taskgate/model"
)

func newCerbos(t *testing.T, handler http.HandlerFunc) *CerbosClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCerbosClient(upstream.New(upstream.Options{
		Name:    "cerbos",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
	}))
}

func TestCerbosClient_Check(t *testing.T) {
	var got map[string]any
	c := newCerbos(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/check/resources" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"resource":{"id":"pi-1","kind":"loans::approval"},"actions":{"claim_task":"EFFECT_ALLOW"}}]}`))
	})

	principal := model.Principal{ID: "alice", Roles: []string{"manager"}, Attributes: model.Attributes{"level": model.NumberValue(3)}}
	resource := model.Resource{Kind: "loans::approval", ID: "pi-1", Attributes: model.Attributes{
		"currentTask": model.MapValue(model.Attributes{"queue": model.StringValue("mgr-queue")}),
	}}

	allowed, err := c.Check(context.Background(), principal, resource, model.ActionClaimTask)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !allowed {
		t.Error("Check() = false, want true")
	}

	p := got["principal"].(map[string]any)
	if p["id"] != "alice" || p["attr"].(map[string]any)["level"] != float64(3) {
		t.Errorf("principal payload = %v", p)
	}
	entry := got["resources"].([]any)[0].(map[string]any)
	if entry["actions"].([]any)[0] != "claim_task" {
		t.Errorf("actions = %v", entry["actions"])
	}
	res := entry["resource"].(map[string]any)
	queue := res["attr"].(map[string]any)["currentTask"].(map[string]any)["queue"]
	if res["kind"] != "loans::approval" || queue != "mgr-queue" {
		t.Errorf("resource payload = %v", res)
	}
}

func TestCerbosClient_deny(t *testing.T) {
	c := newCerbos(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"resource":{"id":"pi-1","kind":"loans::approval"},"actions":{"claim_task":"EFFECT_DENY"}}]}`))
	})
	allowed, err := c.Check(context.Background(), model.Principal{ID: "bob"}, model.Resource{Kind: "loans::approval", ID: "pi-1"}, model.ActionClaimTask)
	if err != nil || allowed {
		t.Errorf("Check() = %v, %v; want false, nil", allowed, err)
	}
}

func TestCerbosClient_errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"no matching result", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"results":[]}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCerbos(t, tt.handler)
			allowed, err := c.Check(context.Background(), model.Principal{ID: "bob"}, model.Resource{Kind: "k::p", ID: "1"}, model.ActionViewTask)
			if err == nil || allowed {
				t.Errorf("Check() = %v, %v; want false and an error", allowed, err)
			}
		})
	}
}
