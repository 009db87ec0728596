// Package integration runs the task gateway end to end: a real router and
// JWT validation over the in-memory engine, stores and static policy.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/directory"
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/internal/queue"
	"github.com/pitabwire/taskgate/internal/taskflow"
	"github.com/pitabwire/taskgate/internal/transport"
	"github.com/pitabwire/taskgate/internal/workflow"
)

// TestHarness is a fully wired gateway behind an httptest server.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Engine    *engine.Memory
	Tasks     *queue.MemoryStore
	Directory *directory.Service
	Events    *events.MemoryPublisher
	Metrics   *observability.Metrics
}

// NewTestHarness starts a gateway seeded from testdata. The server is closed
// when the test completes.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	dir := testdataDir()
	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		Engine:  engine.NewMemory(),
		Tasks:   queue.NewMemoryStore(),
		Events:  events.NewMemoryPublisher(),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}

	cfg := config.Defaults()
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.jwks.URL
	cfg.Identity.Algorithms = []string{"ES256"}
	cfg.Server.HandlerTimeout = 10 * time.Second

	dirStore := directory.NewMemoryStore()
	if err := directory.LoadSeed(filepath.Join(dir, "seed.yaml"), dirStore); err != nil {
		t.Fatalf("load seed: %v", err)
	}
	h.Directory = directory.NewService(dirStore, nil)

	policy, err := authz.NewStaticPolicy(filepath.Join(dir, "policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	contract, err := openapi.Load()
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}

	registry := workflow.NewRegistry(workflow.NewMemoryMetadataStore(), h.Engine, nil)
	emitter := events.NewEmitter(h.Events, nil, h.Metrics)
	projector := queue.NewProjector(registry, h.Engine, h.Tasks, emitter, nil, h.Metrics)

	principals := authz.NewPrincipalBuilder(h.Directory, cfg.Policy.PrincipalCache, h.Metrics)
	h.Directory.OnRolesChanged(principals.Invalidate)
	resources := authz.NewContextBuilder(h.Engine, h.Tasks, registry, h.Directory, nil)
	gateway := authz.NewGateway(principals, resources, policy, nil, h.Metrics)

	tasks := taskflow.NewService(h.Engine, h.Tasks, projector, registry, gateway,
		taskflow.WithEmitter(emitter),
		taskflow.WithIdempotency(idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour, h.Metrics)),
		taskflow.WithMetrics(h.Metrics),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Metrics:      h.Metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Contract:     contract,
		Readiness: observability.ReadinessChecks{
			PolicyLoaded:   policy.Loaded,
			ContractLoaded: contract.Loaded,
			Engine:         observability.CheckerFunc(h.Engine.Check),
		},
		Tasks:     tasks,
		Workflows: registry,
		Directory: h.Directory,
		Gate:      gateway,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// Response is a captured HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON decodes the response body into v.
func (r Response) JSON(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decode response %s: %v", r.Body, err)
	}
}

// ErrorCode returns the code of an error envelope response.
func (r Response) ErrorCode(t *testing.T) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	r.JSON(t, &body)
	return body.Error.Code
}

// Do sends a request as subject. An empty subject sends no token; body is
// JSON encoded unless nil.
func (h *TestHarness) Do(subject, method, path string, body any, headers ...string) Response {
	h.t.Helper()
	token := ""
	if subject != "" {
		token = h.issuer.Token(subject)
	}
	return h.DoWithToken(token, method, path, body, headers...)
}

// DoWithToken sends a request with an explicit bearer token.
func (h *TestHarness) DoWithToken(token, method, path string, body any, headers ...string) Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

// DeployApproval registers and deploys the approval workflow for loans as
// the workflow administrator.
func (h *TestHarness) DeployApproval() {
	h.t.Helper()

	resp := h.Do("root", http.MethodPost, "/api/workflow-metadata/register", map[string]any{
		"process_definition_key": "approval",
		"process_name":           "Loan Approval",
		"business_app":           "loans",
		"candidate_group_mappings": map[string]string{
			"managers": "mgr-queue",
			"finance":  "fin-queue",
		},
	})
	if resp.Status != http.StatusCreated {
		h.t.Fatalf("register status = %d, body = %s", resp.Status, resp.Body)
	}

	bpmn, err := os.ReadFile(filepath.Join(testdataDir(), "approval.bpmn20.xml"))
	if err != nil {
		h.t.Fatalf("read BPMN: %v", err)
	}
	resp = h.Do("root", http.MethodPost, "/api/workflow-metadata/deploy", map[string]any{
		"process_definition_key": "approval",
		"bpmn_xml":               string(bpmn),
	})
	if resp.Status != http.StatusOK {
		h.t.Fatalf("deploy status = %d, body = %s", resp.Status, resp.Body)
	}
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
