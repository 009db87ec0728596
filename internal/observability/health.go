package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

var started = time.Now()

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is a dependency that can report whether it is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what /ready probes. PolicyLoaded and ContractLoaded
// always run and fail when nil; the dependency checkers run when set.
type ReadinessChecks struct {
	PolicyLoaded   func() bool
	ContractLoaded func() bool

	Database         HealthChecker
	Engine           HealthChecker
	PolicyEngine     HealthChecker
	IdempotencyStore HealthChecker
	EventBus         HealthChecker
}

type probe struct {
	name  string
	check HealthChecker
}

func loaded(fn func() bool, failure string) HealthChecker {
	return CheckerFunc(func(context.Context) error {
		if fn == nil || !fn() {
			return errors.New(failure)
		}
		return nil
	})
}

func (c ReadinessChecks) probes() []probe {
	probes := []probe{
		{"policy", loaded(c.PolicyLoaded, "no policy loaded")},
		{"api_contract", loaded(c.ContractLoaded, "API contract not loaded")},
	}
	for _, p := range []probe{
		{"database", c.Database},
		{"engine", c.Engine},
		{"policy_engine", c.PolicyEngine},
		{"idempotency_store", c.IdempotencyStore},
		{"event_bus", c.EventBus},
	} {
		if p.check != nil {
			probes = append(probes, p)
		}
	}
	return probes
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness probe. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "ok",
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(started).Seconds()),
		})
	}
}

// HandleReady serves the readiness probe. Probes run concurrently, each
// bounded by checkTimeout; any failure answers 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		probes := checks.probes()
		results := make([]CheckResult, len(probes))

		var g errgroup.Group
		for i, p := range probes {
			g.Go(func() error {
				results[i] = runCheck(r.Context(), p.check)
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(probes))}
		code := http.StatusOK
		for i, p := range probes {
			resp.Checks[p.name] = results[i]
			if results[i].Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
