package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "taskgate" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Engine.BaseURL != "http://flowable:8080/flowable-rest/service" {
		t.Errorf("Engine.BaseURL = %q", cfg.Engine.BaseURL)
	}
	if cfg.Engine.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("Engine.CircuitBreaker.FailureThreshold = %d, want 5", cfg.Engine.CircuitBreaker.FailureThreshold)
	}
	// Retry is not in the file; defaults survive.
	if cfg.Engine.Retry.MaxAttempts != 3 {
		t.Errorf("Engine.Retry.MaxAttempts = %d, want default 3", cfg.Engine.Retry.MaxAttempts)
	}
	if !cfg.Policy.HotReload {
		t.Error("Policy.HotReload = false, want true")
	}
	if cfg.Policy.PrincipalCache.TTL != 30*time.Second {
		t.Errorf("Policy.PrincipalCache.TTL = %v, want 30s", cfg.Policy.PrincipalCache.TTL)
	}
	if cfg.Idempotency.Store.Driver != "redis" {
		t.Errorf("Idempotency.Store.Driver = %q", cfg.Idempotency.Store.Driver)
	}
	if cfg.Events.SubjectPrefix != "loans.tasks" {
		t.Errorf("Events.SubjectPrefix = %q", cfg.Events.SubjectPrefix)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_unsupported_drivers(t *testing.T) {
	_, err := Load("testdata/bad_drivers.yaml")
	if err == nil {
		t.Fatal("Load() with unsupported drivers should return error")
	}
	for _, want := range []string{
		`engine.driver "camunda"`,
		"policy.cerbos.url is required",
		`store.driver "mongodb"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Policy.PrincipalCache.TTL != time.Minute {
		t.Errorf("default Policy.PrincipalCache.TTL = %v, want 1m", cfg.Policy.PrincipalCache.TTL)
	}
	if cfg.Engine.Driver != "flowable" {
		t.Errorf("default Engine.Driver = %q, want flowable", cfg.Engine.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKGATE_SERVER_PORT", "3000")
	t.Setenv("TASKGATE_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("TASKGATE_IDENTITY_JWKS_URL", "https://env-issuer.com/.well-known/jwks.json")
	t.Setenv("TASKGATE_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("TASKGATE_ENGINE_BASE_URL", "http://engine.env")
	t.Setenv("TASKGATE_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Engine.BaseURL != "http://engine.env" {
		t.Errorf("Engine.BaseURL = %q, want env override", cfg.Engine.BaseURL)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "taskgate"
	cfg.Engine.BaseURL = "http://engine"
	cfg.Policy.StaticPolicyFile = "policy.yaml"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_memoryDrivers(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "taskgate"
	cfg.Engine.Driver = "memory"
	cfg.Store.Driver = "memory"
	cfg.Policy.StaticPolicyFile = "policy.yaml"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestApplyEnvOverrides_reportsUnparseableValues(t *testing.T) {
	env := map[string]string{
		"TASKGATE_SERVER_PORT":     "eighty",
		"TASKGATE_TRACING_ENABLED": "maybe",
		"TASKGATE_STORE_DRIVER":    "memory",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Defaults()
	err := applyEnvOverrides(cfg, lookup)
	if err == nil {
		t.Fatal("applyEnvOverrides() error = nil, want parse failures")
	}
	for _, want := range []string{"TASKGATE_SERVER_PORT", "TASKGATE_TRACING_ENABLED"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not name %s", err, want)
		}
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestValidate_reportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Observability.LogFormat = "xml"
	cfg.Store.MinConns = 50

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{
		"identity.issuer is required",
		"identity.jwks_url is required",
		"identity.audience is required",
		"engine.base_url is required",
		"policy.static_policy_file is required",
		"store.min_conns exceeds store.max_conns",
		`observability.log_format "xml"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}
