package authz

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

type countingDirectory struct {
	Directory
	calls int
}

func (d *countingDirectory) GetUser(ctx context.Context, userID string) (model.User, error) {
	d.calls++
	return d.Directory.GetUser(ctx, userID)
}

func TestPrincipalBuilder_Build(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{}, nil)

	p, err := b.Build(context.Background(), "alice", "loans")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if p.ID != "alice" || len(p.Roles) != 1 || p.Roles[0] != "manager" {
		t.Errorf("principal = %+v", p)
	}
	if attrString(p.Attributes, "department") != "lending" {
		t.Errorf("department = %v", p.Attributes["department"])
	}
	apps, _ := p.Attributes["businessApps"].List()
	if len(apps) != 1 {
		t.Fatalf("businessApps = %v", apps)
	}
	if s, _ := apps[0].Str(); s != "loans" {
		t.Errorf("businessApps[0] = %q", s)
	}
}

func TestPrincipalBuilder_userWithoutRoles(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{}, nil)

	p, err := b.Build(context.Background(), "carol", "loans")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(p.Roles) != 0 {
		t.Errorf("roles = %v", p.Roles)
	}
	apps, ok := p.Attributes["businessApps"].List()
	if !ok || len(apps) != 0 {
		t.Errorf("businessApps = %v, want empty list", p.Attributes["businessApps"])
	}
}

func TestPrincipalBuilder_unknownUserOrApp(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{TTL: time.Minute}, nil)

	if _, err := b.Build(context.Background(), "mallory", "loans"); !model.IsCode(err, model.ErrUserNotFound) {
		t.Errorf("unknown user error = %v", err)
	}
	if _, err := b.Build(context.Background(), "alice", "ghost"); !model.IsCode(err, model.ErrBusinessAppNotFound) {
		t.Errorf("unknown app error = %v", err)
	}
}

func TestPrincipalBuilder_cache(t *testing.T) {
	f := newFixture(t)
	dir := &countingDirectory{Directory: f.directory}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	b := NewPrincipalBuilder(dir, config.CacheConfig{TTL: time.Minute}, metrics)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = b.Build(ctx, "alice", "loans")
	first, _ := b.Build(ctx, "alice", "loans")
	if dir.calls != 1 {
		t.Errorf("directory calls = %d, want 1 (cached)", dir.calls)
	}
	if got := testutil.ToFloat64(metrics.PrincipalCacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.PrincipalCacheMissesTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}

	// Callers cannot mutate the cached entry.
	first.Roles[0] = "admin"
	again, _ := b.Build(ctx, "alice", "loans")
	if again.Roles[0] != "manager" {
		t.Errorf("cached principal was mutated: %v", again.Roles)
	}

	now = now.Add(2 * time.Minute)
	_, _ = b.Build(ctx, "alice", "loans")
	if dir.calls != 2 {
		t.Errorf("directory calls after expiry = %d, want 2", dir.calls)
	}
}

func TestPrincipalBuilder_invalidateOnRoleChange(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{TTL: time.Hour}, nil)
	f.directory.OnRolesChanged(b.Invalidate)
	ctx := context.Background()

	before, _ := b.Build(ctx, "carol", "loans")
	if len(before.Roles) != 0 {
		t.Fatalf("carol roles = %v", before.Roles)
	}

	if _, err := f.directory.AssignRoles(ctx, "carol", model.RoleChangeRequest{BusinessApp: "loans", RoleNames: []string{"manager"}}); err != nil {
		t.Fatalf("AssignRoles() error = %v", err)
	}
	after, _ := b.Build(ctx, "carol", "loans")
	if len(after.Roles) != 1 || after.Roles[0] != "manager" {
		t.Errorf("roles after grant = %v, cache not invalidated", after.Roles)
	}
}

func TestPrincipalBuilder_invalidateAllApps(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{TTL: time.Hour}, nil)
	ctx := context.Background()

	_, _ = b.Build(ctx, "bob", "loans")
	_, _ = b.Build(ctx, "bob", "payroll")
	_, _ = b.Build(ctx, "alice", "loans")

	b.Invalidate("bob", "")
	if len(b.cache) != 1 {
		t.Errorf("cache size = %d, want only alice left", len(b.cache))
	}
}

func TestPrincipalBuilder_maxEntries(t *testing.T) {
	f := newFixture(t)
	b := NewPrincipalBuilder(f.directory, config.CacheConfig{TTL: time.Hour, MaxEntries: 2}, nil)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob", "carol"} {
		if _, err := b.Build(ctx, user, "loans"); err != nil {
			t.Fatalf("Build(%s) error = %v", user, err)
		}
	}
	if len(b.cache) > 2 {
		t.Errorf("cache size = %d, want at most 2", len(b.cache))
	}
}
