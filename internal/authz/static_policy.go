package authz

import (
	"context"
	"fmt"
	"os"
	"path"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/taskgate/model"
)

type policyFile struct {
	Resources []resourcePolicy `yaml:"resources"`
}

type resourcePolicy struct {
	// Kind is a path.Match pattern, e.g. "loans::*".
	Kind  string       `yaml:"kind"`
	Rules []policyRule `yaml:"rules"`
}

type policyRule struct {
	Actions []string        `yaml:"actions"`
	Roles   []string        `yaml:"roles"`
	When    policyCondition `yaml:"when"`
}

type policyCondition struct {
	// Assignee requires the caller to hold the current task.
	Assignee bool `yaml:"assignee"`
	// Unassigned requires a current task without assignee.
	Unassigned bool `yaml:"unassigned"`
	// Queues restricts the current queue or the current task's queue.
	Queues []string `yaml:"queues"`
	// FourEyes lists task definitions the caller must not have worked on.
	FourEyes []string `yaml:"four_eyes"`
}

// StaticPolicy evaluates decisions from a YAML file mapping resource kinds
// and roles to actions. It is the local stand-in for a policy server.
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads a policy file.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// Path returns the policy file path.
func (p *StaticPolicy) Path() string { return p.path }

// Loaded reports whether any resource policy is loaded.
func (p *StaticPolicy) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.policy.Resources) > 0
}

// Sync reloads the policy file from disk. A file that fails to parse leaves
// the previous policy in place.
func (p *StaticPolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("authz: reading policy file %s: %w", p.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("authz: parsing policy file %s: %w", p.path, err)
	}
	for _, r := range f.Resources {
		if _, err := path.Match(r.Kind, ""); err != nil {
			return fmt.Errorf("authz: policy file %s: bad kind pattern %q: %w", p.path, r.Kind, err)
		}
		for _, rule := range r.Rules {
			for _, a := range rule.Actions {
				if a != "*" && !model.Action(a).Valid() {
					return fmt.Errorf("authz: policy file %s: unknown action %q", p.path, a)
				}
			}
		}
	}

	p.mu.Lock()
	p.policy = f
	p.mu.Unlock()
	return nil
}

// Check allows when any rule of a matching kind grants the action to one of
// the principal's roles and its conditions hold.
func (p *StaticPolicy) Check(_ context.Context, principal model.Principal, resource model.Resource, action model.Action) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, r := range p.policy.Resources {
		if ok, _ := path.Match(r.Kind, resource.Kind); !ok {
			continue
		}
		for _, rule := range r.Rules {
			if !matchAny(rule.Actions, action.String()) {
				continue
			}
			if !slices.Contains(rule.Roles, "*") && !hasAnyRole(principal.Roles, rule.Roles) {
				continue
			}
			if rule.When.holds(principal, resource) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c policyCondition) holds(principal model.Principal, resource model.Resource) bool {
	current, hasCurrent := mapAttr(resource.Attributes, "currentTask")
	assignee, hasAssignee := stringAttr(current, "assignee")

	if c.Assignee && (!hasCurrent || !hasAssignee || assignee != principal.ID) {
		return false
	}
	if c.Unassigned && (!hasCurrent || hasAssignee) {
		return false
	}
	if len(c.Queues) > 0 {
		queue, ok := stringAttr(resource.Attributes, "currentQueue")
		if !ok {
			queue, ok = stringAttr(current, "queue")
		}
		if !ok || !slices.Contains(c.Queues, queue) {
			return false
		}
	}
	if len(c.FourEyes) > 0 {
		states, _ := mapAttr(resource.Attributes, "taskStates")
		for _, key := range c.FourEyes {
			state, _ := mapAttr(states, key)
			if who, ok := stringAttr(state, "assignee"); ok && who == principal.ID {
				return false
			}
		}
	}
	return true
}

func matchAny(patterns []string, value string) bool {
	return slices.Contains(patterns, "*") || slices.Contains(patterns, value)
}

func hasAnyRole(held, allowed []string) bool {
	for _, r := range held {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}

func mapAttr(attrs model.Attributes, key string) (model.Attributes, bool) {
	if attrs == nil {
		return nil, false
	}
	return attrs[key].Map()
}

func stringAttr(attrs model.Attributes, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	return v.Str()
}
