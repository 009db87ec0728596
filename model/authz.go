package model

import "strings"

// KindSeparator joins the business application and the process definition
// key in a resource kind.
const KindSeparator = "::"

// WorkflowManagementKind is the fixed resource kind for workflow-management
// operations.
const WorkflowManagementKind = "workflow-management"

// ResourceKind returns the dynamic resource kind for a process definition
// within a business application.
func ResourceKind(businessApp, processDefinitionKey string) string {
	return businessApp + KindSeparator + processDefinitionKey
}

// SplitResourceKind splits a dynamic kind into its business application and
// process definition key.
func SplitResourceKind(kind string) (businessApp, processDefinitionKey string, ok bool) {
	return strings.Cut(kind, KindSeparator)
}

// Principal is the subject of a policy decision.
type Principal struct {
	ID         string     `json:"id"`
	Roles      []string   `json:"roles"`
	Attributes Attributes `json:"attr"`
}

// Resource is the object of a policy decision.
type Resource struct {
	Kind       string     `json:"kind"`
	ID         string     `json:"id"`
	Attributes Attributes `json:"attr"`
}

// DecisionStage names the step of an authorization that produced a denial.
type DecisionStage string

// Decision stages.
const (
	StagePrincipal DecisionStage = "principal"
	StageResource  DecisionStage = "resource"
	StagePolicy    DecisionStage = "policy"
)

// Decision is the tagged outcome of an authorization check: either allowed
// or denied with a reason. The zero value is a denial.
type Decision struct {
	allowed bool
	reason  string
	stage   DecisionStage
	err     error
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{allowed: true}
}

// Deny returns a denial from the policy service.
func Deny(reason string) Decision {
	return Decision{reason: reason, stage: StagePolicy}
}

// DenyOnError returns a denial caused by a failure at the given stage.
func DenyOnError(stage DecisionStage, err error) Decision {
	reason := "authorization check failed"
	if err != nil {
		reason = err.Error()
	}
	return Decision{reason: reason, stage: stage, err: err}
}

// Allowed collapses the decision to a boolean.
func (d Decision) Allowed() bool { return d.allowed }

// Reason returns the denial reason; empty when allowed.
func (d Decision) Reason() string { return d.reason }

// Stage returns the stage that denied; empty when allowed.
func (d Decision) Stage() DecisionStage { return d.stage }

// Err returns the failure behind an error-driven denial.
func (d Decision) Err() error { return d.err }

// Outcome is "allowed" or "denied".
func (d Decision) Outcome() string {
	if d.allowed {
		return "allowed"
	}
	return "denied"
}
