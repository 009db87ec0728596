package model

import (
	"encoding/json"
	"fmt"
)

// Action is an operation a principal asks to perform on a resource. The set
// is closed: only the constants below are valid.
type Action string

// Process, task and queue actions.
const (
	ActionClaimTask             Action = "claim_task"
	ActionCompleteTask          Action = "complete_task"
	ActionUnclaimTask           Action = "unclaim_task"
	ActionViewTask              Action = "view_task"
	ActionViewQueue             Action = "view_queue"
	ActionStartWorkflowInstance Action = "start_workflow_instance"
	ActionReadWorkflowInstance  Action = "read_workflow_instance"
)

// Workflow-management actions. These are checked against the fixed
// workflow-management resource kind.
const (
	ActionRegisterWorkflow Action = "register_workflow"
	ActionDeployWorkflow   Action = "deploy_workflow"
	ActionViewWorkflow     Action = "view_workflow"
	ActionManageUserRoles  Action = "manage_user_roles"
)

var knownActions = map[Action]bool{
	ActionClaimTask:             false,
	ActionCompleteTask:          false,
	ActionUnclaimTask:           false,
	ActionViewTask:              false,
	ActionViewQueue:             false,
	ActionStartWorkflowInstance: false,
	ActionReadWorkflowInstance:  false,
	ActionRegisterWorkflow:      true,
	ActionDeployWorkflow:        true,
	ActionViewWorkflow:          true,
	ActionManageUserRoles:       true,
}

// ParseAction converts s into an Action, rejecting values outside the set.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", NewValidationError([]FieldError{{
			Field:   "action",
			Code:    "UNKNOWN_ACTION",
			Message: fmt.Sprintf("unknown action %q", s),
		}})
	}
	return a, nil
}

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// IsWorkflowManagement reports whether a targets the workflow-management kind.
func (a Action) IsWorkflowManagement() bool {
	return knownActions[a]
}

// String returns the wire name of the action.
func (a Action) String() string {
	return string(a)
}

// UnmarshalJSON rejects unknown actions.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AllActions returns every defined action.
func AllActions() []Action {
	return []Action{
		ActionClaimTask,
		ActionCompleteTask,
		ActionUnclaimTask,
		ActionViewTask,
		ActionViewQueue,
		ActionStartWorkflowInstance,
		ActionReadWorkflowInstance,
		ActionRegisterWorkflow,
		ActionDeployWorkflow,
		ActionViewWorkflow,
		ActionManageUserRoles,
	}
}
