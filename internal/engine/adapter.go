// Package engine defines the process engine adapter and its
// implementations: a Flowable REST client and an in-process engine.
package engine

import (
	"context"
	"time"
)

// ProcessInstance is a running or ended process instance.
type ProcessInstance struct {
	ID                   string    `json:"id"`
	ProcessDefinitionKey string    `json:"process_definition_key"`
	ProcessDefinitionID  string    `json:"process_definition_id"`
	BusinessKey          string    `json:"business_key,omitempty"`
	Ended                bool      `json:"ended"`
	StartedAt            time.Time `json:"started_at"`
}

// ActiveTask is a user task currently waiting in the engine.
type ActiveTask struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	TaskDefinitionKey   string     `json:"task_definition_key"`
	ProcessInstanceID   string     `json:"process_instance_id"`
	ProcessDefinitionID string     `json:"process_definition_id"`
	Assignee            string     `json:"assignee,omitempty"`
	Owner               string     `json:"owner,omitempty"`
	Description         string     `json:"description,omitempty"`
	FormKey             string     `json:"form_key,omitempty"`
	Priority            int        `json:"priority"`
	CreateTime          time.Time  `json:"create_time"`
	DueDate             *time.Time `json:"due_date,omitempty"`
	CandidateGroups     []string   `json:"candidate_groups,omitempty"`
}

// UserTaskDefinition is a user task declared in a BPMN process definition.
type UserTaskDefinition struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Documentation   string   `json:"documentation,omitempty"`
	FormKey         string   `json:"form_key,omitempty"`
	Category        string   `json:"category,omitempty"`
	CandidateGroups []string `json:"candidate_groups"`
	Priority        int      `json:"priority,omitempty"`
}

// Deployment is the result of deploying a BPMN document.
type Deployment struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	ProcessDefinitionID  string    `json:"process_definition_id"`
	ProcessDefinitionKey string    `json:"process_definition_key"`
	DeployedAt           time.Time `json:"deployed_at"`
}

// Adapter is the narrow view of the process engine the service depends on.
// Missing instances and tasks are reported as ErrorEnvelopes with
// PROCESS_NOT_FOUND and TASK_NOT_FOUND; transport failures as UPSTREAM_FAILURE.
type Adapter interface {
	StartProcess(ctx context.Context, definitionKey, businessKey string, variables map[string]any) (ProcessInstance, error)
	// GetProcessInstance returns PROCESS_NOT_FOUND for ended or unknown instances.
	GetProcessInstance(ctx context.Context, id string) (ProcessInstance, error)
	GetActiveTasks(ctx context.Context, processInstanceID string) ([]ActiveTask, error)
	GetTask(ctx context.Context, taskID string) (ActiveTask, error)
	ClaimTask(ctx context.Context, taskID, userID string) error
	UnclaimTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, variables map[string]any) error
	GetProcessVariables(ctx context.Context, processInstanceID string) (map[string]any, error)
	GetTaskVariables(ctx context.Context, taskID string) (map[string]any, error)
	GetProcessDefinitionKey(ctx context.Context, processInstanceID string) (string, error)
	Deploy(ctx context.Context, name, resourceName, bpmnXML string) (Deployment, error)
	GetBPMNUserTasks(ctx context.Context, processDefinitionID string) ([]UserTaskDefinition, error)
}
