// Package authz assembles principals and resource contexts and asks the
// policy decision point whether an action is allowed. Every failure denies.
package authz

import "github.com/pitabwire/taskgate/model"

type targetKind int

const (
	targetProcess targetKind = iota + 1
	targetTask
	targetCreation
	targetQueue
	targetWorkflowManagement
)

func (k targetKind) String() string {
	switch k {
	case targetProcess:
		return "process"
	case targetTask:
		return "task"
	case targetCreation:
		return "creation"
	case targetQueue:
		return "queue"
	case targetWorkflowManagement:
		return "workflow_management"
	default:
		return "unknown"
	}
}

// Target names the resource an action is checked against. Build one with the
// constructors below.
type Target struct {
	kind                 targetKind
	BusinessApp          string
	ProcessInstanceID    string
	ProcessDefinitionKey string
	TaskID               string
	Queue                string
	CreateRequest        map[string]any
}

// ProcessTarget targets a running process instance.
func ProcessTarget(businessApp, processInstanceID string) Target {
	return Target{kind: targetProcess, BusinessApp: businessApp, ProcessInstanceID: processInstanceID}
}

// WithTask adds a task to a process target so currentTask is populated.
func (t Target) WithTask(taskID string) Target {
	t.TaskID = taskID
	return t
}

// TaskTarget targets a projected task; its process instance is resolved from
// the queue.
func TaskTarget(businessApp, taskID string) Target {
	return Target{kind: targetTask, BusinessApp: businessApp, TaskID: taskID}
}

// CreationTarget targets a process that does not exist yet. The start
// variables are exposed to policies as createRequest.
func CreationTarget(businessApp, processDefinitionKey string, variables map[string]any) Target {
	return Target{
		kind:                 targetCreation,
		BusinessApp:          businessApp,
		ProcessDefinitionKey: processDefinitionKey,
		CreateRequest:        variables,
	}
}

// QueueTarget targets a task queue of a business application.
func QueueTarget(businessApp, queue string) Target {
	return Target{kind: targetQueue, BusinessApp: businessApp, Queue: queue}
}

// WorkflowManagementTarget targets workflow registration, deployment and
// user-role administration.
func WorkflowManagementTarget(businessApp, processDefinitionKey string) Target {
	return Target{
		kind:                 targetWorkflowManagement,
		BusinessApp:          businessApp,
		ProcessDefinitionKey: processDefinitionKey,
	}
}

// identifier is the most specific id available, for logs.
func (t Target) identifier() string {
	switch {
	case t.TaskID != "":
		return t.TaskID
	case t.ProcessInstanceID != "":
		return t.ProcessInstanceID
	case t.Queue != "":
		return t.BusinessApp + model.KindSeparator + t.Queue
	default:
		return t.ProcessDefinitionKey
	}
}
