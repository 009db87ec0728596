package model

import "time"

// DefaultTaskPriority is used when the engine reports no priority.
const DefaultTaskPriority = 50

// TaskStatus is the lifecycle state of a projected task.
type TaskStatus string

// Task statuses. COMPLETED is terminal.
const (
	TaskOpen      TaskStatus = "OPEN"
	TaskClaimed   TaskStatus = "CLAIMED"
	TaskCompleted TaskStatus = "COMPLETED"
)

// QueueTask is the application-owned projection of an engine user task.
type QueueTask struct {
	TaskID               string     `json:"task_id"`
	ProcessInstanceID    string     `json:"process_instance_id"`
	ProcessDefinitionKey string     `json:"process_definition_key"`
	TaskDefinitionKey    string     `json:"task_definition_key"`
	TaskName             string     `json:"task_name"`
	QueueName            string     `json:"queue_name"`
	Assignee             string     `json:"assignee,omitempty"`
	Status               TaskStatus `json:"status"`
	Priority             int        `json:"priority"`
	BusinessKey          string     `json:"business_key,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ClaimedAt            *time.Time `json:"claimed_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	TaskData             TaskData   `json:"task_data"`
}

// Assigned reports whether the task has an assignee.
func (t *QueueTask) Assigned() bool {
	return t.Assignee != ""
}

// TaskData is the engine task snapshot captured at projection time.
type TaskData struct {
	Description       string     `json:"description,omitempty"`
	FormKey           string     `json:"form_key,omitempty"`
	Owner             string     `json:"owner,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	CreateTime        time.Time  `json:"create_time"`
	TaskDefinitionKey string     `json:"task_definition_key"`
}

// TaskDetails combines a queue task with live engine data.
type TaskDetails struct {
	QueueTask
	FormKey     string         `json:"form_key,omitempty"`
	Description string         `json:"description,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// ProcessInstanceView is a process instance with its projected tasks.
type ProcessInstanceView struct {
	ProcessInstanceID    string         `json:"process_instance_id"`
	ProcessDefinitionKey string         `json:"process_definition_key"`
	BusinessKey          string         `json:"business_key,omitempty"`
	Active               bool           `json:"active"`
	Variables            map[string]any `json:"variables,omitempty"`
	Tasks                []QueueTask    `json:"tasks"`
}

// StartProcessRequest starts a process instance.
type StartProcessRequest struct {
	ProcessDefinitionKey string         `json:"process_definition_key"`
	BusinessKey          string         `json:"business_key,omitempty"`
	Variables            map[string]any `json:"variables,omitempty"`
}

// CompleteTaskRequest carries the form submission for a task.
type CompleteTaskRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// Completion outcomes.
const (
	CompletionCompleted        = "COMPLETED"
	CompletionValidationFailed = "VALIDATION_FAILED"
)

// TaskCompletionResult reports the outcome of a task completion. A
// VALIDATION_FAILED status means the process looped back to the same task.
type TaskCompletionResult struct {
	TaskID            string         `json:"task_id"`
	ProcessInstanceID string         `json:"process_instance_id"`
	Status            string         `json:"status"`
	CompletedAt       time.Time      `json:"completed_at"`
	CompletedBy       string         `json:"completed_by"`
	ProcessActive     bool           `json:"process_active"`
	Message           string         `json:"message,omitempty"`
	ValidationErrors  any            `json:"validation_errors,omitempty"`
	AttemptNumber     int            `json:"attempt_number,omitempty"`
	RetryTaskID       string         `json:"retry_task_id,omitempty"`
	NextTaskID        string         `json:"next_task_id,omitempty"`
	NextTaskName      string         `json:"next_task_name,omitempty"`
	NextTaskQueue     string         `json:"next_task_queue,omitempty"`
	Variables         map[string]any `json:"variables,omitempty"`
}
