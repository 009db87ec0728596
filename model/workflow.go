package model

import "time"

// DefaultQueue receives tasks whose candidate groups have no mapping.
const DefaultQueue = "default"

// WorkflowMetadata is the routing rule set registered for one process
// definition. Routes are populated on deployment; until then only the
// candidate-group mappings are known.
type WorkflowMetadata struct {
	ID                     string            `json:"id"`
	ProcessDefinitionKey   string            `json:"process_definition_key"`
	ProcessName            string            `json:"process_name"`
	Description            string            `json:"description,omitempty"`
	BusinessApp            string            `json:"business_app"`
	Version                int               `json:"version"`
	CandidateGroupMappings map[string]string `json:"candidate_group_mappings"`
	TaskRoutes             []TaskRoute       `json:"task_queue_mappings"`
	Metadata               map[string]any    `json:"metadata,omitempty"`
	Active                 bool              `json:"active"`
	Deployed               bool              `json:"deployed"`
	DeploymentID           string            `json:"deployment_id,omitempty"`
	ProcessDefinitionID    string            `json:"process_definition_id,omitempty"`
	CreatedBy              string            `json:"created_by,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// Route returns the route for a task definition key.
func (w *WorkflowMetadata) Route(taskDefinitionKey string) (TaskRoute, bool) {
	for _, r := range w.TaskRoutes {
		if r.TaskDefinitionKey == taskDefinitionKey {
			return r, true
		}
	}
	return TaskRoute{}, false
}

// TaskRoute binds one user-task definition to the queue its instances land in.
type TaskRoute struct {
	TaskDefinitionKey string        `json:"task_id"`
	TaskName          string        `json:"task_name"`
	CandidateGroups   []string      `json:"candidate_groups"`
	Queue             string        `json:"queue"`
	Metadata          RouteMetadata `json:"metadata"`
}

// RouteMetadata carries descriptive data copied from the process definition.
type RouteMetadata struct {
	Documentation string `json:"documentation,omitempty"`
	FormKey       string `json:"form_key,omitempty"`
	Category      string `json:"category,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

// RegisterWorkflowRequest registers routing rules for a process definition.
type RegisterWorkflowRequest struct {
	ProcessDefinitionKey   string            `json:"process_definition_key"`
	ProcessName            string            `json:"process_name"`
	Description            string            `json:"description,omitempty"`
	BusinessApp            string            `json:"business_app"`
	CandidateGroupMappings map[string]string `json:"candidate_group_mappings"`
	Metadata               map[string]any    `json:"metadata,omitempty"`
}

// DeployWorkflowRequest deploys a BPMN document for registered metadata.
type DeployWorkflowRequest struct {
	ProcessDefinitionKey string `json:"process_definition_key"`
	BPMNXML              string `json:"bpmn_xml"`
	DeploymentName       string `json:"deployment_name,omitempty"`
}
