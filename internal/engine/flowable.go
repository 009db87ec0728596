package engine

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pitabwire/taskgate/internal/upstream"
	"github.com/pitabwire/taskgate/model"
)

// FlowableClient implements Adapter over the Flowable REST API.
type FlowableClient struct {
	client *upstream.Client
}

// NewFlowableClient wraps a resilient upstream client pointed at the
// Flowable REST service root, e.g. http://flowable:8080/flowable-rest/service.
func NewFlowableClient(client *upstream.Client) *FlowableClient {
	return &FlowableClient{client: client}
}

// Check reports the engine unhealthy while its circuit breaker is open.
func (f *FlowableClient) Check(ctx context.Context) error {
	return f.client.Check(ctx)
}

type flowableVariable struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value any    `json:"value"`
	Scope string `json:"scope,omitempty"`
}

type flowableProcessInstance struct {
	ID                  string `json:"id"`
	ProcessDefinitionID string `json:"processDefinitionId"`
	BusinessKey         string `json:"businessKey"`
	Ended               bool   `json:"ended"`
	Completed           bool   `json:"completed"`
	StartTime           string `json:"startTime"`
}

type flowableTask struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	TaskDefinitionKey   string `json:"taskDefinitionKey"`
	ProcessInstanceID   string `json:"processInstanceId"`
	ProcessDefinitionID string `json:"processDefinitionId"`
	Assignee            string `json:"assignee"`
	Owner               string `json:"owner"`
	Description         string `json:"description"`
	FormKey             string `json:"formKey"`
	Priority            int    `json:"priority"`
	CreateTime          string `json:"createTime"`
	DueDate             string `json:"dueDate"`
}

type flowableIdentityLink struct {
	Group string `json:"group"`
	Type  string `json:"type"`
}

type flowableList[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

type flowableDeployment struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	DeploymentTime string `json:"deploymentTime"`
}

type flowableProcessDefinition struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// StartProcess starts the latest version of a definition.
func (f *FlowableClient) StartProcess(ctx context.Context, definitionKey, businessKey string, variables map[string]any) (ProcessInstance, error) {
	body := map[string]any{
		"processDefinitionKey": definitionKey,
		"variables":            toVariables(variables),
	}
	if businessKey != "" {
		body["businessKey"] = businessKey
	}

	var resp flowableProcessInstance
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   "/runtime/process-instances",
		Body:   body,
	}, &resp)
	if err != nil {
		return ProcessInstance{}, mapError("start process", err, func() error {
			return model.NewNotFoundError(fmt.Sprintf("process definition %q not deployed", definitionKey))
		})
	}
	return resp.toInstance(), nil
}

// GetProcessInstance fetches a running instance.
func (f *FlowableClient) GetProcessInstance(ctx context.Context, id string) (ProcessInstance, error) {
	var resp flowableProcessInstance
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/runtime/process-instances/" + url.PathEscape(id),
	}, &resp)
	if err != nil {
		return ProcessInstance{}, mapError("get process instance", err, func() error {
			return model.NewProcessNotFoundError(id)
		})
	}
	inst := resp.toInstance()
	if inst.Ended {
		return ProcessInstance{}, model.NewProcessNotFoundError(id)
	}
	return inst, nil
}

// GetProcessDefinitionKey resolves the definition key of a running instance.
func (f *FlowableClient) GetProcessDefinitionKey(ctx context.Context, processInstanceID string) (string, error) {
	inst, err := f.GetProcessInstance(ctx, processInstanceID)
	if err != nil {
		return "", err
	}
	return inst.ProcessDefinitionKey, nil
}

// GetActiveTasks lists the waiting tasks of an instance, oldest first.
func (f *FlowableClient) GetActiveTasks(ctx context.Context, processInstanceID string) ([]ActiveTask, error) {
	var resp flowableList[flowableTask]
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/runtime/tasks",
		Query: url.Values{
			"processInstanceId": {processInstanceID},
			"sort":              {"createTime"},
			"order":             {"asc"},
			"size":              {"1000"},
		},
	}, &resp)
	if err != nil {
		return nil, mapError("list active tasks", err, nil)
	}

	tasks := make([]ActiveTask, 0, len(resp.Data))
	for _, t := range resp.Data {
		tasks = append(tasks, t.toTask())
	}
	return tasks, nil
}

// GetTask fetches a waiting task with its candidate groups.
func (f *FlowableClient) GetTask(ctx context.Context, taskID string) (ActiveTask, error) {
	notFound := func() error { return model.NewTaskNotFoundError(taskID) }
	path := "/runtime/tasks/" + url.PathEscape(taskID)

	var resp flowableTask
	if err := f.client.Do(ctx, upstream.Request{Method: http.MethodGet, Path: path}, &resp); err != nil {
		return ActiveTask{}, mapError("get task", err, notFound)
	}
	task := resp.toTask()

	var links []flowableIdentityLink
	if err := f.client.Do(ctx, upstream.Request{Method: http.MethodGet, Path: path + "/identitylinks"}, &links); err != nil {
		return ActiveTask{}, mapError("get task identity links", err, notFound)
	}
	for _, l := range links {
		if l.Type == "candidate" && l.Group != "" {
			task.CandidateGroups = append(task.CandidateGroups, l.Group)
		}
	}
	return task, nil
}

// ClaimTask assigns a task to userID. The engine answers 409 when the task
// is held by someone else.
func (f *FlowableClient) ClaimTask(ctx context.Context, taskID, userID string) error {
	return f.taskAction(ctx, "claim task", taskID, map[string]any{"action": "claim", "assignee": userID})
}

// UnclaimTask clears the assignee.
func (f *FlowableClient) UnclaimTask(ctx context.Context, taskID string) error {
	return f.taskAction(ctx, "unclaim task", taskID, map[string]any{"action": "claim", "assignee": nil})
}

// CompleteTask completes a task with the submitted variables.
func (f *FlowableClient) CompleteTask(ctx context.Context, taskID string, variables map[string]any) error {
	return f.taskAction(ctx, "complete task", taskID, map[string]any{
		"action":    "complete",
		"variables": toVariables(variables),
	})
}

func (f *FlowableClient) taskAction(ctx context.Context, op, taskID string, body map[string]any) error {
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   "/runtime/tasks/" + url.PathEscape(taskID),
		Body:   body,
	}, nil)
	if err == nil {
		return nil
	}
	if code, ok := upstream.StatusCode(err); ok && code == http.StatusConflict {
		return model.NewTaskAlreadyAssignedError(taskID)
	}
	return mapError(op, err, func() error { return model.NewTaskNotFoundError(taskID) })
}

// GetProcessVariables returns the process-scoped variables of an instance.
func (f *FlowableClient) GetProcessVariables(ctx context.Context, processInstanceID string) (map[string]any, error) {
	var vars []flowableVariable
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/runtime/process-instances/" + url.PathEscape(processInstanceID) + "/variables",
	}, &vars)
	if err != nil {
		return nil, mapError("get process variables", err, func() error {
			return model.NewProcessNotFoundError(processInstanceID)
		})
	}
	return fromVariables(vars), nil
}

// GetTaskVariables returns the variables visible to a task, local values
// shadowing process-scoped ones.
func (f *FlowableClient) GetTaskVariables(ctx context.Context, taskID string) (map[string]any, error) {
	var vars []flowableVariable
	err := f.client.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/runtime/tasks/" + url.PathEscape(taskID) + "/variables",
	}, &vars)
	if err != nil {
		return nil, mapError("get task variables", err, func() error {
			return model.NewTaskNotFoundError(taskID)
		})
	}
	sort.SliceStable(vars, func(i, j int) bool {
		return vars[i].Scope != "local" && vars[j].Scope == "local"
	})
	return fromVariables(vars), nil
}

// Deploy uploads a BPMN document and resolves the process definition it created.
func (f *FlowableClient) Deploy(ctx context.Context, name, resourceName, bpmnXML string) (Deployment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", resourceName)
	if err != nil {
		return Deployment{}, fmt.Errorf("engine: build deployment: %w", err)
	}
	if _, err := part.Write([]byte(bpmnXML)); err != nil {
		return Deployment{}, fmt.Errorf("engine: build deployment: %w", err)
	}
	if err := mw.WriteField("deploymentName", name); err != nil {
		return Deployment{}, fmt.Errorf("engine: build deployment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Deployment{}, fmt.Errorf("engine: build deployment: %w", err)
	}

	var dep flowableDeployment
	err = f.client.Do(ctx, upstream.Request{
		Method:      http.MethodPost,
		Path:        "/repository/deployments",
		Query:       url.Values{"deploymentName": {name}},
		RawBody:     buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	}, &dep)
	if err != nil {
		return Deployment{}, mapError("deploy process definition", err, nil)
	}

	var defs flowableList[flowableProcessDefinition]
	err = f.client.Do(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/repository/process-definitions",
		Query:  url.Values{"deploymentId": {dep.ID}},
	}, &defs)
	if err != nil {
		return Deployment{}, mapError("resolve deployed definition", err, nil)
	}
	if len(defs.Data) == 0 {
		return Deployment{}, model.NewUpstreamError("resolve deployed definition",
			fmt.Errorf("deployment %s produced no process definition", dep.ID))
	}

	return Deployment{
		ID:                   dep.ID,
		Name:                 dep.Name,
		ProcessDefinitionID:  defs.Data[0].ID,
		ProcessDefinitionKey: defs.Data[0].Key,
		DeployedAt:           parseTime(dep.DeploymentTime),
	}, nil
}

// GetBPMNUserTasks downloads the definition's BPMN resource and extracts
// its user tasks.
func (f *FlowableClient) GetBPMNUserTasks(ctx context.Context, processDefinitionID string) ([]UserTaskDefinition, error) {
	raw, err := f.client.DoRaw(ctx, upstream.Request{
		Method: http.MethodGet,
		Path:   "/repository/process-definitions/" + url.PathEscape(processDefinitionID) + "/resourcedata",
		Header: http.Header{"Accept": {"application/xml, text/xml, */*"}},
	})
	if err != nil {
		return nil, mapError("fetch process definition", err, func() error {
			return model.NewNotFoundError(fmt.Sprintf("process definition %q not found", processDefinitionID))
		})
	}
	def, err := ParseBPMN(string(raw))
	if err != nil {
		return nil, model.NewUpstreamError("parse process definition", err)
	}
	return def.UserTasks, nil
}

// mapError converts upstream failures into the service taxonomy. 404 maps
// to notFound when given; envelopes from the client pass through.
func mapError(op string, err error, notFound func() error) error {
	if code, ok := upstream.StatusCode(err); ok {
		if code == http.StatusNotFound && notFound != nil {
			return notFound()
		}
		return model.NewUpstreamError(op, err)
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	return model.NewUpstreamError(op, err)
}

func (p flowableProcessInstance) toInstance() ProcessInstance {
	return ProcessInstance{
		ID:                   p.ID,
		ProcessDefinitionKey: definitionKeyFromID(p.ProcessDefinitionID),
		ProcessDefinitionID:  p.ProcessDefinitionID,
		BusinessKey:          p.BusinessKey,
		Ended:                p.Ended || p.Completed,
		StartedAt:            parseTime(p.StartTime),
	}
}

func (t flowableTask) toTask() ActiveTask {
	task := ActiveTask{
		ID:                  t.ID,
		Name:                t.Name,
		TaskDefinitionKey:   t.TaskDefinitionKey,
		ProcessInstanceID:   t.ProcessInstanceID,
		ProcessDefinitionID: t.ProcessDefinitionID,
		Assignee:            t.Assignee,
		Owner:               t.Owner,
		Description:         t.Description,
		FormKey:             t.FormKey,
		Priority:            t.Priority,
		CreateTime:          parseTime(t.CreateTime),
	}
	if t.DueDate != "" {
		due := parseTime(t.DueDate)
		task.DueDate = &due
	}
	return task
}

// definitionKeyFromID extracts the key from an id of the form key:version:uuid.
func definitionKeyFromID(id string) string {
	if i := strings.Index(id, ":"); i > 0 {
		return id[:i]
	}
	return id
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// toVariables renders variables in name order for stable request bodies.
func toVariables(vars map[string]any) []flowableVariable {
	out := make([]flowableVariable, 0, len(vars))
	for name, value := range vars {
		out = append(out, flowableVariable{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fromVariables(vars []flowableVariable) map[string]any {
	out := make(map[string]any, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out
}
