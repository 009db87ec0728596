package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/taskgate/model"
)

// defaultEnginePriority mirrors the engine-side default task priority.
const defaultEnginePriority = 50

// Transition decides which user task follows a completed one. It returns
// the task definition key to activate next, or "" to end the process.
// variables is the live process variable map and may be modified.
type Transition func(processDefinitionKey, completedTaskKey string, variables map[string]any) string

type memDefinition struct {
	id         string
	version    int
	deployment Deployment
	def        ProcessDefinition
}

type memInstance struct {
	ProcessInstance
	definition *memDefinition
	variables  map[string]any
}

// Memory is an in-process engine that runs each process as a sequence of
// user tasks in document order. A Transition hook can redirect the flow,
// which is how tests model gateways and validation loopbacks.
type Memory struct {
	mu          sync.Mutex
	definitions map[string]*memDefinition // by definition id
	latest      map[string]*memDefinition // by process key
	instances   map[string]*memInstance
	tasks       map[string]*ActiveTask
	transition  Transition
	now         func() time.Time
	seq         int
}

// NewMemory creates an empty in-process engine.
func NewMemory() *Memory {
	return &Memory{
		definitions: make(map[string]*memDefinition),
		latest:      make(map[string]*memDefinition),
		instances:   make(map[string]*memInstance),
		tasks:       make(map[string]*ActiveTask),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// OnTransition replaces the flow hook. nil restores document order.
func (m *Memory) OnTransition(fn Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition = fn
}

// Check implements a readiness probe; the in-process engine is always up.
func (m *Memory) Check(context.Context) error { return nil }

// Deploy parses and registers a BPMN document. Redeploying a key creates a
// new definition version.
func (m *Memory) Deploy(_ context.Context, name, _ string, bpmnXML string) (Deployment, error) {
	def, err := ParseBPMN(bpmnXML)
	if err != nil {
		return Deployment{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	version := 1
	if prev, ok := m.latest[def.Key]; ok {
		version = prev.version + 1
	}
	id := fmt.Sprintf("%s:%d:%s", def.Key, version, uuid.NewString())
	d := &memDefinition{
		id:      id,
		version: version,
		def:     def,
		deployment: Deployment{
			ID:                   uuid.NewString(),
			Name:                 name,
			ProcessDefinitionID:  id,
			ProcessDefinitionKey: def.Key,
			DeployedAt:           m.now(),
		},
	}
	m.definitions[id] = d
	m.latest[def.Key] = d
	return d.deployment, nil
}

// GetBPMNUserTasks returns the user tasks of a deployed definition.
func (m *Memory) GetBPMNUserTasks(_ context.Context, processDefinitionID string) ([]UserTaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.definitions[processDefinitionID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process definition %q not found", processDefinitionID))
	}
	return append([]UserTaskDefinition(nil), d.def.UserTasks...), nil
}

// StartProcess starts the latest version of a definition and activates its
// first user task.
func (m *Memory) StartProcess(_ context.Context, definitionKey, businessKey string, variables map[string]any) (ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.latest[definitionKey]
	if !ok {
		return ProcessInstance{}, model.NewNotFoundError(fmt.Sprintf("process definition %q not deployed", definitionKey))
	}

	inst := &memInstance{
		ProcessInstance: ProcessInstance{
			ID:                   uuid.NewString(),
			ProcessDefinitionKey: definitionKey,
			ProcessDefinitionID:  d.id,
			BusinessKey:          businessKey,
			StartedAt:            m.now(),
		},
		definition: d,
		variables:  maps.Clone(variables),
	}
	if inst.variables == nil {
		inst.variables = make(map[string]any)
	}
	m.instances[inst.ID] = inst

	if len(d.def.UserTasks) == 0 {
		inst.Ended = true
	} else {
		m.activate(inst, d.def.UserTasks[0].ID)
	}
	return inst.ProcessInstance, nil
}

// GetProcessInstance returns a running instance.
func (m *Memory) GetProcessInstance(_ context.Context, id string) (ProcessInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.running(id)
	if err != nil {
		return ProcessInstance{}, err
	}
	return inst.ProcessInstance, nil
}

// GetProcessDefinitionKey returns the definition key of a running instance.
func (m *Memory) GetProcessDefinitionKey(_ context.Context, processInstanceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.running(processInstanceID)
	if err != nil {
		return "", err
	}
	return inst.ProcessDefinitionKey, nil
}

// GetActiveTasks lists the waiting user tasks of an instance in activation order.
func (m *Memory) GetActiveTasks(_ context.Context, processInstanceID string) ([]ActiveTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ActiveTask
	for _, t := range m.tasks {
		if t.ProcessInstanceID == processInstanceID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetTask returns a waiting task.
func (m *Memory) GetTask(_ context.Context, taskID string) (ActiveTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ActiveTask{}, model.NewTaskNotFoundError(taskID)
	}
	return cloneTask(t), nil
}

// ClaimTask assigns a task. Claiming a task held by someone else fails.
func (m *Memory) ClaimTask(_ context.Context, taskID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.NewTaskNotFoundError(taskID)
	}
	if t.Assignee != "" && t.Assignee != userID {
		return model.NewTaskAlreadyAssignedError(taskID)
	}
	t.Assignee = userID
	return nil
}

// UnclaimTask clears the assignee.
func (m *Memory) UnclaimTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.NewTaskNotFoundError(taskID)
	}
	t.Assignee = ""
	return nil
}

// CompleteTask merges variables into the process scope and advances the flow.
func (m *Memory) CompleteTask(_ context.Context, taskID string, variables map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return model.NewTaskNotFoundError(taskID)
	}
	inst := m.instances[t.ProcessInstanceID]
	delete(m.tasks, taskID)
	maps.Copy(inst.variables, variables)

	next := m.nextTask(inst, t.TaskDefinitionKey)
	if next == "" {
		inst.Ended = true
		return nil
	}
	m.activate(inst, next)
	return nil
}

// GetProcessVariables returns a copy of the process variables.
func (m *Memory) GetProcessVariables(_ context.Context, processInstanceID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.running(processInstanceID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(inst.variables), nil
}

// GetTaskVariables returns the variables visible to a task.
func (m *Memory) GetTaskVariables(_ context.Context, taskID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, model.NewTaskNotFoundError(taskID)
	}
	return maps.Clone(m.instances[t.ProcessInstanceID].variables), nil
}

func (m *Memory) running(id string) (*memInstance, error) {
	inst, ok := m.instances[id]
	if !ok || inst.Ended {
		return nil, model.NewProcessNotFoundError(id)
	}
	return inst, nil
}

func (m *Memory) nextTask(inst *memInstance, completedKey string) string {
	if m.transition != nil {
		return m.transition(inst.ProcessDefinitionKey, completedKey, inst.variables)
	}
	tasks := inst.definition.def.UserTasks
	for i, ut := range tasks {
		if ut.ID == completedKey && i+1 < len(tasks) {
			return tasks[i+1].ID
		}
	}
	return ""
}

// activate must be called with the lock held.
func (m *Memory) activate(inst *memInstance, taskKey string) {
	var def UserTaskDefinition
	for _, ut := range inst.definition.def.UserTasks {
		if ut.ID == taskKey {
			def = ut
			break
		}
	}
	if def.ID == "" {
		inst.Ended = true
		return
	}

	priority := def.Priority
	if priority <= 0 {
		priority = defaultEnginePriority
	}
	// Sequence keeps CreateTime strictly increasing within one clock tick.
	m.seq++
	t := &ActiveTask{
		ID:                  uuid.NewString(),
		Name:                def.Name,
		TaskDefinitionKey:   def.ID,
		ProcessInstanceID:   inst.ID,
		ProcessDefinitionID: inst.ProcessDefinitionID,
		Description:         def.Documentation,
		FormKey:             def.FormKey,
		Priority:            priority,
		CreateTime:          m.now().Add(time.Duration(m.seq) * time.Nanosecond),
		CandidateGroups:     append([]string(nil), def.CandidateGroups...),
	}
	m.tasks[t.ID] = t
}

func cloneTask(t *ActiveTask) ActiveTask {
	c := *t
	c.CandidateGroups = append([]string(nil), t.CandidateGroups...)
	return c
}
