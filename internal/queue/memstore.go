package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/taskgate/model"
)

// MemoryStore is an in-memory Store for testing and local runs. The mutex
// makes Claim a compare-and-set.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]model.QueueTask
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]model.QueueTask)}
}

// ListByQueue lists the tasks of a queue.
func (s *MemoryStore) ListByQueue(_ context.Context, queue string, unassignedOnly bool) ([]model.QueueTask, error) {
	return s.filter(func(t model.QueueTask) bool {
		if t.QueueName != queue {
			return false
		}
		if unassignedOnly {
			return t.Assignee == "" && t.Status == model.TaskOpen
		}
		return true
	}, less), nil
}

// ListByAssignee lists the open and claimed tasks of a user.
func (s *MemoryStore) ListByAssignee(_ context.Context, userID string) ([]model.QueueTask, error) {
	return s.filter(func(t model.QueueTask) bool {
		return t.Assignee == userID && t.Status != model.TaskCompleted
	}, less), nil
}

// ListByProcessInstance lists every task of an instance, oldest first.
func (s *MemoryStore) ListByProcessInstance(_ context.Context, processInstanceID string) ([]model.QueueTask, error) {
	return s.filter(func(t model.QueueTask) bool {
		return t.ProcessInstanceID == processInstanceID
	}, func(a, b model.QueueTask) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TaskID < b.TaskID
	}), nil
}

// Next returns the head of the unassigned list.
func (s *MemoryStore) Next(ctx context.Context, queue string) (model.QueueTask, bool, error) {
	tasks, _ := s.ListByQueue(ctx, queue, true)
	if len(tasks) == 0 {
		return model.QueueTask{}, false, nil
	}
	return tasks[0], true, nil
}

// Get returns a task by id.
func (s *MemoryStore) Get(_ context.Context, taskID string) (model.QueueTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.QueueTask{}, model.NewTaskNotFoundError(taskID)
	}
	return cloneTask(task), nil
}

// Insert stores a task unless it exists.
func (s *MemoryStore) Insert(_ context.Context, task model.QueueTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.TaskID]; exists {
		return false, nil
	}
	s.tasks[task.TaskID] = cloneTask(task)
	return true, nil
}

// Claim assigns an open, unassigned task.
func (s *MemoryStore) Claim(_ context.Context, taskID, userID string, at time.Time) (model.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.QueueTask{}, model.NewTaskNotFoundError(taskID)
	}
	if task.Assignee != "" || task.Status != model.TaskOpen {
		return model.QueueTask{}, claimConflict(task)
	}
	task.Assignee = userID
	task.Status = model.TaskClaimed
	task.ClaimedAt = &at
	s.tasks[taskID] = task
	return cloneTask(task), nil
}

// Unclaim returns a claimed task to open.
func (s *MemoryStore) Unclaim(_ context.Context, taskID string) (model.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.QueueTask{}, model.NewTaskNotFoundError(taskID)
	}
	if task.Status != model.TaskClaimed {
		return model.QueueTask{}, unclaimConflict(task)
	}
	task.Assignee = ""
	task.Status = model.TaskOpen
	task.ClaimedAt = nil
	s.tasks[taskID] = task
	return cloneTask(task), nil
}

// Complete marks a claimed task completed.
func (s *MemoryStore) Complete(_ context.Context, taskID string, at time.Time) (model.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return model.QueueTask{}, model.NewTaskNotFoundError(taskID)
	}
	if task.Status == model.TaskCompleted {
		return model.QueueTask{}, model.NewTaskCompletedError(taskID)
	}
	if task.Status != model.TaskClaimed || task.Assignee == "" {
		return model.QueueTask{}, model.NewTaskNotAssignedError(taskID)
	}
	task.Status = model.TaskCompleted
	task.CompletedAt = &at
	s.tasks[taskID] = task
	return cloneTask(task), nil
}

// Len returns the number of stored tasks. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *MemoryStore) filter(keep func(model.QueueTask) bool, order func(a, b model.QueueTask) bool) []model.QueueTask {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.QueueTask{}
	for _, t := range s.tasks {
		if keep(t) {
			result = append(result, cloneTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return order(result[i], result[j]) })
	return result
}

func cloneTask(t model.QueueTask) model.QueueTask {
	if t.ClaimedAt != nil {
		c := *t.ClaimedAt
		t.ClaimedAt = &c
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	if t.TaskData.DueDate != nil {
		c := *t.TaskData.DueDate
		t.TaskData.DueDate = &c
	}
	return t
}
