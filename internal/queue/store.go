// Package queue owns the application-side projection of engine user tasks:
// the queue task store and the projector that reconciles it with the engine.
package queue

import (
	"context"
	"time"

	"github.com/pitabwire/taskgate/model"
)

// Store persists queue tasks. Listings are ordered by priority descending,
// then creation time ascending.
type Store interface {
	// ListByQueue lists the tasks of a queue. With unassignedOnly, only OPEN
	// tasks without an assignee are returned.
	ListByQueue(ctx context.Context, queue string, unassignedOnly bool) ([]model.QueueTask, error)

	// ListByAssignee lists the OPEN and CLAIMED tasks assigned to a user.
	ListByAssignee(ctx context.Context, userID string) ([]model.QueueTask, error)

	// ListByProcessInstance lists every task of an instance, oldest first.
	ListByProcessInstance(ctx context.Context, processInstanceID string) ([]model.QueueTask, error)

	// Next returns the head of the unassigned list. ok is false when the
	// queue is empty.
	Next(ctx context.Context, queue string) (task model.QueueTask, ok bool, err error)

	// Get returns TASK_NOT_FOUND when the task is absent.
	Get(ctx context.Context, taskID string) (model.QueueTask, error)

	// Insert stores a task unless one with the same id exists.
	Insert(ctx context.Context, task model.QueueTask) (inserted bool, err error)

	// Claim assigns an OPEN, unassigned task. Concurrent claims have exactly
	// one winner; losers get TASK_ALREADY_ASSIGNED.
	Claim(ctx context.Context, taskID, userID string, at time.Time) (model.QueueTask, error)

	// Unclaim returns a CLAIMED task to OPEN.
	Unclaim(ctx context.Context, taskID string) (model.QueueTask, error)

	// Complete marks a CLAIMED task COMPLETED. COMPLETED is terminal.
	Complete(ctx context.Context, taskID string, at time.Time) (model.QueueTask, error)
}

// less orders tasks by priority descending, then creation time ascending,
// then task id for a total order.
func less(a, b model.QueueTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.TaskID < b.TaskID
}

// claimConflict reports why a task cannot be claimed.
func claimConflict(task model.QueueTask) error {
	if task.Status == model.TaskCompleted {
		return model.NewTaskCompletedError(task.TaskID)
	}
	return model.NewTaskAlreadyAssignedError(task.TaskID)
}

// unclaimConflict reports why a task cannot be unclaimed.
func unclaimConflict(task model.QueueTask) error {
	if task.Status == model.TaskCompleted {
		return model.NewTaskCompletedError(task.TaskID)
	}
	return model.NewTaskNotAssignedError(task.TaskID)
}
