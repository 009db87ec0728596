package taskflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// ListQueue returns the application's tasks in a queue, highest priority
// first, oldest first within a priority.
func (s *Service) ListQueue(ctx context.Context, userID, businessApp, queueName string, unassignedOnly bool) ([]model.QueueTask, error) {
	if err := s.authz.Require(ctx, userID, model.ActionViewQueue, authz.QueueTarget(businessApp, queueName)); err != nil {
		return nil, err
	}
	keys, err := s.appDefinitions(ctx, businessApp)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByQueue(ctx, queueName, unassignedOnly)
	if err != nil {
		return nil, err
	}
	return filterTasks(tasks, keys), nil
}

// NextTask returns the first unassigned task of the application in a queue.
// ok is false when the queue has nothing to pick.
func (s *Service) NextTask(ctx context.Context, userID, businessApp, queueName string) (task model.QueueTask, ok bool, err error) {
	if err := s.authz.Require(ctx, userID, model.ActionViewQueue, authz.QueueTarget(businessApp, queueName)); err != nil {
		return model.QueueTask{}, false, err
	}
	keys, err := s.appDefinitions(ctx, businessApp)
	if err != nil {
		return model.QueueTask{}, false, err
	}

	task, ok, err = s.tasks.Next(ctx, queueName)
	if err != nil || !ok {
		return model.QueueTask{}, false, err
	}
	if keys[task.ProcessDefinitionKey] {
		return task, true, nil
	}

	// The head belongs to another application; scan for ours.
	tasks, err := s.tasks.ListByQueue(ctx, queueName, true)
	if err != nil {
		return model.QueueTask{}, false, err
	}
	if mine := filterTasks(tasks, keys); len(mine) > 0 {
		return mine[0], true, nil
	}
	return model.QueueTask{}, false, nil
}

// MyTasks returns the caller's claimed tasks in the application.
func (s *Service) MyTasks(ctx context.Context, userID, businessApp string) ([]model.QueueTask, error) {
	keys, err := s.appDefinitions(ctx, businessApp)
	if err != nil {
		return nil, err
	}
	tasks, err := s.tasks.ListByAssignee(ctx, userID)
	if err != nil {
		return nil, err
	}
	return filterTasks(tasks, keys), nil
}

// GetTask returns a projected task enriched with the engine's form key,
// description, due date and task variables. Completed tasks are served from
// the projection alone.
func (s *Service) GetTask(ctx context.Context, userID, businessApp, taskID string) (model.TaskDetails, error) {
	if err := s.authz.Require(ctx, userID, model.ActionViewTask, authz.TaskTarget(businessApp, taskID)); err != nil {
		return model.TaskDetails{}, err
	}

	row, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return model.TaskDetails{}, err
	}
	details := model.TaskDetails{
		QueueTask:   row,
		FormKey:     row.TaskData.FormKey,
		Description: row.TaskData.Description,
		DueDate:     row.TaskData.DueDate,
	}
	if row.Status == model.TaskCompleted {
		return details, nil
	}

	live, err := s.engine.GetTask(ctx, taskID)
	if err != nil {
		return model.TaskDetails{}, engineError("get task", err)
	}
	details.FormKey = live.FormKey
	details.Description = live.Description
	details.DueDate = live.DueDate

	variables, err := s.engine.GetTaskVariables(ctx, taskID)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("task variables unavailable",
			zap.String("task_id", taskID), zap.Error(err))
	}
	details.Variables = variables
	return details, nil
}

// ClaimTask assigns an open task to the caller, in the engine first and
// then in the queue.
func (s *Service) ClaimTask(ctx context.Context, userID, businessApp, taskID string) (_ model.QueueTask, err error) {
	ctx, span := observability.StartSpan(ctx, "taskflow.ClaimTask",
		observability.AttrBusinessApp.String(businessApp),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	defer func() { s.metrics.RecordQueueTransition("claim", outcome(err)) }()
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("task_id", taskID),
		zap.String("user_id", userID),
	)

	// 1. Authorize.
	if err := s.authz.Require(ctx, userID, model.ActionClaimTask, authz.TaskTarget(businessApp, taskID)); err != nil {
		return model.QueueTask{}, err
	}

	// 2. Local preconditions.
	row, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return model.QueueTask{}, err
	}
	switch {
	case row.Status == model.TaskCompleted:
		return model.QueueTask{}, model.NewTaskCompletedError(taskID)
	case row.Assigned():
		return model.QueueTask{}, model.NewTaskAlreadyAssignedError(taskID)
	}

	// 3. Engine.
	if err := s.engine.ClaimTask(ctx, taskID, userID); err != nil {
		return model.QueueTask{}, engineError("claim task", err)
	}

	// 4. Queue, guarded by compare-and-set.
	claimed, err := s.tasks.Claim(ctx, taskID, userID, s.now())
	if err != nil {
		s.metrics.RecordConsistencyWarning("claim")
		logger.Error("task claimed in engine but not in queue", zap.Error(err))
		return model.QueueTask{}, err
	}

	logger.Info("task claimed", zap.String("queue", claimed.QueueName))
	s.emit(ctx, events.TypeTaskClaimed, businessApp, userID, claimed)
	return claimed, nil
}

// UnclaimTask returns a claimed task to its queue.
func (s *Service) UnclaimTask(ctx context.Context, userID, businessApp, taskID string) (_ model.QueueTask, err error) {
	ctx, span := observability.StartSpan(ctx, "taskflow.UnclaimTask",
		observability.AttrBusinessApp.String(businessApp),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	defer func() { s.metrics.RecordQueueTransition("unclaim", outcome(err)) }()
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("task_id", taskID),
		zap.String("user_id", userID),
	)

	// 1. Authorize.
	if err := s.authz.Require(ctx, userID, model.ActionUnclaimTask, authz.TaskTarget(businessApp, taskID)); err != nil {
		return model.QueueTask{}, err
	}

	// 2. Local preconditions.
	row, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return model.QueueTask{}, err
	}
	switch {
	case row.Status == model.TaskCompleted:
		return model.QueueTask{}, model.NewTaskCompletedError(taskID)
	case !row.Assigned():
		return model.QueueTask{}, model.NewTaskNotAssignedError(taskID)
	}

	// 3. Engine.
	if err := s.engine.UnclaimTask(ctx, taskID); err != nil {
		return model.QueueTask{}, engineError("unclaim task", err)
	}

	// 4. Queue.
	released, err := s.tasks.Unclaim(ctx, taskID)
	if err != nil {
		s.metrics.RecordConsistencyWarning("unclaim")
		logger.Error("task released in engine but not in queue", zap.Error(err))
		return model.QueueTask{}, err
	}

	logger.Info("task unclaimed", zap.String("previous_assignee", row.Assignee))
	s.emit(ctx, events.TypeTaskUnclaimed, businessApp, userID, released)
	return released, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
