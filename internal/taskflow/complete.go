package taskflow

import (
	"context"
	"encoding/json"
	"math"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// Completion messages.
const (
	msgCompleted       = "Task completed successfully"
	msgProcessFinished = "Task completed successfully and process has finished"
	msgResubmit        = "Please correct the errors and resubmit"
)

type completeInput struct {
	BusinessApp string                    `json:"business_app"`
	TaskID      string                    `json:"task_id"`
	Request     model.CompleteTaskRequest `json:"request"`
}

// CompleteTask completes a task claimed by the caller and reports what
// happened next: the following task, the end of the process, or a
// validation loopback to the same task.
func (s *Service) CompleteTask(ctx context.Context, userID, businessApp, taskID string, req model.CompleteTaskRequest, idempotencyKey string) (model.TaskCompletionResult, error) {
	result, _, err := idempotency.Do(ctx, s.idem, "complete_task", userID, idempotencyKey,
		completeInput{BusinessApp: businessApp, TaskID: taskID, Request: req},
		func() (model.TaskCompletionResult, error) {
			return s.completeTask(ctx, userID, businessApp, taskID, req)
		})
	return result, err
}

func (s *Service) completeTask(ctx context.Context, userID, businessApp, taskID string, req model.CompleteTaskRequest) (_ model.TaskCompletionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "taskflow.CompleteTask",
		observability.AttrBusinessApp.String(businessApp),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	defer func() { s.metrics.RecordQueueTransition("complete", outcome(err)) }()
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("task_id", taskID),
		zap.String("user_id", userID),
	)

	// 1. Authorize.
	if err := s.authz.Require(ctx, userID, model.ActionCompleteTask, authz.TaskTarget(businessApp, taskID)); err != nil {
		return model.TaskCompletionResult{}, err
	}

	// 2. Only the assignee completes a claimed task.
	row, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return model.TaskCompletionResult{}, err
	}
	switch {
	case row.Status == model.TaskCompleted:
		return model.TaskCompletionResult{}, model.NewTaskCompletedError(taskID)
	case !row.Assigned():
		return model.TaskCompletionResult{}, model.NewTaskNotAssignedError(taskID)
	case row.Assignee != userID:
		logger.Warn("completion by non-assignee rejected", zap.String("assignee", row.Assignee))
		return model.TaskCompletionResult{}, model.NewForbiddenError(authz.ForbiddenMessage)
	}

	// 3. Engine.
	if err := s.engine.CompleteTask(ctx, taskID, req.Variables); err != nil {
		return model.TaskCompletionResult{}, engineError("complete task", err)
	}
	completedAt := s.now()

	// 4. Queue. The engine already moved on, so a failure here is a
	// divergence to report, not a reason to fail the request.
	if _, err := s.tasks.Complete(ctx, taskID, completedAt); err != nil {
		s.metrics.RecordConsistencyWarning("complete")
		logger.Error("task completed in engine but not in queue", zap.Error(err))
	}
	logger.Info("task completed", zap.String("task_definition_key", row.TaskDefinitionKey))
	s.emit(ctx, events.TypeTaskCompleted, businessApp, userID, row)

	result := model.TaskCompletionResult{
		TaskID:            taskID,
		ProcessInstanceID: row.ProcessInstanceID,
		Status:            model.CompletionCompleted,
		CompletedAt:       completedAt,
		CompletedBy:       userID,
	}

	// 5. Ended process: nothing follows.
	active, err := s.processActive(ctx, row.ProcessInstanceID)
	if err != nil {
		logger.Warn("process state unknown after completion, assuming active", zap.Error(err))
		active = true
	}
	if !active {
		result.Message = msgProcessFinished
		s.metrics.RecordTaskCompletion(row.ProcessDefinitionKey, result.Status)
		return result, nil
	}
	result.ProcessActive = true
	result.Message = msgCompleted

	// 6. Project what the engine activated and look for a loopback.
	if _, err := s.projector.Project(ctx, row.ProcessInstanceID, row.ProcessDefinitionKey); err != nil {
		logger.Error("task projection after completion failed", zap.Error(err))
	}
	open, err := s.openTasks(ctx, row.ProcessInstanceID, taskID)
	if err != nil {
		logger.Error("listing tasks after completion failed", zap.Error(err))
	}

	for _, next := range open {
		if next.TaskDefinitionKey != row.TaskDefinitionKey {
			continue
		}
		s.loopback(ctx, &result, row, next)
		logger.Warn("task looped back for correction",
			zap.String("retry_task_id", next.TaskID),
			zap.Int("attempt", result.AttemptNumber),
		)
		s.emit(ctx, events.TypeTaskLoopback, businessApp, userID, next)
		s.metrics.RecordTaskCompletion(row.ProcessDefinitionKey, result.Status)
		return result, nil
	}

	if len(open) > 0 {
		next := open[0]
		result.NextTaskID = next.TaskID
		result.NextTaskName = next.TaskName
		result.NextTaskQueue = next.QueueName
	}
	s.metrics.RecordTaskCompletion(row.ProcessDefinitionKey, result.Status)
	return result, nil
}

// processActive reports whether the engine still runs the instance.
func (s *Service) processActive(ctx context.Context, processInstanceID string) (bool, error) {
	inst, err := s.engine.GetProcessInstance(ctx, processInstanceID)
	if model.IsCode(err, model.ErrProcessNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !inst.Ended, nil
}

// openTasks lists the instance's uncompleted projected tasks other than
// the one just completed, in creation order.
func (s *Service) openTasks(ctx context.Context, processInstanceID, completedTaskID string) ([]model.QueueTask, error) {
	tasks, err := s.tasks.ListByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	open := make([]model.QueueTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != model.TaskCompleted && t.TaskID != completedTaskID {
			open = append(open, t)
		}
	}
	return open, nil
}

// loopback fills result for a task that came back for correction. The
// process reports why in <key>ValidationError and counts attempts in
// <key>AttemptCount.
func (s *Service) loopback(ctx context.Context, result *model.TaskCompletionResult, completed, retry model.QueueTask) {
	result.Status = model.CompletionValidationFailed
	result.Message = msgResubmit
	result.RetryTaskID = retry.TaskID
	result.AttemptNumber = 1

	variables, err := s.engine.GetProcessVariables(ctx, completed.ProcessInstanceID)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("validation details unavailable",
			zap.String("process_instance_id", completed.ProcessInstanceID), zap.Error(err))
		return
	}
	result.ValidationErrors = variables[completed.TaskDefinitionKey+"ValidationError"]
	if n, ok := asInt(variables[completed.TaskDefinitionKey+"AttemptCount"]); ok && n > 0 {
		result.AttemptNumber = n
	}
}

// asInt reads an integral variable whatever numeric type the engine
// decoded it as.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
