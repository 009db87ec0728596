package taskflow

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/events"
	"github.com/pitabwire/taskgate/internal/idempotency"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

type startInput struct {
	BusinessApp string                    `json:"business_app"`
	Request     model.StartProcessRequest `json:"request"`
}

// StartProcess starts an instance of a workflow owned by businessApp and
// projects its first tasks. A repeated idempotency key with the same input
// returns the first result without starting another instance.
func (s *Service) StartProcess(ctx context.Context, userID, businessApp string, req model.StartProcessRequest, idempotencyKey string) (model.ProcessInstanceView, error) {
	req.ProcessDefinitionKey = strings.TrimSpace(req.ProcessDefinitionKey)
	if req.ProcessDefinitionKey == "" {
		return model.ProcessInstanceView{}, model.NewValidationError([]model.FieldError{
			{Field: "process_definition_key", Code: "REQUIRED", Message: "process definition key is required"},
		})
	}

	view, _, err := idempotency.Do(ctx, s.idem, "start_process", userID, idempotencyKey,
		startInput{BusinessApp: businessApp, Request: req},
		func() (model.ProcessInstanceView, error) {
			return s.startProcess(ctx, userID, businessApp, req)
		})
	return view, err
}

func (s *Service) startProcess(ctx context.Context, userID, businessApp string, req model.StartProcessRequest) (_ model.ProcessInstanceView, err error) {
	ctx, span := observability.StartSpan(ctx, "taskflow.StartProcess",
		observability.AttrBusinessApp.String(businessApp),
		observability.AttrProcessDefinitionKey.String(req.ProcessDefinitionKey),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("business_app", businessApp),
		zap.String("process_definition_key", req.ProcessDefinitionKey),
	)

	// 1. Authorize against the create request.
	target := authz.CreationTarget(businessApp, req.ProcessDefinitionKey, req.Variables)
	if err := s.authz.Require(ctx, userID, model.ActionStartWorkflowInstance, target); err != nil {
		return model.ProcessInstanceView{}, err
	}

	// 2. The workflow must be active, deployed and owned by the application.
	meta, err := s.workflows.GetActive(ctx, req.ProcessDefinitionKey)
	if err != nil {
		return model.ProcessInstanceView{}, err
	}
	if meta.BusinessApp != businessApp || !meta.Deployed {
		return model.ProcessInstanceView{}, model.NewWorkflowNotFoundError(req.ProcessDefinitionKey)
	}

	// 3. Start in the engine.
	inst, err := s.engine.StartProcess(ctx, req.ProcessDefinitionKey, req.BusinessKey, req.Variables)
	if err != nil {
		return model.ProcessInstanceView{}, engineError("start process", err)
	}
	logger.Info("process started",
		zap.String("process_instance_id", inst.ID),
		zap.String("business_key", inst.BusinessKey),
		zap.String("user_id", userID),
	)

	ev := events.New(events.TypeProcessStarted)
	ev.BusinessApp = businessApp
	ev.ProcessInstanceID = inst.ID
	ev.ProcessDefinitionKey = req.ProcessDefinitionKey
	ev.Actor = userID
	s.emitter.Emit(ctx, ev)

	// 4. Project the first tasks. The instance exists either way, so a
	// projection failure is logged rather than returned.
	if _, err := s.projector.Project(ctx, inst.ID, req.ProcessDefinitionKey); err != nil {
		logger.Error("initial task projection failed", zap.String("process_instance_id", inst.ID), zap.Error(err))
	}

	tasks, err := s.tasks.ListByProcessInstance(ctx, inst.ID)
	if err != nil {
		return model.ProcessInstanceView{}, err
	}
	return model.ProcessInstanceView{
		ProcessInstanceID:    inst.ID,
		ProcessDefinitionKey: req.ProcessDefinitionKey,
		BusinessKey:          inst.BusinessKey,
		Active:               !inst.Ended,
		Variables:            req.Variables,
		Tasks:                tasks,
	}, nil
}

// GetProcessInstance returns a running instance with its variables and
// projected tasks.
func (s *Service) GetProcessInstance(ctx context.Context, userID, businessApp, processInstanceID string) (model.ProcessInstanceView, error) {
	// 1. Authorize; a missing instance surfaces as PROCESS_NOT_FOUND.
	target := authz.ProcessTarget(businessApp, processInstanceID)
	if err := s.authz.Require(ctx, userID, model.ActionReadWorkflowInstance, target); err != nil {
		return model.ProcessInstanceView{}, err
	}

	// 2. Engine view.
	inst, err := s.engine.GetProcessInstance(ctx, processInstanceID)
	if err != nil {
		return model.ProcessInstanceView{}, engineError("get process instance", err)
	}
	variables, err := s.engine.GetProcessVariables(ctx, processInstanceID)
	if err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("process variables unavailable",
			zap.String("process_instance_id", processInstanceID), zap.Error(err))
		variables = nil
	}

	// 3. Projected tasks.
	tasks, err := s.tasks.ListByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return model.ProcessInstanceView{}, err
	}

	return model.ProcessInstanceView{
		ProcessInstanceID:    inst.ID,
		ProcessDefinitionKey: inst.ProcessDefinitionKey,
		BusinessKey:          inst.BusinessKey,
		Active:               !inst.Ended,
		Variables:            variables,
		Tasks:                tasks,
	}, nil
}
