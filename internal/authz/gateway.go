package authz

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/model"
)

// ForbiddenMessage is the only message callers see on a denial.
const ForbiddenMessage = "You are not authorized to perform this action"

// PrincipalSource builds the principal of a user in a business application.
type PrincipalSource interface {
	Build(ctx context.Context, userID, businessApp string) (model.Principal, error)
}

// ResourceSource builds the resource context of a target.
type ResourceSource interface {
	Build(ctx context.Context, target Target) (model.Resource, error)
}

// Gateway is the single entry point for authorization decisions.
type Gateway struct {
	principals PrincipalSource
	resources  ResourceSource
	policy     PolicyClient
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewGateway creates an authorization gateway.
func NewGateway(principals PrincipalSource, resources ResourceSource, policy PolicyClient, logger *zap.Logger, metrics *observability.Metrics) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		principals: principals,
		resources:  resources,
		policy:     policy,
		logger:     logger,
		metrics:    metrics,
	}
}

// Authorize decides whether userID may perform action on target. It never
// returns an allow after a failure: errors and panics at any stage deny,
// with the stage recorded on the decision.
func (g *Gateway) Authorize(ctx context.Context, userID string, action model.Action, target Target) (decision model.Decision) {
	start := time.Now()
	stage := model.StagePrincipal

	ctx, span := observability.StartSpan(ctx, "authz.Authorize",
		observability.AttrSubjectID.String(userID),
		observability.AttrAction.String(action.String()),
		observability.AttrBusinessApp.String(target.BusinessApp),
	)
	logger := observability.RequestLogger(ctx, g.logger).With(
		zap.String("user_id", userID),
		zap.String("action", action.String()),
		zap.String("target", target.kind.String()),
		zap.String("target_id", target.identifier()),
	)

	var principal model.Principal
	var resource model.Resource

	defer func() {
		if r := recover(); r != nil {
			decision = model.DenyOnError(stage, fmt.Errorf("authorization panic: %v", r))
			logger.Error("authorization panicked, denying", zap.Any("panic", r), zap.String("stage", string(stage)))
		}

		span.SetAttributes(observability.AttrDecision.String(decision.Outcome()))
		observability.EndSpanWithError(span, decision.Err())
		g.metrics.RecordAuthzDecision(action.String(), decision.Outcome(), string(decision.Stage()), time.Since(start))

		if decision.Allowed() {
			logger.Debug("authorization allowed", zap.String("kind", resource.Kind), zap.String("resource_id", resource.ID))
			return
		}
		logger.Warn("authorization denied",
			zap.String("kind", resource.Kind),
			zap.String("resource_id", resource.ID),
			zap.String("stage", string(decision.Stage())),
			zap.String("reason", decision.Reason()),
		)
		if ce := logger.Check(zap.DebugLevel, "denied authorization context"); ce != nil {
			ce.Write(
				zap.Strings("roles", principal.Roles),
				zap.Any("principal_attr", observability.RedactAttributes(principal.Attributes, nil)),
				zap.Any("resource_attr", observability.RedactAttributes(resource.Attributes, nil)),
			)
		}
	}()

	if !action.Valid() {
		return model.DenyOnError(model.StagePolicy, fmt.Errorf("unknown action %q", action))
	}
	if action.IsWorkflowManagement() != (target.kind == targetWorkflowManagement) {
		return model.DenyOnError(model.StageResource,
			fmt.Errorf("action %s does not apply to a %s target", action, target.kind))
	}

	// 1. Principal.
	principal, err := g.principals.Build(ctx, userID, target.BusinessApp)
	if err != nil {
		return model.DenyOnError(model.StagePrincipal, err)
	}

	// 2. Resource context.
	stage = model.StageResource
	resource, err = g.resources.Build(ctx, target)
	if err != nil {
		return model.DenyOnError(model.StageResource, err)
	}

	// 3. Decision.
	stage = model.StagePolicy
	allowed, err := g.policy.Check(ctx, principal, resource, action)
	if err != nil {
		return model.DenyOnError(model.StagePolicy, err)
	}
	if !allowed {
		return model.Deny("policy denied " + action.String())
	}
	return model.Allow()
}

// Require is Authorize as an error. Denials become an opaque Forbidden,
// except a missing process or task, which is returned as its own not-found
// error.
func (g *Gateway) Require(ctx context.Context, userID string, action model.Action, target Target) error {
	decision := g.Authorize(ctx, userID, action, target)
	if decision.Allowed() {
		return nil
	}
	if decision.Stage() == model.StageResource && isMissingRoot(decision.Err()) {
		return decision.Err()
	}
	return model.NewForbiddenError(ForbiddenMessage)
}

func isMissingRoot(err error) bool {
	return model.IsCode(err, model.ErrProcessNotFound) ||
		model.IsCode(err, model.ErrTaskNotFound) ||
		model.IsCode(err, model.ErrWorkflowNotFound) ||
		model.IsCode(err, model.ErrBusinessAppNotFound)
}
