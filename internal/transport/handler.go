package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/model"
)

const maxBodyBytes = 1 << 20

// TaskService is the queue and process surface the handlers call.
type TaskService interface {
	ListQueue(ctx context.Context, userID, businessApp, queueName string, unassignedOnly bool) ([]model.QueueTask, error)
	NextTask(ctx context.Context, userID, businessApp, queueName string) (model.QueueTask, bool, error)
	MyTasks(ctx context.Context, userID, businessApp string) ([]model.QueueTask, error)
	GetTask(ctx context.Context, userID, businessApp, taskID string) (model.TaskDetails, error)
	ClaimTask(ctx context.Context, userID, businessApp, taskID string) (model.QueueTask, error)
	UnclaimTask(ctx context.Context, userID, businessApp, taskID string) (model.QueueTask, error)
	CompleteTask(ctx context.Context, userID, businessApp, taskID string, req model.CompleteTaskRequest, idempotencyKey string) (model.TaskCompletionResult, error)
	StartProcess(ctx context.Context, userID, businessApp string, req model.StartProcessRequest, idempotencyKey string) (model.ProcessInstanceView, error)
	GetProcessInstance(ctx context.Context, userID, businessApp, processInstanceID string) (model.ProcessInstanceView, error)
}

// WorkflowRegistry manages routing metadata and deployments.
type WorkflowRegistry interface {
	Register(ctx context.Context, subjectID string, req model.RegisterWorkflowRequest) (model.WorkflowMetadata, error)
	Deploy(ctx context.Context, req model.DeployWorkflowRequest) (model.WorkflowMetadata, error)
	Get(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)
	Deactivate(ctx context.Context, processDefinitionKey string) (model.WorkflowMetadata, error)
}

// Directory is the user and role directory.
type Directory interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
	ListRoles(ctx context.Context, businessApp string) ([]model.AppRole, error)
	UserRoles(ctx context.Context, userID, businessApp string) (model.UserRoles, error)
	AssignRoles(ctx context.Context, userID string, req model.RoleChangeRequest) (model.UserRoles, error)
	RemoveRoles(ctx context.Context, userID string, req model.RoleChangeRequest) (model.UserRoles, error)
}

// Authorizer gates operations the registry and directory do not check
// themselves.
type Authorizer interface {
	Require(ctx context.Context, userID string, action model.Action, target authz.Target) error
}

// decodeBody reads a JSON body, checks it against the contract operation and
// decodes it into dst. An empty optional body leaves dst untouched.
func decodeBody(r *http.Request, contract *openapi.Contract, operationID string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewBadRequestError("could not read request body")
	}
	if len(body) > maxBodyBytes {
		return model.NewBadRequestError("request body too large")
	}

	if errs := contract.ValidateRequest(operationID, body); len(errs) > 0 {
		details := make([]model.FieldError, 0, len(errs))
		for _, e := range errs {
			details = append(details, model.FieldError{Field: e.Field, Code: "INVALID", Message: e.Message})
		}
		return model.NewValidationError(details)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// idempotencyKey reads X-Idempotency-Key, falling back to Idempotency-Key.
func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get("X-Idempotency-Key"); k != "" {
		return k
	}
	return r.Header.Get("Idempotency-Key")
}

// requestContext returns the authenticated caller or writes a 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}
