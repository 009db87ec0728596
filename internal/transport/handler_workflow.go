package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/model"
)

func handleRegisterWorkflow(registry WorkflowRegistry, gate Authorizer, contract *openapi.Contract) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req model.RegisterWorkflowRequest
		if err := decodeBody(r, contract, "registerWorkflow", &req); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		target := authz.WorkflowManagementTarget(req.BusinessApp, req.ProcessDefinitionKey)
		if err := gate.Require(r.Context(), rctx.SubjectID, model.ActionRegisterWorkflow, target); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		meta, err := registry.Register(r.Context(), rctx.SubjectID, req)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, meta)
	}
}

func handleDeployWorkflow(registry WorkflowRegistry, gate Authorizer, contract *openapi.Contract) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req model.DeployWorkflowRequest
		if err := decodeBody(r, contract, "deployWorkflow", &req); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		if !authorizeWorkflow(w, r, registry, gate, rctx.SubjectID, model.ActionDeployWorkflow, req.ProcessDefinitionKey) {
			return
		}

		meta, err := registry.Deploy(r.Context(), req)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, meta)
	}
}

func handleGetWorkflow(registry WorkflowRegistry, gate Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		key := chi.URLParam(r, "processDefinitionKey")
		meta, err := registry.Get(r.Context(), key)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		target := authz.WorkflowManagementTarget(meta.BusinessApp, key)
		if err := gate.Require(r.Context(), rctx.SubjectID, model.ActionViewWorkflow, target); err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, meta)
	}
}

func handleDeactivateWorkflow(registry WorkflowRegistry, gate Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		key := chi.URLParam(r, "processDefinitionKey")
		if !authorizeWorkflow(w, r, registry, gate, rctx.SubjectID, model.ActionDeployWorkflow, key) {
			return
		}

		meta, err := registry.Deactivate(r.Context(), key)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, meta)
	}
}

// authorizeWorkflow resolves the owning business application of an existing
// workflow and checks action against it.
func authorizeWorkflow(w http.ResponseWriter, r *http.Request, registry WorkflowRegistry, gate Authorizer, userID string, action model.Action, key string) bool {
	meta, err := registry.Get(r.Context(), key)
	if err != nil {
		WriteRequestError(w, r, err)
		return false
	}
	if err := gate.Require(r.Context(), userID, action, authz.WorkflowManagementTarget(meta.BusinessApp, key)); err != nil {
		WriteRequestError(w, r, err)
		return false
	}
	return true
}
