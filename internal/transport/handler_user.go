package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/taskgate/internal/authz"
	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/model"
)

// Callers may always read their own directory entry. Anything else needs
// manage_user_roles in the named business application.

func handleGetUser(dir Directory, gate Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		userID := chi.URLParam(r, "userId")
		if userID != rctx.SubjectID && !requireRoleAdmin(w, r, gate, rctx.SubjectID, r.URL.Query().Get("businessApp")) {
			return
		}

		user, err := dir.GetUser(r.Context(), userID)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

func handleGetUserRoles(dir Directory, gate Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		userID := chi.URLParam(r, "userId")
		app := r.URL.Query().Get("businessApp")
		if app == "" {
			WriteRequestError(w, r, model.NewValidationError([]model.FieldError{{
				Field: "businessApp", Code: "REQUIRED", Message: "businessApp query parameter is required",
			}}))
			return
		}
		if userID != rctx.SubjectID && !requireRoleAdmin(w, r, gate, rctx.SubjectID, app) {
			return
		}

		roles, err := dir.UserRoles(r.Context(), userID, app)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, roles)
	}
}

func handleAssignUserRoles(dir Directory, gate Authorizer, contract *openapi.Contract) http.HandlerFunc {
	return handleRoleChange(gate, contract, "assignUserRoles", dir.AssignRoles)
}

func handleRemoveUserRoles(dir Directory, gate Authorizer, contract *openapi.Contract) http.HandlerFunc {
	return handleRoleChange(gate, contract, "removeUserRoles", dir.RemoveRoles)
}

func handleRoleChange(
	gate Authorizer,
	contract *openapi.Contract,
	operationID string,
	apply func(ctx context.Context, userID string, req model.RoleChangeRequest) (model.UserRoles, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req model.RoleChangeRequest
		if err := decodeBody(r, contract, operationID, &req); err != nil {
			WriteRequestError(w, r, err)
			return
		}
		if !requireRoleAdmin(w, r, gate, rctx.SubjectID, req.BusinessApp) {
			return
		}

		roles, err := apply(r.Context(), chi.URLParam(r, "userId"), req)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, roles)
	}
}

func handleListAppRoles(dir Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requestContext(w, r); !ok {
			return
		}
		roles, err := dir.ListRoles(r.Context(), chi.URLParam(r, "businessApp"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		if roles == nil {
			roles = []model.AppRole{}
		}
		WriteJSON(w, http.StatusOK, roles)
	}
}

func requireRoleAdmin(w http.ResponseWriter, r *http.Request, gate Authorizer, userID, businessApp string) bool {
	if businessApp == "" {
		WriteRequestError(w, r, model.NewForbiddenError(authz.ForbiddenMessage))
		return false
	}
	err := gate.Require(r.Context(), userID, model.ActionManageUserRoles, authz.WorkflowManagementTarget(businessApp, ""))
	if err != nil {
		WriteRequestError(w, r, err)
		return false
	}
	return true
}
