package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/model"
)

func handleStartProcess(tasks TaskService, contract *openapi.Contract) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req model.StartProcessRequest
		if err := decodeBody(r, contract, "startProcess", &req); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		view, err := tasks.StartProcess(r.Context(), rctx.SubjectID, rctx.BusinessApp, req, idempotencyKey(r))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, view)
	}
}

func handleGetProcessInstance(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := tasks.GetProcessInstance(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "processInstanceId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
