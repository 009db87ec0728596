package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/taskgate/internal/openapi"
	"github.com/pitabwire/taskgate/model"
)

func handleListQueue(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		unassignedOnly := false
		if v := r.URL.Query().Get("unassignedOnly"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				WriteRequestError(w, r, model.NewBadRequestError("unassignedOnly must be a boolean"))
				return
			}
			unassignedOnly = b
		}

		list, err := tasks.ListQueue(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "queue"), unassignedOnly)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, nonNil(list))
	}
}

func handleNextTask(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		task, found, err := tasks.NextTask(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "queue"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		if !found {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleMyTasks(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		list, err := tasks.MyTasks(r.Context(), rctx.SubjectID, rctx.BusinessApp)
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, nonNil(list))
	}
}

func handleGetTask(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		details, err := tasks.GetTask(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, details)
	}
}

func handleClaimTask(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		task, err := tasks.ClaimTask(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleUnclaimTask(tasks TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		task, err := tasks.UnclaimTask(r.Context(), rctx.SubjectID, rctx.BusinessApp, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleCompleteTask(tasks TaskService, contract *openapi.Contract) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var req model.CompleteTaskRequest
		if err := decodeBody(r, contract, "completeTask", &req); err != nil {
			WriteRequestError(w, r, err)
			return
		}

		result, err := tasks.CompleteTask(r.Context(), rctx.SubjectID, rctx.BusinessApp,
			chi.URLParam(r, "taskId"), req, idempotencyKey(r))
		if err != nil {
			WriteRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func nonNil(list []model.QueueTask) []model.QueueTask {
	if list == nil {
		return []model.QueueTask{}
	}
	return list
}
