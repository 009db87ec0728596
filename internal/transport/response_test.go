package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/taskgate/model"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"taskId": "t-1"})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["taskId"] != "t-1" {
		t.Errorf("body = %v, err = %v", body, err)
	}

	w = httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)
	if w.Body.Len() != 0 {
		t.Errorf("nil body wrote %q", w.Body.String())
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantCode string
	}{
		{"bad request", model.NewBadRequestError("bad"), 400, model.ErrBadRequest},
		{"unauthorized", model.NewUnauthorizedError("no token"), 401, model.ErrUnauthorized},
		{"forbidden", model.NewForbiddenError("no"), 403, model.ErrForbidden},
		{"not found", model.NewNotFoundError("queue not found"), 404, model.ErrNotFound},
		{"validation", model.NewValidationError([]model.FieldError{{Field: "variables", Code: "REQUIRED"}}), 422, model.ErrValidationError},
		{"task not found", model.NewTaskNotFoundError("t-1"), 404, model.ErrTaskNotFound},
		{"task assigned", model.NewTaskAlreadyAssignedError("t-1"), 409, model.ErrTaskAlreadyAssigned},
		{"wrapped envelope", fmt.Errorf("claim: %w", model.NewTaskAlreadyAssignedError("t-1")), 409, model.ErrTaskAlreadyAssigned},
		{"plain error hides detail", fmt.Errorf("pq: relation queue_tasks does not exist"), 500, model.ErrInternalError},
		{"unknown code", &model.ErrorEnvelope{Code: "MYSTERY", Message: "?"}, 500, "MYSTERY"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tc.err)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			if got := decodeEnvelope(t, w); got.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tc.wantCode)
			}
		})
	}
}

func TestStatusForCode_everyDomainCode(t *testing.T) {
	want := map[string]int{
		model.ErrUpstreamFailure:       502,
		model.ErrBackendUnavailable:    502,
		model.ErrBackendTimeout:        504,
		model.ErrConflict:              409,
		model.ErrInternalError:         500,
		model.ErrProcessNotFound:       404,
		model.ErrWorkflowNotFound:      404,
		model.ErrUserNotFound:          404,
		model.ErrBusinessAppNotFound:   404,
		model.ErrTaskNotAssigned:       409,
		model.ErrTaskAlreadyCompleted:  409,
		model.ErrWorkflowAlreadyExists: 409,
		model.ErrInvalidMappings:       422,
	}
	for code, status := range want {
		if got := statusForCode[code]; got != status {
			t.Errorf("statusForCode[%s] = %d, want %d", code, got, status)
		}
	}
}

func TestWriteRequestError_stampsTraceID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(model.WithRequestContext(req.Context(), &model.RequestContext{
		SubjectID: "alice",
		TraceID:   "4bf92f3577b34da6a3ce929d0e0e4736",
	}))
	original := model.NewTaskNotFoundError("t-9")

	w := httptest.NewRecorder()
	WriteRequestError(w, req, original)

	if got := decodeEnvelope(t, w); got.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace_id = %q", got.TraceID)
	}
	if original.TraceID != "" {
		t.Error("WriteRequestError mutated the caller's envelope")
	}

	w = httptest.NewRecorder()
	WriteRequestError(w, httptest.NewRequest(http.MethodGet, "/", nil), original)
	if got := decodeEnvelope(t, w); got.TraceID != "" {
		t.Errorf("trace_id without request context = %q", got.TraceID)
	}
}
