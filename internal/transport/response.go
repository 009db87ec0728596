// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the task gateway API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/taskgate/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:            http.StatusBadRequest,
	model.ErrUnauthorized:          http.StatusUnauthorized,
	model.ErrForbidden:             http.StatusForbidden,
	model.ErrNotFound:              http.StatusNotFound,
	model.ErrConflict:              http.StatusConflict,
	model.ErrValidationError:       http.StatusUnprocessableEntity,
	model.ErrInternalError:         http.StatusInternalServerError,
	model.ErrUpstreamFailure:       http.StatusBadGateway,
	model.ErrBackendUnavailable:    http.StatusBadGateway,
	model.ErrBackendTimeout:        http.StatusGatewayTimeout,
	model.ErrWorkflowNotFound:      http.StatusNotFound,
	model.ErrWorkflowAlreadyExists: http.StatusConflict,
	model.ErrInvalidMappings:       http.StatusUnprocessableEntity,
	model.ErrTaskNotFound:          http.StatusNotFound,
	model.ErrTaskAlreadyAssigned:   http.StatusConflict,
	model.ErrTaskNotAssigned:       http.StatusConflict,
	model.ErrTaskAlreadyCompleted:  http.StatusConflict,
	model.ErrProcessNotFound:       http.StatusNotFound,
	model.ErrBusinessAppNotFound:   http.StatusNotFound,
	model.ErrUserNotFound:          http.StatusNotFound,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes the first ErrorEnvelope in err's chain as a JSON response
// with the matching HTTP status code. Errors without an envelope become a
// generic 500 so internal detail never leaks.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, "", err)
}

// WriteRequestError is WriteError with the request's trace id stamped on the
// envelope.
func WriteRequestError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := ""
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
		traceID = rctx.TraceID
	}
	writeError(w, traceID, err)
}

func writeError(w http.ResponseWriter, traceID string, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	if traceID != "" && ee.TraceID == "" {
		stamped := *ee
		stamped.TraceID = traceID
		ee = &stamped
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a NOT_FOUND envelope.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
