package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "custodia/pkg/domain-errors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusOf maps the domain error taxonomy onto HTTP status codes in one place.
func statusOf(code dErrors.Code) int {
	switch code {
	case dErrors.CodeInvalidInput, dErrors.CodeBadRequest, dErrors.CodeInvalidValue:
		return http.StatusBadRequest
	case dErrors.CodeNotFound, dErrors.CodeDoesNotExist:
		return http.StatusNotFound
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeVersionMismatch:
		return http.StatusPreconditionFailed
	case dErrors.CodeAlreadyExists, dErrors.CodeImmutableValue, dErrors.CodeStateTransition,
		dErrors.CodeLinkedEntityExists, dErrors.CodePendingCommands, dErrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{
		Code:    string(dErrors.CodeInternal),
		Message: "an internal error occurred",
	}
	status := http.StatusInternalServerError

	var dErr *dErrors.Error
	if errors.As(err, &dErr) {
		body.Code = string(dErr.Code)
		body.Message = dErr.Message
		body.Target = dErr.Target
		status = statusOf(dErr.Code)
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
