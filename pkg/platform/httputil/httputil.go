// Package httputil writes JSON responses and maps coded domain errors to
// HTTP status codes.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "erpsplit/pkg/domain-errors"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err's code to a status. Internal errors never expose
// their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := errorBody{Error: string(code)}
	if code != dErrors.CodeInternal {
		body.ErrorDescription = dErrors.MessageOf(err)
	}
	WriteJSON(w, StatusFor(code), body)
}

func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeUnknownEntityType:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeVersionConflict:
		return http.StatusConflict
	case dErrors.CodeBoundaryViolation, dErrors.CodeMigrationStep:
		return http.StatusUnprocessableEntity
	case dErrors.CodeCancelled:
		return 499
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeDeliveryExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
