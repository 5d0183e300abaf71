// Package shared holds response helpers used by every HTTP handler so error
// bodies and JSON envelopes stay uniform across the API surface.
package shared

import (
	"encoding/json"
	"net/http"

	dErrors "girder/pkg/domain-errors"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its HTTP status and writes the standard
// error body. Unknown errors become 500 without leaking internals.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	message := "internal error"
	if code != dErrors.CodeInternal {
		message = err.Error()
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), ErrorResponse{
		Error: ErrorDetail{Code: string(code), Message: message},
	})
}
