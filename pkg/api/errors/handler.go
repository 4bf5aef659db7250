// Package errors provides HTTP error handling utilities shared by the
// orchestrator and supervisor APIs.
package errors

import (
	"encoding/json"
	"net/http"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
)

// HandlerWithError is an HTTP handler that can return an error. Handlers
// return errors instead of writing error responses themselves, so status
// mapping and body shape live in one place.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// errorBody is the wire shape of every error response. Detail is the human
// text; Code is the stable taxonomy identifier clients branch on.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// ErrorHandler wraps a HandlerWithError and converts returned errors into
// HTTP responses. 5xx causes are logged in full and the client gets only the
// taxonomy code and a generic detail; 4xx details pass through.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		WriteError(w, err)
	}
}

// WriteError writes err as a JSON error response. Usable directly from code
// that cannot return an error, like WebSocket upgrade paths.
func WriteError(w http.ResponseWriter, err error) {
	status := dkerr.HTTPStatus(err)
	code := dkerr.CodeOf(err)

	detail := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "code", code, "error", err)
		detail = http.StatusText(status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Detail: detail, Code: string(code)})
}
