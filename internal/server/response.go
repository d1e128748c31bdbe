package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/promptman/promptman/internal/apperror"
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Detail: message})
}

// writeAppError writes err with the status of its AppError, or a generic 500
// for anything else.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
		return
	}
	if ae, ok := apperror.As(err); ok {
		if ae.Code() == apperror.Internal {
			slog.Error("request failed", "path", r.URL.Path, "error", err)
		}
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	slog.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}
