package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"broadcast/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrInvalidSignature = "invalid signature"
	ErrInternal         = "internal error"
)

type errorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CurrentStatus string `json:"current_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error onto its HTTP status and JSON body. Anything
// unrecognised is logged and reported as an internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	body := errorBody{Code: code, Message: err.Error()}
	status := http.StatusBadRequest

	switch code {
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeInvalidStatus:
		var ite *domain.InvalidStateTransitionError
		if errors.As(err, &ite) {
			body.CurrentStatus = string(ite.Current)
		}
	case domain.CodeInternal:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		status = http.StatusInternalServerError
		body.Message = ErrInternal
	}
	writeJSON(w, status, body)
}

func badJSON(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: domain.CodeValidation, Message: ErrInvalidJSON})
}
