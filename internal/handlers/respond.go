package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/harambeesacco/backend/internal/services"
)

const maxBodyBytes = 1_048_576

// decodeJSON enforces the shared request body discipline: bounded size, no
// unknown fields, exactly one JSON object.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var notFound *services.NotFoundError
	var state *services.StateError
	var rule *services.RuleError
	var shortfall *services.ShortfallError

	switch {
	case errors.As(err, &notFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.As(err, &state):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.As(err, &rule), errors.As(err, &shortfall):
		services.SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrUnbalancedEntry):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrDuplicateReference):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

func callerID(r *http.Request) string {
	if id, ok := r.Context().Value("userID").(string); ok {
		return id
	}
	return ""
}
