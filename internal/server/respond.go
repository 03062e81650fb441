package server

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON shape of every non-200 response. Optional fields
// only appear for the errors that use them.
type errorBody struct {
	Error string `json:"error"`

	// Quota denials.
	CanTopUp     *bool  `json:"canTopUp,omitempty"`
	CurrentSpent *int64 `json:"currentSpent,omitempty"`
	HardLimit    *int64 `json:"hardLimit,omitempty"`

	// Upstream failures.
	UpstreamStatus *int   `json:"upstreamStatus,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// writeJSON writes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func ptr[T any](v T) *T { return &v }
