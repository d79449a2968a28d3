package httpapi

import (
	"encoding/json"
	"net/http"

	"usage_meter/internal/logging"
)

var respondLogger = logging.NewLogger("httpapi")

type ErrorResponse struct {
	Error string `json:"error"`
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

// respondWithJSON sends a JSON response. Headers are already written when
// encoding fails, so the failure is only logged.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		respondLogger.Error("Failed to encode response", "error", err)
	}
}
