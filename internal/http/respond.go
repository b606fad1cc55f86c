package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes payload with status. Responses are never cached since they
// describe live store state.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	headers := w.Header()
	headers.Set("Content-Type", "application/json")
	headers.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
