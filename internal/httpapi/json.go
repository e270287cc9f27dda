package httpapi

import (
	"encoding/json"
	"net/http"
)

// writeJSON marshals v, sets the content type, writes status, and logs
// (never panics) on a marshal failure that should be structurally
// impossible for our types.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
