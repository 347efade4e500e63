// Package handlers is the HTTP surface over the link registry, session
// ledger, event ingestor and rollup aggregator. The core packages are
// transport-agnostic; everything wire-shaped lives here.
package handlers

import (
	"encoding/json"
	"net/http"
)

func jsonWrite(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonWrite(w, code, map[string]string{"error": msg})
}

// jsonRejected reports an authorization rejection with its reason code.
func jsonRejected(w http.ResponseWriter, reason string, code int) {
	jsonWrite(w, code, map[string]string{"rejected": reason})
}
