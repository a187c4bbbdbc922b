// Package handlers provides HTTP handlers for the eligibility API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

// RuleStore is the view of the rule table store the handlers need
type RuleStore interface {
	Table() (*eligibility.RuleTable, error)
	Reload(ctx context.Context) (*eligibility.RuleTable, error)
	Ready() bool
	SourceName() string
}

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
