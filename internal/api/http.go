// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// maxBodyBytes caps JSON request bodies. Artifact uploads stream and are
// not subject to this limit.
const maxBodyBytes = 16 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v, rejecting unknown garbage
// gracefully with a 400 problem document.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			problem.WriteStatus(w, r, http.StatusBadRequest,
				string(tracking.CodeInvalidParameterValue), "request body is required")
			return false
		}
		problem.WriteStatus(w, r, http.StatusBadRequest,
			string(tracking.CodeInvalidParameterValue), "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// requireQuery extracts a mandatory query parameter.
func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		problem.WriteStatus(w, r, http.StatusBadRequest,
			string(tracking.CodeInvalidParameterValue), "missing required parameter "+name)
		return "", false
	}
	return v, true
}

// viewTypeFrom parses the optional view_type field, defaulting to active only.
func viewTypeFrom(s string) (tracking.ViewType, error) {
	switch s {
	case "", "ACTIVE_ONLY":
		return tracking.ViewActiveOnly, nil
	case "DELETED_ONLY":
		return tracking.ViewDeletedOnly, nil
	case "ALL":
		return tracking.ViewAll, nil
	default:
		return 0, tracking.NewError(tracking.CodeInvalidParameterValue, "invalid view_type %q", s)
	}
}
