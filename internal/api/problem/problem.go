// SPDX-License-Identifier: MIT

// Package problem writes RFC 7807 problem documents at the HTTP boundary.
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/mlfoundry/trackd/internal/log"
	"github.com/mlfoundry/trackd/internal/tracking"
)

// ContentType is the RFC 7807 media type.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 document extended with the domain error code and
// the request correlation ID.
type Problem struct {
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code tracking.ErrorCode) int {
	switch code {
	case tracking.CodeResourceDoesNotExist:
		return http.StatusNotFound
	case tracking.CodeResourceAlreadyExists:
		return http.StatusConflict
	case tracking.CodeInvalidParameterValue, tracking.CodeInvalidState:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Write renders err as a problem document. Internal errors are logged with
// the full cause but reported to the client without it.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	code := tracking.CodeOf(err)
	status := StatusFor(code)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("internal error")
		detail = "internal error"
	}

	WriteStatus(w, r, status, string(code), detail)
}

// WriteStatus renders a problem document with an explicit status and code.
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := Problem{
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Code:      code,
		RequestID: log.RequestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
