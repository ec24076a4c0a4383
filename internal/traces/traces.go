// SPDX-License-Identifier: MIT

// Package traces stores execution traces of instrumented model calls. Traces
// are short-lived, high-volume records, so they live in an embedded
// key-value store with optional TTL expiry rather than in the tracking
// store.
package traces

import (
	"strings"

	"github.com/google/uuid"

	"github.com/mlfoundry/trackd/internal/tracking"
)

// TraceState is the terminal (or in-flight) state of a trace.
type TraceState string

const (
	StateInProgress TraceState = "IN_PROGRESS"
	StateOK         TraceState = "OK"
	StateError      TraceState = "ERROR"
)

// Valid reports whether s is a known trace state.
func (s TraceState) Valid() bool {
	switch s {
	case StateInProgress, StateOK, StateError:
		return true
	}
	return false
}

// MaxPreviewLength caps stored request/response previews.
const MaxPreviewLength = 1000

// TraceIDPrefix prefixes every trace ID.
const TraceIDPrefix = "tr-"

// MetadataKeyPreviewTruncated marks traces whose request or response preview
// was clipped to MaxPreviewLength.
const MetadataKeyPreviewTruncated = "trackd.previewTruncated"

// TraceInfo is the stored metadata of one trace.
type TraceInfo struct {
	TraceID             string            `json:"trace_id"`
	ClientRequestID     string            `json:"client_request_id,omitempty"`
	ExperimentID        string            `json:"experiment_id"`
	TimestampMillis     int64             `json:"timestamp_ms"`
	ExecutionTimeMillis int64             `json:"execution_time_ms"`
	State               TraceState        `json:"state"`
	RequestPreview      string            `json:"request_preview,omitempty"`
	ResponsePreview     string            `json:"response_preview,omitempty"`
	Tags                map[string]string `json:"tags,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

func (t *TraceInfo) setMetadata(key, value string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string, 1)
	}
	t.Metadata[key] = value
}

// NewTraceID returns a fresh trace ID.
func NewTraceID() string {
	return TraceIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateTraceID checks the tr-<32 hex> format.
func ValidateTraceID(id string) error {
	rest, ok := strings.CutPrefix(id, TraceIDPrefix)
	if !ok || len(rest) != 32 {
		return tracking.NewError(tracking.CodeInvalidParameterValue, "invalid trace id %q", id)
	}
	for _, r := range rest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return tracking.NewError(tracking.CodeInvalidParameterValue, "invalid trace id %q", id)
		}
	}
	return nil
}

// TruncatePreview clips a request/response preview to the stored maximum and
// reports whether anything was cut off.
func TruncatePreview(s string) (string, bool) {
	if len(s) <= MaxPreviewLength {
		return s, false
	}
	return s[:MaxPreviewLength], true
}
