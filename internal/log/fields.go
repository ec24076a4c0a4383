// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID    = "request_id"
	FieldExperimentID = "experiment_id"
	FieldRunID        = "run_id"
	FieldTraceID      = "trace_id"
	FieldPromptName   = "prompt_name"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBackend   = "backend"

	// Entity fields
	FieldMetricKey = "metric_key"
	FieldParamKey  = "param_key"
	FieldTagKey    = "tag_key"

	// Path fields
	FieldPath    = "path"
	FieldDataDir = "data_dir"
)
