// SPDX-License-Identifier: MIT

package tracking

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Limits enforced on logged data, matching the platform's public contract.
const (
	MaxKeyLength        = 250
	MaxParamValueLength = 6000
	MaxTagValueLength   = 8000

	MaxBatchEntities = 1000
	MaxBatchMetrics  = 1000
	MaxBatchParams   = 100
	MaxBatchTags     = 100
)

var runIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// ValidateRunID checks the canonical 32-hex-char run ID format.
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return NewError(CodeInvalidParameterValue, "invalid run id %q: must be 32 lowercase hex characters", runID)
	}
	return nil
}

// ValidateExperimentID rejects IDs that could escape the store root.
func ValidateExperimentID(id string) error {
	if id == "" {
		return NewError(CodeInvalidParameterValue, "experiment id must not be empty")
	}
	if err := checkPathSafe(id, "experiment id"); err != nil {
		return err
	}
	return nil
}

// ValidateExperimentName rejects empty names and control characters.
func ValidateExperimentName(name string) error {
	if name == "" {
		return NewError(CodeInvalidParameterValue, "experiment name must not be empty")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return NewError(CodeInvalidParameterValue, "experiment name %q contains control characters", name)
		}
	}
	return nil
}

// ValidateKey checks metric/param/tag key constraints. Keys become file names
// in the file backend, so traversal sequences are rejected outright.
func ValidateKey(key, kind string) error {
	if key == "" {
		return NewError(CodeInvalidParameterValue, "%s key must not be empty", kind)
	}
	if len(key) > MaxKeyLength {
		return NewError(CodeInvalidParameterValue, "%s key exceeds %d characters", kind, MaxKeyLength)
	}
	return checkPathSafe(key, kind+" key")
}

func checkPathSafe(name, what string) error {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return NewError(CodeInvalidParameterValue, "%s %q must be relative", what, name)
	}
	for _, segment := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." || segment == "." {
			return NewError(CodeInvalidParameterValue, "%s %q contains a path traversal segment", what, name)
		}
	}
	if strings.ContainsRune(name, 0) {
		return NewError(CodeInvalidParameterValue, "%s contains a NUL byte", what)
	}
	return nil
}

// ValidateMetric checks a metric point before logging.
func ValidateMetric(m Metric) error {
	if err := ValidateKey(m.Key, "metric"); err != nil {
		return err
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return NewError(CodeInvalidParameterValue, "metric %q has non-finite value", m.Key)
	}
	if m.Timestamp < 0 {
		return NewError(CodeInvalidParameterValue, "metric %q has negative timestamp", m.Key)
	}
	return nil
}

// ValidateParam checks a param before logging.
func ValidateParam(p Param) error {
	if err := ValidateKey(p.Key, "param"); err != nil {
		return err
	}
	if len(p.Value) > MaxParamValueLength {
		return NewError(CodeInvalidParameterValue, "param %q value exceeds %d characters", p.Key, MaxParamValueLength)
	}
	return nil
}

// ValidateTag checks a tag before setting.
func ValidateTag(key, value string) error {
	if err := ValidateKey(key, "tag"); err != nil {
		return err
	}
	if len(value) > MaxTagValueLength {
		return NewError(CodeInvalidParameterValue, "tag %q value exceeds %d characters", key, MaxTagValueLength)
	}
	return nil
}

// ValidateBatch enforces batch-logging limits and unique param keys.
func ValidateBatch(metrics []Metric, params []Param, tags []RunTag) error {
	total := len(metrics) + len(params) + len(tags)
	if total > MaxBatchEntities {
		return NewError(CodeInvalidParameterValue, "batch of %d entities exceeds limit %d", total, MaxBatchEntities)
	}
	if len(metrics) > MaxBatchMetrics {
		return NewError(CodeInvalidParameterValue, "batch of %d metrics exceeds limit %d", len(metrics), MaxBatchMetrics)
	}
	if len(params) > MaxBatchParams {
		return NewError(CodeInvalidParameterValue, "batch of %d params exceeds limit %d", len(params), MaxBatchParams)
	}
	if len(tags) > MaxBatchTags {
		return NewError(CodeInvalidParameterValue, "batch of %d tags exceeds limit %d", len(tags), MaxBatchTags)
	}

	for _, m := range metrics {
		if err := ValidateMetric(m); err != nil {
			return err
		}
	}
	seen := make(map[string]string, len(params))
	for _, p := range params {
		if err := ValidateParam(p); err != nil {
			return err
		}
		if prev, ok := seen[p.Key]; ok && prev != p.Value {
			return NewError(CodeInvalidParameterValue, "duplicate param key %q with conflicting values in batch", p.Key)
		}
		seen[p.Key] = p.Value
	}
	for _, t := range tags {
		if err := ValidateTag(t.Key, t.Value); err != nil {
			return err
		}
	}
	return nil
}

// CheckRunActive returns an invalid-state error unless the run is active.
func CheckRunActive(info RunInfo) error {
	if info.LifecycleStage != LifecycleActive {
		return NewError(CodeInvalidState,
			"run %s must be in the 'active' lifecycle stage, current stage: %s", info.RunID, info.LifecycleStage)
	}
	return nil
}
