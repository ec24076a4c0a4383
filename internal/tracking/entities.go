// SPDX-License-Identifier: MIT

// Package tracking defines the experiment-tracking domain: experiments, runs,
// metrics, params and tags, together with the store contract every backend
// implements.
package tracking

// LifecycleStage marks whether an entity is live or soft-deleted.
type LifecycleStage string

const (
	LifecycleActive  LifecycleStage = "active"
	LifecycleDeleted LifecycleStage = "deleted"
)

// ViewType selects which lifecycle stages a listing operation returns.
type ViewType int

const (
	ViewActiveOnly ViewType = iota
	ViewDeletedOnly
	ViewAll
)

// Matches reports whether stage is visible under the view type.
func (v ViewType) Matches(stage LifecycleStage) bool {
	switch v {
	case ViewActiveOnly:
		return stage == LifecycleActive
	case ViewDeletedOnly:
		return stage == LifecycleDeleted
	default:
		return true
	}
}

// RunStatus is the execution status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusScheduled RunStatus = "SCHEDULED"
	RunStatusFinished  RunStatus = "FINISHED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusKilled    RunStatus = "KILLED"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusScheduled, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	}
	return false
}

// DefaultExperimentID is the reserved experiment every deployment starts with.
const DefaultExperimentID = "0"

// DefaultExperimentName is the name of the reserved default experiment.
const DefaultExperimentName = "Default"

// TagRunName is the reserved run tag that mirrors the run name. Setting it
// renames the run; renaming the run updates it.
const TagRunName = "trackd.runName"

// Experiment is a named grouping of runs.
type Experiment struct {
	ID               string          `json:"experiment_id" yaml:"experiment_id"`
	Name             string          `json:"name" yaml:"name"`
	ArtifactLocation string          `json:"artifact_location" yaml:"artifact_location"`
	LifecycleStage   LifecycleStage  `json:"lifecycle_stage" yaml:"lifecycle_stage"`
	CreationTime     int64           `json:"creation_time" yaml:"creation_time"`
	LastUpdateTime   int64           `json:"last_update_time" yaml:"last_update_time"`
	Tags             []ExperimentTag `json:"tags,omitempty" yaml:"-"`
}

// ExperimentTag is a key/value annotation on an experiment.
type ExperimentTag struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// RunInfo is the mutable metadata of a run, persisted in meta.yaml.
type RunInfo struct {
	RunID          string         `json:"run_id" yaml:"run_id"`
	RunName        string         `json:"run_name" yaml:"run_name"`
	ExperimentID   string         `json:"experiment_id" yaml:"experiment_id"`
	UserID         string         `json:"user_id" yaml:"user_id"`
	Status         RunStatus      `json:"status" yaml:"status"`
	StartTime      int64          `json:"start_time" yaml:"start_time"`
	EndTime        int64          `json:"end_time,omitempty" yaml:"end_time"`
	ArtifactURI    string         `json:"artifact_uri" yaml:"artifact_uri"`
	LifecycleStage LifecycleStage `json:"lifecycle_stage" yaml:"lifecycle_stage"`
	DeletedTime    int64          `json:"deleted_time,omitempty" yaml:"deleted_time,omitempty"`
}

// RunData carries the logged values of a run. Metrics hold the latest value
// per key; full histories are served by GetMetricHistory.
type RunData struct {
	Metrics []Metric `json:"metrics"`
	Params  []Param  `json:"params"`
	Tags    []RunTag `json:"tags"`
}

// Run combines metadata and data.
type Run struct {
	Info RunInfo `json:"info"`
	Data RunData `json:"data"`
}

// Metric is a single logged metric point.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Better reports whether m wins over other under the latest-metric ordering:
// element-wise comparison of (step, timestamp, value).
func (m Metric) Better(other Metric) bool {
	if m.Step != other.Step {
		return m.Step > other.Step
	}
	if m.Timestamp != other.Timestamp {
		return m.Timestamp > other.Timestamp
	}
	return m.Value > other.Value
}

// Param is an immutable key/value input of a run.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunTag is a mutable key/value annotation on a run.
type RunTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunNameFromTags extracts the reserved run-name tag value, if present.
func RunNameFromTags(tags []RunTag) string {
	for _, tag := range tags {
		if tag.Key == TagRunName {
			return tag.Value
		}
	}
	return ""
}
