// SPDX-License-Identifier: MIT

package tracking

import "context"

// Search limits shared by all store backends.
const (
	SearchMaxResultsDefault   = 1000
	SearchMaxResultsThreshold = 50000
)

// SearchExperimentsRequest parameterises experiment listing.
type SearchExperimentsRequest struct {
	View       ViewType
	MaxResults int
	Filter     string
	OrderBy    []string
	PageToken  string
}

// SearchRunsRequest parameterises run search across experiments.
type SearchRunsRequest struct {
	ExperimentIDs []string
	View          ViewType
	MaxResults    int
	Filter        string
	OrderBy       []string
	PageToken     string
}

// ExperimentPage is one page of experiment search results.
type ExperimentPage struct {
	Experiments   []*Experiment
	NextPageToken string
}

// RunPage is one page of run search results.
type RunPage struct {
	Runs          []*Run
	NextPageToken string
}

// MetricPage is one page of a metric history.
type MetricPage struct {
	Metrics       []Metric
	NextPageToken string
}

// Store is the tracking-store contract. All mutations require the target
// entity to be in the active lifecycle stage unless noted otherwise.
type Store interface {
	// Experiments.
	CreateExperiment(ctx context.Context, name, artifactLocation string, tags []ExperimentTag) (string, error)
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)
	SearchExperiments(ctx context.Context, req SearchExperimentsRequest) (*ExperimentPage, error)
	RenameExperiment(ctx context.Context, id, newName string) error
	DeleteExperiment(ctx context.Context, id string) error
	RestoreExperiment(ctx context.Context, id string) error
	SetExperimentTag(ctx context.Context, id string, tag ExperimentTag) error
	DeleteExperimentTag(ctx context.Context, id, key string) error

	// Runs. Get returns both active and deleted runs.
	CreateRun(ctx context.Context, experimentID, userID string, startTime int64, tags []RunTag, runName string) (*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, runID string, status RunStatus, endTime int64, runName string) (*RunInfo, error)
	DeleteRun(ctx context.Context, runID string) error
	RestoreRun(ctx context.Context, runID string) error
	SearchRuns(ctx context.Context, req SearchRunsRequest) (*RunPage, error)

	// Logging.
	LogMetric(ctx context.Context, runID string, metric Metric) error
	LogParam(ctx context.Context, runID string, param Param) error
	SetTag(ctx context.Context, runID string, tag RunTag) error
	DeleteTag(ctx context.Context, runID, key string) error
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []RunTag) error
	GetMetricHistory(ctx context.Context, runID, key string, maxResults int, pageToken string) (*MetricPage, error)

	// Hard deletion, used by gc only.
	HardDeleteRun(ctx context.Context, runID string) error
	HardDeleteExperiment(ctx context.Context, experimentID string) error
	ListDeleted(ctx context.Context, olderThanMillis int64) (runIDs []string, experimentIDs []string, err error)

	// Ping verifies the backend is reachable, for health checks.
	Ping(ctx context.Context) error

	Close() error
}
