// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/ingest"
	"github.com/mlfoundry/trackd/internal/tracking"
)

type logMetricRequest struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// logMetric writes one metric point. With the ingester enabled the point is
// buffered and flushed in batches; the response is 202 and durability is
// deferred to the next flush.
func (s *Server) logMetric(w http.ResponseWriter, r *http.Request) {
	var req logMetricRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	metric := tracking.Metric{Key: req.Key, Value: req.Value, Timestamp: req.Timestamp, Step: req.Step}

	if s.ingester != nil {
		err := s.ingester.Enqueue(req.RunID, metric)
		switch {
		case err == nil:
			s.invalidateRun(r.Context(), req.RunID)
			writeJSON(w, http.StatusAccepted, struct{}{})
		case errors.Is(err, ingest.ErrQueueFull):
			problem.WriteStatus(w, r, http.StatusTooManyRequests,
				"TEMPORARILY_UNAVAILABLE", "metric ingest queue is full")
		case errors.Is(err, ingest.ErrStopped):
			problem.WriteStatus(w, r, http.StatusServiceUnavailable,
				"TEMPORARILY_UNAVAILABLE", "metric ingester is shutting down")
		default:
			problem.Write(w, r, err)
		}
		return
	}

	if err := s.store.LogMetric(r.Context(), req.RunID, metric); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type logParamRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) logParam(w http.ResponseWriter, r *http.Request) {
	var req logParamRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.LogParam(r.Context(), req.RunID, tracking.Param{Key: req.Key, Value: req.Value}); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type runTagRequest struct {
	RunID string `json:"run_id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) setRunTag(w http.ResponseWriter, r *http.Request) {
	var req runTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.SetTag(r.Context(), req.RunID, tracking.RunTag{Key: req.Key, Value: req.Value}); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteRunTag(w http.ResponseWriter, r *http.Request) {
	var req runTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.DeleteTag(r.Context(), req.RunID, req.Key); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type logBatchRequest struct {
	RunID   string            `json:"run_id"`
	Metrics []tracking.Metric `json:"metrics"`
	Params  []tracking.Param  `json:"params"`
	Tags    []tracking.RunTag `json:"tags"`
}

func (s *Server) logBatch(w http.ResponseWriter, r *http.Request) {
	var req logBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.LogBatch(r.Context(), req.RunID, req.Metrics, req.Params, req.Tags); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) getMetricHistory(w http.ResponseWriter, r *http.Request) {
	runID, ok := requireQuery(w, r, "run_id")
	if !ok {
		return
	}
	key, ok := requireQuery(w, r, "metric_key")
	if !ok {
		return
	}

	maxResults := 0
	if raw := r.URL.Query().Get("max_results"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			problem.WriteStatus(w, r, http.StatusBadRequest,
				string(tracking.CodeInvalidParameterValue), "max_results must be an integer")
			return
		}
		maxResults = parsed
	}

	page, err := s.store.GetMetricHistory(r.Context(), runID, key, maxResults, r.URL.Query().Get("page_token"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":         page.Metrics,
		"next_page_token": page.NextPageToken,
	})
}
