// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/traces"
)

type startTraceRequest struct {
	ExperimentID    string            `json:"experiment_id"`
	TimestampMillis int64             `json:"timestamp_ms"`
	RequestPreview  string            `json:"request_preview"`
	ClientRequestID string            `json:"client_request_id"`
	Tags            map[string]string `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) startTrace(w http.ResponseWriter, r *http.Request) {
	var req startTraceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// The experiment must exist; traces of deleted experiments are allowed
	// to finish but new ones are not started.
	if _, err := s.store.GetExperiment(r.Context(), req.ExperimentID); err != nil {
		problem.Write(w, r, err)
		return
	}
	info, err := s.traces.StartTrace(r.Context(), traces.StartTraceRequest{
		ExperimentID:    req.ExperimentID,
		TimestampMillis: req.TimestampMillis,
		RequestPreview:  req.RequestPreview,
		ClientRequestID: req.ClientRequestID,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
	})
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": info})
}

func (s *Server) getTraceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.traces.GetTraceInfo(r.Context(), chi.URLParam(r, "trace_id"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": info})
}

type endTraceRequest struct {
	State               string `json:"state"`
	ExecutionTimeMillis int64  `json:"execution_time_ms"`
	ResponsePreview     string `json:"response_preview"`
}

func (s *Server) endTrace(w http.ResponseWriter, r *http.Request) {
	var req endTraceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := s.traces.EndTrace(r.Context(), chi.URLParam(r, "trace_id"),
		traces.TraceState(req.State), req.ExecutionTimeMillis, req.ResponsePreview)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": info})
}

type traceTagRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) setTraceTag(w http.ResponseWriter, r *http.Request) {
	var req traceTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.traces.SetTraceTag(r.Context(), chi.URLParam(r, "trace_id"), req.Key, req.Value); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteTraceTag(w http.ResponseWriter, r *http.Request) {
	var req traceTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.traces.DeleteTraceTag(r.Context(), chi.URLParam(r, "trace_id"), req.Key); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type searchTracesRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	State         string   `json:"state"`
	MaxResults    int      `json:"max_results"`
	PageToken     string   `json:"page_token"`
}

func (s *Server) searchTraces(w http.ResponseWriter, r *http.Request) {
	var req searchTracesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	page, err := s.traces.SearchTraces(r.Context(), traces.SearchTracesRequest{
		ExperimentIDs: req.ExperimentIDs,
		State:         traces.TraceState(req.State),
		MaxResults:    req.MaxResults,
		PageToken:     req.PageToken,
	})
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"traces":          page.Traces,
		"next_page_token": page.NextPageToken,
	})
}

type deleteTracesRequest struct {
	ExperimentID       string   `json:"experiment_id"`
	MaxTimestampMillis int64    `json:"max_timestamp_ms"`
	TraceIDs           []string `json:"trace_ids"`
}

func (s *Server) deleteTraces(w http.ResponseWriter, r *http.Request) {
	var req deleteTracesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deleted, err := s.traces.DeleteTraces(r.Context(), req.ExperimentID, req.MaxTimestampMillis, req.TraceIDs)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"traces_deleted": deleted})
}
