// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/tracking"
)

type createExperimentRequest struct {
	Name             string                   `json:"name"`
	ArtifactLocation string                   `json:"artifact_location"`
	Tags             []tracking.ExperimentTag `json:"tags"`
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.store.CreateExperiment(r.Context(), req.Name, req.ArtifactLocation, req.Tags)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"experiment_id": id})
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := requireQuery(w, r, "experiment_id")
	if !ok {
		return
	}

	key := "exp:" + id
	if cached, hit, _ := s.cache.Get(r.Context(), key); hit {
		var exp tracking.Experiment
		if json.Unmarshal(cached, &exp) == nil {
			writeJSON(w, http.StatusOK, map[string]any{"experiment": &exp})
			return
		}
	}

	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if buf, err := json.Marshal(exp); err == nil {
		_ = s.cache.Set(r.Context(), key, buf, 0)
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment": exp})
}

func (s *Server) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	name, ok := requireQuery(w, r, "experiment_name")
	if !ok {
		return
	}
	exp, err := s.store.GetExperimentByName(r.Context(), name)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment": exp})
}

type searchExperimentsRequest struct {
	MaxResults int      `json:"max_results"`
	PageToken  string   `json:"page_token"`
	Filter     string   `json:"filter"`
	OrderBy    []string `json:"order_by"`
	ViewType   string   `json:"view_type"`
}

func (s *Server) searchExperiments(w http.ResponseWriter, r *http.Request) {
	var req searchExperimentsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := viewTypeFrom(req.ViewType)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	page, err := s.store.SearchExperiments(r.Context(), tracking.SearchExperimentsRequest{
		View:       view,
		MaxResults: req.MaxResults,
		Filter:     req.Filter,
		OrderBy:    req.OrderBy,
		PageToken:  req.PageToken,
	})
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments":     page.Experiments,
		"next_page_token": page.NextPageToken,
	})
}

type updateExperimentRequest struct {
	ExperimentID string `json:"experiment_id"`
	NewName      string `json:"new_name"`
}

func (s *Server) updateExperiment(w http.ResponseWriter, r *http.Request) {
	var req updateExperimentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.RenameExperiment(r.Context(), req.ExperimentID, req.NewName); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateExperiment(r.Context(), req.ExperimentID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type experimentIDRequest struct {
	ExperimentID string `json:"experiment_id"`
}

func (s *Server) deleteExperiment(w http.ResponseWriter, r *http.Request) {
	var req experimentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.DeleteExperiment(r.Context(), req.ExperimentID); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateExperiment(r.Context(), req.ExperimentID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) restoreExperiment(w http.ResponseWriter, r *http.Request) {
	var req experimentIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.RestoreExperiment(r.Context(), req.ExperimentID); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateExperiment(r.Context(), req.ExperimentID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type experimentTagRequest struct {
	ExperimentID string `json:"experiment_id"`
	Key          string `json:"key"`
	Value        string `json:"value"`
}

func (s *Server) setExperimentTag(w http.ResponseWriter, r *http.Request) {
	var req experimentTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tag := tracking.ExperimentTag{Key: req.Key, Value: req.Value}
	if err := s.store.SetExperimentTag(r.Context(), req.ExperimentID, tag); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateExperiment(r.Context(), req.ExperimentID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteExperimentTag(w http.ResponseWriter, r *http.Request) {
	var req experimentTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.DeleteExperimentTag(r.Context(), req.ExperimentID, req.Key); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateExperiment(r.Context(), req.ExperimentID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) invalidateExperiment(ctx context.Context, id string) {
	_ = s.cache.Delete(ctx, "exp:"+id)
}
