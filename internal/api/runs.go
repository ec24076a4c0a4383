// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/tracking"
)

type createRunRequest struct {
	ExperimentID string            `json:"experiment_id"`
	UserID       string            `json:"user_id"`
	RunName      string            `json:"run_name"`
	StartTime    int64             `json:"start_time"`
	Tags         []tracking.RunTag `json:"tags"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	run, err := s.store.CreateRun(r.Context(), req.ExperimentID, req.UserID, req.StartTime, req.Tags, req.RunName)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := requireQuery(w, r, "run_id")
	if !ok {
		return
	}

	key := "run:" + id
	if cached, hit, _ := s.cache.Get(r.Context(), key); hit {
		var run tracking.Run
		if json.Unmarshal(cached, &run) == nil {
			writeJSON(w, http.StatusOK, map[string]any{"run": &run})
			return
		}
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if buf, err := json.Marshal(run); err == nil {
		_ = s.cache.Set(r.Context(), key, buf, 0)
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
	RunName string `json:"run_name"`
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var req updateRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	info, err := s.store.UpdateRun(r.Context(), req.RunID, tracking.RunStatus(req.Status), req.EndTime, req.RunName)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, map[string]any{"run_info": info})
}

type runIDRequest struct {
	RunID string `json:"run_id"`
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	var req runIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.DeleteRun(r.Context(), req.RunID); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) restoreRun(w http.ResponseWriter, r *http.Request) {
	var req runIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.store.RestoreRun(r.Context(), req.RunID); err != nil {
		problem.Write(w, r, err)
		return
	}
	s.invalidateRun(r.Context(), req.RunID)
	writeJSON(w, http.StatusOK, struct{}{})
}

type searchRunsRequest struct {
	ExperimentIDs []string `json:"experiment_ids"`
	Filter        string   `json:"filter"`
	RunViewType   string   `json:"run_view_type"`
	MaxResults    int      `json:"max_results"`
	OrderBy       []string `json:"order_by"`
	PageToken     string   `json:"page_token"`
}

func (s *Server) searchRuns(w http.ResponseWriter, r *http.Request) {
	var req searchRunsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := viewTypeFrom(req.RunViewType)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	page, err := s.store.SearchRuns(r.Context(), tracking.SearchRunsRequest{
		ExperimentIDs: req.ExperimentIDs,
		View:          view,
		MaxResults:    req.MaxResults,
		Filter:        req.Filter,
		OrderBy:       req.OrderBy,
		PageToken:     req.PageToken,
	})
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":            page.Runs,
		"next_page_token": page.NextPageToken,
	})
}

func (s *Server) invalidateRun(ctx context.Context, id string) {
	_ = s.cache.Delete(ctx, "run:"+id)
}
