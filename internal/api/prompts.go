// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/mlfoundry/trackd/internal/api/problem"
	"github.com/mlfoundry/trackd/internal/tracking"
)

type createPromptRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
}

func (s *Server) createPrompt(w http.ResponseWriter, r *http.Request) {
	var req createPromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.prompts.CreatePrompt(r.Context(), req.Name, req.Description, req.Tags)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": p})
}

func (s *Server) getPrompt(w http.ResponseWriter, r *http.Request) {
	name, ok := requireQuery(w, r, "name")
	if !ok {
		return
	}
	p, err := s.prompts.GetPrompt(r.Context(), name)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": p})
}

type searchPromptsRequest struct {
	Filter     string `json:"filter"`
	MaxResults int    `json:"max_results"`
	PageToken  string `json:"page_token"`
}

func (s *Server) searchPrompts(w http.ResponseWriter, r *http.Request) {
	var req searchPromptsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	results, next, err := s.prompts.SearchPrompts(r.Context(), req.Filter, req.MaxResults, req.PageToken)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prompts":         results,
		"next_page_token": next,
	})
}

type promptNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) deletePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.DeletePrompt(r.Context(), req.Name); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type promptTagRequest struct {
	Name  string `json:"name"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) setPromptTag(w http.ResponseWriter, r *http.Request) {
	var req promptTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.SetPromptTag(r.Context(), req.Name, req.Key, req.Value); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deletePromptTag(w http.ResponseWriter, r *http.Request) {
	var req promptTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.DeletePromptTag(r.Context(), req.Name, req.Key); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type promptVersionTagRequest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

func (s *Server) setPromptVersionTag(w http.ResponseWriter, r *http.Request) {
	var req promptVersionTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.SetVersionTag(r.Context(), req.Name, req.Version, req.Key, req.Value); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deletePromptVersionTag(w http.ResponseWriter, r *http.Request) {
	var req promptVersionTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.DeleteVersionTag(r.Context(), req.Name, req.Version, req.Key); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type createPromptVersionRequest struct {
	Name          string            `json:"name"`
	Template      string            `json:"template"`
	CommitMessage string            `json:"commit_message"`
	Tags          map[string]string `json:"tags"`
}

func (s *Server) createPromptVersion(w http.ResponseWriter, r *http.Request) {
	var req createPromptVersionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v, err := s.prompts.CreateVersion(r.Context(), req.Name, req.Template, req.CommitMessage, req.Tags)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": v})
}

// getPromptVersion resolves ?version= as a number, "@alias" or
// "latest"/empty.
func (s *Server) getPromptVersion(w http.ResponseWriter, r *http.Request) {
	name, ok := requireQuery(w, r, "name")
	if !ok {
		return
	}
	v, err := s.prompts.GetVersion(r.Context(), name, r.URL.Query().Get("version"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": v})
}

func (s *Server) listPromptVersions(w http.ResponseWriter, r *http.Request) {
	name, ok := requireQuery(w, r, "name")
	if !ok {
		return
	}
	versions, err := s.prompts.ListVersions(r.Context(), name)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type deletePromptVersionRequest struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (s *Server) deletePromptVersion(w http.ResponseWriter, r *http.Request) {
	var req deletePromptVersionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.DeleteVersion(r.Context(), req.Name, req.Version); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type promptAliasRequest struct {
	Name    string `json:"name"`
	Alias   string `json:"alias"`
	Version any    `json:"version"`
}

func (s *Server) setPromptAlias(w http.ResponseWriter, r *http.Request) {
	var req promptAliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	version, err := aliasVersion(req.Version)
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	if err := s.prompts.SetAlias(r.Context(), req.Name, req.Alias, version); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deletePromptAlias(w http.ResponseWriter, r *http.Request) {
	var req promptAliasRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.prompts.DeleteAlias(r.Context(), req.Name, req.Alias); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// aliasVersion accepts version as a JSON number or numeric string, which is
// what the common clients send.
func aliasVersion(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, tracking.NewError(tracking.CodeInvalidParameterValue, "invalid version %q", t)
		}
		return n, nil
	default:
		return 0, tracking.NewError(tracking.CodeInvalidParameterValue, "version is required")
	}
}
