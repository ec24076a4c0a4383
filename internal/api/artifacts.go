// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mlfoundry/trackd/internal/api/problem"
)

// artifactRoot resolves the artifact root of a run.
func (s *Server) artifactRoot(w http.ResponseWriter, r *http.Request) (string, bool) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		problem.Write(w, r, err)
		return "", false
	}
	return run.Info.ArtifactURI, true
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	root, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	files, err := s.artifacts.List(r.Context(), root, r.URL.Query().Get("path"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	root, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	rc, size, err := s.artifacts.Get(r.Context(), root, chi.URLParam(r, "*"))
	if err != nil {
		problem.Write(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn().Err(err).Str("path", r.URL.Path).Msg("artifact download aborted")
	}
}

func (s *Server) uploadArtifact(w http.ResponseWriter, r *http.Request) {
	root, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	if err := s.artifacts.Put(r.Context(), root, chi.URLParam(r, "*"), r.Body); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct{}{})
}

func (s *Server) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	root, ok := s.artifactRoot(w, r)
	if !ok {
		return
	}
	if err := s.artifacts.Delete(r.Context(), root, chi.URLParam(r, "*")); err != nil {
		problem.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
