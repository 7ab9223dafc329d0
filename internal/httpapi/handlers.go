package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bdbenim/stash-empornium/internal/errs"
	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

func decodeParams(w http.ResponseWriter, r *http.Request) (jobs.Params, bool) {
	var p jobs.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return p, false
	}
	if p.SceneID == "" {
		writeError(w, http.StatusBadRequest, "scene_id is required")
		return p, false
	}
	return p, true
}

// handleFill submits a job and streams its events in the same response.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeParams(w, r)
	if !ok {
		return
	}
	s.streamNDJSON(w, r, s.jobs.Submit(p))
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeParams(w, r)
	if !ok {
		return
	}
	id := s.jobs.Submit(p)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"id": id},
	})
}

func (s *Server) handleJobNDJSON(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	s.streamNDJSON(w, r, id)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

type startRequest struct {
	TorrentPath string `json:"torrent_path"`
}

func (s *Server) handleStartTorrent(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TorrentPath == "" {
		writeError(w, http.StatusBadRequest, "torrent_path is required")
		return
	}
	log.Debug("Torrent submitted: %s", req.TorrentPath)
	if s.clients != nil {
		s.clients.StartAll(r.Context(), req.TorrentPath)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

type acceptedTag struct {
	Name string `json:"name"`
	EMP  string `json:"emp"`
}

type suggestionsRequest struct {
	Tracker string        `json:"tracker"`
	Accept  []acceptedTag `json:"accept"`
	Ignore  []string      `json:"ignore"`
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	if s.tags == nil {
		writeError(w, http.StatusNotImplemented, "tag engine is not configured")
		return
	}
	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	accepted := make(map[string]string, len(req.Accept))
	for _, t := range req.Accept {
		if t.Name != "" {
			accepted[t.Name] = t.EMP
		}
	}
	if len(accepted) > 0 {
		log.Info("Accepting %d tag suggestions", len(accepted))
		if err := s.tags.Accept(r.Context(), req.Tracker, accepted); err != nil {
			writeErr(w, err)
			return
		}
	}
	if err := s.tags.Reject(r.Context(), req.Ignore); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   map[string]any{"message": "Tags saved"},
	})
}

func (s *Server) handlePendingSuggestions(w http.ResponseWriter, r *http.Request) {
	if s.tags == nil {
		writeError(w, http.StatusNotImplemented, "tag engine is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.tags.Pending(r.URL.Query().Get("tracker")))
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.templates)
}

// jobID parses the {id} route parameter. Anything that does not name a
// known job is answered with 404.
func jobID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Invalid job id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jobs.Failure(msg))
}

// writeErr maps an error kind to a status code and answers with its public
// message.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.ValidationFailed:
		status = http.StatusBadRequest
	case errs.NotFound, errs.InvalidJob:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, status, errs.PublicMessage(err))
}
