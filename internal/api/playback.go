// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
)

func (s *Server) handleInitializePlayback(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req struct {
		DeviceID string `json:"deviceId"`
		AutoPlay *bool  `json:"autoPlay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fault.New(fault.Validation, "malformed request body"))
		return
	}
	// Auto-play is on unless the caller opts out.
	autoPlay := req.AutoPlay == nil || *req.AutoPlay

	ev, err := s.events.Get(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.playback.Initialize(r.Context(), ev, req.DeviceID, autoPlay); err != nil {
		writeError(w, r, err)
		return
	}

	status, err := s.playback.Status(eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.playback.Status(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlayNext(w http.ResponseWriter, r *http.Request) {
	track, err := s.playback.PlayNext(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"track": track})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Pause(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.playback.Resume(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSkipPlayback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	track, err := s.playback.Skip(r.Context(), chi.URLParam(r, "eventID"), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"track": track})
}

func (s *Server) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	s.playback.Stop(r.Context(), chi.URLParam(r, "eventID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAutoPlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoPlay *bool `json:"autoPlay"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AutoPlay == nil {
		writeError(w, r, fault.New(fault.Validation, "autoPlay boolean is required"))
		return
	}

	if err := s.playback.SetAutoPlay(r.Context(), chi.URLParam(r, "eventID"), *req.AutoPlay); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
