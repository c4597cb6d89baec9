// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/queue"
)

// Track lengths arrive in milliseconds. Anything below this is almost
// certainly seconds sent by a confused client; rejecting beats queueing a
// three-minute track for 200ms.
const minTrackDurationMs = 10_000

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req queue.VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fault.New(fault.Validation, "malformed request body"))
		return
	}
	if req.DurationMs > 0 && req.DurationMs < minTrackDurationMs {
		writeError(w, r, fault.New(fault.Validation,
			"duration %d looks like seconds, expected milliseconds", req.DurationMs))
		return
	}

	ev, err := s.events.Get(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	item, err := s.queues.AddVote(r.Context(), ev, req, s.clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}

	items, err := s.queues.GetQueue(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventId": eventID, "queue": items})
}

func (s *Server) handleNextTrack(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}

	track, err := s.queues.NextTrack(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"track": track})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.queues.Clear(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	trackID := chi.URLParam(r, "trackID")

	if err := s.queues.Remove(r.Context(), eventID, trackID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkPlayed(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	trackID := chi.URLParam(r, "trackID")

	item, err := s.queues.MarkPlayed(r.Context(), eventID, trackID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleSkipQueued(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	trackID := chi.URLParam(r, "trackID")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	item, err := s.queues.Skip(r.Context(), eventID, trackID, body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
