// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/lifecycle"
)

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fault.New(fault.Validation, "malformed request body"))
		return
	}

	ev, err := s.events.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListVenueEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.ListVenue(r.Context(), chi.URLParam(r, "venueID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fault.New(fault.Validation, "malformed request body"))
		return
	}

	ev, err := s.events.Update(r.Context(), chi.URLParam(r, "eventID"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.events.Delete(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScheduleEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Schedule(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleActivateEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Activate(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEndEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.End(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.events.Cancel(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.events.Get(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := s.queues.Stats(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
