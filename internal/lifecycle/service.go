// SPDX-License-Identifier: MIT

// Package lifecycle manages event state: scheduling, the single-active
// invariant per venue, and terminal transitions.
package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/admission"
	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/eventlock"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

// PlaybackStopper tears down any live playback for an event. The lifecycle
// service calls it when an event leaves ACTIVE.
type PlaybackStopper interface {
	Stop(ctx context.Context, eventID string)
}

// CreateRequest carries the writable fields of a new event.
type CreateRequest struct {
	VenueID        string            `json:"venueId"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	ScheduledStart time.Time         `json:"scheduledStart"`
	ScheduledEnd   time.Time         `json:"scheduledEnd"`
	PlaylistSource string            `json:"playlistSource,omitempty"`
	PlaylistConfig map[string]string `json:"playlistConfig,omitempty"`
	Rules          model.VotingRules `json:"votingRules"`
}

// UpdateRequest carries the mutable fields of an existing event. Nil fields
// stay untouched.
type UpdateRequest struct {
	Name           *string            `json:"name,omitempty"`
	Description    *string            `json:"description,omitempty"`
	ScheduledStart *time.Time         `json:"scheduledStart,omitempty"`
	ScheduledEnd   *time.Time         `json:"scheduledEnd,omitempty"`
	PlaylistSource *string            `json:"playlistSource,omitempty"`
	PlaylistConfig map[string]string  `json:"playlistConfig,omitempty"`
	Rules          *model.VotingRules `json:"votingRules,omitempty"`
}

// Service implements the event lifecycle operations.
type Service struct {
	repo     ports.Repository
	ledger   *admission.Ledger
	hub      ports.Broadcaster
	playback PlaybackStopper
	locks    *eventlock.Map
	now      func() time.Time
	newID    func() string
	logger   zerolog.Logger
}

// NewService wires the lifecycle service. now may be nil and defaults to
// time.Now.
func NewService(repo ports.Repository, ledger *admission.Ledger, hub ports.Broadcaster, playback PlaybackStopper, locks *eventlock.Map, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     repo,
		ledger:   ledger,
		hub:      hub,
		playback: playback,
		locks:    locks,
		now:      now,
		newID:    uuid.NewString,
		logger:   log.WithComponent("lifecycle"),
	}
}

// Create validates and persists a new event in DRAFT.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Event, error) {
	if strings.TrimSpace(req.VenueID) == "" {
		return nil, fault.New(fault.Validation, "venueId is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fault.New(fault.Validation, "name is required")
	}
	if !req.ScheduledStart.Before(req.ScheduledEnd) {
		return nil, fault.New(fault.Validation, "scheduledEnd must be after scheduledStart")
	}

	if err := s.checkOverlap(ctx, req.VenueID, "", req.ScheduledStart, req.ScheduledEnd); err != nil {
		return nil, err
	}

	now := s.now()
	ev := &model.Event{
		ID:             s.newID(),
		VenueID:        req.VenueID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         model.StatusDraft,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		PlaylistSource: req.PlaylistSource,
		PlaylistConfig: req.PlaylistConfig,
		Rules:          req.Rules,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateEvent(ctx, ev); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldVenueID, ev.VenueID).
		Time("scheduled_start", ev.ScheduledStart).
		Msg("event created")
	return ev, nil
}

// Get returns one event or a NOT_FOUND fault.
func (s *Service) Get(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.repo.FindEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fault.New(fault.NotFound, "event %s not found", id)
	}
	return ev, nil
}

// ListVenue returns the venue's non-terminal events ordered by start time.
func (s *Service) ListVenue(ctx context.Context, venueID string) ([]model.Event, error) {
	return s.repo.ListVenueEvents(ctx, venueID)
}

// Update applies partial changes. Terminal events are immutable; a schedule
// change re-runs the overlap check.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*model.Event, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status.IsTerminal() {
		return nil, fault.New(fault.Conflict, "event %s is %s and cannot be modified", id, ev.Status)
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fault.New(fault.Validation, "name cannot be empty")
		}
		ev.Name = *req.Name
	}
	if req.Description != nil {
		ev.Description = *req.Description
	}
	if req.PlaylistSource != nil {
		ev.PlaylistSource = *req.PlaylistSource
	}
	if req.PlaylistConfig != nil {
		ev.PlaylistConfig = req.PlaylistConfig
	}
	if req.Rules != nil {
		ev.Rules = *req.Rules
	}

	scheduleChanged := false
	if req.ScheduledStart != nil {
		ev.ScheduledStart = *req.ScheduledStart
		scheduleChanged = true
	}
	if req.ScheduledEnd != nil {
		ev.ScheduledEnd = *req.ScheduledEnd
		scheduleChanged = true
	}
	if scheduleChanged {
		if ev.Status == model.StatusActive {
			return nil, fault.New(fault.Conflict, "cannot reschedule an active event")
		}
		if !ev.ScheduledStart.Before(ev.ScheduledEnd) {
			return nil, fault.New(fault.Validation, "scheduledEnd must be after scheduledStart")
		}
		if err := s.checkOverlap(ctx, ev.VenueID, ev.ID, ev.ScheduledStart, ev.ScheduledEnd); err != nil {
			return nil, err
		}
	}

	ev.UpdatedAt = s.now()
	if err := s.repo.UpdateEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Schedule moves a DRAFT event to SCHEDULED.
func (s *Service) Schedule(ctx context.Context, id string) (*model.Event, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.StatusDraft {
		return nil, fault.New(fault.Conflict, "event %s is %s, only DRAFT events can be scheduled", id, ev.Status)
	}
	return s.transition(ctx, ev, model.StatusScheduled, nil, nil)
}

// Activate moves a DRAFT or SCHEDULED event to ACTIVE. At most one event per
// venue may be ACTIVE.
func (s *Service) Activate(ctx context.Context, id string) (*model.Event, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ev.Status.CanActivate() {
		return nil, fault.New(fault.Conflict, "event %s is %s and cannot be activated", id, ev.Status)
	}

	active, err := s.repo.FindVenueActiveEvent(ctx, ev.VenueID)
	if err != nil {
		return nil, err
	}
	if active != nil && active.ID != ev.ID {
		return nil, fault.New(fault.Conflict, "venue %s already has an active event (%s)", ev.VenueID, active.ID)
	}

	start := s.now()
	return s.transition(ctx, ev, model.StatusActive, &start, nil)
}

// End moves an ACTIVE event to ENDED, stops playback and drops the event's
// admission history.
func (s *Service) End(ctx context.Context, id string) (*model.Event, error) {
	ev, err := s.end(ctx, id)
	if err != nil {
		return nil, err
	}
	s.teardown(ctx, id)
	return ev, nil
}

func (s *Service) end(ctx context.Context, id string) (*model.Event, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.StatusActive {
		return nil, fault.New(fault.Conflict, "event %s is %s, only ACTIVE events can end", id, ev.Status)
	}

	end := s.now()
	return s.transition(ctx, ev, model.StatusEnded, nil, &end)
}

// Cancel moves a non-terminal event to CANCELLED. Cancelling an ACTIVE event
// also tears playback down.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Event, error) {
	ev, wasActive, err := s.cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if wasActive {
		s.teardown(ctx, id)
	}
	return ev, nil
}

func (s *Service) cancel(ctx context.Context, id string) (*model.Event, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if ev.Status.IsTerminal() {
		return nil, false, fault.New(fault.Conflict, "event %s is already %s", id, ev.Status)
	}

	wasActive := ev.Status == model.StatusActive
	var end *time.Time
	if wasActive {
		t := s.now()
		end = &t
	}
	ev, err = s.transition(ctx, ev, model.StatusCancelled, nil, end)
	return ev, wasActive, err
}

// Delete removes an event and its queue. Active events must be ended or
// cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ev.Status == model.StatusActive {
		return fault.New(fault.Conflict, "event %s is active, end or cancel it first", id)
	}

	if err := s.repo.DeleteEvent(ctx, id); err != nil {
		return err
	}
	metrics.DropQueueDepth(id)
	s.logger.Info().Str(log.FieldEventID, id).Msg("event deleted")
	return nil
}

func (s *Service) transition(ctx context.Context, ev *model.Event, to model.Status, actualStart, actualEnd *time.Time) (*model.Event, error) {
	from := ev.Status
	if err := s.repo.UpdateEventStatus(ctx, ev.ID, to, actualStart, actualEnd); err != nil {
		return nil, err
	}
	ev.Status = to
	if actualStart != nil {
		ev.ActualStart = actualStart
	}
	if actualEnd != nil {
		ev.ActualEnd = actualEnd
	}

	s.hub.Broadcast(ev.ID, ports.TopicEventStatusChange, ports.StatusChangePayload{
		EventID: ev.ID,
		Status:  to,
	})
	s.logger.Info().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("event status changed")
	return ev, nil
}

// teardown stops playback and forgets admission state. Best effort: the
// status transition proceeds regardless. Callers must not hold the event
// lock; stopping playback contends with a track start that takes the same
// lock to mark the track played.
func (s *Service) teardown(ctx context.Context, eventID string) {
	if s.playback != nil {
		s.playback.Stop(ctx, eventID)
	}
	s.ledger.Forget(eventID)
	metrics.DropQueueDepth(eventID)
}

func (s *Service) checkOverlap(ctx context.Context, venueID, selfID string, start, end time.Time) error {
	events, err := s.repo.ListVenueEvents(ctx, venueID)
	if err != nil {
		return err
	}
	for _, other := range events {
		if other.ID == selfID {
			continue
		}
		if model.Overlaps(start, end, other.ScheduledStart, other.ScheduledEnd) {
			return fault.New(fault.Conflict, "schedule overlaps event %s (%s)", other.ID, other.Name)
		}
	}
	return nil
}
