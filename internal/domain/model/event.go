// SPDX-License-Identifier: MIT

// Package model holds the persistent domain types shared by all services.
package model

import "time"

// Status is the client-visible lifecycle of an event.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal events reject all
// content mutations.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusActive, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// CanActivate reports whether an event in this status may transition to ACTIVE.
func (s Status) CanActivate() bool {
	return s == StatusDraft || s == StatusScheduled
}

// Event is a scheduled window during which guests may vote at a venue.
type Event struct {
	ID          string `json:"id"`
	VenueID     string `json:"venueId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`

	ScheduledStart time.Time  `json:"scheduledStart"`
	ScheduledEnd   time.Time  `json:"scheduledEnd"`
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	ActualEnd      *time.Time `json:"actualEnd,omitempty"`

	PlaylistSource string            `json:"playlistSource,omitempty"`
	PlaylistConfig map[string]string `json:"playlistConfig,omitempty"`
	Rules          VotingRules       `json:"votingRules"`

	CurrentTrackID        string     `json:"currentTrackId,omitempty"`
	CurrentTrackStartedAt *time.Time `json:"currentTrackStartedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Overlaps reports whether two half-open scheduling windows [s1,e1) and
// [s2,e2) intersect. Both events are assumed to belong to the same venue and
// to be in a non-terminal status; the caller filters for that.
func Overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// EventStats is the aggregate read surface for one event.
type EventStats struct {
	EventID     string `json:"eventId"`
	TotalTracks int    `json:"totalTracks"`
	TotalVotes  int    `json:"totalVotes"`
	PlayedCount int    `json:"playedCount"`
}
