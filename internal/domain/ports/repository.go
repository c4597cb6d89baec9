// SPDX-License-Identifier: MIT

// Package ports defines the narrow interfaces the domain services depend on.
// Adapters (sqlite, spotify, hub) implement them; the domain never imports
// an adapter.
package ports

import (
	"context"
	"time"

	"github.com/crowdcue/crowdcue/internal/domain/model"
)

// PositionUpdate is one row of a batch position rewrite.
type PositionUpdate struct {
	ID       int64
	Position int
}

// Repository is the durable storage surface for events and queue rows.
type Repository interface {
	CreateEvent(ctx context.Context, ev *model.Event) error
	UpdateEvent(ctx context.Context, ev *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
	FindEvent(ctx context.Context, id string) (*model.Event, error)
	FindVenueActiveEvent(ctx context.Context, venueID string) (*model.Event, error)
	// ListVenueEvents returns the venue's events in {DRAFT, SCHEDULED, ACTIVE},
	// used for the scheduling overlap check.
	ListVenueEvents(ctx context.Context, venueID string) ([]model.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status model.Status, actualStart, actualEnd *time.Time) error
	UpdateEventStats(ctx context.Context, id string, totalTracks int) error
	UpdateEventNowPlaying(ctx context.Context, id, trackID string, startedAt *time.Time) error

	FindQueueItem(ctx context.Context, eventID, trackID string, unplayedOnly bool) (*model.QueueItem, error)
	ListQueueItems(ctx context.Context, eventID string, unplayedOnly bool) ([]model.QueueItem, error)
	UpsertQueueItem(ctx context.Context, item *model.QueueItem) error
	UpdateQueueScoreAndVote(ctx context.Context, id int64, voteCount int, lastVotedAt time.Time, score int) error
	// UpdatePositionsBatch applies all position updates in one transaction:
	// observers never see a half-reordered queue.
	UpdatePositionsBatch(ctx context.Context, updates []PositionUpdate) error
	MarkQueueItem(ctx context.Context, id int64, playedAt time.Time, skipped bool, reason string) error
	// AnnotateSkipped flags an already-played row as cut short.
	AnnotateSkipped(ctx context.Context, id int64, reason string) error
	DeleteQueueItem(ctx context.Context, id int64) error
	DeleteUnplayedForEvent(ctx context.Context, eventID string) error
	CountVotesForEvent(ctx context.Context, eventID string) (int, error)
	CountPlayedForEvent(ctx context.Context, eventID string) (int, error)
	// ListRecentlyPlayed returns played rows with playedAt >= since, most
	// recent first, capped at limit. A zero since disables the cutoff.
	ListRecentlyPlayed(ctx context.Context, eventID string, limit int, since time.Time) ([]model.RecentPlay, error)
}
