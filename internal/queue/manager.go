// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/admission"
	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/eventlock"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

// How much play history feeds the score function. The window comfortably
// covers the 30 minute penalty scan; the diversity bonus only reads the
// first five entries.
const (
	recentPlayLimit  = 50
	recentPlayWindow = 24 * time.Hour
)

// VoteRequest is the normalized ingress DTO for a vote. Duration is always
// milliseconds; the transport layer rejects anything that looks like
// seconds.
type VoteRequest struct {
	TrackID    string `json:"trackId"`
	TrackURI   string `json:"trackUri"`
	TrackName  string `json:"trackName"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName,omitempty"`
	AlbumArt   string `json:"albumArt,omitempty"`
	DurationMs int64  `json:"duration"`
	AddedBy    string `json:"addedBy"`
}

// Validate rejects structurally bad vote requests before they reach
// admission.
func (r VoteRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.TrackID) == "":
		return fault.New(fault.Validation, "trackId is required")
	case strings.TrimSpace(r.TrackURI) == "":
		return fault.New(fault.Validation, "trackUri is required")
	case strings.TrimSpace(r.TrackName) == "":
		return fault.New(fault.Validation, "trackName is required")
	case strings.TrimSpace(r.ArtistName) == "":
		return fault.New(fault.Validation, "artistName is required")
	case strings.TrimSpace(r.AddedBy) == "":
		return fault.New(fault.Validation, "addedBy session id is required")
	case r.DurationMs <= 0:
		return fault.New(fault.Validation, "duration must be positive milliseconds")
	}
	return nil
}

// Manager is the sole writer for queue mutations. Every mutating operation
// runs inside the event's critical section and broadcasts after its commit
// succeeds.
type Manager struct {
	repo   ports.Repository
	ledger *admission.Ledger
	hub    ports.Broadcaster
	locks  *eventlock.Map
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager wires the queue manager. now may be nil and defaults to time.Now.
func NewManager(repo ports.Repository, ledger *admission.Ledger, hub ports.Broadcaster, locks *eventlock.Map, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		repo:   repo,
		ledger: ledger,
		hub:    hub,
		locks:  locks,
		now:    now,
		logger: log.WithComponent("queue"),
	}
}

// AddVote admits and applies one vote. A vote for an already-queued track
// increments it; a vote for a new track inserts it with one vote. Either way
// the queue is rescored, reordered and rebroadcast.
func (m *Manager) AddVote(ctx context.Context, ev *model.Event, req VoteRequest, ip string) (*model.QueueItem, error) {
	if ev.Status != model.StatusActive {
		return nil, fault.New(fault.EventNotActive, "event %s is not active", ev.ID)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(ev.ID)
	defer unlock()

	existing, err := m.repo.FindQueueItem(ctx, ev.ID, req.TrackID, true)
	if err != nil {
		return nil, err
	}

	rules := ev.Rules.Normalized()
	if existing == nil {
		unplayed, err := m.repo.ListQueueItems(ctx, ev.ID, true)
		if err != nil {
			return nil, err
		}
		if len(unplayed) >= rules.MaxQueueSize {
			return nil, fault.New(fault.Conflict, "queue is full (%d tracks)", rules.MaxQueueSize)
		}
	}

	// Admission records the vote in the same step it admits it.
	if err := m.ledger.Admit(ev.ID, req.AddedBy, ip, req.TrackID, rules); err != nil {
		return nil, err
	}

	now := m.now()
	recent, err := m.repo.ListRecentlyPlayed(ctx, ev.ID, recentPlayLimit, now.Add(-recentPlayWindow))
	if err != nil {
		return nil, err
	}

	if existing != nil {
		existing.VoteCount++
		existing.LastVotedAt = now
		existing.Score = ScoreItem(existing, recent, now)
		if err := m.repo.UpdateQueueScoreAndVote(ctx, existing.ID, existing.VoteCount, existing.LastVotedAt, existing.Score); err != nil {
			return nil, err
		}
	} else {
		item := &model.QueueItem{
			EventID:     ev.ID,
			TrackID:     req.TrackID,
			TrackURI:    req.TrackURI,
			TrackName:   req.TrackName,
			ArtistName:  req.ArtistName,
			AlbumName:   req.AlbumName,
			AlbumArt:    req.AlbumArt,
			DurationMs:  req.DurationMs,
			VoteCount:   1,
			LastVotedAt: now,
			AddedAt:     now,
			AddedBy:     req.AddedBy,
		}
		item.Score = ScoreItem(item, recent, now)
		if err := m.repo.UpsertQueueItem(ctx, item); err != nil {
			return nil, err
		}
	}

	queue, err := m.reorder(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if err := m.updateStats(ctx, ev.ID, len(queue)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldEventID, ev.ID).Msg("stats update failed")
	}

	var voted *model.QueueItem
	for i := range queue {
		if queue[i].TrackID == req.TrackID {
			voted = &queue[i]
			break
		}
	}
	if voted == nil {
		// The row we just wrote must be part of the snapshot.
		return nil, fault.New(fault.Internal, "voted track %s missing after reorder", req.TrackID)
	}

	m.broadcastQueue(ev.ID, queue)
	m.hub.Broadcast(ev.ID, ports.TopicVoteUpdate, ports.VoteUpdatePayload{
		EventID:   ev.ID,
		TrackID:   voted.TrackID,
		VoteCount: voted.VoteCount,
		Position:  voted.Position,
	})

	m.logger.Info().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldTrackID, voted.TrackID).
		Int(log.FieldVoteCount, voted.VoteCount).
		Int(log.FieldPosition, voted.Position).
		Int(log.FieldScore, voted.Score).
		Msg("vote applied")
	return voted, nil
}

// GetQueue returns the unplayed queue ordered by (score desc, addedAt asc).
func (m *Manager) GetQueue(ctx context.Context, eventID string) ([]model.QueueItem, error) {
	items, err := m.repo.ListQueueItems(ctx, eventID, true)
	if err != nil {
		return nil, err
	}
	sortQueue(items)
	return items, nil
}

// Remove hard-deletes an unplayed row and rebroadcasts the queue.
func (m *Manager) Remove(ctx context.Context, eventID, trackID string) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	item, err := m.repo.FindQueueItem(ctx, eventID, trackID, true)
	if err != nil {
		return err
	}
	if item == nil {
		return fault.New(fault.NotFound, "track %s is not queued", trackID)
	}
	if err := m.repo.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}

	queue, err := m.reorder(ctx, eventID)
	if err != nil {
		return err
	}
	if err := m.updateStats(ctx, eventID, len(queue)); err != nil {
		m.logger.Warn().Err(err).Str(log.FieldEventID, eventID).Msg("stats update failed")
	}
	m.broadcastQueue(eventID, queue)
	return nil
}

// MarkPlayed flags a row as played and reorders the remainder. The played
// row becomes immutable.
func (m *Manager) MarkPlayed(ctx context.Context, eventID, trackID string) (*model.QueueItem, error) {
	return m.finishTrack(ctx, eventID, trackID, false, "")
}

// Skip marks a row played with a skip annotation.
func (m *Manager) Skip(ctx context.Context, eventID, trackID, reason string) (*model.QueueItem, error) {
	return m.finishTrack(ctx, eventID, trackID, true, reason)
}

func (m *Manager) finishTrack(ctx context.Context, eventID, trackID string, skipped bool, reason string) (*model.QueueItem, error) {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	item, err := m.repo.FindQueueItem(ctx, eventID, trackID, true)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fault.New(fault.NotFound, "track %s is not queued", trackID)
	}

	now := m.now()
	if err := m.repo.MarkQueueItem(ctx, item.ID, now, skipped, reason); err != nil {
		return nil, err
	}
	item.IsPlayed = true
	item.PlayedAt = &now
	item.Skipped = skipped
	item.SkippedReason = reason

	queue, err := m.reorder(ctx, eventID)
	if err != nil {
		return nil, err
	}
	m.broadcastQueue(eventID, queue)
	return item, nil
}

// NextTrack returns the head of the unplayed ordering, or nil on an empty
// queue. Only ACTIVE events have a next track.
func (m *Manager) NextTrack(ctx context.Context, eventID string) (*model.QueueItem, error) {
	ev, err := m.repo.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fault.New(fault.NotFound, "event %s not found", eventID)
	}
	if ev.Status != model.StatusActive {
		return nil, fault.New(fault.EventNotActive, "event %s is not active", eventID)
	}

	items, err := m.GetQueue(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	head := items[0]
	return &head, nil
}

// Clear deletes every unplayed row for the event.
func (m *Manager) Clear(ctx context.Context, eventID string) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	if err := m.repo.DeleteUnplayedForEvent(ctx, eventID); err != nil {
		return err
	}
	metrics.SetQueueDepth(eventID, 0)
	m.broadcastQueue(eventID, nil)
	return nil
}

// RecomputeAllScores rescores the whole unplayed queue against one captured
// now and reorders. Idempotent while its inputs are unchanged; also used as
// self-heal when a position gap is detected.
func (m *Manager) RecomputeAllScores(ctx context.Context, eventID string) error {
	unlock := m.locks.Lock(eventID)
	defer unlock()

	items, err := m.repo.ListQueueItems(ctx, eventID, true)
	if err != nil {
		return err
	}

	now := m.now()
	recent, err := m.repo.ListRecentlyPlayed(ctx, eventID, recentPlayLimit, now.Add(-recentPlayWindow))
	if err != nil {
		return err
	}
	for i := range items {
		score := ScoreItem(&items[i], recent, now)
		if score == items[i].Score {
			continue
		}
		items[i].Score = score
		if err := m.repo.UpdateQueueScoreAndVote(ctx, items[i].ID, items[i].VoteCount, items[i].LastVotedAt, score); err != nil {
			return err
		}
	}

	queue, err := m.reorder(ctx, eventID)
	if err != nil {
		return err
	}
	m.broadcastQueue(eventID, queue)
	return nil
}

// Stats returns the aggregate counters for one event.
func (m *Manager) Stats(ctx context.Context, eventID string) (*model.EventStats, error) {
	unplayed, err := m.repo.ListQueueItems(ctx, eventID, true)
	if err != nil {
		return nil, err
	}
	votes, err := m.repo.CountVotesForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	played, err := m.repo.CountPlayedForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &model.EventStats{
		EventID:     eventID,
		TotalTracks: len(unplayed) + played,
		TotalVotes:  votes,
		PlayedCount: played,
	}, nil
}

// reorder reads the unplayed rows, sorts them, assigns contiguous 1..N
// positions and persists the assignment in one transactional batch. It
// returns the freshly ordered queue.
func (m *Manager) reorder(ctx context.Context, eventID string) ([]model.QueueItem, error) {
	items, err := m.repo.ListQueueItems(ctx, eventID, true)
	if err != nil {
		return nil, err
	}
	sortQueue(items)

	updates := make([]ports.PositionUpdate, 0, len(items))
	for i := range items {
		want := i + 1
		if items[i].Position != want {
			updates = append(updates, ports.PositionUpdate{ID: items[i].ID, Position: want})
		}
		items[i].Position = want
	}
	if len(updates) > 0 {
		if err := m.repo.UpdatePositionsBatch(ctx, updates); err != nil {
			return nil, err
		}
	}
	metrics.SetQueueDepth(eventID, len(items))
	return items, nil
}

func (m *Manager) updateStats(ctx context.Context, eventID string, unplayed int) error {
	played, err := m.repo.CountPlayedForEvent(ctx, eventID)
	if err != nil {
		return err
	}
	return m.repo.UpdateEventStats(ctx, eventID, unplayed+played)
}

func (m *Manager) broadcastQueue(eventID string, queue []model.QueueItem) {
	if queue == nil {
		queue = []model.QueueItem{}
	}
	m.hub.Broadcast(eventID, ports.TopicQueueUpdate, ports.QueueUpdatePayload{EventID: eventID, Queue: queue})
}

// sortQueue orders by (score desc, addedAt asc) with the row id as final
// deterministic tie break.
func sortQueue(items []model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].AddedAt.Equal(items[j].AddedAt) {
			return items[i].AddedAt.Before(items[j].AddedAt)
		}
		return items[i].ID < items[j].ID
	})
}
