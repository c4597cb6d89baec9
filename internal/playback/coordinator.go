// SPDX-License-Identifier: MIT

// Package playback drives the music provider from the queue: it starts the
// top track, tracks progress and auto-advances when a track runs out.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

// State is the playback machine of one event.
type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

// The auto-advance timer fires slightly before the track's nominal end so
// the next track is requested while the provider is still draining the
// current one.
const advanceEarlyBy = 500 * time.Millisecond

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 5 * time.Second

// Queue is the slice of the queue manager the coordinator needs.
type Queue interface {
	NextTrack(ctx context.Context, eventID string) (*model.QueueItem, error)
	MarkPlayed(ctx context.Context, eventID, trackID string) (*model.QueueItem, error)
}

// StatusInfo is the read surface of one event's playback session.
type StatusInfo struct {
	EventID    string           `json:"eventId"`
	State      State            `json:"state"`
	Current    *model.QueueItem `json:"current,omitempty"`
	ProgressMs int64            `json:"progressMs"`
	AutoPlay   bool             `json:"autoPlay"`
	DeviceID   string           `json:"deviceId,omitempty"`
}

type session struct {
	// advancing serializes track starts. It is acquired before mu and never
	// together with it across a queue or provider call.
	advancing sync.Mutex

	mu sync.Mutex

	eventID  string
	venueID  string
	deviceID string
	autoPlay bool

	state      State
	current    *model.QueueItem
	startedAt  time.Time
	remaining  time.Duration // valid while paused
	generation uint64
	timer      *time.Timer
}

// Coordinator owns one playback session per initialized event. Session state
// lives behind a per-session mutex that is released around queue and
// provider calls; the generation counter invalidates whatever raced a stop
// or a state change in between.
type Coordinator struct {
	repo     ports.Repository
	queue    Queue
	provider ports.Provider
	hub      ports.Broadcaster
	now      func() time.Time
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator wires the coordinator. now may be nil and defaults to
// time.Now; a non-positive timeout falls back to DefaultProviderTimeout.
func NewCoordinator(repo ports.Repository, queue Queue, provider ports.Provider, hub ports.Broadcaster, now func() time.Time, timeout time.Duration) *Coordinator {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Coordinator{
		repo:     repo,
		queue:    queue,
		provider: provider,
		hub:      hub,
		now:      now,
		timeout:  timeout,
		logger:   log.WithComponent("playback"),
		sessions: make(map[string]*session),
	}
}

// Initialize binds an event to a provider device and creates an idle
// session. With autoPlay set, playback starts immediately if the queue has
// tracks.
func (c *Coordinator) Initialize(ctx context.Context, ev *model.Event, deviceID string, autoPlay bool) error {
	if ev.Status != model.StatusActive {
		return fault.New(fault.EventNotActive, "event %s is not active", ev.ID)
	}

	devices, err := c.provider.ListDevices(ctx, ev.VenueID)
	if err != nil {
		return fault.Wrap(fault.Provider, err, "listing playback devices failed")
	}
	if deviceID != "" {
		found := false
		for _, d := range devices {
			if d.ID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return fault.New(fault.NotFound, "device %s is not available", deviceID)
		}
	} else if len(devices) == 0 {
		return fault.New(fault.NotFound, "no playback devices available")
	}

	c.mu.Lock()
	if _, exists := c.sessions[ev.ID]; exists {
		c.mu.Unlock()
		return fault.New(fault.Conflict, "playback already initialized for event %s", ev.ID)
	}
	sess := &session{
		eventID:  ev.ID,
		venueID:  ev.VenueID,
		deviceID: deviceID,
		autoPlay: autoPlay,
		state:    StateIdle,
	}
	c.sessions[ev.ID] = sess
	c.mu.Unlock()

	c.logger.Info().
		Str(log.FieldEventID, ev.ID).
		Str(log.FieldDeviceID, deviceID).
		Bool("auto_play", autoPlay).
		Msg("playback initialized")

	if autoPlay {
		if _, err := c.PlayNext(ctx, ev.ID); err != nil && fault.CodeOf(err) != fault.NotFound {
			return err
		}
	}
	return nil
}

// PlayNext starts the top queued track. On an empty queue the session goes
// idle and a nil track is returned. On provider failure the head stays
// queued and the session goes idle.
func (c *Coordinator) PlayNext(ctx context.Context, eventID string) (*model.QueueItem, error) {
	sess, err := c.session(eventID)
	if err != nil {
		return nil, err
	}
	return c.playNext(ctx, sess)
}

// playNext reads the queue head, starts it on the provider and commits the
// new state. The session mutex is dropped around the queue and provider
// calls; the generation captured up front turns a commit that lost to a
// concurrent stop into a no-op.
func (c *Coordinator) playNext(ctx context.Context, sess *session) (*model.QueueItem, error) {
	sess.advancing.Lock()
	defer sess.advancing.Unlock()

	sess.mu.Lock()
	sess.cancelTimer()
	gen := sess.generation
	venueID, deviceID := sess.venueID, sess.deviceID
	sess.mu.Unlock()

	head, err := c.queue.NextTrack(ctx, sess.eventID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.generation == gen {
			c.goIdleLocked(ctx, sess, "queue empty")
		}
		return nil, nil
	}

	if err := c.callProvider(ctx, func(pctx context.Context) error {
		return c.provider.PlayTrack(pctx, venueID, head.TrackURI, deviceID)
	}); err != nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.generation == gen {
			c.goIdleLocked(ctx, sess, "provider failure")
		}
		return nil, fault.Wrap(fault.Provider, err, "starting track %s failed", head.TrackID)
	}

	// The track leaves the queue the moment it starts. Played rows feed the
	// repeat penalties, so the currently playing track counts as history.
	played, err := c.queue.MarkPlayed(ctx, sess.eventID, head.TrackID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	sess.mu.Lock()
	if sess.generation != gen {
		sess.mu.Unlock()
		// The session was stopped while the track was starting. Silence the
		// provider again rather than leave an orphaned track running.
		if perr := c.callProvider(ctx, func(pctx context.Context) error {
			return c.provider.PausePlayback(pctx, venueID)
		}); perr != nil {
			c.logger.Warn().Err(perr).Str(log.FieldEventID, sess.eventID).Msg("pausing orphaned track failed")
		}
		return played, nil
	}
	sess.state = StatePlaying
	sess.current = played
	sess.startedAt = now
	sess.generation++
	c.armTimerLocked(sess, time.Duration(played.DurationMs)*time.Millisecond)
	sess.mu.Unlock()

	if err := c.repo.UpdateEventNowPlaying(ctx, sess.eventID, played.TrackID, &now); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEventID, sess.eventID).Msg("persisting now playing failed")
	}
	c.hub.Broadcast(sess.eventID, ports.TopicNowPlayingUpdate, ports.NowPlayingPayload{
		EventID: sess.eventID,
		Track:   played,
	})
	metrics.IncPlaybackTransition(string(StatePlaying))

	c.logger.Info().
		Str(log.FieldEventID, sess.eventID).
		Str(log.FieldTrackID, played.TrackID).
		Int64("duration_ms", played.DurationMs).
		Msg("track started")
	return played, nil
}

// Pause halts the provider and freezes progress.
func (c *Coordinator) Pause(ctx context.Context, eventID string) error {
	sess, err := c.session(eventID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.state != StatePlaying {
		sess.mu.Unlock()
		return fault.New(fault.Conflict, "event %s is not playing", eventID)
	}
	gen := sess.generation
	venueID := sess.venueID
	sess.mu.Unlock()

	if err := c.callProvider(ctx, func(pctx context.Context) error {
		return c.provider.PausePlayback(pctx, venueID)
	}); err != nil {
		return fault.Wrap(fault.Provider, err, "pausing playback failed")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.generation != gen || sess.state != StatePlaying {
		return fault.New(fault.Conflict, "playback changed while pausing event %s", eventID)
	}

	elapsed := c.now().Sub(sess.startedAt)
	total := time.Duration(sess.current.DurationMs) * time.Millisecond
	sess.remaining = total - elapsed
	if sess.remaining < 0 {
		sess.remaining = 0
	}
	sess.cancelTimer()
	sess.state = StatePaused
	sess.generation++
	metrics.IncPlaybackTransition(string(StatePaused))

	c.logger.Info().Str(log.FieldEventID, eventID).Dur("remaining", sess.remaining).Msg("playback paused")
	return nil
}

// Resume continues a paused track where it stopped. Resuming an idle
// session starts the queue, same as PlayNext.
func (c *Coordinator) Resume(ctx context.Context, eventID string) error {
	sess, err := c.session(eventID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	switch sess.state {
	case StatePlaying:
		sess.mu.Unlock()
		return fault.New(fault.Conflict, "event %s is already playing", eventID)
	case StateIdle:
		sess.mu.Unlock()
		_, err := c.playNext(ctx, sess)
		return err
	}
	gen := sess.generation
	venueID := sess.venueID
	remaining := sess.remaining
	total := time.Duration(sess.current.DurationMs) * time.Millisecond
	sess.mu.Unlock()

	if err := c.callProvider(ctx, func(pctx context.Context) error {
		return c.provider.ResumePlayback(pctx, venueID)
	}); err != nil {
		return fault.Wrap(fault.Provider, err, "resuming playback failed")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.generation != gen || sess.state != StatePaused {
		return fault.New(fault.Conflict, "playback changed while resuming event %s", eventID)
	}
	sess.startedAt = c.now().Add(remaining - total)
	sess.state = StatePlaying
	sess.generation++
	c.armTimerLocked(sess, remaining)
	metrics.IncPlaybackTransition(string(StatePlaying))

	c.logger.Info().Str(log.FieldEventID, eventID).Msg("playback resumed")
	return nil
}

// Skip cuts the current track short and advances. The skipped row keeps its
// play record with a skip annotation.
func (c *Coordinator) Skip(ctx context.Context, eventID, reason string) (*model.QueueItem, error) {
	sess, err := c.session(eventID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.current == nil {
		sess.mu.Unlock()
		return nil, fault.New(fault.Conflict, "nothing is playing for event %s", eventID)
	}
	skipped := sess.current
	sess.mu.Unlock()

	if err := c.repo.AnnotateSkipped(ctx, skipped.ID, reason); err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldEventID, eventID).
			Str(log.FieldTrackID, skipped.TrackID).
			Msg("recording skip failed")
	}
	c.logger.Info().
		Str(log.FieldEventID, eventID).
		Str(log.FieldTrackID, skipped.TrackID).
		Str("reason", reason).
		Msg("track skipped")

	return c.playNext(ctx, sess)
}

// SetAutoPlay toggles auto-advance. Turning it on while idle starts the
// queue.
func (c *Coordinator) SetAutoPlay(ctx context.Context, eventID string, autoPlay bool) error {
	sess, err := c.session(eventID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.autoPlay = autoPlay
	startQueue := autoPlay && sess.state == StateIdle
	sess.mu.Unlock()

	if startQueue {
		if _, err := c.playNext(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// Status reports the session's current state.
func (c *Coordinator) Status(eventID string) (*StatusInfo, error) {
	sess, err := c.session(eventID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	info := &StatusInfo{
		EventID:  eventID,
		State:    sess.state,
		Current:  sess.current,
		AutoPlay: sess.autoPlay,
		DeviceID: sess.deviceID,
	}
	switch sess.state {
	case StatePlaying:
		info.ProgressMs = c.now().Sub(sess.startedAt).Milliseconds()
	case StatePaused:
		total := time.Duration(sess.current.DurationMs) * time.Millisecond
		info.ProgressMs = (total - sess.remaining).Milliseconds()
	}
	return info, nil
}

// Stop tears the session down: provider paused best effort, timer cancelled,
// session removed. Safe to call for events that were never initialized.
func (c *Coordinator) Stop(ctx context.Context, eventID string) {
	c.mu.Lock()
	sess, ok := c.sessions[eventID]
	delete(c.sessions, eventID)
	c.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.cancelTimer()
	sess.generation++
	wasPlaying := sess.state == StatePlaying
	sess.state = StateIdle
	sess.current = nil
	sess.mu.Unlock()

	if wasPlaying {
		if err := c.callProvider(ctx, func(pctx context.Context) error {
			return c.provider.PausePlayback(pctx, sess.venueID)
		}); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldEventID, eventID).Msg("pausing on stop failed")
		}
	}

	if err := c.repo.UpdateEventNowPlaying(ctx, eventID, "", nil); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEventID, eventID).Msg("clearing now playing failed")
	}
	c.hub.Broadcast(eventID, ports.TopicNowPlayingUpdate, ports.NowPlayingPayload{EventID: eventID})
	metrics.IncPlaybackTransition(string(StateIdle))
	c.logger.Info().Str(log.FieldEventID, eventID).Msg("playback stopped")
}

// StopAll tears down every live session. Called on daemon shutdown.
func (c *Coordinator) StopAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Stop(ctx, id)
	}
}

func (c *Coordinator) session(eventID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[eventID]
	if !ok {
		return nil, fault.New(fault.NotFound, "playback not initialized for event %s", eventID)
	}
	return sess, nil
}

// callProvider bounds the call and retries once on timeout. Other errors
// surface immediately.
func (c *Coordinator) callProvider(ctx context.Context, call func(context.Context) error) error {
	attempt := func() error {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return call(pctx)
	}

	err := attempt()
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("provider call timed out, retrying once")
		err = attempt()
	}
	return err
}

// goIdleLocked clears the current track and tells subscribers playback
// stopped.
func (c *Coordinator) goIdleLocked(ctx context.Context, sess *session, why string) {
	sess.cancelTimer()
	sess.state = StateIdle
	sess.current = nil
	sess.generation++

	if err := c.repo.UpdateEventNowPlaying(ctx, sess.eventID, "", nil); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldEventID, sess.eventID).Msg("clearing now playing failed")
	}
	c.hub.Broadcast(sess.eventID, ports.TopicNowPlayingUpdate, ports.NowPlayingPayload{EventID: sess.eventID})
	metrics.IncPlaybackTransition(string(StateIdle))
	c.logger.Info().Str(log.FieldEventID, sess.eventID).Str("reason", why).Msg("playback idle")
}

// armTimerLocked schedules the auto-advance callback. The generation guard
// turns stale callbacks into no-ops: any state change after arming bumps the
// generation.
func (c *Coordinator) armTimerLocked(sess *session, trackLength time.Duration) {
	if !sess.autoPlay {
		return
	}

	delay := trackLength - advanceEarlyBy
	if delay < 0 {
		delay = 0
	}
	gen := sess.generation
	sess.timer = time.AfterFunc(delay, func() {
		c.advance(sess, gen)
	})
}

func (c *Coordinator) advance(sess *session, gen uint64) {
	sess.mu.Lock()
	stale := sess.generation != gen || sess.state != StatePlaying
	sess.mu.Unlock()
	if stale {
		return
	}

	if _, err := c.playNext(context.Background(), sess); err != nil {
		c.logger.Error().Err(err).Str(log.FieldEventID, sess.eventID).Msg("auto-advance failed")
	}
}

func (s *session) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
