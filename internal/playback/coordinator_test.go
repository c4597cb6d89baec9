// SPDX-License-Identifier: MIT

package playback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/crowdcue/crowdcue/internal/admission"
	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/domain/ports"
	"github.com/crowdcue/crowdcue/internal/eventlock"
	"github.com/crowdcue/crowdcue/internal/lifecycle"
	"github.com/crowdcue/crowdcue/internal/persistence/sqlite"
	"github.com/crowdcue/crowdcue/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu      sync.Mutex
	played  []string
	paused  int
	resumed int
	devices []ports.Device

	playErr     error
	timeoutOnce bool

	// playGate, when set, blocks PlayTrack until closed. playStarted is
	// closed once the first gated call arrives.
	playGate    chan struct{}
	playStarted chan struct{}
	startedOnce sync.Once
}

func (p *fakeProvider) PlayTrack(ctx context.Context, _, trackURI, _ string) error {
	p.mu.Lock()
	gate := p.playGate
	p.mu.Unlock()
	if gate != nil {
		p.startedOnce.Do(func() { close(p.playStarted) })
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeoutOnce {
		p.timeoutOnce = false
		return context.DeadlineExceeded
	}
	if p.playErr != nil {
		return p.playErr
	}
	p.played = append(p.played, trackURI)
	return nil
}

func (p *fakeProvider) PausePlayback(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused++
	return nil
}

func (p *fakeProvider) ResumePlayback(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed++
	return nil
}

func (p *fakeProvider) ListDevices(context.Context, string) ([]ports.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices, nil
}

func (p *fakeProvider) playedURIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type broadcastMsg struct {
	topic   string
	payload any
}

type captureHub struct {
	mu   sync.Mutex
	msgs []broadcastMsg
}

func (h *captureHub) Broadcast(_ string, topic string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, broadcastMsg{topic: topic, payload: payload})
}

func (h *captureHub) lastNowPlaying() (ports.NowPlayingPayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.msgs) - 1; i >= 0; i-- {
		if h.msgs[i].topic == ports.TopicNowPlayingUpdate {
			return h.msgs[i].payload.(ports.NowPlayingPayload), true
		}
	}
	return ports.NowPlayingPayload{}, false
}

type fixture struct {
	coord    *Coordinator
	queues   *queue.Manager
	store    *sqlite.Store
	hub      *captureHub
	provider *fakeProvider
	clock    *fakeClock
	ledger   *admission.Ledger
	locks    *eventlock.Map
	ev       *model.Event
}

var openRules = model.VotingRules{
	VotesPerHour:             1000,
	CooldownSeconds:          1,
	SameTrackCooldownSeconds: 1,
	IPHourlyMultiplier:       1000,
	MaxQueueSize:             50,
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "crowdcue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{t: time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)}
	hub := &captureHub{}
	provider := &fakeProvider{devices: []ports.Device{{ID: "dev1", Name: "Bar Speakers", Type: "Speaker", Active: true}}}

	ledger := admission.NewLedger(clock.now)
	locks := eventlock.NewMap()
	queues := queue.NewManager(store, ledger, hub, locks, clock.now)
	coord := NewCoordinator(store, queues, provider, hub, clock.now, time.Second)

	ev := &model.Event{
		ID:             "e1",
		VenueID:        "v1",
		Name:           "Friday Night",
		Status:         model.StatusActive,
		ScheduledStart: clock.now(),
		ScheduledEnd:   clock.now().Add(4 * time.Hour),
		Rules:          openRules,
		CreatedAt:      clock.now(),
		UpdatedAt:      clock.now(),
	}
	require.NoError(t, store.CreateEvent(context.Background(), ev))

	f := &fixture{coord: coord, queues: queues, store: store, hub: hub, provider: provider, clock: clock, ledger: ledger, locks: locks, ev: ev}
	t.Cleanup(func() { coord.StopAll(context.Background()) })
	return f
}

// vote enqueues a track with the given number of votes from distinct
// sessions.
func (f *fixture) vote(t *testing.T, trackID, artist string, votes int, durationMs int64) {
	t.Helper()
	for i := 0; i < votes; i++ {
		req := queue.VoteRequest{
			TrackID:    trackID,
			TrackURI:   "spotify:track:" + trackID,
			TrackName:  "Track " + trackID,
			ArtistName: artist,
			DurationMs: durationMs,
			AddedBy:    "sess-" + trackID + "-" + string(rune('a'+i)),
		}
		_, err := f.queues.AddVote(context.Background(), f.ev, req, "10.0.0.1")
		require.NoError(t, err)
		f.clock.advance(2 * time.Second)
	}
}

func (f *fixture) initialize(t *testing.T, autoPlay bool) {
	t.Helper()
	require.NoError(t, f.coord.Initialize(context.Background(), f.ev, "dev1", autoPlay))
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.coord.Initialize(ctx, f.ev, "ghost", false)
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))

	require.NoError(t, f.coord.Initialize(ctx, f.ev, "dev1", false))

	err = f.coord.Initialize(ctx, f.ev, "dev1", false)
	assert.Equal(t, fault.Conflict, fault.CodeOf(err))

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, "dev1", status.DeviceID)
}

func TestInitializeRequiresActiveEvent(t *testing.T) {
	f := newFixture(t)
	f.ev.Status = model.StatusEnded

	err := f.coord.Initialize(context.Background(), f.ev, "dev1", false)
	assert.Equal(t, fault.EventNotActive, fault.CodeOf(err))
}

func TestInitializeNoDevices(t *testing.T) {
	f := newFixture(t)
	f.provider.devices = nil

	err := f.coord.Initialize(context.Background(), f.ev, "", false)
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestPlayNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 2, 210_000)
	f.vote(t, "t2", "B", 1, 180_000)
	f.initialize(t, false)

	track, err := f.coord.PlayNext(ctx, f.ev.ID)
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, "t1", track.TrackID, "highest score plays first")
	assert.True(t, track.IsPlayed)
	assert.Equal(t, []string{"spotify:track:t1"}, f.provider.playedURIs())

	remaining, err := f.queues.GetQueue(ctx, f.ev.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "t2", remaining[0].TrackID)

	np, ok := f.hub.lastNowPlaying()
	require.True(t, ok)
	require.NotNil(t, np.Track)
	assert.Equal(t, "t1", np.Track.TrackID)

	ev, err := f.store.FindEvent(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", ev.CurrentTrackID)

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, status.State)
}

func TestPlayNextEmptyQueue(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, false)

	track, err := f.coord.PlayNext(context.Background(), f.ev.ID)
	require.NoError(t, err)
	assert.Nil(t, track)

	np, ok := f.hub.lastNowPlaying()
	require.True(t, ok)
	assert.Nil(t, np.Track, "idle broadcasts a nil track")

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)
}

func TestPlayNextUninitialized(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.PlayNext(context.Background(), f.ev.ID)
	assert.Equal(t, fault.NotFound, fault.CodeOf(err))
}

func TestPlayNextProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	f.provider.playErr = errors.New("device gone")
	_, err := f.coord.PlayNext(ctx, f.ev.ID)
	assert.Equal(t, fault.Provider, fault.CodeOf(err))

	remaining, err := f.queues.GetQueue(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "failed start keeps the head queued")

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, status.State)

	// Recovery: clear the failure and try again.
	f.provider.playErr = nil
	track, err := f.coord.PlayNext(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "t1", track.TrackID)
}

func TestPlayNextRetriesTimeout(t *testing.T) {
	f := newFixture(t)
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	f.provider.timeoutOnce = true
	track, err := f.coord.PlayNext(context.Background(), f.ev.ID)
	require.NoError(t, err, "a single timeout is retried")
	assert.Equal(t, "t1", track.TrackID)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	err := f.coord.Pause(ctx, f.ev.ID)
	assert.Equal(t, fault.Conflict, fault.CodeOf(err), "cannot pause while idle")

	_, err = f.coord.PlayNext(ctx, f.ev.ID)
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	require.NoError(t, f.coord.Pause(ctx, f.ev.ID))
	assert.Equal(t, 1, f.provider.paused)

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, status.State)
	assert.Equal(t, int64(30_000), status.ProgressMs)

	// Progress stays frozen while paused.
	f.clock.advance(time.Minute)
	status, err = f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), status.ProgressMs)

	err = f.coord.Resume(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.resumed)

	f.clock.advance(10 * time.Second)
	status, err = f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, status.State)
	assert.Equal(t, int64(40_000), status.ProgressMs)

	err = f.coord.Resume(ctx, f.ev.ID)
	assert.Equal(t, fault.Conflict, fault.CodeOf(err), "cannot resume while playing")
}

func TestResumeFromIdleStartsQueue(t *testing.T) {
	f := newFixture(t)
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	require.NoError(t, f.coord.Resume(context.Background(), f.ev.ID))

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, status.State)
	assert.Equal(t, []string{"spotify:track:t1"}, f.provider.playedURIs())
	assert.Equal(t, 0, f.provider.resumed, "idle resume starts the queue instead of resuming the provider")
}

func TestSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 2, 210_000)
	f.vote(t, "t2", "B", 1, 180_000)
	f.initialize(t, false)

	first, err := f.coord.PlayNext(ctx, f.ev.ID)
	require.NoError(t, err)
	require.Equal(t, "t1", first.TrackID)

	next, err := f.coord.Skip(ctx, f.ev.ID, "crowd request")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.TrackID)

	row, err := f.store.FindQueueItem(ctx, f.ev.ID, "t1", false)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Skipped)
	assert.Equal(t, "crowd request", row.SkippedReason)

	// Skipping with an empty queue behind the current track goes idle.
	last, err := f.coord.Skip(ctx, f.ev.ID, "")
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = f.coord.Skip(ctx, f.ev.ID, "")
	assert.Equal(t, fault.Conflict, fault.CodeOf(err), "nothing playing to skip")
}

func TestAutoAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Long enough to outlive the early-advance buffer, short enough for a
	// fast test.
	f.vote(t, "t1", "A", 2, 600)
	f.vote(t, "t2", "B", 1, 600)
	f.initialize(t, true)

	require.Eventually(t, func() bool {
		uris := f.provider.playedURIs()
		return len(uris) == 2 && uris[1] == "spotify:track:t2"
	}, 5*time.Second, 10*time.Millisecond, "both tracks should play back to back")

	require.Eventually(t, func() bool {
		status, err := f.coord.Status(f.ev.ID)
		return err == nil && status.State == StateIdle
	}, 5*time.Second, 10*time.Millisecond, "drained queue ends idle")

	remaining, err := f.queues.GetQueue(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAutoAdvanceDisabled(t *testing.T) {
	f := newFixture(t)
	f.vote(t, "t1", "A", 1, 600)
	f.vote(t, "t2", "B", 1, 600)
	f.initialize(t, false)

	_, err := f.coord.PlayNext(context.Background(), f.ev.ID)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, f.provider.playedURIs(), 1, "manual mode never advances on its own")
}

func TestSetAutoPlayStartsIdleQueue(t *testing.T) {
	f := newFixture(t)
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	require.NoError(t, f.coord.SetAutoPlay(context.Background(), f.ev.ID, true))

	status, err := f.coord.Status(f.ev.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, status.State)
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	_, err := f.coord.PlayNext(ctx, f.ev.ID)
	require.NoError(t, err)

	f.coord.Stop(ctx, f.ev.ID)
	assert.Equal(t, 1, f.provider.paused, "stopping live playback pauses the provider")

	np, ok := f.hub.lastNowPlaying()
	require.True(t, ok)
	assert.Nil(t, np.Track)

	ev, err := f.store.FindEvent(ctx, f.ev.ID)
	require.NoError(t, err)
	assert.Empty(t, ev.CurrentTrackID)

	_, err = f.coord.Status(f.ev.ID)
	assert.Equal(t, fault.NotFound, fault.CodeOf(err), "session is gone")

	// Stopping again is a no-op.
	f.coord.Stop(ctx, f.ev.ID)
	assert.Equal(t, 1, f.provider.paused)
}

func TestStatusNotBlockedBySlowProvider(t *testing.T) {
	f := newFixture(t)
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	f.provider.playGate = make(chan struct{})
	f.provider.playStarted = make(chan struct{})

	playDone := make(chan struct{})
	go func() {
		defer close(playDone)
		_, _ = f.coord.PlayNext(context.Background(), f.ev.ID)
	}()
	<-f.provider.playStarted

	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		_, err := f.coord.Status(f.ev.ID)
		assert.NoError(t, err)
	}()
	select {
	case <-statusDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("status blocked behind a stalled provider call")
	}

	close(f.provider.playGate)
	select {
	case <-playDone:
	case <-time.After(2 * time.Second):
		t.Fatal("track start never returned")
	}
}

// Ending an event while a track start is waiting on the provider must not
// hang: the lifecycle transition takes the event lock, the start sequence
// takes it again to mark the track played.
func TestEndDuringTrackStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vote(t, "t1", "A", 1, 210_000)
	f.initialize(t, false)

	events := lifecycle.NewService(f.store, f.ledger, f.hub, f.coord, f.locks, f.clock.now)

	f.provider.playGate = make(chan struct{})
	f.provider.playStarted = make(chan struct{})

	playDone := make(chan struct{})
	go func() {
		defer close(playDone)
		_, _ = f.coord.PlayNext(ctx, f.ev.ID)
	}()
	<-f.provider.playStarted

	endDone := make(chan error, 1)
	go func() {
		_, err := events.End(ctx, f.ev.ID)
		endDone <- err
	}()

	select {
	case err := <-endDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ending the event hung behind a stalled track start")
	}

	close(f.provider.playGate)
	select {
	case <-playDone:
	case <-time.After(2 * time.Second):
		t.Fatal("track start never returned")
	}

	_, err := f.coord.Status(f.ev.ID)
	assert.Equal(t, fault.NotFound, fault.CodeOf(err), "session is torn down")
}
