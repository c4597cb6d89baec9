// SPDX-License-Identifier: MIT

package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger() (*Ledger, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC)}
	return NewLedger(clock.now), clock
}

var defaultRules = model.VotingRules{}.Normalized()

func TestAdmitFirstVote(t *testing.T) {
	l, _ := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))
}

func TestSessionCooldown(t *testing.T) {
	l, clock := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))

	clock.advance(5 * time.Second)
	err := l.Admit("e1", "s1", "10.0.0.1", "t2", defaultRules)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.DenyCooldown, f.Reason)
	require.Equal(t, 25*time.Second, f.RetryAfter)

	clock.advance(25 * time.Second)
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t2", defaultRules))
}

func TestSessionHourlyCap(t *testing.T) {
	l, clock := newTestLedger()
	for i, track := range []string{"t1", "t2", "t3"} {
		require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", track, defaultRules), "vote %d", i)
		clock.advance(time.Minute)
	}

	err := l.Admit("e1", "s1", "10.0.0.1", "t4", defaultRules)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.DenyHourlyLimit, f.Reason)

	// The window is rolling: one hour after the first vote a slot frees up.
	clock.advance(58 * time.Minute)
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t4", defaultRules))
}

func TestSameTrackSuppression(t *testing.T) {
	l, clock := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))

	clock.advance(40 * time.Second)
	err := l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.DenySameTrack, f.Reason)

	// A different session may still vote for the same track.
	require.NoError(t, l.Admit("e1", "s2", "10.0.0.2", "t1", defaultRules))
}

func TestNetworkCap(t *testing.T) {
	l, clock := newTestLedger()
	// Default cap: 3 votes/h x 2 = 6 per IP across sessions.
	for i := 0; i < 6; i++ {
		session := string(rune('a' + i))
		require.NoError(t, l.Admit("e1", session, "10.0.0.1", "t"+session, defaultRules))
		clock.advance(time.Minute)
	}

	err := l.Admit("e1", "z", "10.0.0.1", "tz", defaultRules)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.DenyNetworkCap, f.Reason)

	// A different network is unaffected.
	require.NoError(t, l.Admit("e1", "z", "10.0.0.9", "tz", defaultRules))
}

func TestChecksRunInOrder(t *testing.T) {
	l, clock := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))

	// Within cooldown AND same track: cooldown must win.
	clock.advance(time.Second)
	err := l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules)
	f, ok := fault.As(err)
	require.True(t, ok)
	require.Equal(t, fault.DenyCooldown, f.Reason)
}

func TestEventsAreIsolated(t *testing.T) {
	l, _ := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))
	require.NoError(t, l.Admit("e2", "s1", "10.0.0.1", "t1", defaultRules))
}

func TestSweepDropsOldRecords(t *testing.T) {
	l, clock := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))

	require.Zero(t, l.Sweep(), "fresh records survive a sweep")

	// Past the widest window (same-track cooldown of 2h) everything goes.
	clock.advance(3 * time.Hour)
	require.Equal(t, 2, l.Sweep(), "session record and ip record removed")
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))
}

func TestForgetClearsEventState(t *testing.T) {
	l, clock := newTestLedger()
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules))
	l.Forget("e1")

	clock.advance(time.Second)
	require.NoError(t, l.Admit("e1", "s1", "10.0.0.1", "t1", defaultRules),
		"no cooldown or same-track state survives Forget")
}
