// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusEnded.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())

	assert.True(t, StatusDraft.CanActivate())
	assert.True(t, StatusScheduled.CanActivate())
	assert.False(t, StatusActive.CanActivate())
	assert.False(t, StatusEnded.CanActivate())

	assert.False(t, Status("UPCOMING").Valid())
}

func TestOverlaps(t *testing.T) {
	base := time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC)
	h := func(n int) time.Time { return base.Add(time.Duration(n) * time.Hour) }

	tests := []struct {
		name           string
		s1, e1, s2, e2 time.Time
		want           bool
	}{
		{"disjoint", h(0), h(2), h(3), h(5), false},
		{"adjacent half-open", h(0), h(2), h(2), h(4), false},
		{"partial overlap", h(0), h(3), h(2), h(5), true},
		{"contained", h(0), h(6), h(2), h(3), true},
		{"identical", h(0), h(2), h(0), h(2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.s1, tt.e1, tt.s2, tt.e2))
			assert.Equal(t, tt.want, Overlaps(tt.s2, tt.e2, tt.s1, tt.e1), "predicate must be symmetric")
		})
	}
}

func TestVotingRulesNormalized(t *testing.T) {
	r := VotingRules{}.Normalized()
	require.Equal(t, DefaultVotesPerHour, r.VotesPerHour)
	require.Equal(t, DefaultCooldownSeconds, r.CooldownSeconds)
	require.Equal(t, DefaultSameTrackCooldownSeconds, r.SameTrackCooldownSeconds)
	require.Equal(t, DefaultMaxQueueSize, r.MaxQueueSize)
	require.Equal(t, 30*time.Second, r.Cooldown())
	require.Equal(t, 2*time.Hour, r.SameTrackCooldown())
	require.Equal(t, 6, r.IPHourlyCap())

	custom := VotingRules{VotesPerHour: 10, IPHourlyMultiplier: 3}.Normalized()
	require.Equal(t, 10, custom.VotesPerHour)
	require.Equal(t, 30, custom.IPHourlyCap())
}
