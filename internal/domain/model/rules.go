// SPDX-License-Identifier: MIT

package model

import "time"

// Voting rule defaults. An event's stored rules are authoritative; these
// apply only where a field is absent or zero.
const (
	DefaultCooldownSeconds          = 30
	DefaultVotesPerHour             = 3
	DefaultSameTrackCooldownSeconds = 7200
	DefaultIPHourlyMultiplier       = 2
	DefaultMaxQueueSize             = 50
)

// VotingRules governs vote admission and queue bounds for one event.
type VotingRules struct {
	VotesPerHour             int `json:"votesPerHour"`
	CooldownSeconds          int `json:"cooldownSeconds"`
	SameTrackCooldownSeconds int `json:"sameTrackCooldownSeconds"`
	IPHourlyMultiplier       int `json:"ipHourlyMultiplier"`
	MaxQueueSize             int `json:"maxQueueSize"`
}

// Normalized returns a copy with zero fields replaced by the defaults.
func (r VotingRules) Normalized() VotingRules {
	if r.VotesPerHour <= 0 {
		r.VotesPerHour = DefaultVotesPerHour
	}
	if r.CooldownSeconds <= 0 {
		r.CooldownSeconds = DefaultCooldownSeconds
	}
	if r.SameTrackCooldownSeconds <= 0 {
		r.SameTrackCooldownSeconds = DefaultSameTrackCooldownSeconds
	}
	if r.IPHourlyMultiplier <= 0 {
		r.IPHourlyMultiplier = DefaultIPHourlyMultiplier
	}
	if r.MaxQueueSize <= 0 {
		r.MaxQueueSize = DefaultMaxQueueSize
	}
	return r
}

// Cooldown is the minimum gap between two votes from one session.
func (r VotingRules) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// SameTrackCooldown is the window within which one session cannot repeat a
// vote for the same track.
func (r VotingRules) SameTrackCooldown() time.Duration {
	return time.Duration(r.SameTrackCooldownSeconds) * time.Second
}

// IPHourlyCap is the rolling-hour vote cap per client IP across sessions.
func (r VotingRules) IPHourlyCap() int {
	return r.VotesPerHour * r.IPHourlyMultiplier
}
