// SPDX-License-Identifier: MIT

package model

import "time"

// QueueItem is one votable track within an event's queue. Among unplayed
// rows, (EventID, TrackID) is unique: a repeat vote increments VoteCount
// instead of inserting a duplicate.
type QueueItem struct {
	ID      int64  `json:"-"`
	EventID string `json:"eventId"`
	TrackID string `json:"trackId"`

	TrackURI   string `json:"trackUri"`
	TrackName  string `json:"trackName"`
	ArtistName string `json:"artistName"`
	AlbumName  string `json:"albumName,omitempty"`
	AlbumArt   string `json:"albumArt,omitempty"`
	DurationMs int64  `json:"duration"`

	VoteCount   int       `json:"voteCount"`
	LastVotedAt time.Time `json:"lastVotedAt"`
	Score       int       `json:"score"`
	Position    int       `json:"position"`

	AddedAt time.Time `json:"addedAt"`
	AddedBy string    `json:"addedBy"`

	IsPlayed      bool       `json:"isPlayed"`
	PlayedAt      *time.Time `json:"playedAt,omitempty"`
	Skipped       bool       `json:"skipped"`
	SkippedReason string     `json:"skippedReason,omitempty"`
}

// RecentPlay is one entry of an event's play history, most recent first.
type RecentPlay struct {
	TrackID    string
	ArtistName string
	PlayedAt   time.Time
}
