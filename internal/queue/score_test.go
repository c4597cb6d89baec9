// SPDX-License-Identifier: MIT

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crowdcue/crowdcue/internal/domain/model"
)

var scoreNow = time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)

func item(votes int, votedAgo time.Duration, artist, trackID string) *model.QueueItem {
	return &model.QueueItem{
		TrackID:     trackID,
		ArtistName:  artist,
		VoteCount:   votes,
		LastVotedAt: scoreNow.Add(-votedAgo),
	}
}

func play(trackID, artist string, playedAgo time.Duration) model.RecentPlay {
	return model.RecentPlay{TrackID: trackID, ArtistName: artist, PlayedAt: scoreNow.Add(-playedAgo)}
}

func TestScoreItem(t *testing.T) {
	tests := []struct {
		name   string
		item   *model.QueueItem
		recent []model.RecentPlay
		want   int
	}{
		{
			name: "first vote empty history",
			item: item(1, 0, "Daft Punk", "t1"),
			want: 45, // 10 base + 30 recency + 5 diversity
		},
		{
			name: "recency decays to medium",
			item: item(1, 10*time.Minute, "Daft Punk", "t1"),
			want: 35, // 10 + 20 + 5
		},
		{
			name: "recency decays to far",
			item: item(1, 20*time.Minute, "Daft Punk", "t1"),
			want: 25, // 10 + 10 + 5
		},
		{
			name: "recency expires",
			item: item(1, time.Hour, "Daft Punk", "t1"),
			want: 15, // 10 + 0 + 5
		},
		{
			name:   "no diversity when artist in last five",
			item:   item(1, 0, "Daft Punk", "t2"),
			recent: []model.RecentPlay{play("t9", "Daft Punk", 2*time.Hour)},
			want:   40, // 10 + 30, no diversity; play too old for penalty
		},
		{
			name: "diversity when artist only deeper than five",
			item: item(1, 0, "Daft Punk", "t2"),
			recent: []model.RecentPlay{
				play("p1", "A", 31*time.Minute), play("p2", "B", 32*time.Minute),
				play("p3", "C", 33*time.Minute), play("p4", "D", 34*time.Minute),
				play("p5", "E", 35*time.Minute), play("p6", "Daft Punk", 36*time.Minute),
			},
			want: 45,
		},
		{
			name:   "same track penalty",
			item:   item(1, 0, "Daft Punk", "t1"),
			recent: []model.RecentPlay{play("t1", "Daft Punk", 10*time.Minute)},
			want:   20, // 10 + 30 + 0 - 20
		},
		{
			name:   "same artist penalty",
			item:   item(1, 0, "Daft Punk", "t2"),
			recent: []model.RecentPlay{play("t1", "Daft Punk", 10*time.Minute)},
			want:   30, // 10 + 30 + 0 - 10
		},
		{
			name:   "same track outweighs same artist",
			item:   item(1, 0, "Daft Punk", "t1"),
			recent: []model.RecentPlay{play("t9", "Daft Punk", 5*time.Minute), play("t1", "Daft Punk", 10*time.Minute)},
			want:   20,
		},
		{
			name:   "clamped at zero",
			item:   item(1, time.Hour, "Daft Punk", "t1"),
			recent: []model.RecentPlay{play("t1", "Daft Punk", 10*time.Minute)},
			want:   0, // 10 + 0 + 0 - 20 clamps
		},
		{
			name: "votes accumulate",
			item: item(4, 2*time.Minute, "Daft Punk", "t1"),
			want: 75, // 40 + 30 + 5
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreItem(tt.item, tt.recent, scoreNow)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0)
			assert.Equal(t, got, ScoreItem(tt.item, tt.recent, scoreNow), "pure: same inputs, same output")
		})
	}
}
