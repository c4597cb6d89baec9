// SPDX-License-Identifier: MIT

// Package queue owns the per-event priority queue: scoring, vote
// application, ordering and play bookkeeping.
package queue

import (
	"time"

	"github.com/crowdcue/crowdcue/internal/domain/model"
)

// Score weights. Stable: re-ranking depends on all writers agreeing.
const (
	voteWeight = 10

	recencyCloseBonus  = 30 // last vote within 5 minutes
	recencyMediumBonus = 20 // within 15 minutes
	recencyFarBonus    = 10 // within 30 minutes

	diversityBonus = 5 // artist absent from the last diversityDepth plays

	sameTrackPenalty  = 20 // track replayed within penaltyWindow
	sameArtistPenalty = 10 // artist replayed within penaltyWindow

	diversityDepth = 5
	penaltyWindow  = 30 * time.Minute
)

// ScoreItem is the pure ranking function. recent is the event's play
// history, most recent first; only the first diversityDepth entries feed the
// diversity bonus, while the penalty scans everything inside penaltyWindow.
// Callers recomputing a whole queue pass a single captured now so every row
// ranks against the same reference time. The result is never negative.
func ScoreItem(item *model.QueueItem, recent []model.RecentPlay, now time.Time) int {
	score := item.VoteCount * voteWeight

	switch dt := now.Sub(item.LastVotedAt); {
	case dt <= 5*time.Minute:
		score += recencyCloseBonus
	case dt <= 15*time.Minute:
		score += recencyMediumBonus
	case dt <= 30*time.Minute:
		score += recencyFarBonus
	}

	diverse := true
	for i, p := range recent {
		if i >= diversityDepth {
			break
		}
		if p.ArtistName == item.ArtistName {
			diverse = false
			break
		}
	}
	if diverse {
		score += diversityBonus
	}

	// Heaviest applicable penalty wins: an exact-track replay outweighs a
	// same-artist replay.
	penalty := 0
	for _, p := range recent {
		if now.Sub(p.PlayedAt) > penaltyWindow {
			continue
		}
		if p.TrackID == item.TrackID {
			penalty = sameTrackPenalty
			break
		}
		if p.ArtistName == item.ArtistName && penalty < sameArtistPenalty {
			penalty = sameArtistPenalty
		}
	}
	score -= penalty

	if score < 0 {
		return 0
	}
	return score
}
