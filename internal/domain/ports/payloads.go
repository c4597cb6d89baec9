// SPDX-License-Identifier: MIT

package ports

import "github.com/crowdcue/crowdcue/internal/domain/model"

// QueueUpdatePayload carries the full ordered unplayed queue of an event.
type QueueUpdatePayload struct {
	EventID string            `json:"eventId"`
	Queue   []model.QueueItem `json:"queue"`
}

// VoteUpdatePayload is an animation hint emitted alongside queue updates on
// successful votes.
type VoteUpdatePayload struct {
	EventID   string `json:"eventId"`
	TrackID   string `json:"trackId"`
	VoteCount int    `json:"voteCount"`
	Position  int    `json:"position"`
}

// NowPlayingPayload carries the currently playing track, or nil when
// playback went idle.
type NowPlayingPayload struct {
	EventID string           `json:"eventId"`
	Track   *model.QueueItem `json:"track"`
}

// StatusChangePayload announces an event lifecycle transition.
type StatusChangePayload struct {
	EventID string       `json:"eventId"`
	Status  model.Status `json:"status"`
}
