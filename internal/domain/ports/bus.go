// SPDX-License-Identifier: MIT

package ports

// Fan-out topics. Payloads are full snapshots; clients never diff.
const (
	TopicQueueUpdate       = "queueUpdate"
	TopicVoteUpdate        = "voteUpdate"
	TopicNowPlayingUpdate  = "nowPlayingUpdate"
	TopicEventStatusChange = "eventStatusChange"
)

// Broadcaster fans a payload out to every live subscriber of an event's
// room. Delivery is best-effort: slow subscribers may drop a message, the
// next broadcast supersedes it.
type Broadcaster interface {
	Broadcast(eventID, topic string, payload any)
}
