// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Voting metrics
	votesAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crowdcue_votes_admitted_total",
		Help: "Total number of votes admitted across all events",
	})

	votesDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdcue_votes_denied_total",
		Help: "Total number of vote denials by reason",
	}, []string{"reason"}) // reason=cooldown|hourly-limit|same-track|network-limit

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdcue_queue_depth",
		Help: "Number of unplayed tracks per event",
	}, []string{"event_id"})

	// Fan-out metrics
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdcue_broadcasts_total",
		Help: "Broadcasts delivered per topic",
	}, []string{"topic"})

	BroadcastDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdcue_broadcast_drops_total",
		Help: "Broadcasts dropped because a subscriber was too slow",
	}, []string{"topic"})

	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crowdcue_subscribers",
		Help: "Currently connected room subscribers",
	})

	// Playback metrics
	playbackTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdcue_playback_transitions_total",
		Help: "Playback state transitions by target state",
	}, []string{"to_state"}) // to_state=idle|playing|paused|stopped

	// Provider metrics
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdcue_provider_requests_total",
		Help: "Music provider calls by operation and outcome",
	}, []string{"op", "outcome"}) // outcome=success|error|timeout

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crowdcue_provider_request_duration_seconds",
		Help:    "Music provider call latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func IncVoteAdmitted()            { votesAdmittedTotal.Inc() }
func IncVoteDenied(reason string) { votesDeniedTotal.WithLabelValues(reason).Inc() }

func SetQueueDepth(eventID string, n int) { queueDepth.WithLabelValues(eventID).Set(float64(n)) }
func DropQueueDepth(eventID string)       { queueDepth.DeleteLabelValues(eventID) }

func IncBroadcast(topic string)     { BroadcastsTotal.WithLabelValues(topic).Inc() }
func IncBroadcastDrop(topic string) { BroadcastDropsTotal.WithLabelValues(topic).Inc() }
func IncSubscribers()               { subscribersGauge.Inc() }
func DecSubscribers()               { subscribersGauge.Dec() }

func IncPlaybackTransition(toState string) {
	playbackTransitionsTotal.WithLabelValues(toState).Inc()
}

func ObserveProviderCall(op, outcome string, seconds float64) {
	providerRequestsTotal.WithLabelValues(op, outcome).Inc()
	providerRequestDuration.WithLabelValues(op).Observe(seconds)
}
