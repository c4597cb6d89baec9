// SPDX-License-Identifier: MIT

// Package admission enforces the anti-abuse rules for vote ingress. All
// state is in-memory and per-process: denial is advisory, the authoritative
// vote count lives in the store.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/crowdcue/crowdcue/internal/domain/fault"
	"github.com/crowdcue/crowdcue/internal/domain/model"
	"github.com/crowdcue/crowdcue/internal/log"
	"github.com/crowdcue/crowdcue/internal/metrics"
)

type record struct {
	trackID string
	ip      string
	at      time.Time
}

// Ledger is the in-memory vote history used for admission. Admit is an
// atomic check-and-record: a vote that passes every check is recorded in the
// same critical section, so two racing votes cannot both slip under a cap.
type Ledger struct {
	mu        sync.Mutex
	now       func() time.Time
	bySession map[string][]record    // eventID|sessionID -> votes, oldest first
	byIP      map[string][]time.Time // eventID|ip -> vote times, oldest first
	retention map[string]time.Duration
}

// NewLedger creates an empty ledger. now may be nil and defaults to time.Now.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		now:       now,
		bySession: make(map[string][]record),
		byIP:      make(map[string][]time.Time),
		retention: make(map[string]time.Duration),
	}
}

const hourWindow = time.Hour

// Admit checks the vote against the event's rules and records it on success.
// Checks run in order; the first failure wins and is returned as a
// VOTE_DENIED fault.
func (l *Ledger) Admit(eventID, sessionID, ip, trackID string, rules model.VotingRules) error {
	rules = rules.Normalized()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Track the widest window so the sweeper knows how long to keep records.
	if w := maxDuration(hourWindow, rules.SameTrackCooldown()); w > l.retention[eventID] {
		l.retention[eventID] = w
	}

	sessionKey := eventID + "|" + sessionID
	votes := l.bySession[sessionKey]

	// 1. Session cooldown.
	if n := len(votes); n > 0 {
		if gap := now.Sub(votes[n-1].at); gap < rules.Cooldown() {
			remaining := rules.Cooldown() - gap
			metrics.IncVoteDenied(string(fault.DenyCooldown))
			return fault.Denied(fault.DenyCooldown, remaining, "please wait before voting again")
		}
	}

	// 2. Session hourly cap.
	inHour := 0
	for _, v := range votes {
		if now.Sub(v.at) <= hourWindow {
			inHour++
		}
	}
	if inHour >= rules.VotesPerHour {
		metrics.IncVoteDenied(string(fault.DenyHourlyLimit))
		return fault.Denied(fault.DenyHourlyLimit, 0, "hourly vote limit of %d reached", rules.VotesPerHour)
	}

	// 3. Same-track suppression.
	for _, v := range votes {
		if v.trackID == trackID && now.Sub(v.at) < rules.SameTrackCooldown() {
			metrics.IncVoteDenied(string(fault.DenySameTrack))
			return fault.Denied(fault.DenySameTrack, 0, "you already voted for this track recently")
		}
	}

	// 4. Network cap across sessions.
	ipKey := eventID + "|" + ip
	ipInHour := 0
	for _, at := range l.byIP[ipKey] {
		if now.Sub(at) <= hourWindow {
			ipInHour++
		}
	}
	if ipInHour >= rules.IPHourlyCap() {
		metrics.IncVoteDenied(string(fault.DenyNetworkCap))
		return fault.Denied(fault.DenyNetworkCap, 0, "too many votes from this network")
	}

	l.bySession[sessionKey] = append(votes, record{trackID: trackID, ip: ip, at: now})
	l.byIP[ipKey] = append(l.byIP[ipKey], now)
	metrics.IncVoteAdmitted()
	return nil
}

// Forget drops all admission state for an event. Called when an event ends.
func (l *Ledger) Forget(eventID string) {
	prefix := eventID + "|"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.bySession {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(l.bySession, k)
		}
	}
	for k := range l.byIP {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(l.byIP, k)
		}
	}
	delete(l.retention, eventID)
}

// Sweep drops records older than each event's widest relevant window and
// returns how many records were removed.
func (l *Ledger) Sweep() int {
	now := l.now()
	removed := 0

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, votes := range l.bySession {
		keep := l.retentionForKey(key)
		kept := votes[:0]
		for _, v := range votes {
			if now.Sub(v.at) <= keep {
				kept = append(kept, v)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(l.bySession, key)
		} else {
			l.bySession[key] = kept
		}
	}
	for key, times := range l.byIP {
		keep := l.retentionForKey(key)
		kept := times[:0]
		for _, at := range times {
			if now.Sub(at) <= keep {
				kept = append(kept, at)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(l.byIP, key)
		} else {
			l.byIP[key] = kept
		}
	}
	return removed
}

// Run sweeps the ledger on the given interval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	logger := log.WithComponent("admission")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logger.Debug().Int("removed", n).Msg("swept stale vote records")
			}
		}
	}
}

func (l *Ledger) retentionForKey(key string) time.Duration {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			if d, ok := l.retention[key[:i]]; ok {
				return d
			}
			break
		}
	}
	return maxDuration(hourWindow, model.VotingRules{}.Normalized().SameTrackCooldown())
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
