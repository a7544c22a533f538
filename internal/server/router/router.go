// Package router picks the relay a brokered session meets on.
package router

import (
	"errors"
	"sort"
	"time"

	"dev.c0redev.rdlink/internal/store"
)

// StaleAfter: a relay not announced within this window ranks behind fresh ones.
const StaleAfter = 2 * time.Minute

// ErrNoRelay no relay usable.
var ErrNoRelay = errors.New("no relay available")

// RankRelays returns relays ordered best first. Rule: fresh before stale, then
// fewest active pairs, then most recently seen. Relays without addr or key are dropped.
func RankRelays(relays []store.Relay, now time.Time) []store.Relay {
	out := make([]store.Relay, 0, len(relays))
	for _, r := range relays {
		if r.Addr == "" || len(r.PubKey) == 0 {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := fresh(out[i], now), fresh(out[j], now)
		if fi != fj {
			return fi
		}
		if out[i].ActivePairs != out[j].ActivePairs {
			return out[i].ActivePairs < out[j].ActivePairs
		}
		return lastSeenUnix(out[i]) > lastSeenUnix(out[j])
	})
	return out
}

// SelectRelay best relay or ErrNoRelay.
func SelectRelay(relays []store.Relay, now time.Time) (*store.Relay, error) {
	ranked := RankRelays(relays, now)
	if len(ranked) == 0 {
		return nil, ErrNoRelay
	}
	r := ranked[0]
	return &r, nil
}

func fresh(r store.Relay, now time.Time) bool {
	return r.LastSeenAt != nil && now.Sub(*r.LastSeenAt) <= StaleAfter
}

func lastSeenUnix(r store.Relay) int64 {
	if r.LastSeenAt != nil {
		return r.LastSeenAt.Unix()
	}
	return 0
}
