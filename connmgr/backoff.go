// File: connmgr/backoff.go
// Author: momentics <momentics@gmail.com>
//
// Reconnect back-off (spec §4.4 "Reconnect back-off"). Grounded on
// original_source/iocore/cluster/connection.cc's reconnect_interval
// doubling (seeded at 100 ms, doubling each attempt, capped at 1000 ms if
// the peer is marked dead else 30000 ms).

package connmgr

import "time"

const (
	initialReconnectInterval = 100 * time.Millisecond
	deadPeerCap              = 1000 * time.Millisecond
	liveCap                  = 30000 * time.Millisecond
)

// Backoff tracks one socket's reconnect delay across repeated failures.
type Backoff struct {
	interval time.Duration
}

// NewBackoff seeds a Backoff at its initial interval.
func NewBackoff() *Backoff {
	return &Backoff{interval: initialReconnectInterval}
}

// Reset returns the backoff to its initial interval, called after a
// successful connect.
func (b *Backoff) Reset() {
	b.interval = initialReconnectInterval
}

// Next returns the delay to wait before the next connect attempt (capped
// per peerDead) and doubles the interval for the attempt after it.
func (b *Backoff) Next(peerDead bool) time.Duration {
	cap := liveCap
	if peerDead {
		cap = deadPeerCap
	}
	delay := b.interval
	if delay > cap {
		delay = cap
	}
	b.interval = delay * 2
	if b.interval > cap {
		b.interval = cap
	}
	return delay
}

// Current returns the interval that would be used if Next were called now,
// without advancing state.
func (b *Backoff) Current() time.Duration {
	return b.interval
}
