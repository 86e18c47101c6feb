// Package pacer implements a token bucket over bytes
// used by the Replayer to hold TX throughput at a target bit rate.
package pacer

import (
	"time"

	"github.com/flowsentry/flowsentry/internal/clock"
)

// MaxSleep is the hard clamp on a single Tick's sleep recommendation:
// the cap ensures the caller never loses more than 100µs of
// packet-scheduling responsiveness.
const MaxSleep = 100 * time.Microsecond

// windowResetAfter is the bucket's refill period: once this much time
// has elapsed since the window opened, bytes-in-window resets to zero
// rather than accumulating an ever-growing overshoot.
const windowResetAfter = time.Second

// Pacer tracks bytes sent since the window opened and reports how
// long the caller should sleep to stay at TargetBitsPerSec.
type Pacer struct {
	TargetBitsPerSec float64
	Clock            clock.Clock

	windowStart    time.Time
	bytesInWindow  uint64
}

// New builds a Pacer targeting targetBps bits/sec.
func New(targetBps float64, c clock.Clock) *Pacer {
	return &Pacer{
		TargetBitsPerSec: targetBps,
		Clock:            c,
		windowStart:      c.Now(),
	}
}

// OnSent adds n transmitted bytes to the current one-second window.
func (p *Pacer) OnSent(n uint64) {
	p.bytesInWindow += n
}

// Tick resets the window if a full second has elapsed, otherwise
// returns how long to sleep (zero if under target) to bring the
// observed rate back down to TargetBitsPerSec, clamped to MaxSleep.
func (p *Pacer) Tick() time.Duration {
	now := p.Clock.Now()
	elapsed := now.Sub(p.windowStart)

	if elapsed >= windowResetAfter {
		p.windowStart = now
		p.bytesInWindow = 0
		return 0
	}

	if p.TargetBitsPerSec <= 0 {
		return 0
	}

	allowedBytes := p.TargetBitsPerSec * elapsed.Seconds() / 8
	overshootBytes := float64(p.bytesInWindow) - allowedBytes
	if overshootBytes <= 0 {
		return 0
	}

	overshootBits := overshootBytes * 8
	sleep := time.Duration(overshootBits / p.TargetBitsPerSec * float64(time.Second))
	if sleep > MaxSleep {
		sleep = MaxSleep
	}
	return sleep
}
