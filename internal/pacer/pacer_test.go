package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowsentry/flowsentry/internal/clock"
)

func TestTick_UnderTargetSleepsZero(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(1_000_000, fc) // 1 Mbps

	p.OnSent(100)
	fc.Advance(10 * time.Millisecond)
	assert.Zero(t, p.Tick())
}

func TestTick_OverTargetSleepsClampedAt100Micros(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(1_000, fc) // 1 kbps, trivially exceeded

	p.OnSent(1_000_000)
	fc.Advance(10 * time.Millisecond)
	sleep := p.Tick()
	assert.Equal(t, MaxSleep, sleep)
}

func TestTick_WindowResetsAfterOneSecond(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(1_000_000, fc)

	p.OnSent(500)
	fc.Advance(1100 * time.Millisecond)
	assert.Zero(t, p.Tick())
	assert.Zero(t, p.bytesInWindow)
}

func TestTick_ZeroTargetNeverSleeps(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	p := New(0, fc)

	p.OnSent(1_000_000)
	fc.Advance(10 * time.Millisecond)
	assert.Zero(t, p.Tick())
}
