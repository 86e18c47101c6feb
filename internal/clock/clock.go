// Package clock provides the fakeable time source used by the
// detector and pacer for deterministic tests, following the
// clockWrapper/fakeClock split in pcap/clock.go.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	Curr time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{Curr: start} }

func (f *Fake) Now() time.Time { return f.Curr }

func (f *Fake) Advance(d time.Duration) { f.Curr = f.Curr.Add(d) }
