package replay

import (
	"math"
	"math/rand"
	"sync"
)

// PhaseDescriptor is one entry of a phase-weighted replay schedule:
// weights over the four protocol tags, summing to 1.0 within
// epsilon.
type PhaseDescriptor struct {
	Name        string
	DurationSec float64
	HTTPWeight  float64
	DNSWeight   float64
	SSHWeight   float64
	UDPWeight   float64
}

// weightSumEpsilon is the tolerance allowed when checking that a
// phase's weights sum to 1.0, since hand-edited phase files rarely land
// on an exact sum.
const weightSumEpsilon = 0.01

// Valid reports whether the phase's weights sum to 1.0 within
// epsilon and are all non-negative.
func (p PhaseDescriptor) Valid() bool {
	if p.HTTPWeight < 0 || p.DNSWeight < 0 || p.SSHWeight < 0 || p.UDPWeight < 0 {
		return false
	}
	sum := p.HTTPWeight + p.DNSWeight + p.SSHWeight + p.UDPWeight
	// The 1e-9 slack absorbs float rounding, so weights that sum to
	// exactly 1.0 +/- epsilon in decimal (e.g. 1.01) are accepted.
	return math.Abs(sum-1.0) <= weightSumEpsilon+1e-9
}

// DefaultPhases recovers the three default phases from
// dpdk_pcap_sender_v2.c's create_default_phases: an HTTP-peak phase,
// a DNS-burst phase, and an SSH-stable phase, used whenever no
// operator-supplied phases file validates.
func DefaultPhases() []PhaseDescriptor {
	return []PhaseDescriptor{
		{Name: "http-peak", DurationSec: 30, HTTPWeight: 0.60, DNSWeight: 0.20, SSHWeight: 0.10, UDPWeight: 0.10},
		{Name: "dns-burst", DurationSec: 20, HTTPWeight: 0.30, DNSWeight: 0.50, SSHWeight: 0.10, UDPWeight: 0.10},
		{Name: "ssh-stable", DurationSec: 20, HTTPWeight: 0.20, DNSWeight: 0.10, SSHWeight: 0.60, UDPWeight: 0.10},
	}
}

// Schedule walks an ordered list of phases, advancing when the
// current phase's duration elapses, looping if LoopMode is set. One
// Schedule is shared by every TX worker in adaptive mode (they all
// read the current phase's weights) while a single coordinator
// goroutine periodically calls Advance, so access is guarded by mu.
type Schedule struct {
	Phases   []PhaseDescriptor
	LoopMode bool

	mu         sync.Mutex
	idx        int
	elapsedSec float64
}

func NewSchedule(phases []PhaseDescriptor, loop bool) *Schedule {
	return &Schedule{Phases: phases, LoopMode: loop}
}

// Current returns the active phase.
func (s *Schedule) Current() PhaseDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Phases[s.idx]
}

// Advance adds dtSec to the elapsed time in the current phase,
// rolling over to the next phase (or back to phase 0 if LoopMode)
// once its duration is exceeded. It reports whether replay is
// finished (ran past the last phase with looping off), in which case
// it holds at the last phase rather than advancing further.
func (s *Schedule) Advance(dtSec float64) (done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsedSec += dtSec
	for s.elapsedSec >= s.Phases[s.idx].DurationSec {
		s.elapsedSec -= s.Phases[s.idx].DurationSec
		s.idx++
		if s.idx >= len(s.Phases) {
			if !s.LoopMode {
				s.idx = len(s.Phases) - 1
				return true
			}
			s.idx = 0
		}
	}
	return false
}

// PickTag draws a protocol tag from the current phase's weights using
// rng, via the standard inverse-CDF technique.
func (s *Schedule) PickTag(rng *rand.Rand) ProtoTag {
	p := s.Current()
	r := rng.Float64()
	switch {
	case r < p.HTTPWeight:
		return ProtoHTTP
	case r < p.HTTPWeight+p.DNSWeight:
		return ProtoDNS
	case r < p.HTTPWeight+p.DNSWeight+p.SSHWeight:
		return ProtoSSH
	default:
		return ProtoUDPOther
	}
}
