// Package detector implements the detection engine that
// periodically merges worker state, evaluates the rule set, and
// records per-event latencies.
package detector

import (
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the Alert severity scale; higher values
// dominate when multiple rules fire in the same tick.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertLow
	AlertMedium
	AlertHigh
	AlertCritical
)

func (l AlertLevel) String() string {
	switch l {
	case AlertLow:
		return "low"
	case AlertMedium:
		return "medium"
	case AlertHigh:
		return "high"
	case AlertCritical:
		return "critical"
	default:
		return "none"
	}
}

// Alert is the detector's output for one tick. A new Alert fully
// replaces the previous one; it never accumulates across ticks.
type Alert struct {
	ID          string
	Level       AlertLevel
	Kind        string
	Evidence    string
	RaisedAt    time.Time
	LatencyMs   float64
	WindowStart time.Time
}

// LatencyHistogram buckets inter-detection latencies into five fixed
// bins: <20, 20-30, 30-40, 40-50, >=50 ms.
type LatencyHistogram struct {
	Under20   uint64
	From20to30 uint64
	From30to40 uint64
	From40to50 uint64
	Over50    uint64
}

// Percentages returns each bucket's share of the total event count, as
// percentages summing to ~100 (0 if no events have been recorded yet).
func (h *LatencyHistogram) Percentages() (under20, b20to30, b30to40, b40to50, over50 float64) {
	total := h.Under20 + h.From20to30 + h.From30to40 + h.From40to50 + h.Over50
	if total == 0 {
		return 0, 0, 0, 0, 0
	}
	f := float64(total)
	return 100 * float64(h.Under20) / f,
		100 * float64(h.From20to30) / f,
		100 * float64(h.From30to40) / f,
		100 * float64(h.From40to50) / f,
		100 * float64(h.Over50) / f
}

func (h *LatencyHistogram) Add(ms float64) {
	switch {
	case ms < 20:
		h.Under20++
	case ms < 30:
		h.From20to30++
	case ms < 40:
		h.From30to40++
	case ms < 50:
		h.From40to50++
	default:
		h.Over50++
	}
}

// RuleCounts tallies how many ticks each named rule has fired across
// the program's lifetime, keyed by the names in rules.go.
type RuleCounts map[string]uint64

// State is the detector's single-writer aggregate: merged window
// totals, the current alert, and the running latency/rule-count
// bookkeeping. Only the detector goroutine ever mutates it.
type State struct {
	WindowStart time.Time

	CurrentAlert Alert
	RuleCounts   RuleCounts

	FirstAttackPacketAt time.Time
	FirstDetectionAt    time.Time
	LastDetectionAt     time.Time

	LatencyMin   time.Duration
	LatencyMax   time.Duration
	LatencySum   time.Duration
	LatencyCount uint64
	Latencies    LatencyHistogram
}

// NewState builds an empty State anchored at windowStart.
func NewState(windowStart time.Time) *State {
	return &State{
		WindowStart: windowStart,
		RuleCounts:  make(RuleCounts),
	}
}

// RecordDetection folds one firing tick into the latency bookkeeping:
// the first-ever detection sets detection_latency_ms
// from the first attack packet; every subsequent one computes the
// inter-detection gap from the previous detection. It returns the
// latency just recorded, so the caller can attach it to the Alert it
// raises for this tick.
func (s *State) RecordDetection(now time.Time) time.Duration {
	if s.FirstDetectionAt.IsZero() {
		s.FirstDetectionAt = now
		var lat time.Duration
		if !s.FirstAttackPacketAt.IsZero() {
			lat = now.Sub(s.FirstAttackPacketAt)
			s.addLatency(lat)
		}
		s.LastDetectionAt = now
		return lat
	}

	inter := now.Sub(s.LastDetectionAt)
	s.addLatency(inter)
	s.LastDetectionAt = now
	return inter
}

func (s *State) addLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if s.LatencyCount == 0 || d < s.LatencyMin {
		s.LatencyMin = d
	}
	if d > s.LatencyMax {
		s.LatencyMax = d
	}
	s.LatencySum += d
	s.LatencyCount++
	s.Latencies.Add(float64(d.Microseconds()) / 1000.0)
}

// newAlertID mints a fresh alert identifier; wrapping uuid keeps the
// dependency's single call site easy to find.
func newAlertID() string {
	return uuid.NewString()
}
