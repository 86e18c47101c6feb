// Package telemetry implements component C7: it merges worker
// counters and NIC port stats into a throughput/drop-rate snapshot,
// emits a formatted record to the printer and log sink, and exposes
// the same data as Prometheus metrics via metrics.go.
package telemetry

import (
	"time"

	"github.com/flowsentry/flowsentry/internal/detector"
	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/printer"
	"github.com/flowsentry/flowsentry/internal/worker"
)

// Snapshot is one telemetry tick's computed values.
type Snapshot struct {
	At time.Time

	TotalPackets uint64
	TotalBytes   uint64

	InstantaneousGbps float64
	CumulativeGbps    float64

	RxEmptyBursts uint64
	RxBursts      uint64

	HWDropped   uint64
	NoMbufDrops uint64
	DropRate    float64

	// CyclesPerPacket is hz / pps_window, a load proxy (not actual
	// cycles consumed) for how much headroom remains per packet.
	CyclesPerPacket float64
}

// DefaultClockHz is the nominal CPU clock rate used for the
// cycles-available-per-packet proxy when the caller doesn't know the
// real core frequency; it only affects that one informational metric.
const DefaultClockHz = 2_400_000_000

// Aggregator merges a fixed worker set and a NIC port's stats into
// Snapshots on each Collect call.
type Aggregator struct {
	Workers []*worker.Worker
	Port    ingress.Port
	Start   time.Time
	ClockHz float64

	lastAt      time.Time
	lastPackets uint64
	lastBytes   uint64
}

// NewAggregator builds an Aggregator anchored at startedAt, assuming
// DefaultClockHz for the cycles-available-per-packet proxy.
func NewAggregator(workers []*worker.Worker, port ingress.Port, startedAt time.Time) *Aggregator {
	return &Aggregator{Workers: workers, Port: port, Start: startedAt, ClockHz: DefaultClockHz, lastAt: startedAt}
}

// Collect sums every worker's counters and the port's stats, computes
// instantaneous throughput since the previous Collect call and
// cumulative throughput since Start, and returns the snapshot.
func (a *Aggregator) Collect(now time.Time) Snapshot {
	var packets, bytes uint64
	var rxBursts, rxEmpty uint64
	for _, w := range a.Workers {
		snap := w.Counters.Read()
		packets += snap.TotalPackets
		bytes += snap.TotalBytes
		rxBursts += snap.RxBursts
		rxEmpty += snap.RxEmptyBursts
	}

	stats := a.Port.Stats()

	instElapsed := now.Sub(a.lastAt).Seconds()
	var instGbps float64
	var instPPS float64
	if instElapsed > 0 {
		instGbps = float64(bytes-a.lastBytes) * 8 / instElapsed / 1e9
		instPPS = float64(packets-a.lastPackets) / instElapsed
	}

	var cyclesPerPacket float64
	if instPPS > 0 {
		hz := a.ClockHz
		if hz <= 0 {
			hz = DefaultClockHz
		}
		cyclesPerPacket = hz / instPPS
	}

	cumElapsed := now.Sub(a.Start).Seconds()
	var cumGbps float64
	if cumElapsed > 0 {
		cumGbps = float64(bytes) * 8 / cumElapsed / 1e9
	}

	var dropRate float64
	totalAttempted := stats.IPackets + stats.IMissed + stats.NoMbuf
	if totalAttempted > 0 {
		dropRate = float64(stats.IMissed+stats.NoMbuf) / float64(totalAttempted)
	}

	snap := Snapshot{
		At:                now,
		TotalPackets:      packets,
		TotalBytes:        bytes,
		InstantaneousGbps: instGbps,
		CumulativeGbps:    cumGbps,
		RxBursts:          rxBursts,
		RxEmptyBursts:     rxEmpty,
		HWDropped:         stats.IMissed,
		NoMbufDrops:       stats.NoMbuf,
		DropRate:          dropRate,
		CyclesPerPacket:   cyclesPerPacket,
	}

	a.lastAt = now
	a.lastBytes = bytes
	a.lastPackets = packets
	return snap
}

// LogSnapshot writes a human-readable line through the printer, the
// way the original prints a periodic stats line to stdout. state may
// be nil; when present its detection-latency histogram is rendered as
// percentages alongside the throughput line.
func LogSnapshot(s Snapshot, state *detector.State) {
	printer.Infof("telemetry: pkts=%d bytes=%d inst=%.3fGbps cum=%.3fGbps drop_rate=%.4f empty_bursts=%d cycles_per_pkt=%.1f\n",
		s.TotalPackets, s.TotalBytes, s.InstantaneousGbps, s.CumulativeGbps, s.DropRate, s.RxEmptyBursts, s.CyclesPerPacket)
	if state != nil {
		u, b1, b2, b3, o := state.Latencies.Percentages()
		printer.Infof("telemetry: detection_latency_pct under_20ms=%.1f%% 20_30ms=%.1f%% 30_40ms=%.1f%% 40_50ms=%.1f%% over_50ms=%.1f%%\n",
			u, b1, b2, b3, o)
	}
}
