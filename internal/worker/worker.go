// Package worker implements component C3: a worker owns exactly one RX
// queue index, drains bursts, drives the Parser, updates its own
// plain-field counters, and conditionally samples into its own
// Sketch. It never takes a lock and never sleeps.
package worker

import (
	"github.com/flowsentry/flowsentry/internal/facts"
	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/sketch"
)

// DefaultBurst is the RX burst size target, picked from the 512-2048
// range that keeps mean per-burst latency under the configured
// detection tick without making each burst too small to amortise the
// per-call overhead of draining the queue.
const DefaultBurst = 1024

// DefaultSampleRate is R in the 1-in-R sampled sketch update: only
// every Rth attack-tagged packet touches the sketch, keeping its
// per-packet overhead a small fraction of the fast path's cycle budget.
const DefaultSampleRate = 32

// Counters is one worker's cache-aligned-in-spirit counter block.
// Every field is a plain uint64: the owning worker is the sole
// writer, the detector and telemetry read them with relaxed loads and
// tolerate torn values because derived rates are always deltas over
// windows of at least 10ms, long enough that one torn read is noise.
// Monotonic: never reset, only ever read by difference.
type Counters struct {
	TotalPackets uint64
	TotalBytes   uint64

	BaselinePackets uint64
	AttackPackets   uint64

	TCPPackets   uint64
	UDPPackets   uint64
	ICMPPackets  uint64
	OtherPackets uint64

	SYNPackets     uint64
	SYNACKPackets  uint64
	PureACKPackets uint64
	FragPackets    uint64

	// Per-protocol packet counts split by source-network
	// classification, feeding the detector's source-gated flood rules:
	// each rule compares against whichever of a baseline/attack
	// threshold pair matches the traffic's classified source.
	UDPBaselinePackets  uint64
	UDPAttackPackets    uint64
	SYNBaselinePackets  uint64
	SYNAttackPackets    uint64
	ICMPBaselinePackets uint64
	ICMPAttackPackets   uint64

	HTTPRequests         uint64
	HTTPBaselineRequests uint64
	HTTPAttackRequests   uint64
	DNSQueries           uint64
	NTPQueries           uint64

	RxBursts      uint64
	RxEmptyBursts uint64

	QUICAcks       uint64
	QUICLargestPN  uint64
}

// Snapshot is a point-in-time copy of Counters, safe to hand to
// another goroutine (the detector, telemetry) since it is a plain
// value copy taken with a relaxed read of each field.
type Snapshot = Counters

// Read returns a value copy of c. Individual field reads may race with
// the owning worker's writes; this is by design and tolerated, since
// every derived rate is a delta over a window much longer than one
// torn read could skew it.
func (c *Counters) Read() Snapshot {
	return *c
}

const (
	dnsPort = 53
	ntpPort = 123
)

// Worker drains one RX queue, parses every packet, and folds results
// into its own Counters and Sketch. Port, QueueIdx and Classifier are
// fixed at construction; the quit function passed to Run is shared and
// polled every iteration.
type Worker struct {
	Index      int
	Port       ingress.Port
	QueueIdx   int
	Classifier facts.Classifier

	Burst      int
	SampleRate uint32

	Counters  Counters
	Sketch    *sketch.Sketch
	URLSketch *sketch.Sketch
	Reset     sketch.ResetRequested

	sampleCounter uint32
}

// New builds a Worker at the given index draining queue queueIdx of
// port, using classifier for baseline/attack tagging and rows, cols
// for the sizing of its local Sketch and URLSketch (NewDefault's
// values if either is zero).
func New(index int, port ingress.Port, queueIdx int, classifier facts.Classifier, rows, cols int) *Worker {
	var s *sketch.Sketch
	if rows == 0 || cols == 0 {
		s = sketch.NewDefault()
	} else {
		s = sketch.New(rows, cols)
	}
	var urlSketch *sketch.Sketch
	if rows == 0 || cols == 0 {
		urlSketch = sketch.NewDefault()
	} else {
		urlSketch = sketch.New(rows, cols)
	}
	return &Worker{
		Index:      index,
		Port:       port,
		QueueIdx:   queueIdx,
		Classifier: classifier,
		Burst:      DefaultBurst,
		SampleRate: DefaultSampleRate,
		Sketch:     s,
		URLSketch:  urlSketch,
	}
}

// RunOnce drains a single burst from the port, processes every packet
// it returns, and reports how many packets were processed. Run is
// built on top of this so tests can step the loop deterministically
// instead of driving a real busy-wait goroutine.
func (w *Worker) RunOnce(buf []*ingress.PacketBuffer) int {
	n, err := w.Port.RxBurst(w.QueueIdx, buf)
	if err != nil || n == 0 {
		w.Counters.RxEmptyBursts++
		return 0
	}
	w.Counters.RxBursts++

	var pf facts.PacketFacts
	for i := 0; i < n; i++ {
		pkt := buf[i]
		w.processOne(pkt.Data[:pkt.Len], &pf)
		pkt.Release()
	}
	return n
}

// Run busy-waits on Port, pulling bursts of up to w.Burst packets via
// pool, until quit reports true. It never sleeps on an empty burst:
// any sleep here would add directly to detection latency.
func (w *Worker) Run(pool *ingress.BufferPool, quit func() bool) {
	buf := make([]*ingress.PacketBuffer, w.Burst)
	for !quit() {
		n, err := w.Port.RxBurst(w.QueueIdx, buf)
		if err != nil || n == 0 {
			w.Counters.RxEmptyBursts++
			continue
		}
		w.Counters.RxBursts++

		var pf facts.PacketFacts
		for i := 0; i < n; i++ {
			pkt := buf[i]
			w.processOne(pkt.Data[:pkt.Len], &pf)
			pkt.Release()
		}

		if w.Reset.Consume() {
			w.Sketch.Reset()
			w.URLSketch.Reset()
		}
	}
}

func (w *Worker) processOne(data []byte, pf *facts.PacketFacts) {
	w.Counters.TotalPackets++

	if err := facts.Parse(data, w.Classifier, pf); err != nil {
		return
	}

	w.Counters.TotalBytes += uint64(pf.LenBytes)
	if pf.IsBaseline {
		w.Counters.BaselinePackets++
	}
	if pf.IsAttack {
		w.Counters.AttackPackets++
	}

	switch pf.L4Proto {
	case facts.ProtoTCP:
		w.Counters.TCPPackets++
		if pf.TCPFlags&facts.TCPFlagSYN != 0 && pf.TCPFlags&facts.TCPFlagACK == 0 {
			w.Counters.SYNPackets++
			if pf.IsBaseline {
				w.Counters.SYNBaselinePackets++
			}
			if pf.IsAttack {
				w.Counters.SYNAttackPackets++
			}
		}
		if pf.TCPFlags&facts.TCPFlagSYN != 0 && pf.TCPFlags&facts.TCPFlagACK != 0 {
			w.Counters.SYNACKPackets++
		}
		if pf.TCPFlags&facts.TCPFlagACK != 0 && pf.TCPFlags&(facts.TCPFlagSYN|facts.TCPFlagFIN|facts.TCPFlagRST) == 0 {
			w.Counters.PureACKPackets++
		}
		if pf.HasHTTP {
			w.Counters.HTTPRequests++
			if pf.IsBaseline {
				w.Counters.HTTPBaselineRequests++
			}
			if pf.IsAttack {
				w.Counters.HTTPAttackRequests++
			}
		}
	case facts.ProtoUDP:
		w.Counters.UDPPackets++
		if pf.IsBaseline {
			w.Counters.UDPBaselinePackets++
		}
		if pf.IsAttack {
			w.Counters.UDPAttackPackets++
		}
		if pf.DstPort == dnsPort || pf.SrcPort == dnsPort {
			w.Counters.DNSQueries++
		}
		if pf.DstPort == ntpPort || pf.SrcPort == ntpPort {
			w.Counters.NTPQueries++
		}
		if pf.HasQUIC {
			w.Counters.QUICAcks += uint64(pf.QUICAckCount)
			if pf.QUICLargestPN > w.Counters.QUICLargestPN {
				w.Counters.QUICLargestPN = pf.QUICLargestPN
			}
		}
	case facts.ProtoICMP:
		w.Counters.ICMPPackets++
		if pf.IsBaseline {
			w.Counters.ICMPBaselinePackets++
		}
		if pf.IsAttack {
			w.Counters.ICMPAttackPackets++
		}
	default:
		w.Counters.OtherPackets++
	}

	if pf.FragmentFlag() {
		w.Counters.FragPackets++
	}

	w.sampleSketch(pf)
}

// sampleSketch applies the 1-in-R sampled update: only attack-tagged
// traffic is sampled, and the weight supplied is R so the sketch's
// estimate stays an unbiased approximation of the true count.
func (w *Worker) sampleSketch(pf *facts.PacketFacts) {
	if !pf.IsAttack {
		return
	}
	w.sampleCounter++
	if w.sampleCounter%w.SampleRate != 0 {
		return
	}
	w.Sketch.Update(pf.SrcIP, w.SampleRate)
	w.Sketch.UpdateBytes(uint64(pf.LenBytes) * uint64(w.SampleRate))

	// URL concentration bookkeeping for the detector's URL-concentration
	// rule reuses the same sketch machinery, keyed by path
	// hash instead of source IP, sampled at the same rate.
	if pf.HasHTTP {
		w.URLSketch.Update(pf.HTTPPathHash, w.SampleRate)
	}
}
