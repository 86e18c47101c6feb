package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowsentry/flowsentry/internal/clock"
	"github.com/flowsentry/flowsentry/internal/ipnet"
	"github.com/flowsentry/flowsentry/internal/sketch"
	"github.com/flowsentry/flowsentry/internal/worker"
)

// Timing defaults: the fast pass runs often enough to catch an attack
// within tens of milliseconds, the snapshot is infrequent since it
// only feeds telemetry, and the window is long enough to average out
// burst-to-burst noise in the rate estimates.
const (
	DefaultFastPassInterval = 50 * time.Millisecond
	DefaultSnapshotInterval = 5 * time.Second
	DefaultWindowDuration   = 5 * time.Second
	TickInterval            = 10 * time.Millisecond
)

// WindowTotals is the per-second-rate view the rule set evaluates,
// aggregated by summing every worker's live counter fields since
// WindowStart.
type WindowTotals struct {
	ElapsedSeconds float64

	TotalPPS    float64
	BaselinePPS float64
	AttackPPS   float64

	TCPPPS   float64
	UDPPPS   float64
	ICMPPPS  float64
	SYNPPS   float64
	ACKPPS   float64
	FragPPS  float64
	HTTPPPS  float64
	DNSPPS   float64
	NTPPPS   float64

	// Per-protocol rates split by source-network classification:
	// mira_ddos_detector.c evaluates udp_pps/syn_pps/icmp_pps/http_pps
	// against whichever of a baseline/attack threshold pair applies to
	// the traffic's source, not a single combined rate.
	UDPBaselinePPS  float64
	UDPAttackPPS    float64
	SYNBaselinePPS  float64
	SYNAttackPPS    float64
	ICMPBaselinePPS float64
	ICMPAttackPPS   float64
	HTTPBaselinePPS float64
	HTTPAttackPPS   float64

	TotalBytes uint64
	BytesIn    uint64
	BytesOut   uint64

	HTTPPackets    uint64
	TopURLCount    uint64
	UniqueIPs      int
	AvgPPSPerIP    float64

	MaxAcksPerIPWindow float64
	QUICAttackShare    float64
	LargestAckedPN     uint64
	LastAckedPN        uint64

	AttackSourceActive bool
}

// Detector runs the evaluation engine over a fixed set of workers. It
// owns the merged Sketch/URLSketch (rebuilt every tick) and the
// single-writer State.
type Detector struct {
	Workers    []*worker.Worker
	Thresholds Thresholds
	Classifier ipnet.Classifier
	Clock      clock.Clock

	FastPassInterval time.Duration
	SnapshotInterval time.Duration
	WindowDuration   time.Duration

	State       *State
	Merged      *sketch.Sketch
	MergedURL   *sketch.Sketch

	// windowBaseline is the worker-counter sum captured once, at the
	// most recent window boundary (see the window-advance branch of
	// Tick below); every aggregate call diffs against this same
	// snapshot so that deltaX and elapsed both cover "since window
	// start". It must NOT be overwritten on every aggregate call: doing
	// so would make the delta basis track the last FastPassInterval
	// while elapsed keeps growing to the full window, deflating every
	// *PPS value for the rest of the window.
	windowBaseline worker.Snapshot

	// lastAckedPN is the largest acked QUIC packet number observed as
	// of the previous tick, used by the packet-number-jump rule, which
	// compares consecutive ticks rather than a window-anchored delta.
	lastAckedPN uint64

	lastFastPass time.Time
	lastSnapshot time.Time
	windowStart  time.Time

	onSnapshot func(WindowTotals, *State)
	onAlert    func(Alert)
}

// New builds a Detector over workers, starting all timers at now.
func New(workers []*worker.Worker, thresholds Thresholds, classifier ipnet.Classifier, c clock.Clock) *Detector {
	now := c.Now()
	d := &Detector{
		Workers:          workers,
		Thresholds:       thresholds,
		Classifier:       classifier,
		Clock:            c,
		FastPassInterval: DefaultFastPassInterval,
		SnapshotInterval: DefaultSnapshotInterval,
		WindowDuration:   DefaultWindowDuration,
		State:            NewState(now),
		Merged:           sketch.NewDefault(),
		MergedURL:        sketch.NewDefault(),
		lastFastPass:     now,
		lastSnapshot:     now,
		windowStart:      now,
	}
	return d
}

// OnSnapshot registers a callback invoked every SnapshotInterval with
// the latest window totals and detector state, consumed by Telemetry.
func (d *Detector) OnSnapshot(fn func(WindowTotals, *State)) {
	d.onSnapshot = fn
}

// OnAlert registers a callback invoked every time runFastPass raises a
// new alert (Level > AlertNone), i.e. every FastPassInterval tick that
// fires, not just on the coarser SnapshotInterval cadence. This is
// what lets a durable sink (internal/store) persist an alert that gets
// superseded before the next snapshot would otherwise have seen it.
func (d *Detector) OnAlert(fn func(Alert)) {
	d.onAlert = fn
}

// Tick should be called at TickInterval granularity. It decides
// whether to run the fast pass, emit a snapshot, or advance the
// window.
func (d *Detector) Tick() {
	now := d.Clock.Now()

	if now.Sub(d.lastFastPass) >= d.FastPassInterval {
		d.lastFastPass = now
		d.runFastPass(now)
	}

	if now.Sub(d.lastSnapshot) >= d.SnapshotInterval {
		d.lastSnapshot = now
		if d.onSnapshot != nil {
			totals := d.aggregate(now)
			d.onSnapshot(totals, d.State)
		}
	}

	if now.Sub(d.windowStart) >= d.WindowDuration {
		d.windowStart = now
		d.State.WindowStart = now
		d.windowBaseline = d.sumWorkers()
		for _, w := range d.Workers {
			w.Reset.Request()
		}
	}
}

// sumWorkers adds up every worker's live counter fields. It touches no
// detector state, so it can be called both from aggregate (to read the
// current totals) and from Tick's window-advance branch (to snapshot
// the new windowBaseline) without the two stepping on each other.
func (d *Detector) sumWorkers() worker.Snapshot {
	var sum worker.Snapshot
	for _, w := range d.Workers {
		snap := w.Counters.Read()
		sum.TotalPackets += snap.TotalPackets
		sum.TotalBytes += snap.TotalBytes
		sum.BaselinePackets += snap.BaselinePackets
		sum.AttackPackets += snap.AttackPackets
		sum.TCPPackets += snap.TCPPackets
		sum.UDPPackets += snap.UDPPackets
		sum.ICMPPackets += snap.ICMPPackets
		sum.SYNPackets += snap.SYNPackets
		sum.PureACKPackets += snap.PureACKPackets
		sum.FragPackets += snap.FragPackets
		sum.HTTPRequests += snap.HTTPRequests
		sum.DNSQueries += snap.DNSQueries
		sum.NTPQueries += snap.NTPQueries
		sum.QUICAcks += snap.QUICAcks
		if snap.QUICLargestPN > sum.QUICLargestPN {
			sum.QUICLargestPN = snap.QUICLargestPN
		}
		sum.UDPBaselinePackets += snap.UDPBaselinePackets
		sum.UDPAttackPackets += snap.UDPAttackPackets
		sum.SYNBaselinePackets += snap.SYNBaselinePackets
		sum.SYNAttackPackets += snap.SYNAttackPackets
		sum.ICMPBaselinePackets += snap.ICMPBaselinePackets
		sum.ICMPAttackPackets += snap.ICMPAttackPackets
		sum.HTTPBaselineRequests += snap.HTTPBaselineRequests
		sum.HTTPAttackRequests += snap.HTTPAttackRequests
	}
	return sum
}

func (d *Detector) runFastPass(now time.Time) {
	totals := d.aggregate(now)
	level, reasons := d.Evaluate(totals)

	if level > AlertNone {
		if d.State.FirstAttackPacketAt.IsZero() && totals.AttackSourceActive {
			d.State.FirstAttackPacketAt = now
		}
		latency := d.State.RecordDetection(now)
		for _, r := range reasons {
			d.State.RuleCounts[r]++
		}
		d.State.CurrentAlert = Alert{
			ID:          newAlertID(),
			Level:       level,
			Kind:        strings.Join(reasons, "|"),
			Evidence:    evidenceText(totals, reasons),
			RaisedAt:    now,
			LatencyMs:   float64(latency.Microseconds()) / 1000.0,
			WindowStart: d.windowStart,
		}
		if d.onAlert != nil {
			d.onAlert(d.State.CurrentAlert)
		}
	} else {
		d.State.CurrentAlert = Alert{Level: AlertNone, RaisedAt: now}
	}
}

// aggregate sums every worker's live fields and the merged sketches,
// then converts to per-second rates over the elapsed window. The
// delta basis is d.windowBaseline, a snapshot taken once at the most
// recent window boundary (see Tick's window-advance branch) and held
// fixed for every aggregate call within the window: since elapsed also
// measures time since that same boundary, delta/elapsed both cover
// "since window start" consistently. Diffing against a
// basis that moved every call (e.g. the previous aggregate's sum)
// would make delta track only the last FastPassInterval while elapsed
// kept growing, deflating every *PPS value for the rest of the window.
func (d *Detector) aggregate(now time.Time) WindowTotals {
	d.Merged.Reset()
	d.MergedURL.Reset()
	sketches := make([]*sketch.Sketch, 0, len(d.Workers))
	urlSketches := make([]*sketch.Sketch, 0, len(d.Workers))
	for _, w := range d.Workers {
		sketches = append(sketches, w.Sketch)
		urlSketches = append(urlSketches, w.URLSketch)
	}
	d.Merged.MergeFrom(sketches)
	d.MergedURL.MergeFrom(urlSketches)

	sum := d.sumWorkers()
	base := d.windowBaseline

	elapsed := now.Sub(d.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = d.WindowDuration.Seconds()
	}

	deltaPackets := sum.TotalPackets - base.TotalPackets
	deltaBaseline := sum.BaselinePackets - base.BaselinePackets
	deltaAttack := sum.AttackPackets - base.AttackPackets
	deltaTCP := sum.TCPPackets - base.TCPPackets
	deltaUDP := sum.UDPPackets - base.UDPPackets
	deltaICMP := sum.ICMPPackets - base.ICMPPackets
	deltaSYN := sum.SYNPackets - base.SYNPackets
	deltaACK := sum.PureACKPackets - base.PureACKPackets
	deltaFrag := sum.FragPackets - base.FragPackets
	deltaHTTP := sum.HTTPRequests - base.HTTPRequests
	deltaDNS := sum.DNSQueries - base.DNSQueries
	deltaNTP := sum.NTPQueries - base.NTPQueries
	deltaBytes := sum.TotalBytes - base.TotalBytes

	deltaUDPBaseline := sum.UDPBaselinePackets - base.UDPBaselinePackets
	deltaUDPAttack := sum.UDPAttackPackets - base.UDPAttackPackets
	deltaSYNBaseline := sum.SYNBaselinePackets - base.SYNBaselinePackets
	deltaSYNAttack := sum.SYNAttackPackets - base.SYNAttackPackets
	deltaICMPBaseline := sum.ICMPBaselinePackets - base.ICMPBaselinePackets
	deltaICMPAttack := sum.ICMPAttackPackets - base.ICMPAttackPackets
	deltaHTTPBaseline := sum.HTTPBaselineRequests - base.HTTPBaselineRequests
	deltaHTTPAttack := sum.HTTPAttackRequests - base.HTTPAttackRequests

	top := d.MergedURL.TopK(1)
	var topURLCount uint64
	if len(top) > 0 {
		topURLCount = uint64(top[0].Count)
	}

	ipHitters := d.Merged.TopK(4096)
	uniqueIPs := len(ipHitters)

	var maxAcksPerIP float64
	for _, h := range ipHitters {
		if float64(h.Count) > maxAcksPerIP {
			maxAcksPerIP = float64(h.Count)
		}
	}

	totals := WindowTotals{
		ElapsedSeconds: elapsed,
		TotalPPS:       safeRate(deltaPackets, elapsed),
		BaselinePPS:    safeRate(deltaBaseline, elapsed),
		AttackPPS:      safeRate(deltaAttack, elapsed),
		TCPPPS:         safeRate(deltaTCP, elapsed),
		UDPPPS:         safeRate(deltaUDP, elapsed),
		ICMPPPS:        safeRate(deltaICMP, elapsed),
		SYNPPS:         safeRate(deltaSYN, elapsed),
		ACKPPS:         safeRate(deltaACK, elapsed),
		FragPPS:        safeRate(deltaFrag, elapsed),
		HTTPPPS:        safeRate(deltaHTTP, elapsed),
		DNSPPS:         safeRate(deltaDNS, elapsed),
		NTPPPS:         safeRate(deltaNTP, elapsed),
		TotalBytes:     deltaBytes,
		BytesIn:        deltaBytes,
		BytesOut:       d.Merged.TotalBytes(),
		HTTPPackets:    deltaHTTP,
		TopURLCount:    topURLCount,
		UniqueIPs:      uniqueIPs,
		AttackSourceActive: deltaAttack > 0,

		UDPBaselinePPS:  safeRate(deltaUDPBaseline, elapsed),
		UDPAttackPPS:    safeRate(deltaUDPAttack, elapsed),
		SYNBaselinePPS:  safeRate(deltaSYNBaseline, elapsed),
		SYNAttackPPS:    safeRate(deltaSYNAttack, elapsed),
		ICMPBaselinePPS: safeRate(deltaICMPBaseline, elapsed),
		ICMPAttackPPS:   safeRate(deltaICMPAttack, elapsed),
		HTTPBaselinePPS: safeRate(deltaHTTPBaseline, elapsed),
		HTTPAttackPPS:   safeRate(deltaHTTPAttack, elapsed),
	}
	if uniqueIPs > 0 {
		totals.AvgPPSPerIP = totals.AttackPPS / float64(uniqueIPs)
	}
	if deltaAttack > 0 {
		totals.QUICAttackShare = float64(deltaAttack) / float64(deltaPackets+1)
	}
	totals.MaxAcksPerIPWindow = maxAcksPerIP
	totals.LargestAckedPN = sum.QUICLargestPN
	totals.LastAckedPN = d.lastAckedPN

	d.lastAckedPN = sum.QUICLargestPN
	return totals
}

func safeRate(delta uint64, elapsed float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}

func evidenceText(t WindowTotals, reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return fmt.Sprintf("rules=%s total_pps=%.0f attack_pps=%.0f", strings.Join(reasons, ","), t.TotalPPS, t.AttackPPS)
}
