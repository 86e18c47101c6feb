package replay

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/pacer"
	"github.com/flowsentry/flowsentry/internal/printer"
)

// Mode selects one of the three pacing strategies.
type Mode int

const (
	ModeFreeRun Mode = iota
	ModePcapTimed
	ModeAdaptive
)

// DefaultBurst is the TX burst size used when the caller gives none,
// the low end of the 512-2048 burst range (the RX worker uses 1024).
const DefaultBurst = 512

// DefaultTargetBitsPerSec is the free-run mode's default rate cap.
const DefaultTargetBitsPerSec = 12_000_000_000 // 12 Gbps

// maxJitterSleep is the upper clamp on the timestamp-faithful mode's
// per-packet sleep, so a single corrupted timestamp delta in a capture
// can't stall replay for an unbounded duration.
const maxJitterSleep = 10 * time.Second

// maxConsecutiveZeroTX is the TX-partial escalation threshold: a
// sustained short count (this many consecutive TxBurst calls
// accepting 0 out of a non-empty input) means the NIC TX path is
// non-recoverable, and SendBurst reports ErrTXPathDead so the caller
// can shut down instead of spinning forever.
const maxConsecutiveZeroTX = 100

// ErrTXPathDead is returned by SendBurst once maxConsecutiveZeroTX
// consecutive bursts were rejected outright.
var ErrTXPathDead = errors.New("replay: tx path accepted 0 packets for 100 consecutive bursts")

// Replayer owns one loaded Capture and transmits it indefinitely
// through Port, under Mode. WorkerIndex staggers TX start by
// worker_index * 100ms to avoid synchronised initial bursts.
type Replayer struct {
	Capture     *Capture
	Port        ingress.Port
	Pool        *ingress.BufferPool
	Pacer       *pacer.Pacer
	Mode        Mode
	QueueIdx    int
	WorkerIndex int
	Schedule    *Schedule
	JitterFrac  float64
	SpeedupX    float64
	Rng         *rand.Rand

	cursor  int
	lastIdx int
	curIdx  int

	consecutiveZeroTX int
}

// New builds a Replayer. rng defaults to a new source seeded
// deterministically by workerIndex when nil is passed, so tests can
// supply their own for reproducibility.
func New(capture *Capture, port ingress.Port, pool *ingress.BufferPool, p *pacer.Pacer, mode Mode, queueIdx, workerIndex int, rng *rand.Rand) *Replayer {
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(workerIndex) + 1))
	}
	return &Replayer{
		Capture:     capture,
		Port:        port,
		Pool:        pool,
		Pacer:       p,
		Mode:        mode,
		QueueIdx:    queueIdx,
		WorkerIndex: workerIndex,
		JitterFrac:  0.1,
		SpeedupX:    1.0,
		Rng:         rng,
		lastIdx:     -1,
		curIdx:      -1,
	}
}

// StartDelay is the worker_index*100ms stagger.
func (r *Replayer) StartDelay() time.Duration {
	return time.Duration(r.WorkerIndex) * 100 * time.Millisecond
}

// SendWarmup transmits the first loaded record alone, ahead of the
// main loop. A failure to transmit it is logged as a warning, not
// treated as fatal, since a cold NIC queue commonly drops the very
// first packet pushed to it.
func (r *Replayer) SendWarmup() {
	if len(r.Capture.Records) == 0 {
		return
	}
	bufs, err := r.Pool.AllocBulk(1)
	if err != nil {
		printer.Warningf("replay: warm-up packet allocation failed: %v\n", err)
		return
	}
	rec := r.Capture.Records[0]
	n := copy(bufs[0].Data, rec.Data)
	bufs[0].Len = n

	accepted, err := r.Port.TxBurst(r.QueueIdx, bufs)
	ingress.TXRelease(bufs, accepted)
	if err != nil || accepted == 0 {
		printer.Warningf("replay: warm-up packet not transmitted: %v\n", err)
	}
}

// SendBurst transmits one burst of up to burstSize packets chosen
// according to Mode, returns how many packets were accepted, and
// guarantees every allocated buffer is released exactly once —
// whether transmitted or not — regardless of how the function
// returns.
func (r *Replayer) SendBurst(burstSize int) (int, error) {
	if burstSize <= 0 {
		burstSize = DefaultBurst
	}
	if len(r.Capture.Records) == 0 {
		return 0, errors.New("replay: empty capture")
	}

	bufs, err := r.Pool.AllocBulk(burstSize)
	if err != nil {
		return 0, err
	}
	// Guaranteed release: TXRelease is a no-op past `accepted`, and
	// accepted starts at 0, so a panic or early return before TxBurst
	// still releases every buffer in this burst.
	accepted := 0
	defer func() { ingress.TXRelease(bufs, accepted) }()

	for i := range bufs {
		rec := r.nextRecord()
		n := copy(bufs[i].Data, rec.Data)
		bufs[i].Len = n
		if r.Mode == ModeFreeRun {
			randomizeSourceWithin16(bufs[i].Data[:n], r.Rng)
		}
	}

	accepted, err = r.Port.TxBurst(r.QueueIdx, bufs)
	if err != nil {
		return accepted, err
	}

	if accepted == 0 {
		r.consecutiveZeroTX++
		if r.consecutiveZeroTX >= maxConsecutiveZeroTX {
			return accepted, ErrTXPathDead
		}
	} else {
		r.consecutiveZeroTX = 0
	}

	var sentBytes uint64
	for _, b := range bufs[:accepted] {
		sentBytes += uint64(b.Len)
	}
	if r.Pacer != nil {
		r.Pacer.OnSent(sentBytes)
	}
	return accepted, nil
}

// SleepFor returns how long the caller should sleep between bursts
// under the active mode: the Pacer's recommendation in free-run mode,
// a jittered timestamp delta between the two most recently walked
// records in pcap-timed mode (this mode requires a burst size of 1
// so the delta reflects true consecutive packets), or zero in
// adaptive mode, which is not rate-paced (SendBurst records sent bytes
// on the Pacer, but only free-run mode reads its Tick).
func (r *Replayer) SleepFor() time.Duration {
	switch r.Mode {
	case ModePcapTimed:
		if r.lastIdx < 0 || r.curIdx < 0 {
			return 0
		}
		deltaUs := r.Capture.Records[r.curIdx].TSMicros - r.Capture.Records[r.lastIdx].TSMicros
		if deltaUs < 0 {
			deltaUs = 0
		}
		speedup := r.SpeedupX
		if speedup <= 0 {
			speedup = 1.0
		}
		jitter := 1.0 + r.JitterFrac*(2*r.Rng.Float64()-1)
		sleep := time.Duration(float64(deltaUs)/speedup*jitter) * time.Microsecond
		if sleep < 0 {
			sleep = 0
		}
		if sleep > maxJitterSleep {
			sleep = maxJitterSleep
		}
		return sleep
	case ModeFreeRun:
		if r.Pacer != nil {
			return r.Pacer.Tick()
		}
		return 0
	default:
		return 0
	}
}

func (r *Replayer) nextRecord() Record {
	switch r.Mode {
	case ModeAdaptive:
		if r.Schedule != nil {
			tag := r.Schedule.PickTag(r.Rng)
			idxs := r.Capture.ByTag(tag)
			if len(idxs) > 0 {
				return r.Capture.Records[idxs[r.Rng.Intn(len(idxs))]]
			}
		}
		return r.Capture.Records[r.Rng.Intn(len(r.Capture.Records))]
	case ModePcapTimed:
		idx := r.cursor % len(r.Capture.Records)
		r.cursor++
		r.lastIdx = r.curIdx
		r.curIdx = idx
		return r.Capture.Records[idx]
	default:
		i := r.Rng.Intn(len(r.Capture.Records))
		return r.Capture.Records[i]
	}
}

// randomizeSourceWithin16 rewrites the source IP's low 16 bits, the
// source TCP/UDP port, and the IP identification field with fresh
// random values, confined to a /16 so downstream RSS still fans the
// traffic out fairly. It draws from rng
// rather than the package-level math/rand source so that seeding the
// Replayer's own Rng (as tests do) makes free-run output reproducible.
func randomizeSourceWithin16(frame []byte, rng *rand.Rand) {
	if len(frame) < 14+20 {
		return
	}
	ipStart := 14
	if len(frame) < ipStart+20 {
		return
	}
	low := uint16(rng.Intn(1 << 16))
	binary.BigEndian.PutUint16(frame[ipStart+14:ipStart+16], low)
	binary.BigEndian.PutUint16(frame[ipStart+4:ipStart+6], uint16(rng.Intn(1<<16))) // IP identification

	ihl := int(frame[ipStart]&0x0f) * 4
	l4Start := ipStart + ihl
	if l4Start+4 <= len(frame) {
		binary.BigEndian.PutUint16(frame[l4Start:l4Start+2], uint16(1024+rng.Intn(64511)))
	}
}
