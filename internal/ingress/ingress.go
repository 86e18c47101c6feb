// Package ingress abstracts a kernel-bypass NIC surface without
// pinning it to one driver: a packet-buffer pool constructor, an
// rx_burst/tx_burst pair, and an eth_stats read. The shape is grounded
// on two places in the pack: the teacher's pcapWrapper interface
// (pcap/pcap.go, capturePackets/getInterfaceAddrs) for the Go-side
// abstraction boundary, and other_examples' DPDK manager
// (dpdk-manager.go's DPDKPort/DPDKStats/mempool) for the
// {n_buffers, cache_size, data_room} pool shape and the rx_burst /
// tx_burst / eth_stats naming.
package ingress

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by AllocBulk when fewer than n buffers
// are currently free; the caller backs off 100µs and retries.
var ErrPoolExhausted = errors.New("ingress: buffer pool exhausted")

// PacketBuffer is one NIC buffer. Data is reused across RX/TX cycles;
// Len marks how much of Data holds a real packet. A PacketBuffer is
// owned by exactly one caller at a time until Release returns it to
// its pool.
type PacketBuffer struct {
	pool *BufferPool
	Data []byte
	Len  int
}

// Release returns the buffer to its pool. Releasing a buffer twice is
// a caller bug; Release does not attempt to detect it, mirroring the
// fast path's no-extra-bookkeeping discipline.
func (b *PacketBuffer) Release() {
	b.pool.release(b)
}

// BufferPool is a fixed-size pool of PacketBuffers, parameterised by
// {n_buffers, cache_size, data_room}. cacheSize is stored for
// interface fidelity with the external NIC framework; it has no effect
// on allocation.
type BufferPool struct {
	dataRoom  int
	cacheSize int

	mu   sync.Mutex
	free []*PacketBuffer
}

// NewBufferPool allocates nBuffers PacketBuffers of dataRoom bytes
// each, all initially free.
func NewBufferPool(nBuffers, cacheSize, dataRoom int) *BufferPool {
	p := &BufferPool{
		dataRoom:  dataRoom,
		cacheSize: cacheSize,
		free:      make([]*PacketBuffer, 0, nBuffers),
	}
	for i := 0; i < nBuffers; i++ {
		buf := &PacketBuffer{pool: p, Data: make([]byte, dataRoom)}
		p.free = append(p.free, buf)
	}
	return p
}

// AllocBulk removes exactly n buffers from the free list. It returns
// ErrPoolExhausted (never a partial slice) if fewer than n are
// available, since a caller that got a short slice might silently
// write past what it thinks it owns.
func (p *BufferPool) AllocBulk(n int) ([]*PacketBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) < n {
		return nil, ErrPoolExhausted
	}
	start := len(p.free) - n
	out := make([]*PacketBuffer, n)
	copy(out, p.free[start:])
	p.free = p.free[:start]
	return out, nil
}

func (p *BufferPool) release(buf *PacketBuffer) {
	buf.Len = 0
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// FreeCount reports the number of currently-free buffers, used by
// tests to check for TX-path leaks.
func (p *BufferPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// PortStats mirrors an eth_stats read: ingress packets, hardware
// drops, no-buffer drops, and errors, consumed by Telemetry.
type PortStats struct {
	IPackets uint64
	OPackets uint64
	IMissed  uint64
	NoMbuf   uint64
	IErrors  uint64
}

// Port is the rx_burst/tx_burst/eth_stats surface a worker or replayer
// drives. Implementations: a gopacket/pcap-backed live capture
// port (livecapture.go) for real deployment, and a
// deterministic mock (mock.go) for tests.
type Port interface {
	// RxBurst drains up to len(out) packets from queue into out,
	// returning how many were written. A zero return with a nil error
	// is a legitimate empty burst, not a failure.
	RxBurst(queue int, out []*PacketBuffer) (n int, err error)

	// TxBurst attempts to transmit every buffer in bufs on queue,
	// returning how many were accepted. The caller owns releasing any
	// unaccepted tail — see TXRelease below.
	TxBurst(queue int, bufs []*PacketBuffer) (accepted int, err error)

	Stats() PortStats
}

// TXRelease releases the unaccepted tail of a TX burst. It is a
// scope-bound guard in place of the source's repeated ad-hoc
// free-on-all-paths bugs: call it via defer
// immediately after TxBurst so every exit path — including a panic —
// releases buffers the NIC never took ownership of.
func TXRelease(bufs []*PacketBuffer, accepted int) {
	for _, b := range bufs[accepted:] {
		b.Release()
	}
}
