package ingress

import (
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/flowsentry/flowsentry/internal/printer"
)

// defaultSnapLen matches the teacher's pcap wrapper default (the same
// value tcpdump uses).
const defaultSnapLen = 262144

// defaultReadTimeout bounds how long one read waits on an idle link,
// so RxBurst returns a short or empty burst instead of blocking.
const defaultReadTimeout = time.Millisecond

// LivePort is a Port backed by a single libpcap handle opened in
// promiscuous mode with a short read timeout. It stands in for the spec's
// kernel-bypass RX/TX queue pair on hardware where a real
// poll-mode-driver port is unavailable: one OS thread's worth of
// capture fills the single queue index 0, and TxBurst writes frames
// back out the same handle. Grounded on the teacher's pcapImpl
// (pcap/pcap.go) for the OpenLive/BPF/Close sequencing.
type LivePort struct {
	handle *pcap.Handle
	pool   *BufferPool
	stats  PortStats
}

// OpenLivePort opens interfaceName for capture and transmit. bpfFilter
// may be empty to capture everything.
func OpenLivePort(interfaceName, bpfFilter string, pool *BufferPool) (*LivePort, error) {
	handle, err := pcap.OpenLive(interfaceName, defaultSnapLen, true, defaultReadTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pcap handle on %s", interfaceName)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}
	printer.Debugf("ingress: opened live capture on %s\n", interfaceName)
	return &LivePort{handle: handle, pool: pool}, nil
}

// RxBurst reads up to len(out) packets from the handle, returning
// early once a read times out with nothing captured; queue is accepted for
// interface conformance but a LivePort only ever serves queue 0.
func (p *LivePort) RxBurst(queue int, out []*PacketBuffer) (int, error) {
	n := 0
	for n < len(out) {
		data, _, err := p.handle.ZeroCopyReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			break
		}
		if err != nil {
			p.stats.IErrors++
			break
		}

		bufs, allocErr := p.pool.AllocBulk(1)
		if allocErr != nil {
			p.stats.NoMbuf++
			break
		}
		buf := bufs[0]
		if len(data) > len(buf.Data) {
			data = data[:len(buf.Data)]
		}
		copy(buf.Data, data)
		buf.Len = len(data)
		out[n] = buf
		n++
	}
	p.stats.IPackets += uint64(n)
	return n, nil
}

// TxBurst writes every buffer out the handle, in order. libpcap's
// write path either takes the whole frame or errors; there is no
// partial-accept concept here, unlike a real TX ring, so on the first
// write error TxBurst stops and reports everything before it as
// accepted.
func (p *LivePort) TxBurst(queue int, bufs []*PacketBuffer) (int, error) {
	accepted := 0
	for _, b := range bufs {
		if err := p.handle.WritePacketData(b.Data[:b.Len]); err != nil {
			p.stats.IErrors++
			break
		}
		accepted++
	}
	p.stats.OPackets += uint64(accepted)
	return accepted, nil
}

func (p *LivePort) Stats() PortStats {
	return p.stats
}

// Close releases the underlying pcap handle.
func (p *LivePort) Close() {
	p.handle.Close()
}
