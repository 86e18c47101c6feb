package ingress

import "sync"

// MockPort is a deterministic Port used by worker/replayer tests. It
// feeds RxBurst from a preloaded queue of raw frames and lets tests
// configure how many buffers TxBurst accepts per call, to exercise the
// partial-accept / buffer-release path without a real NIC.
type MockPort struct {
	mu sync.Mutex

	pool   *BufferPool
	rxData [][]byte
	rxPos  int

	// TxAcceptN, if >= 0, caps how many buffers a single TxBurst call
	// accepts; -1 means accept everything. Set to a small number to
	// simulate a NIC ring that is nearly full.
	TxAcceptN int

	txAccepted [][]byte
	stats      PortStats
}

// NewMockPort builds a MockPort backed by pool, preloaded with frames.
func NewMockPort(pool *BufferPool, frames [][]byte) *MockPort {
	return &MockPort{pool: pool, rxData: frames, TxAcceptN: -1}
}

func (m *MockPort) RxBurst(queue int, out []*PacketBuffer) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for n < len(out) && m.rxPos < len(m.rxData) {
		bufs, err := m.pool.AllocBulk(1)
		if err != nil {
			m.stats.NoMbuf++
			break
		}
		buf := bufs[0]
		frame := m.rxData[m.rxPos]
		copy(buf.Data, frame)
		buf.Len = len(frame)
		out[n] = buf
		n++
		m.rxPos++
	}
	m.stats.IPackets += uint64(n)
	return n, nil
}

func (m *MockPort) TxBurst(queue int, bufs []*PacketBuffer) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := len(bufs)
	if m.TxAcceptN >= 0 && m.TxAcceptN < accepted {
		accepted = m.TxAcceptN
	}
	for _, b := range bufs[:accepted] {
		frame := make([]byte, b.Len)
		copy(frame, b.Data[:b.Len])
		m.txAccepted = append(m.txAccepted, frame)
	}
	m.stats.OPackets += uint64(accepted)
	return accepted, nil
}

func (m *MockPort) Stats() PortStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Sent returns every frame accepted by TxBurst so far, for assertions.
func (m *MockPort) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.txAccepted))
	copy(out, m.txAccepted)
	return out
}

// Exhausted reports whether the preloaded RX queue has been fully
// drained, used by worker tests to know when to stop looping.
func (m *MockPort) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxPos >= len(m.rxData)
}
