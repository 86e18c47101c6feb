package worker

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/ipnet"
)

func ipToUint32(a, b, c, d byte) uint32 {
	return binary.BigEndian.Uint32([]byte{a, b, c, d})
}

func buildSYNFrame(srcIP, dstIP uint32) []byte {
	frame := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:34]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 40)
	ip[9] = 6 // TCP
	binary.BigEndian.PutUint32(ip[12:16], srcIP)
	binary.BigEndian.PutUint32(ip[16:20], dstIP)
	tcp := frame[34:54]
	binary.BigEndian.PutUint16(tcp[0:2], 51000)
	binary.BigEndian.PutUint16(tcp[2:4], 443)
	tcp[12] = 5 << 4
	tcp[13] = 0x02 // SYN
	return frame
}

func newTestWorker(frames [][]byte) (*Worker, *ingress.MockPort) {
	pool := ingress.NewBufferPool(64, 8, 2048)
	port := ingress.NewMockPort(pool, frames)
	classifier := ipnet.DefaultClassifier()
	w := New(0, port, 0, classifier, 4, 2048)
	w.Burst = 16
	return w, port
}

func TestRunOnce_CountsTotalsAndProtocol(t *testing.T) {
	attackIP := ipToUint32(10, 10, 2, 5)
	baselineIP := ipToUint32(10, 10, 1, 1)
	frames := [][]byte{
		buildSYNFrame(attackIP, baselineIP),
		buildSYNFrame(attackIP, baselineIP),
	}
	w, _ := newTestWorker(frames)

	buf := make([]*ingress.PacketBuffer, w.Burst)
	n := w.RunOnce(buf)

	require.Equal(t, 2, n)
	assert.EqualValues(t, 2, w.Counters.TotalPackets)
	assert.EqualValues(t, 2, w.Counters.TCPPackets)
	assert.EqualValues(t, 2, w.Counters.SYNPackets)
	assert.EqualValues(t, 2, w.Counters.AttackPackets)
	assert.EqualValues(t, 0, w.Counters.BaselinePackets)
}

func TestRunOnce_EmptyBurstIncrementsEmptyCounter(t *testing.T) {
	w, _ := newTestWorker(nil)
	buf := make([]*ingress.PacketBuffer, w.Burst)
	n := w.RunOnce(buf)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, w.Counters.RxEmptyBursts)
}

func TestRunOnce_ReleasesBuffersBackToPool(t *testing.T) {
	attackIP := ipToUint32(10, 10, 2, 5)
	baselineIP := ipToUint32(10, 10, 1, 1)
	frames := [][]byte{buildSYNFrame(attackIP, baselineIP)}
	w, _ := newTestWorker(frames)

	pool := ingress.NewBufferPool(8, 8, 2048)
	w.Port = ingress.NewMockPort(pool, frames)

	before := pool.FreeCount()
	buf := make([]*ingress.PacketBuffer, w.Burst)
	w.RunOnce(buf)
	assert.Equal(t, before, pool.FreeCount())
}

func TestSampleSketch_OnlySamplesEveryRthAttackPacket(t *testing.T) {
	attackIP := ipToUint32(10, 10, 2, 9)
	baselineIP := ipToUint32(10, 10, 1, 1)
	frames := make([][]byte, 0, DefaultSampleRate)
	for i := 0; i < int(DefaultSampleRate); i++ {
		frames = append(frames, buildSYNFrame(attackIP, baselineIP))
	}
	w, _ := newTestWorker(frames)
	w.Burst = len(frames)

	buf := make([]*ingress.PacketBuffer, w.Burst)
	w.RunOnce(buf)

	assert.EqualValues(t, DefaultSampleRate, w.Sketch.Query(attackIP))
	assert.EqualValues(t, DefaultSampleRate, w.Sketch.TotalUpdates())
}

func TestRun_StopsOnQuitFunc(t *testing.T) {
	attackIP := ipToUint32(10, 10, 2, 9)
	baselineIP := ipToUint32(10, 10, 1, 1)
	frames := [][]byte{buildSYNFrame(attackIP, baselineIP)}
	w, port := newTestWorker(frames)

	pool := ingress.NewBufferPool(32, 8, 2048)
	w.Port = ingress.NewMockPort(pool, frames)
	mp := w.Port.(*ingress.MockPort)

	calls := 0
	quit := func() bool {
		calls++
		return mp.Exhausted() && calls > 1
	}
	w.Run(pool, quit)

	assert.EqualValues(t, 1, w.Counters.TotalPackets)
	_ = port
}
