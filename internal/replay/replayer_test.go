package replay

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/flowsentry/internal/ingress"
)

func buildFrame(proto byte, dstPort uint16) []byte {
	frame := make([]byte, 14+20+8)
	frame[12], frame[13] = 0x08, 0x00
	frame[14] = 0x45
	frame[14+9] = proto
	if len(frame) >= 14+20+4 {
		frame[14+20+2] = byte(dstPort >> 8)
		frame[14+20+3] = byte(dstPort)
	}
	return frame
}

func testCapture() *Capture {
	c := &Capture{}
	add := func(data []byte, tag ProtoTag, ts int64) {
		idx := len(c.Records)
		c.Records = append(c.Records, Record{Data: data, TSMicros: ts, Tag: tag})
		c.byTag[tag] = append(c.byTag[tag], idx)
	}
	add(buildFrame(6, 80), ProtoHTTP, 1000)
	add(buildFrame(17, 53), ProtoDNS, 2000)
	add(buildFrame(6, 22), ProtoSSH, 3000)
	return c
}

func TestSendBurst_ReleasesAllBuffersOnFullAccept(t *testing.T) {
	pool := ingress.NewBufferPool(32, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	r := New(testCapture(), port, pool, nil, ModeFreeRun, 0, 0, rand.New(rand.NewSource(1)))

	before := pool.FreeCount()
	accepted, err := r.SendBurst(8)
	require.NoError(t, err)
	assert.Equal(t, 8, accepted)
	assert.Equal(t, before, pool.FreeCount())
}

func TestSendBurst_ReleasesUnacceptedTail(t *testing.T) {
	pool := ingress.NewBufferPool(32, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	port.TxAcceptN = 2
	r := New(testCapture(), port, pool, nil, ModeFreeRun, 0, 0, rand.New(rand.NewSource(1)))

	before := pool.FreeCount()
	accepted, err := r.SendBurst(8)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, before, pool.FreeCount())
}

func TestSendBurst_EscalatesAfterSustainedZeroAccept(t *testing.T) {
	pool := ingress.NewBufferPool(4096, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	port.TxAcceptN = 0
	r := New(testCapture(), port, pool, nil, ModeFreeRun, 0, 0, rand.New(rand.NewSource(1)))

	var lastErr error
	for i := 0; i < maxConsecutiveZeroTX; i++ {
		_, lastErr = r.SendBurst(8)
	}
	require.ErrorIs(t, lastErr, ErrTXPathDead)
}

func TestSendBurst_ResetsZeroAcceptStreakOnSuccess(t *testing.T) {
	pool := ingress.NewBufferPool(4096, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	port.TxAcceptN = 0
	r := New(testCapture(), port, pool, nil, ModeFreeRun, 0, 0, rand.New(rand.NewSource(1)))

	for i := 0; i < maxConsecutiveZeroTX-1; i++ {
		_, err := r.SendBurst(8)
		require.NoError(t, err)
	}

	port.TxAcceptN = -1
	_, err := r.SendBurst(8)
	require.NoError(t, err)

	port.TxAcceptN = 0
	_, err = r.SendBurst(8)
	require.NoError(t, err)
}

func TestSendBurst_EmptyCaptureErrors(t *testing.T) {
	pool := ingress.NewBufferPool(4, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	r := New(&Capture{}, port, pool, nil, ModeFreeRun, 0, 0, nil)

	_, err := r.SendBurst(4)
	assert.Error(t, err)
}

func TestSchedule_AdvanceLoopsWhenLoopModeSet(t *testing.T) {
	s := NewSchedule(DefaultPhases(), true)
	total := 0.0
	for _, p := range s.Phases {
		total += p.DurationSec
	}
	done := s.Advance(total + 1)
	assert.False(t, done)
}

func TestSchedule_AdvanceStopsAtLastPhaseWithoutLoop(t *testing.T) {
	s := NewSchedule(DefaultPhases(), false)
	total := 0.0
	for _, p := range s.Phases {
		total += p.DurationSec
	}
	done := s.Advance(total + 1)
	assert.True(t, done)
}

func TestPhaseDescriptor_ValidRejectsBadWeights(t *testing.T) {
	p := PhaseDescriptor{HTTPWeight: 0.5, DNSWeight: 0.5, SSHWeight: 0.5, UDPWeight: 0}
	assert.False(t, p.Valid())
}

func TestDefaultPhases_AllValid(t *testing.T) {
	for _, p := range DefaultPhases() {
		assert.True(t, p.Valid(), p.Name)
	}
}

func TestSendBurst_PcapTimedWalksRecordsInOrder(t *testing.T) {
	pool := ingress.NewBufferPool(32, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	r := New(testCapture(), port, pool, nil, ModePcapTimed, 0, 0, rand.New(rand.NewSource(1)))

	_, err := r.SendBurst(1)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), r.SleepFor(), "no previous record yet")

	_, err = r.SendBurst(1)
	require.NoError(t, err)
	sleep := r.SleepFor()
	assert.Greater(t, sleep, time.Duration(0))
	assert.LessOrEqual(t, sleep, maxJitterSleep)
}

func TestStartDelay_StaggersByWorkerIndex(t *testing.T) {
	pool := ingress.NewBufferPool(4, 8, 128)
	port := ingress.NewMockPort(pool, nil)
	r := New(testCapture(), port, pool, nil, ModeFreeRun, 0, 3, nil)
	assert.Equal(t, 300, int(r.StartDelay().Milliseconds()))
}
