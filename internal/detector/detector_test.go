package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsentry/flowsentry/internal/clock"
	"github.com/flowsentry/flowsentry/internal/ingress"
	"github.com/flowsentry/flowsentry/internal/ipnet"
	"github.com/flowsentry/flowsentry/internal/worker"
)

func newTestWorkers(n int) []*worker.Worker {
	ws := make([]*worker.Worker, n)
	pool := ingress.NewBufferPool(1, 1, 64)
	for i := range ws {
		ws[i] = worker.New(i, ingress.NewMockPort(pool, nil), i, ipnet.DefaultClassifier(), 4, 2048)
	}
	return ws
}

func TestEvaluate_PacketFloodFires(t *testing.T) {
	ws := newTestWorkers(1)
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ws, DefaultThresholds(), ipnet.DefaultClassifier(), fc)

	ws[0].Counters.TotalPackets = 200000
	ws[0].Counters.BaselinePackets = 200000
	fc.Advance(5 * time.Second)
	totals := d.aggregate(fc.Now())

	level, reasons := d.Evaluate(totals)
	assert.Equal(t, AlertMedium, level)
	assert.Contains(t, reasons, RulePacketFlood)
}

func TestEvaluate_NoTrafficFiresNothing(t *testing.T) {
	ws := newTestWorkers(1)
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ws, DefaultThresholds(), ipnet.DefaultClassifier(), fc)

	fc.Advance(5 * time.Second)
	totals := d.aggregate(fc.Now())
	level, reasons := d.Evaluate(totals)
	assert.Equal(t, AlertNone, level)
	assert.Empty(t, reasons)
}

func TestEvaluate_ZeroDivisorsNeverNaN(t *testing.T) {
	ws := newTestWorkers(1)
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ws, DefaultThresholds(), ipnet.DefaultClassifier(), fc)

	totals := d.aggregate(fc.Now())
	_, reasons := d.Evaluate(totals)
	assert.NotContains(t, reasons, RuleBotnet)
}

func TestRecordDetection_FirstEventUsesFirstAttackPacket(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	start := time.Unix(100, 0)
	s.FirstAttackPacketAt = start
	s.RecordDetection(start.Add(15 * time.Millisecond))

	require.EqualValues(t, 1, s.LatencyCount)
	assert.EqualValues(t, 1, s.Latencies.Under20)
}

func TestRecordDetection_SubsequentEventsAreInterDetection(t *testing.T) {
	s := NewState(time.Unix(0, 0))
	start := time.Unix(100, 0)
	s.FirstAttackPacketAt = start
	s.RecordDetection(start.Add(10 * time.Millisecond))
	s.RecordDetection(start.Add(45 * time.Millisecond))

	require.EqualValues(t, 2, s.LatencyCount)
	assert.EqualValues(t, 1, s.Latencies.From30to40)
}

func TestRecordDetection_HistogramMatchesScenario(t *testing.T) {
	// Inter-arrival latencies {10, 25, 35, 45, 60}ms land
	// one event in each of the five buckets, with min=10/max=60/sum=175.
	s := NewState(time.Unix(0, 0))
	start := time.Unix(100, 0)
	s.FirstAttackPacketAt = start
	s.RecordDetection(start.Add(10 * time.Millisecond))
	s.RecordDetection(start.Add(10*time.Millisecond + 25*time.Millisecond))
	s.RecordDetection(start.Add(10*time.Millisecond + 25*time.Millisecond + 35*time.Millisecond))
	s.RecordDetection(start.Add(10*time.Millisecond + 25*time.Millisecond + 35*time.Millisecond + 45*time.Millisecond))
	s.RecordDetection(start.Add(10*time.Millisecond + 25*time.Millisecond + 35*time.Millisecond + 45*time.Millisecond + 60*time.Millisecond))

	require.EqualValues(t, 5, s.LatencyCount)
	assert.EqualValues(t, 1, s.Latencies.Under20)
	assert.EqualValues(t, 1, s.Latencies.From20to30)
	assert.EqualValues(t, 1, s.Latencies.From30to40)
	assert.EqualValues(t, 1, s.Latencies.From40to50)
	assert.EqualValues(t, 1, s.Latencies.Over50)
	assert.Equal(t, 10*time.Millisecond, s.LatencyMin)
	assert.Equal(t, 60*time.Millisecond, s.LatencyMax)
	assert.Equal(t, 175*time.Millisecond, s.LatencySum)

	u, b1, b2, b3, o := s.Latencies.Percentages()
	assert.InDelta(t, 20.0, u, 0.01)
	assert.InDelta(t, 20.0, b1, 0.01)
	assert.InDelta(t, 20.0, b2, 0.01)
	assert.InDelta(t, 20.0, b3, 0.01)
	assert.InDelta(t, 20.0, o, 0.01)
}

func TestLatencyHistogram_PercentagesZeroWhenEmpty(t *testing.T) {
	var h LatencyHistogram
	u, b1, b2, b3, o := h.Percentages()
	assert.Zero(t, u)
	assert.Zero(t, b1)
	assert.Zero(t, b2)
	assert.Zero(t, b3)
	assert.Zero(t, o)
}

func TestTick_WindowExpiryRequestsSketchReset(t *testing.T) {
	ws := newTestWorkers(2)
	fc := clock.NewFake(time.Unix(0, 0))
	d := New(ws, DefaultThresholds(), ipnet.DefaultClassifier(), fc)

	fc.Advance(DefaultWindowDuration + time.Millisecond)
	d.Tick()

	for _, w := range ws {
		assert.True(t, w.Reset.Consume())
	}
}
