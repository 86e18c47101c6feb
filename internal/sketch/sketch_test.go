package sketch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateQuery_SingleKeyIsExact(t *testing.T) {
	s := New(8, 4096)
	const n = 1000
	for i := 0; i < n; i++ {
		s.Update(0xAABBCCDD, 1)
	}
	assert.EqualValues(t, n, s.Query(0xAABBCCDD))
}

func TestQuery_NeverUnderestimates(t *testing.T) {
	s := New(4, 2048)
	keys := []uint32{1, 2, 3, 42, 100000, 7777777}
	for _, k := range keys {
		for i := 0; i < 50; i++ {
			s.Update(k, 1)
		}
	}
	for _, k := range keys {
		assert.GreaterOrEqual(t, s.Query(k), uint32(50))
	}
}

func TestMerge_SumsPerWorkerCounts(t *testing.T) {
	w0 := New(8, 4096)
	w1 := New(8, 4096)
	for i := 0; i < 1000; i++ {
		w0.Update(0xAABBCCDD, 1)
	}
	for i := 0; i < 500; i++ {
		w1.Update(0xAABBCCDD, 1)
	}

	merged := New(8, 4096)
	merged.MergeFrom([]*Sketch{w0, w1})

	assert.EqualValues(t, 1500, merged.Query(0xAABBCCDD))
}

func TestMerge_AssociativeAndCommutative(t *testing.T) {
	mk := func() *Sketch {
		s := New(4, 2048)
		s.Update(10, 3)
		s.Update(20, 7)
		return s
	}
	a, b, c := mk(), mk(), mk()

	left := New(4, 2048)
	left.MergeFrom([]*Sketch{a})
	left.MergeFrom([]*Sketch{b})
	left.MergeFrom([]*Sketch{c})

	right := New(4, 2048)
	right.MergeFrom([]*Sketch{c})
	right.MergeFrom([]*Sketch{b})
	right.MergeFrom([]*Sketch{a})

	require.Equal(t, len(left.cells), len(right.cells))
	for i := range left.cells {
		assert.Equal(t, left.cells[i], right.cells[i])
	}
}

func TestReset_ZeroesEverything(t *testing.T) {
	s := New(8, 4096)
	s.Update(5, 10)
	s.UpdateBytes(1000)
	require.NotZero(t, s.Query(5))

	s.Reset()
	assert.Zero(t, s.Query(5))
	assert.Zero(t, s.TotalUpdates())
	assert.Zero(t, s.TotalBytes())
}

func TestTopK_LargestFirst(t *testing.T) {
	s := New(8, 4096)
	for i := 0; i < 100; i++ {
		s.Update(1, 1)
	}
	for i := 0; i < 500; i++ {
		s.Update(2, 1)
	}
	for i := 0; i < 10; i++ {
		s.Update(3, 1)
	}

	top := s.TopK(2)
	require.Len(t, top, 2)
	assert.GreaterOrEqual(t, top[0].Count, top[1].Count)
}

func TestResetRequested_ConsumeClearsFlag(t *testing.T) {
	var r ResetRequested
	assert.False(t, r.Consume())
	r.Request()
	assert.True(t, r.Consume())
	assert.False(t, r.Consume())
}

func TestNew_PanicsOnNonPowerOfTwoCols(t *testing.T) {
	assert.Panics(t, func() { New(4, 3000) })
}
