// Package sketch implements a fixed-size Count-Min / "Elastic"
// probabilistic counter (component C2): a D×W matrix of 32-bit
// counters with conservative query, sampled update, and N-way merge,
// plus an auxiliary 2^16-slot approximate IP histogram used for top-K
// heavy-hitter extraction.
//
// The hash family is grounded on the teacher's use of
// github.com/OneOfOne/xxhash for stream sampling
// (trace/collector.go's SamplingCollector): each of the D rows reseeds
// the same 32-bit xxhash checksum, which is as good a universal family
// as any other (Jenkins/Murmur would serve equally well here).
package sketch

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
)

const (
	// DefaultRows and DefaultCols give a 128 KiB counter matrix (~640 KiB
	// per Sketch with the two 2^16-slot top_k tables), a sizing that keeps per-worker sketch memory modest while still holding
	// enough columns to avoid excessive hash collisions at line rate.
	DefaultRows = 8
	DefaultCols = 4096

	histogramSlots = 1 << 16

	// MinRows/MaxRows and MinCols/MaxCols name the supported range, D in
	// [4,8] and W a power of two in [2^11, 2^16]; New does not enforce it
	// (it only rejects a W that is not a power of two). Fewer rows erode the conservative
	// query's accuracy, fewer columns raise collision mass, and more of
	// either stops paying for itself in memory footprint.
	MinRows = 4
	MaxRows = 8
	MinCols = 1 << 11
	MaxCols = 1 << 16
)

var defaultSeeds = [MaxRows]uint32{
	0xdeadbeef, 0xc0ffee00, 0xbaadf00d, 0xfeedface,
	0xcafebabe, 0x12345678, 0x9abcdef0, 0x11223344,
}

// HeavyHitter is one entry of a top_k result: an approximate source IP
// and its estimated count.
type HeavyHitter struct {
	IP    uint32
	Count uint32
}

// Sketch is a D×W Count-Min matrix plus the auxiliary histogram
// needed for top_k. It is not safe for concurrent use: each worker
// owns exactly one Sketch, and the detector only ever touches a
// worker's Sketch to read it for a merge, never to write it.
type Sketch struct {
	rows int
	cols int
	mask uint32 // cols - 1, since cols is a power of two

	cells []uint32 // rows*cols, row-major
	seeds []uint32

	totalUpdates uint64
	totalBytes   uint64

	// ipHistogram approximates per-IP counts in a fixed 2^16 slot table
	// for top_k, mirroring the source's simplified heavy-hitter
	// bookkeeping (octosketch.h's ip_counts[65536]).
	ipHistogram []uint32
	// ipSample remembers one real IP that last hashed into each slot,
	// so top_k can report something more useful than the source's
	// simplified index-based IP reconstruction.
	ipSample []uint32
}

// New builds a Sketch with rows D and cols W. W must be a power of two
// so "mod W" reduces to a bit-mask; New panics if it isn't, since this
// is purely a construction-time configuration error.
func New(rows, cols int) *Sketch {
	if cols&(cols-1) != 0 {
		panic("sketch: cols must be a power of two")
	}
	if rows < 1 {
		rows = 1
	}
	seeds := make([]uint32, rows)
	for i := 0; i < rows; i++ {
		seeds[i] = defaultSeeds[i%len(defaultSeeds)]
		if i >= len(defaultSeeds) {
			// Extend deterministically past the canonical 8 seeds.
			seeds[i] ^= uint32(i) * 0x2545f491
		}
	}

	return &Sketch{
		rows:        rows,
		cols:        cols,
		mask:        uint32(cols - 1),
		cells:       make([]uint32, rows*cols),
		seeds:       seeds,
		ipHistogram: make([]uint32, histogramSlots),
		ipSample:    make([]uint32, histogramSlots),
	}
}

// NewDefault builds a Sketch at the spec's default D=8, W=4096 sizing.
func NewDefault() *Sketch {
	return New(DefaultRows, DefaultCols)
}

func hashRow(key, seed uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], key^seed)
	return xxhash.Checksum32(buf[:])
}

func (s *Sketch) col(row int, key uint32) uint32 {
	return hashRow(key, s.seeds[row]) & s.mask
}

func histogramSlot(key uint32) uint32 {
	return (key ^ (key >> 16)) & (histogramSlots - 1)
}

// Update increments each of the D rows at hash_i(key) mod W by weight,
// and folds key into the auxiliary IP histogram for top_k.
func (s *Sketch) Update(key uint32, weight uint32) {
	for row := 0; row < s.rows; row++ {
		idx := row*s.cols + int(s.col(row, key))
		s.cells[idx] += weight
	}

	slot := histogramSlot(key)
	s.ipHistogram[slot] += weight
	s.ipSample[slot] = key

	s.totalUpdates += uint64(weight)
}

// UpdateBytes accumulates the byte-weighted total used for
// amplification-ratio rules; callers doing a sampled update pass
// len*R so the running total stays an unbiased estimate of the real
// byte count despite only 1-in-R packets ever reaching here.
func (s *Sketch) UpdateBytes(n uint64) {
	s.totalBytes += n
}

// Query returns the conservative (minimum-across-rows) estimate for
// key. The result is always >= the true count, up to hash collisions.
func (s *Sketch) Query(key uint32) uint32 {
	min := uint32(0xffffffff)
	for row := 0; row < s.rows; row++ {
		v := s.cells[row*s.cols+int(s.col(row, key))]
		if v < min {
			min = v
		}
	}
	return min
}

// TotalUpdates returns the accumulated update-weight total.
func (s *Sketch) TotalUpdates() uint64 { return s.totalUpdates }

// TotalBytes returns the accumulated byte-weighted total.
func (s *Sketch) TotalBytes() uint64 { return s.totalBytes }

// MergeFrom element-wise sums others into s. Merge is associative and
// commutative: merging any partition of the worker set in any order
// yields the same matrix, because addition is.
func (s *Sketch) MergeFrom(others []*Sketch) {
	for _, o := range others {
		if o == nil {
			continue
		}
		s.mergeOne(o)
	}
}

func (s *Sketch) mergeOne(o *Sketch) {
	if o.rows != s.rows || o.cols != s.cols {
		// Mismatched sketch geometry is a configuration error; merging
		// a differently-shaped sketch would silently corrupt the
		// conservative-query invariant, so refuse it rather than guess.
		return
	}
	for i, v := range o.cells {
		s.cells[i] += v
	}
	for i, v := range o.ipHistogram {
		s.ipHistogram[i] += v
		if v > 0 {
			s.ipSample[i] = o.ipSample[i]
		}
	}
	s.totalUpdates += o.totalUpdates
	s.totalBytes += o.totalBytes
}

// Reset zeroes all cells and accumulators, called by the owning worker
// at each detection window boundary so rate estimates don't carry
// counts forward from a window that's already been evaluated.
func (s *Sketch) Reset() {
	for i := range s.cells {
		s.cells[i] = 0
	}
	for i := range s.ipHistogram {
		s.ipHistogram[i] = 0
		s.ipSample[i] = 0
	}
	s.totalUpdates = 0
	s.totalBytes = 0
}

// TopK scans the auxiliary histogram and returns the k largest
// (approx_ip, count) pairs, largest first.
func (s *Sketch) TopK(k int) []HeavyHitter {
	type slotCount struct {
		slot  int
		count uint32
	}
	nonzero := make([]slotCount, 0, k*4)
	for i, c := range s.ipHistogram {
		if c > 0 {
			nonzero = append(nonzero, slotCount{i, c})
		}
	}
	sort.Slice(nonzero, func(i, j int) bool { return nonzero[i].count > nonzero[j].count })

	if k > len(nonzero) {
		k = len(nonzero)
	}
	out := make([]HeavyHitter, k)
	for i := 0; i < k; i++ {
		out[i] = HeavyHitter{IP: s.ipSample[nonzero[i].slot], Count: nonzero[i].count}
	}
	return out
}

// ResetRequested is a relaxed flag the detector flips to ask the
// owning worker to reset its sketch on the next loop iteration,
// rather than the detector reaching into the worker's sketch itself.
type ResetRequested struct {
	pending atomic.Bool
}

func (r *ResetRequested) Request() {
	r.pending.Store(true)
}

// Consume reports whether a reset was pending and clears the flag.
func (r *ResetRequested) Consume() bool {
	return r.pending.Swap(false)
}
