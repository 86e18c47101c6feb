package telemetry

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/gozstd"

	"github.com/flowsentry/flowsentry/internal/detector"
)

// logBanner separates successive snapshot records in the log file,
// one record per snapshot interval; grounded on mira_ddos_detector.c's
// own "╔═...╗" status-box banners.
const logBanner = "╔" + "════════════════════════════════════════" + "╗"

// LogSink appends one formatted record (a banner line, then the
// snapshot lines) per Snapshot to a text log file,
// rotating (and zstd-compressing the rotated-out file, grounded on
// m-lab-etl's gozstd.Compress/Decompress use for archived snapshot
// data) once the current file exceeds MaxBytes.
type LogSink struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	written  int64
	rotation int
}

// DefaultMaxLogBytes rotates the snapshot log at 64 MiB.
const DefaultMaxLogBytes = 64 << 20

// NewLogSink opens (creating if needed) path for appending.
func NewLogSink(path string, maxBytes int64) (*LogSink, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLogBytes
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open telemetry log %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to stat telemetry log")
	}
	return &LogSink{path: path, maxBytes: maxBytes, f: f, written: info.Size()}, nil
}

// Write appends one formatted snapshot record (banner plus stats
// line), rotating first if the file has grown past maxBytes. state may be nil; when present its
// detection-latency histogram percentages are appended.
func (s *LogSink) Write(snap Snapshot, state *detector.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written >= s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	line := fmt.Sprintf("%s\n%s pkts=%d bytes=%d inst_gbps=%.3f cum_gbps=%.3f drop_rate=%.4f cycles_per_pkt=%.1f\n",
		logBanner, snap.At.Format("2006-01-02T15:04:05.000Z07:00"), snap.TotalPackets, snap.TotalBytes,
		snap.InstantaneousGbps, snap.CumulativeGbps, snap.DropRate, snap.CyclesPerPacket)
	if state != nil {
		u, b1, b2, b3, o := state.Latencies.Percentages()
		line += fmt.Sprintf("detection_latency_pct under_20ms=%.1f%% 20_30ms=%.1f%% 30_40ms=%.1f%% 40_50ms=%.1f%% over_50ms=%.1f%%\n",
			u, b1, b2, b3, o)
	}

	n, err := s.f.WriteString(line)
	s.written += int64(n)
	return err
}

// rotate closes the current file, zstd-compresses it to
// <path>.<n>.zst, and reopens path truncated to empty.
func (s *LogSink) rotate() error {
	if err := s.f.Close(); err != nil {
		return errors.Wrap(err, "failed to close telemetry log before rotation")
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrap(err, "failed to read telemetry log for rotation")
	}
	compressed := gozstd.Compress(nil, raw)

	s.rotation++
	archivePath := fmt.Sprintf("%s.%d.zst", s.path, s.rotation)
	if err := os.WriteFile(archivePath, compressed, 0o644); err != nil {
		return errors.Wrap(err, "failed to write compressed telemetry log")
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to reopen telemetry log after rotation")
	}
	s.f = f
	s.written = 0
	return nil
}

// Close flushes and closes the underlying file.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
