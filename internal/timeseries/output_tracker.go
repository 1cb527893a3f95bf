// Package timeseries tracks the volume of captured worker output over
// time.
//
// Workers in a pool stream their stdout/stderr through the launcher's
// capture pipes; this package accumulates the captured bytes and lines
// and computes rolling rates over fixed windows (1s, 30s, 60s, 300s).
// A chatty worker that suddenly goes quiet, or one that starts spewing
// tracebacks, shows up here before anything else.
//
// AddBytes/AddLines are atomic and lock-free; Snapshot acquires a read
// lock over the sample ring.
package timeseries

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize is the number of retained samples (5 minutes at one
	// sample per second).
	ringSize = 300

	window1s   = 1 * time.Second
	window30s  = 30 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time snapshot of the cumulative counters.
type sample struct {
	timestamp time.Time
	bytes     int64
	lines     int64
}

// OutputTracker accumulates captured worker output and computes rolling
// rates.
//
//	tracker := timeseries.NewOutputTracker()
//	w := tracker.Wrap(logFile)   // feed a worker's capture stream through it
//	// ... every second:
//	tracker.RecordSample()
//	// ... for the dashboard:
//	stats := tracker.Snapshot()
type OutputTracker struct {
	totalBytes atomic.Int64
	totalLines atomic.Int64

	mu       sync.RWMutex
	samples  []sample
	writeIdx int

	startTime time.Time
	clock     Clock
}

// OutputStats is a computed view of the tracker at one instant.
type OutputStats struct {
	// TotalBytes and TotalLines are cumulative since start.
	TotalBytes int64
	TotalLines int64

	// Rolling byte rates, bytes per second.
	BytesPerSec1s   float64
	BytesPerSec30s  float64
	BytesPerSec60s  float64
	BytesPerSec300s float64

	// LinesPerSec60s is the rolling line rate over the last minute.
	LinesPerSec60s float64

	// Overall is the byte rate since tracking started.
	Overall float64
}

// NewOutputTracker returns a tracker on the real clock.
func NewOutputTracker() *OutputTracker {
	return NewOutputTrackerWithClock(realClock{})
}

// NewOutputTrackerWithClock returns a tracker on a caller-supplied
// clock.
func NewOutputTrackerWithClock(clock Clock) *OutputTracker {
	now := clock.Now()
	t := &OutputTracker{
		samples:   make([]sample, 0, ringSize),
		startTime: now,
		clock:     clock,
	}
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// AddBytes adds captured output bytes to the running total. Lock-free.
func (t *OutputTracker) AddBytes(n int64) {
	if n > 0 {
		t.totalBytes.Add(n)
	}
}

// AddLines adds captured output lines to the running total. Lock-free.
func (t *OutputTracker) AddLines(n int64) {
	if n > 0 {
		t.totalLines.Add(n)
	}
}

// RecordSample snapshots the cumulative counters into the ring. Call it
// once per second from the supervision loop's ticker.
func (t *OutputTracker) RecordSample() {
	now := t.clock.Now()
	s := sample{
		timestamp: now,
		bytes:     t.totalBytes.Load(),
		lines:     t.totalLines.Load(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < ringSize {
		t.samples = append(t.samples, s)
	} else {
		t.samples[t.writeIdx] = s
		t.writeIdx = (t.writeIdx + 1) % ringSize
	}
}

// Snapshot computes the current rates. It always answers from whatever
// history exists, so early calls are valid, just coarse.
func (t *OutputTracker) Snapshot() OutputStats {
	now := t.clock.Now()
	bytes := t.totalBytes.Load()
	lines := t.totalLines.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := OutputStats{
		TotalBytes: bytes,
		TotalLines: lines,
	}

	elapsed := now.Sub(t.startTime).Seconds()
	if elapsed > 0 {
		stats.Overall = float64(bytes) / elapsed
	}

	stats.BytesPerSec1s = t.byteRate(now, bytes, window1s)
	stats.BytesPerSec30s = t.byteRate(now, bytes, window30s)
	stats.BytesPerSec60s = t.byteRate(now, bytes, window60s)
	stats.BytesPerSec300s = t.byteRate(now, bytes, window300s)
	stats.LinesPerSec60s = t.lineRate(now, lines, window60s)

	return stats
}

// byteRate computes bytes/sec over the window. Caller holds mu.
func (t *OutputTracker) byteRate(now time.Time, current int64, window time.Duration) float64 {
	base := t.baseline(now, window)
	if base == nil {
		return 0
	}
	elapsed := now.Sub(base.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-base.bytes) / elapsed
}

// lineRate computes lines/sec over the window. Caller holds mu.
func (t *OutputTracker) lineRate(now time.Time, current int64, window time.Duration) float64 {
	base := t.baseline(now, window)
	if base == nil {
		return 0
	}
	elapsed := now.Sub(base.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-base.lines) / elapsed
}

// baseline finds the sample closest to, but not after, now-window.
// Falls back to the oldest sample when the history is shorter than the
// window. Caller holds mu.
func (t *OutputTracker) baseline(now time.Time, window time.Duration) *sample {
	if len(t.samples) == 0 {
		return nil
	}

	target := now.Add(-window)

	var best *sample
	var bestDiff time.Duration = -1
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		diff := target.Sub(s.timestamp)
		if bestDiff < 0 || diff < bestDiff {
			best = s
			bestDiff = diff
		}
	}

	if best == nil {
		best = t.oldest()
	}
	return best
}

// oldest returns the oldest retained sample. Caller holds mu.
func (t *OutputTracker) oldest() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Reset drops all history and restarts tracking.
func (t *OutputTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalBytes.Store(0)
	t.totalLines.Store(0)
	t.samples = t.samples[:0]
	t.samples = append(t.samples, sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of retained samples.
func (t *OutputTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}

// CountingWriter feeds everything written through it into the tracker
// before passing it to the destination. The launcher's per-worker
// capture stream is wired through one of these so pool-wide output
// volume is visible without touching the workers.
type CountingWriter struct {
	dst     io.WriteCloser
	tracker *OutputTracker
}

// Wrap returns a WriteCloser that counts into the tracker and forwards
// to dst. Closing it closes dst.
func (t *OutputTracker) Wrap(dst io.WriteCloser) *CountingWriter {
	return &CountingWriter{dst: dst, tracker: t}
}

func (w *CountingWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		w.tracker.AddBytes(int64(n))
		var lines int64
		for _, b := range p[:n] {
			if b == '\n' {
				lines++
			}
		}
		w.tracker.AddLines(lines)
	}
	return n, err
}

func (w *CountingWriter) Close() error {
	return w.dst.Close()
}
