package timeseries

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{time: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

// =============================================================================
// Tests: Accumulation
// =============================================================================

func TestOutputTracker_AddBytes(t *testing.T) {
	tests := []struct {
		name     string
		adds     []int64
		expected int64
	}{
		{
			name:     "single add",
			adds:     []int64{1024},
			expected: 1024,
		},
		{
			name:     "multiple adds",
			adds:     []int64{100, 200, 300},
			expected: 600,
		},
		{
			name:     "zero ignored",
			adds:     []int64{100, 0, 200},
			expected: 300,
		},
		{
			name:     "negative ignored",
			adds:     []int64{100, -50, 200},
			expected: 300,
		},
		{
			name:     "empty",
			adds:     []int64{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewOutputTrackerWithClock(newMockClock(time.Now()))

			for _, n := range tt.adds {
				tracker.AddBytes(n)
			}

			stats := tracker.Snapshot()
			if stats.TotalBytes != tt.expected {
				t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, tt.expected)
			}
		})
	}
}

func TestOutputTracker_AddLines(t *testing.T) {
	tracker := NewOutputTrackerWithClock(newMockClock(time.Now()))

	tracker.AddLines(3)
	tracker.AddLines(0)
	tracker.AddLines(-1)
	tracker.AddLines(2)

	if got := tracker.Snapshot().TotalLines; got != 5 {
		t.Errorf("TotalLines = %d, want 5", got)
	}
}

// =============================================================================
// Tests: Rolling Rates
// =============================================================================

func TestOutputTracker_ConstantRate(t *testing.T) {
	baseTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newMockClock(baseTime)
	tracker := NewOutputTrackerWithClock(clock)

	// 100 bytes and 2 lines per second for 10 seconds.
	for i := 0; i < 10; i++ {
		tracker.AddBytes(100)
		tracker.AddLines(2)
		clock.Advance(1 * time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Snapshot()

	if stats.BytesPerSec1s < 90 || stats.BytesPerSec1s > 110 {
		t.Errorf("BytesPerSec1s = %f, want ~100", stats.BytesPerSec1s)
	}
	if stats.Overall < 90 || stats.Overall > 110 {
		t.Errorf("Overall = %f, want ~100", stats.Overall)
	}
	if stats.LinesPerSec60s < 1.5 || stats.LinesPerSec60s > 2.5 {
		t.Errorf("LinesPerSec60s = %f, want ~2", stats.LinesPerSec60s)
	}
}

func TestOutputTracker_QuietWorkerDropsToZero(t *testing.T) {
	baseTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newMockClock(baseTime)
	tracker := NewOutputTrackerWithClock(clock)

	// Burst, then silence.
	tracker.AddBytes(10_000)
	clock.Advance(1 * time.Second)
	tracker.RecordSample()

	for i := 0; i < 30; i++ {
		clock.Advance(1 * time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Snapshot()
	if stats.BytesPerSec1s != 0 {
		t.Errorf("BytesPerSec1s = %f, want 0 after silence", stats.BytesPerSec1s)
	}
	if stats.TotalBytes != 10_000 {
		t.Errorf("TotalBytes = %d, want 10000", stats.TotalBytes)
	}
}

func TestOutputTracker_WindowLongerThanHistory(t *testing.T) {
	baseTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newMockClock(baseTime)
	tracker := NewOutputTrackerWithClock(clock)

	// Only 5 seconds of history; the 300s window must fall back to it.
	for i := 0; i < 5; i++ {
		tracker.AddBytes(50)
		clock.Advance(1 * time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Snapshot()
	if stats.BytesPerSec300s < 40 || stats.BytesPerSec300s > 60 {
		t.Errorf("BytesPerSec300s = %f, want ~50 from short history", stats.BytesPerSec300s)
	}
}

// =============================================================================
// Tests: Ring Buffer
// =============================================================================

func TestOutputTracker_RingWraps(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := NewOutputTrackerWithClock(clock)

	for i := 0; i < ringSize+50; i++ {
		tracker.AddBytes(10)
		clock.Advance(1 * time.Second)
		tracker.RecordSample()
	}

	if got := tracker.SampleCount(); got != ringSize {
		t.Errorf("SampleCount = %d, want %d", got, ringSize)
	}

	// Rates stay computable after the wrap.
	stats := tracker.Snapshot()
	if stats.BytesPerSec60s < 9 || stats.BytesPerSec60s > 11 {
		t.Errorf("BytesPerSec60s = %f, want ~10", stats.BytesPerSec60s)
	}
}

func TestOutputTracker_Reset(t *testing.T) {
	clock := newMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tracker := NewOutputTrackerWithClock(clock)

	tracker.AddBytes(500)
	tracker.AddLines(5)
	clock.Advance(1 * time.Second)
	tracker.RecordSample()

	tracker.Reset()

	stats := tracker.Snapshot()
	if stats.TotalBytes != 0 || stats.TotalLines != 0 {
		t.Errorf("after Reset: bytes=%d lines=%d, want 0/0", stats.TotalBytes, stats.TotalLines)
	}
	if got := tracker.SampleCount(); got != 1 {
		t.Errorf("SampleCount = %d, want 1 (the fresh t=0 sample)", got)
	}
}

// =============================================================================
// Tests: Concurrency
// =============================================================================

func TestOutputTracker_ConcurrentAdds(t *testing.T) {
	tracker := NewOutputTrackerWithClock(newMockClock(time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tracker.AddBytes(1)
				tracker.RecordSample()
			}
		}()
	}
	wg.Wait()

	if got := tracker.Snapshot().TotalBytes; got != 8000 {
		t.Errorf("TotalBytes = %d, want 8000", got)
	}
}

// =============================================================================
// Tests: CountingWriter
// =============================================================================

type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closableBuffer) Close() error {
	b.closed = true
	return nil
}

func TestCountingWriter(t *testing.T) {
	tracker := NewOutputTrackerWithClock(newMockClock(time.Now()))
	var dst closableBuffer
	w := tracker.Wrap(&dst)

	if _, err := w.Write([]byte("line one\nline two\npartial")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	stats := tracker.Snapshot()
	if want := int64(len("line one\nline two\npartial")); stats.TotalBytes != want {
		t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, want)
	}
	if stats.TotalLines != 2 {
		t.Errorf("TotalLines = %d, want 2", stats.TotalLines)
	}
	if dst.String() != "line one\nline two\npartial" {
		t.Errorf("destination = %q", dst.String())
	}
	if !dst.closed {
		t.Error("Close() should close the destination")
	}
}
