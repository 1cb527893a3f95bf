package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// AggregatedStats is a pool-wide snapshot computed by Aggregate.
type AggregatedStats struct {
	Timestamp time.Time

	// Worker counts.
	TotalWorkers int
	Running      int
	Exited       int
	Failed       int
	IdleWorkers  int
	CleanExits   int

	// Captured output totals.
	TotalOutputBytes int64
	TotalOutputLines int64
	TotalErrorLines  int64

	// Rates since the run started, per second.
	OutputBytesPerSec float64
	OutputLinesPerSec float64

	// Instantaneous rates computed against the previous snapshot.
	InstantBytesPerSec float64
	InstantLinesPerSec float64

	// Uptime distribution over all workers, running or not.
	MinUptime time.Duration
	MaxUptime time.Duration
	AvgUptime time.Duration

	// Uptime percentiles over reaped workers, from the t-digest.
	// Zero until the first exit.
	UptimeP50 time.Duration
	UptimeP95 time.Duration
	UptimeP99 time.Duration

	// ExitCodes counts reaped workers by exit code.
	ExitCodes map[int]int

	// PerWorker holds one summary per worker, rank ascending.
	PerWorker []WorkerSummary
}

// rateSnapshot carries the totals of the previous Aggregate call for
// instantaneous rate computation.
type rateSnapshot struct {
	timestamp time.Time
	bytes     int64
	lines     int64
}

// Aggregator folds every worker's stats into pool-wide views.
//
// Thread-safe: the supervision loop, the capture pipeline and the
// dashboard all read and write concurrently.
type Aggregator struct {
	mu        sync.RWMutex
	workers   map[int]*WorkerStats
	exitCodes map[int]int
	startTime time.Time

	// uptimeDigest accumulates reaped-worker uptimes in constant
	// memory. Guarded by mu; tdigest is not safe for concurrent use.
	uptimeDigest *tdigest.TDigest

	prevSnapshot atomic.Value // *rateSnapshot
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		workers:      make(map[int]*WorkerStats),
		exitCodes:    make(map[int]int),
		startTime:    time.Now(),
		uptimeDigest: tdigest.NewWithCompression(100),
	}
	a.prevSnapshot.Store(&rateSnapshot{timestamp: a.startTime})
	return a
}

// AddWorker registers a worker for aggregation.
func (a *Aggregator) AddWorker(s *WorkerStats) {
	a.mu.Lock()
	a.workers[s.Rank] = s
	a.mu.Unlock()
}

// Worker returns the stats for one rank, or nil.
func (a *Aggregator) Worker(rank int) *WorkerStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.workers[rank]
}

// WorkerCount returns the number of registered workers.
func (a *Aggregator) WorkerCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.workers)
}

// RecordExit stores a worker's terminal state and feeds the uptime
// distribution.
func (a *Aggregator) RecordExit(rank int, rec ExitRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.workers[rank]
	if s == nil || s.Exited() {
		return
	}
	s.RecordExit(rec)
	a.exitCodes[rec.Code]++
	a.uptimeDigest.Add(rec.Uptime.Seconds(), 1)
}

// ExitCodeCounts returns a copy of the exit code histogram.
func (a *Aggregator) ExitCodeCounts() map[int]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[int]int, len(a.exitCodes))
	for code, n := range a.exitCodes {
		out[code] = n
	}
	return out
}

// UptimePercentile returns the q-quantile of reaped-worker uptimes, or
// zero before the first exit.
func (a *Aggregator) UptimePercentile(q float64) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.uptimePercentileLocked(q)
}

func (a *Aggregator) uptimePercentileLocked(q float64) time.Duration {
	seconds := a.uptimeDigest.Quantile(q)
	if seconds != seconds || seconds <= 0 { // NaN before any sample
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// StartTime returns when the aggregator was created.
func (a *Aggregator) StartTime() time.Time {
	return a.startTime
}

// Elapsed returns the run duration so far.
func (a *Aggregator) Elapsed() time.Duration {
	return time.Since(a.startTime)
}

// ForEachWorker calls fn for every worker while holding the read lock.
func (a *Aggregator) ForEachWorker(fn func(rank int, s *WorkerStats)) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for rank, s := range a.workers {
		fn(rank, s)
	}
}

// Aggregate computes a pool-wide snapshot. The result is detached and
// safe to keep after the call.
func (a *Aggregator) Aggregate() *AggregatedStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := time.Now()
	elapsed := now.Sub(a.startTime).Seconds()

	result := &AggregatedStats{
		Timestamp:    now,
		TotalWorkers: len(a.workers),
		ExitCodes:    make(map[int]int, len(a.exitCodes)),
	}
	for code, n := range a.exitCodes {
		result.ExitCodes[code] = n
	}

	var totalUptime time.Duration

	ranks := make([]int, 0, len(a.workers))
	for rank := range a.workers {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)

	for _, rank := range ranks {
		s := a.workers[rank]
		sum := s.Summary()
		result.PerWorker = append(result.PerWorker, sum)

		result.TotalOutputBytes += sum.OutputBytes
		result.TotalOutputLines += sum.OutputLines
		result.TotalErrorLines += sum.ErrorLines

		if sum.Exited {
			result.Exited++
			if sum.Clean {
				result.CleanExits++
			} else {
				result.Failed++
			}
		} else {
			result.Running++
			if sum.Idle {
				result.IdleWorkers++
			}
		}

		uptime := sum.Uptime
		totalUptime += uptime
		if result.MinUptime == 0 || uptime < result.MinUptime {
			result.MinUptime = uptime
		}
		if uptime > result.MaxUptime {
			result.MaxUptime = uptime
		}
	}

	if elapsed > 0 {
		result.OutputBytesPerSec = float64(result.TotalOutputBytes) / elapsed
		result.OutputLinesPerSec = float64(result.TotalOutputLines) / elapsed
	}

	if prev, ok := a.prevSnapshot.Load().(*rateSnapshot); ok && prev != nil {
		span := now.Sub(prev.timestamp).Seconds()
		if span > 0 {
			result.InstantBytesPerSec = float64(result.TotalOutputBytes-prev.bytes) / span
			result.InstantLinesPerSec = float64(result.TotalOutputLines-prev.lines) / span
		}
	}

	if result.TotalWorkers > 0 {
		result.AvgUptime = totalUptime / time.Duration(result.TotalWorkers)
	}

	result.UptimeP50 = a.uptimePercentileLocked(0.50)
	result.UptimeP95 = a.uptimePercentileLocked(0.95)
	result.UptimeP99 = a.uptimePercentileLocked(0.99)

	a.prevSnapshot.Store(&rateSnapshot{
		timestamp: now,
		bytes:     result.TotalOutputBytes,
		lines:     result.TotalOutputLines,
	})

	return result
}

// Reset drops every worker and restarts the clock.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.workers = make(map[int]*WorkerStats)
	a.exitCodes = make(map[int]int)
	a.startTime = time.Now()
	a.uptimeDigest = tdigest.NewWithCompression(100)
	a.prevSnapshot.Store(&rateSnapshot{timestamp: a.startTime})
}
