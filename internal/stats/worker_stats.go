// Package stats tracks per-worker and pool-wide statistics for a
// training run.
//
// WorkerStats follows one worker process: captured output volume,
// classified error lines, activity, and the final exit record.
// Aggregator folds every worker into one pool view and keeps the
// uptime distribution for the exit summary.
package stats

import (
	"sync/atomic"
	"time"
)

const (
	// IdleThreshold is how long a running worker may stay silent before
	// it is flagged as idle. Training workers that hang (a collective
	// op waiting on a dead peer, a stuck data loader) go quiet first.
	IdleThreshold = 60 * time.Second
)

// ExitRecord is a worker's terminal state.
type ExitRecord struct {
	Code     int
	Signal   string
	Signaled bool
	Uptime   time.Duration
}

// Clean reports whether the worker finished on its own with status 0.
func (e *ExitRecord) Clean() bool {
	return e.Code == 0 && !e.Signaled
}

// WorkerStats holds one worker's counters.
//
// Counter updates are atomic and lock-free; the capture pipeline calls
// RecordOutput for every batch of lines it forwards.
type WorkerStats struct {
	Rank      int
	Pid       int
	StartTime time.Time

	// Captured output counters.
	OutputBytes atomic.Int64
	OutputLines atomic.Int64

	// ErrorLines counts captured lines the classifier flagged
	// (tracebacks, CUDA OOM, NCCL failures).
	ErrorLines atomic.Int64

	// lastOutput is the unix-nano timestamp of the latest captured
	// line, for idle detection.
	lastOutput atomic.Int64

	// exit holds *ExitRecord once the worker has been reaped.
	exit atomic.Value
}

// NewWorkerStats creates stats for one worker process.
func NewWorkerStats(rank, pid int) *WorkerStats {
	s := &WorkerStats{
		Rank:      rank,
		Pid:       pid,
		StartTime: time.Now(),
	}
	s.lastOutput.Store(s.StartTime.UnixNano())
	return s
}

// RecordOutput accounts one batch of captured output and stamps the
// activity clock.
func (s *WorkerStats) RecordOutput(bytes, lines, errorLines int64) {
	if bytes > 0 {
		s.OutputBytes.Add(bytes)
	}
	if lines > 0 {
		s.OutputLines.Add(lines)
	}
	if errorLines > 0 {
		s.ErrorLines.Add(errorLines)
	}
	s.lastOutput.Store(time.Now().UnixNano())
}

// RecordExit stores the worker's terminal state. Later calls are
// ignored; a worker exits once.
func (s *WorkerStats) RecordExit(rec ExitRecord) {
	if s.exit.Load() == nil {
		s.exit.Store(&rec)
	}
}

// Exit returns the exit record, or nil while the worker runs.
func (s *WorkerStats) Exit() *ExitRecord {
	rec, _ := s.exit.Load().(*ExitRecord)
	return rec
}

// Exited reports whether the worker has been reaped.
func (s *WorkerStats) Exited() bool {
	return s.exit.Load() != nil
}

// Uptime returns the worker's lifetime: frozen at exit, still ticking
// while it runs.
func (s *WorkerStats) Uptime() time.Duration {
	if rec := s.Exit(); rec != nil {
		return rec.Uptime
	}
	return time.Since(s.StartTime)
}

// IdleFor returns how long the worker has been silent.
func (s *WorkerStats) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastOutput.Load()))
}

// IsIdle reports whether a still-running worker has been silent past
// the threshold. Exited workers are never idle.
func (s *WorkerStats) IsIdle() bool {
	if s.Exited() {
		return false
	}
	return s.IdleFor() > IdleThreshold
}

// WorkerSummary is a point-in-time snapshot of one worker's stats.
type WorkerSummary struct {
	Rank        int
	Pid         int
	Uptime      time.Duration
	OutputBytes int64
	OutputLines int64
	ErrorLines  int64
	Idle        bool
	Exited      bool
	ExitCode    int
	Signal      string
	Clean       bool
}

// Summary snapshots the worker.
func (s *WorkerStats) Summary() WorkerSummary {
	sum := WorkerSummary{
		Rank:        s.Rank,
		Pid:         s.Pid,
		Uptime:      s.Uptime(),
		OutputBytes: s.OutputBytes.Load(),
		OutputLines: s.OutputLines.Load(),
		ErrorLines:  s.ErrorLines.Load(),
		Idle:        s.IsIdle(),
	}
	if rec := s.Exit(); rec != nil {
		sum.Exited = true
		sum.ExitCode = rec.Code
		sum.Signal = rec.Signal
		sum.Clean = rec.Clean()
	}
	return sum
}
