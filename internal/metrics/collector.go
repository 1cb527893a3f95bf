// Package metrics provides Prometheus metrics for go-trainer-swarm.
//
// Everything is pool-scoped. Per-rank series are bounded by the worker
// count on this node (one process per device), so they are always on;
// there is no cardinality tier to switch off.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
	"github.com/randomizedcoder/go-trainer-swarm/internal/timeseries"
)

// =============================================================================
// Pool Metrics
// =============================================================================

// --- Panel 1: Run Overview ---
var (
	trainerSwarmInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_info",
			Help: "Information about the training run (value always 1)",
		},
		[]string{"version", "run_id", "device_class"},
	)

	trainerWorldSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_world_size",
			Help: "Total ranks across every node in the run",
		},
	)

	trainerNodeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_node_workers",
			Help: "Worker processes managed on this node",
		},
	)

	trainerRunningWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_running_workers",
			Help: "Currently running workers",
		},
	)

	trainerRunDurationSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_run_duration_seconds",
			Help: "Configured run cap (0 = until the workers finish)",
		},
	)

	trainerElapsedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_elapsed_seconds",
			Help: "Seconds since the pool started",
		},
	)

	trainerRemainingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_remaining_seconds",
			Help: "Seconds until the run cap (-1 = uncapped)",
		},
	)
)

// --- Panel 2: Captured Output ---
var (
	trainerOutputBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_output_bytes_total",
			Help: "Total bytes captured from worker stdout and stderr",
		},
	)

	trainerOutputLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_output_lines_total",
			Help: "Total lines captured from worker stdout and stderr",
		},
	)

	trainerErrorLinesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_error_lines_total",
			Help: "Captured lines matching the error patterns",
		},
	)

	trainerOutputThroughput1sBytesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_output_throughput_1s_bytes_per_second",
			Help: "Captured output throughput averaged over last 1 second",
		},
	)

	trainerOutputThroughput30sBytesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_output_throughput_30s_bytes_per_second",
			Help: "Captured output throughput averaged over last 30 seconds",
		},
	)

	trainerOutputThroughput60sBytesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_output_throughput_60s_bytes_per_second",
			Help: "Captured output throughput averaged over last 60 seconds",
		},
	)

	trainerOutputThroughput300sBytesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_output_throughput_300s_bytes_per_second",
			Help: "Captured output throughput averaged over last 5 minutes",
		},
	)

	trainerOutputLinesPerSec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_output_lines_per_second",
			Help: "Captured line rate averaged over last 60 seconds",
		},
	)
)

// --- Panel 3: Worker Lifecycle ---
var (
	trainerWorkerStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_worker_starts_total",
			Help: "Total worker process starts",
		},
	)

	trainerWorkerExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainer_swarm_worker_exits_total",
			Help: "Worker exits by category",
		},
		[]string{"category"}, // "success", "error", "signal"
	)

	trainerIdleWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_idle_workers",
			Help: "Running workers with no output inside the idle threshold",
		},
	)

	trainerFailedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_failed_workers",
			Help: "Workers that exited abnormally",
		},
	)

	trainerCleanExits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_clean_exits",
			Help: "Workers that exited with code 0",
		},
	)
)

// --- Panel 4: Uptime Distribution ---
var (
	trainerWorkerUptimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trainer_swarm_worker_uptime_seconds",
			Help:    "Worker uptime before exit",
			Buckets: []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	trainerUptimeP50Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_uptime_p50_seconds",
			Help: "Worker uptime 50th percentile",
		},
	)

	trainerUptimeP95Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_uptime_p95_seconds",
			Help: "Worker uptime 95th percentile",
		},
	)

	trainerUptimeP99Seconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_uptime_p99_seconds",
			Help: "Worker uptime 99th percentile",
		},
	)
)

// --- Panel 5: Pool Supervision ---
var (
	trainerPoolState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_pool_state",
			Help: "Pool supervision state (exactly one series is 1)",
		},
		[]string{"state"},
	)

	trainerDrainsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_drains_total",
			Help: "Times the pool entered draining",
		},
	)

	trainerKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trainer_swarm_kills_total",
			Help: "Workers killed with SIGKILL after the drain grace",
		},
	)
)

// --- Per-Rank (bounded by the node's worker count) ---
var (
	trainerWorkerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_worker_up",
			Help: "Per-rank liveness (1 running, 0 exited)",
		},
		[]string{"rank"},
	)

	trainerWorkerOutputBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trainer_swarm_worker_output_bytes",
			Help: "Per-rank captured output bytes",
		},
		[]string{"rank"},
	)
)

// poolStates are the label values trainerPoolState cycles through.
var poolStates = []string{"running", "draining", "joined", "failed"}

// =============================================================================
// Collector
// =============================================================================

// Collector manages all Prometheus metrics for the pool.
type Collector struct {
	// Configuration
	worldSize   int
	nodeWorkers int
	runDuration time.Duration

	// Timing
	startTime time.Time

	// Internal tracking for delta calculations
	mu              sync.Mutex
	prevOutputBytes int64
	prevOutputLines int64
	prevErrorLines  int64

	// For summary generation
	peakRunning int
	totalStarts int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version     string
	RunID       string
	DeviceClass string
	WorldSize   int
	NodeWorkers int
	RunDuration time.Duration
}

// NewCollector creates a new metrics collector.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		worldSize:   cfg.WorldSize,
		nodeWorkers: cfg.NodeWorkers,
		runDuration: cfg.RunDuration,
		startTime:   time.Now(),
	}

	registry.MustRegister(
		// Panel 1: Run Overview
		trainerSwarmInfo,
		trainerWorldSize,
		trainerNodeWorkers,
		trainerRunningWorkers,
		trainerRunDurationSeconds,
		trainerElapsedSeconds,
		trainerRemainingSeconds,

		// Panel 2: Captured Output
		trainerOutputBytesTotal,
		trainerOutputLinesTotal,
		trainerErrorLinesTotal,
		trainerOutputThroughput1sBytesPerSec,
		trainerOutputThroughput30sBytesPerSec,
		trainerOutputThroughput60sBytesPerSec,
		trainerOutputThroughput300sBytesPerSec,
		trainerOutputLinesPerSec,

		// Panel 3: Worker Lifecycle
		trainerWorkerStartsTotal,
		trainerWorkerExitsTotal,
		trainerIdleWorkers,
		trainerFailedWorkers,
		trainerCleanExits,

		// Panel 4: Uptime
		trainerWorkerUptimeSeconds,
		trainerUptimeP50Seconds,
		trainerUptimeP95Seconds,
		trainerUptimeP99Seconds,

		// Panel 5: Pool Supervision
		trainerPoolState,
		trainerDrainsTotal,
		trainerKillsTotal,

		// Per-Rank
		trainerWorkerUp,
		trainerWorkerOutputBytes,
	)

	// Set initial values
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	trainerSwarmInfo.WithLabelValues(version, cfg.RunID, cfg.DeviceClass).Set(1)
	trainerWorldSize.Set(float64(cfg.WorldSize))
	trainerNodeWorkers.Set(float64(cfg.NodeWorkers))
	trainerRunDurationSeconds.Set(cfg.RunDuration.Seconds())
	if cfg.RunDuration == 0 {
		trainerRemainingSeconds.Set(-1) // -1 = uncapped
	}
	for _, s := range poolStates {
		trainerPoolState.WithLabelValues(s).Set(0)
	}

	return c
}

// =============================================================================
// Update Methods
// =============================================================================

// RecordStats updates the pool metrics from an aggregated snapshot.
func (c *Collector) RecordStats(agg *stats.AggregatedStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// --- Panel 1: Run Overview ---
	trainerRunningWorkers.Set(float64(agg.Running))
	if agg.Running > c.peakRunning {
		c.peakRunning = agg.Running
	}

	elapsed := time.Since(c.startTime)
	trainerElapsedSeconds.Set(elapsed.Seconds())

	if c.runDuration > 0 {
		remaining := c.runDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		trainerRemainingSeconds.Set(remaining.Seconds())
	}

	// --- Panel 2: error lines ride the aggregate, the byte and line
	// counters ride RecordOutput ---
	errorDelta := agg.TotalErrorLines - c.prevErrorLines
	if errorDelta > 0 {
		trainerErrorLinesTotal.Add(float64(errorDelta))
	}
	c.prevErrorLines = agg.TotalErrorLines

	// --- Panel 3: Worker Lifecycle ---
	trainerIdleWorkers.Set(float64(agg.IdleWorkers))
	trainerFailedWorkers.Set(float64(agg.Failed))
	trainerCleanExits.Set(float64(agg.CleanExits))

	// --- Panel 4: Uptime ---
	trainerUptimeP50Seconds.Set(agg.UptimeP50.Seconds())
	trainerUptimeP95Seconds.Set(agg.UptimeP95.Seconds())
	trainerUptimeP99Seconds.Set(agg.UptimeP99.Seconds())

	// --- Per-Rank ---
	for _, w := range agg.PerWorker {
		rank := strconv.Itoa(w.Rank)
		up := float64(0)
		if !w.Exited {
			up = 1
		}
		trainerWorkerUp.WithLabelValues(rank).Set(up)
		trainerWorkerOutputBytes.WithLabelValues(rank).Set(float64(w.OutputBytes))
	}
}

// RecordOutput updates the captured-output counters and window rates.
func (c *Collector) RecordOutput(out timeseries.OutputStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bytesDelta := out.TotalBytes - c.prevOutputBytes
	linesDelta := out.TotalLines - c.prevOutputLines
	if bytesDelta > 0 {
		trainerOutputBytesTotal.Add(float64(bytesDelta))
	}
	if linesDelta > 0 {
		trainerOutputLinesTotal.Add(float64(linesDelta))
	}
	c.prevOutputBytes = out.TotalBytes
	c.prevOutputLines = out.TotalLines

	trainerOutputThroughput1sBytesPerSec.Set(out.BytesPerSec1s)
	trainerOutputThroughput30sBytesPerSec.Set(out.BytesPerSec30s)
	trainerOutputThroughput60sBytesPerSec.Set(out.BytesPerSec60s)
	trainerOutputThroughput300sBytesPerSec.Set(out.BytesPerSec300s)
	trainerOutputLinesPerSec.Set(out.LinesPerSec60s)
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// WorkerStarted records a worker process start.
func (c *Collector) WorkerStarted() {
	trainerWorkerStartsTotal.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// RecordExit records a worker exit.
func (c *Collector) RecordExit(exitCode int, signaled bool, uptime time.Duration) {
	category := "error"
	switch {
	case signaled:
		category = "signal"
	case exitCode == 0:
		category = "success"
	}
	trainerWorkerExitsTotal.WithLabelValues(category).Inc()

	trainerWorkerUptimeSeconds.Observe(uptime.Seconds())
}

// PoolStateChanged flips the state gauge so exactly one series is 1.
func (c *Collector) PoolStateChanged(state string) {
	for _, s := range poolStates {
		v := float64(0)
		if s == state {
			v = 1
		}
		trainerPoolState.WithLabelValues(s).Set(v)
	}
}

// DrainStarted records a pool drain.
func (c *Collector) DrainStarted() {
	trainerDrainsTotal.Inc()
}

// WorkerKilled records a SIGKILL escalation.
func (c *Collector) WorkerKilled() {
	trainerKillsTotal.Inc()
}

// =============================================================================
// Accessors
// =============================================================================

// PeakRunning returns the peak concurrent worker count.
func (c *Collector) PeakRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakRunning
}

// TotalStarts returns the total number of worker starts.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}
