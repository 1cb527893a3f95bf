// Package orchestrator runs a training pool from the command line.
//
// It plans the per-rank environments, launches the trainer command once
// per rank, supervises the pool until the workers finish or the first
// failure drains it, and leaves the run's stats, metrics and worker
// logs behind.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-trainer-swarm/internal/config"
	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/logging"
	"github.com/randomizedcoder/go-trainer-swarm/internal/metrics"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
	"github.com/randomizedcoder/go-trainer-swarm/internal/pool"
	"github.com/randomizedcoder/go-trainer-swarm/internal/preflight"
	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
	"github.com/randomizedcoder/go-trainer-swarm/internal/timeseries"
	"github.com/randomizedcoder/go-trainer-swarm/internal/tui"
)

const (
	// sampleInterval paces stats aggregation and metrics updates.
	sampleInterval = 1 * time.Second

	// shutdownTimeout bounds the metrics server shutdown at exit.
	shutdownTimeout = 5 * time.Second

	// failureContextLines is how much captured output a failure report
	// quotes when the worker left no diagnostic.
	failureContextLines = 15
)

// Orchestrator owns one run of the pool.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	runID   string
	records []plan.Record

	aggregator *stats.Aggregator
	tracker    *timeseries.OutputTracker
	collector  *metrics.Collector
	server     *metrics.Server
	dashboard  *tui.Program

	workers     []*launch.Worker
	workerStats []*stats.WorkerStats
	handlers    map[int]*logging.OutputHandler
	pool        *pool.Pool

	startTime     time.Time
	lastPoolState string
	drainOnce     sync.Once
}

// New creates an Orchestrator. version is stamped into the metrics
// build info series.
func New(cfg *config.Config, logger *slog.Logger, version string) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:  cfg,
		logger:  logger,
		version: version,
	}
}

// Run executes the full lifecycle: plan, preflight, launch, supervise,
// report. It returns nil only when every worker exited cleanly.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	records, err := o.planWorkers()
	if err != nil {
		return err
	}
	o.records = records

	if o.config.PrintEnv {
		o.printWorkerEnv(os.Stdout)
		return nil
	}

	if !o.config.SkipPreflight {
		result := preflight.RunAll(len(records), o.config.Command)
		preflight.PrintResults(result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.config.Check {
		fmt.Printf("Configuration OK: %d workers on this node, world size %d\n",
			len(records), records[0].WorldSize)
		return nil
	}

	o.aggregator = stats.NewAggregator()
	o.tracker = timeseries.NewOutputTracker()

	if o.config.MetricsAddr != "" {
		o.collector = metrics.NewCollector(metrics.CollectorConfig{
			Version:     o.version,
			RunID:       o.runID,
			DeviceClass: deviceClassOf(records),
			WorldSize:   records[0].WorldSize,
			NodeWorkers: len(records),
			RunDuration: o.config.RunDuration(),
		})
		o.server = metrics.NewServer(o.config.MetricsAddr, o.aggregator, o.logger)
		if err := o.server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	specs, closeLogs, err := o.buildSpecs(records)
	if err != nil {
		return err
	}

	o.logger.Info("workers_starting",
		"run_id", o.runID,
		"workers", len(records),
		"world_size", records[0].WorldSize,
		"command", strings.Join(o.config.Command, " "),
	)

	workers, err := launch.StartAll(specs, o.config.DrainGraceDuration())
	if err != nil {
		closeLogs()
		return fmt.Errorf("start workers: %w", err)
	}
	o.workers = workers
	o.registerWorkers(workers)

	o.pool = pool.New(pool.Config{
		Workers: workers,
		Grace:   o.config.DrainGraceDuration(),
		Logger:  o.logger,
		OnExit:  o.onWorkerExit,
	})

	o.logger.Info("pool_started", "run_id", o.runID, "workers", len(workers))

	if o.config.TUIEnabled {
		o.dashboard = tui.Start(tui.Config{
			RunID:       o.runID,
			WorldSize:   records[0].WorldSize,
			MetricsAddr: o.config.MetricsAddr,
			LogDir:      o.config.LogDir,
			Workers:     workerInfos(records, workers),
			Stats:       o.aggregator,
			Output:      o.tracker,
			Pool:        poolStateSource{o.pool},
		})
	}

	runErr := o.supervise(ctx)

	o.sample()
	if o.collector != nil {
		o.collector.PoolStateChanged(o.pool.State().String())
	}

	if o.dashboard != nil {
		o.dashboard.Quit()
	}
	if o.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := o.server.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
		cancel()
	}

	o.dumpMetrics(runErr != nil)
	o.printSummary()

	return runErr
}

// planWorkers resolves the launch plan from the CLI configuration.
func (o *Orchestrator) planWorkers() ([]plan.Record, error) {
	class, err := plan.ParseDeviceClass(o.config.DeviceClass)
	if err != nil {
		return nil, err
	}

	var selected []int
	if o.config.SelectedDevices != "" {
		selected, err = plan.ParseDeviceList(o.config.SelectedDevices)
		if err != nil {
			return nil, err
		}
	}

	o.runID = uuid.NewString()

	return plan.Plan(plan.Request{
		WorkerCount:      o.config.Workers,
		SelectedDevices:  selected,
		NodeIP:           o.config.NodeIP,
		ClusterNodeIPs:   splitList(o.config.ClusterNodeIPs),
		StartedPort:      o.config.StartedPort,
		Class:            class,
		UseCloudPlatform: o.config.UseCloudPlatform,
		PrintConfig:      o.config.PrintPlan || o.config.Check,
		RunID:            o.runID,
		ExtraEnv:         envMap(o.config.ExtraEnv),
		Logger:           o.logger,
	})
}

// envMap splits validated KEY=VALUE entries; later entries win.
func envMap(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(entries))
	for _, kv := range entries {
		if key, value, found := strings.Cut(kv, "="); found && key != "" {
			m[key] = value
		}
	}
	return m
}

// supervise drives the pool to a terminal state while reacting to
// signals, the run duration cap, context cancellation and the
// dashboard closing.
//
// The first SIGINT or SIGTERM drains the pool; a second signal sweeps
// SIGKILL across whatever is still alive so the drain in flight
// finishes immediately.
func (o *Orchestrator) supervise(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The join goroutine owns Join and Drain; everyone else asks for a
	// drain through drainCh and wakes the blocked Join.
	drainCh := make(chan string, 1)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		for {
			done, _ := o.pool.Join(0)
			if done {
				return
			}
			select {
			case reason := <-drainCh:
				o.pool.Drain(reason)
				return
			default:
			}
		}
	}()

	requestDrain := func(reason string) {
		select {
		case drainCh <- reason:
		default:
		}
		if !o.pool.State().IsTerminal() {
			o.noteDrain()
		}
		if o.dashboard != nil {
			o.dashboard.Event("drain requested: " + reason)
		}
		o.pool.Interrupt()
	}

	var deadline <-chan time.Time
	if d := o.config.RunDuration(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	var dashDone <-chan struct{}
	if o.dashboard != nil {
		dashDone = o.dashboard.Done()
	}

	var interrupted os.Signal
	ctxEnded := false

loop:
	for {
		select {
		case sig := <-sigCh:
			if interrupted != nil {
				o.logger.Warn("second_signal", "signal", signalLabel(sig))
				o.killAll()
				continue
			}
			interrupted = sig
			o.logger.Warn("signal_received", "signal", signalLabel(sig))
			requestDrain("signal " + signalLabel(sig))

		case <-deadline:
			deadline = nil
			o.logger.Info("run_duration_reached",
				"duration", o.config.RunDuration().String())
			requestDrain("run duration reached")

		case <-ctxDone:
			ctxDone = nil
			ctxEnded = true
			requestDrain("context ended")

		case <-dashDone:
			dashDone = nil
			o.logger.Info("dashboard_closed")
			requestDrain("dashboard closed")

		case <-ticker.C:
			o.sample()

		case <-poolDone:
			break loop
		}
	}

	failure := o.pool.Failure()
	switch {
	case failure != nil:
		return o.failureError(failure)
	case interrupted != nil:
		return fmt.Errorf("interrupted by %s", signalLabel(interrupted))
	case ctxEnded:
		return ctx.Err()
	default:
		return nil
	}
}

// sample aggregates the current worker stats and pushes them into the
// throughput tracker and the metrics collector.
func (o *Orchestrator) sample() {
	o.tracker.RecordSample()
	if o.collector == nil {
		return
	}

	o.collector.RecordStats(o.aggregator.Aggregate())
	o.collector.RecordOutput(o.tracker.Snapshot())

	state := o.pool.State()
	if name := state.String(); name != o.lastPoolState {
		o.collector.PoolStateChanged(name)
		o.lastPoolState = name
	}
	if state == pool.StateDraining || state == pool.StateFailed {
		o.noteDrain()
	}
}

// noteDrain counts the drain once no matter which path observed it
// first.
func (o *Orchestrator) noteDrain() {
	if o.collector == nil {
		return
	}
	o.drainOnce.Do(o.collector.DrainStarted)
}

// failureError renders the pool's first failure as the run error.
func (o *Orchestrator) failureError(f *pool.Failure) error {
	if f.Diagnostic != "" {
		return fmt.Errorf("worker %d terminated with the following error:\n%s",
			f.Rank, f.Diagnostic)
	}
	if f.Status.Signaled {
		return fmt.Errorf("worker %d terminated with signal %s",
			f.Rank, f.Status.SignalName())
	}
	return fmt.Errorf("worker %d terminated with exit code %d", f.Rank, f.Status.Code)
}

// dumpMetrics leaves the final metric values behind: next to the
// worker logs when a log dir exists, on stderr for a failed run
// without one.
func (o *Orchestrator) dumpMetrics(failed bool) {
	if o.collector == nil {
		return
	}
	if o.config.LogDir != "" {
		path := filepath.Join(o.config.LogDir, "metrics.prom")
		if err := metrics.DumpToFile(path); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", path, "error", err)
			return
		}
		o.logger.Info("metrics_dumped", "path", path)
		return
	}
	if failed {
		if err := metrics.Dump(os.Stderr); err != nil {
			o.logger.Warn("metrics_dump_failed", "error", err)
		}
	}
}

// printSummary renders the end-of-run report to stdout.
func (o *Orchestrator) printSummary() {
	var failureText string
	if f := o.pool.Failure(); f != nil {
		failureText = o.failureReport(f)
	}

	fmt.Print(stats.FormatRunSummary(o.aggregator.Aggregate(), stats.SummaryConfig{
		RunID:         o.runID,
		WorldSize:     o.records[0].WorldSize,
		Duration:      time.Since(o.startTime),
		MetricsAddr:   o.config.MetricsAddr,
		LogDir:        o.config.LogDir,
		ShowPerWorker: o.config.PerWorker,
		Failure:       failureText,
	}))
}

// deviceClassOf labels the run for the metrics info series.
func deviceClassOf(records []plan.Record) string {
	if len(records) > 0 && len(records[0].Devices) > 0 {
		return "gpu"
	}
	return "cpu"
}

// signalLabel names a signal the way kill -l does.
func signalLabel(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}
	return sig.String()
}

// splitList splits a comma separated flag value, tolerating spaces.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
