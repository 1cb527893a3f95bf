// Package swarm launches and supervises pools of training worker
// processes on one node.
//
// A caller registers worker functions, then spawns N workers, each a
// fresh process created by re-executing the current binary with a
// planned environment: rank, world size, device assignment and
// rendezvous endpoints. The pool is supervised to completion; the
// first worker failure tears down every sibling and surfaces that
// worker's own error report.
//
//	func main() {
//		swarm.Register("train", train)
//		if swarm.Main() {
//			return
//		}
//
//		opts := swarm.DefaultOptions()
//		opts.WorkerCount = 4
//		if _, err := swarm.Spawn(context.Background(), "train", nil, opts); err != nil {
//			log.Fatal(err)
//		}
//	}
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
	"github.com/randomizedcoder/go-trainer-swarm/internal/pool"
)

// Spawn plans, launches and tracks a pool of workers running the
// registered function name. args is delivered to every worker through
// its WorkerContext.
//
// With opts.Join set (the DefaultOptions case), Spawn blocks until the
// pool completes and returns the *WorkerFailure if one worker failed.
// Without it, Spawn returns as soon as every worker has started and
// the caller drives the returned PoolContext.
//
// Configuration problems surface as *ConfigurationError before any
// process has been started.
func Spawn(ctx context.Context, name string, args []string, opts Options) (*PoolContext, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}
	if _, ok := registered(name); !ok {
		return nil, &ConfigurationError{
			Message: fmt.Sprintf("worker function %q is not registered; Register must run before Spawn", name),
		}
	}

	records, err := planRecords(opts, logger)
	if err != nil {
		return nil, err
	}

	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("swarm: encode args: %w", err)
	}

	specs, closeLogs, err := buildSpecs(records, name, string(encodedArgs), opts, logger)
	if err != nil {
		return nil, err
	}

	workers, err := launch.StartAll(specs, drainGrace(opts))
	if err != nil {
		closeLogs()
		return nil, err
	}

	p := pool.New(pool.Config{
		Workers: workers,
		Grace:   opts.DrainGrace,
		Logger:  logger,
	})
	pc := newPoolContext(p, records)

	logger.Info("pool_started",
		"workers", len(workers),
		"world_size", pc.WorldSize(),
		"join", opts.Join,
	)

	if !opts.Join {
		return pc, nil
	}
	if err := pc.Wait(ctx); err != nil {
		return pc, err
	}
	return pc, nil
}

// planRecords converts public options into a planner request and maps
// planner errors to the public error type.
func planRecords(opts Options, logger *slog.Logger) ([]plan.Record, error) {
	class, err := plan.ParseDeviceClass(opts.DeviceClass)
	if err != nil {
		return nil, asConfigurationError(err)
	}

	var selected []int
	if opts.SelectedDevices != "" {
		selected, err = plan.ParseDeviceList(opts.SelectedDevices)
		if err != nil {
			return nil, &ConfigurationError{Option: "selected_devices", Message: err.Error()}
		}
	}

	records, err := plan.Plan(plan.Request{
		WorkerCount:      opts.WorkerCount,
		SelectedDevices:  selected,
		NodeIP:           opts.NodeIP,
		ClusterNodeIPs:   splitIPs(opts.ClusterNodeIPs),
		StartedPort:      opts.StartedPort,
		Class:            class,
		UseCloudPlatform: opts.UseCloudPlatform,
		PrintConfig:      opts.PrintConfig,
		Logger:           logger,
	})
	if err != nil {
		return nil, asConfigurationError(err)
	}
	return records, nil
}

// buildSpecs produces one launch spec per record, opening workerlog
// files when a log dir is configured. The returned closer releases the
// log files if the launch never adopts them.
func buildSpecs(records []plan.Record, funcName, funcArgs string, opts Options, logger *slog.Logger) ([]launch.Spec, func(), error) {
	var logFiles []*os.File
	closeAll := func() {
		for _, f := range logFiles {
			f.Close()
		}
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("swarm: create log dir: %w", err)
		}
	}

	specs := make([]launch.Spec, 0, len(records))
	for _, record := range records {
		spec := launch.Spec{
			Record:   record,
			FuncName: funcName,
			FuncArgs: funcArgs,
			Daemon:   opts.Daemon,
			Logger:   logger,
		}
		if opts.LogDir != "" {
			f, err := os.Create(filepath.Join(opts.LogDir, fmt.Sprintf("workerlog.%d", record.Rank)))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("swarm: create worker log: %w", err)
			}
			logFiles = append(logFiles, f)
			spec.LogWriter = f
		}
		specs = append(specs, spec)
	}
	return specs, closeAll, nil
}

func drainGrace(opts Options) time.Duration {
	if opts.DrainGrace > 0 {
		return opts.DrainGrace
	}
	return pool.DefaultGrace
}

func splitIPs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
