// Package main provides the go-trainer-swarm CLI entry point.
//
// go-trainer-swarm launches a pool of training worker processes, one
// per rank, installs each worker's distributed environment and
// supervises the pool until it finishes or the first failure drains
// it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-trainer-swarm/internal/config"
	"github.com/randomizedcoder/go-trainer-swarm/internal/logging"
	"github.com/randomizedcoder/go-trainer-swarm/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-trainer-swarm
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-trainer-swarm %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// A rotated log file works in every mode. Without one, the dashboard
	// owns the terminal, so logs are suppressed so they do not fight the
	// rendering; worker output goes to files instead.
	var logger *slog.Logger
	switch {
	case cfg.LogFile != "":
		var closer io.Closer
		logger, closer = logging.NewRotatingLogger(cfg.LogFile, cfg.LogFormat, "info", cfg.Verbose)
		defer closer.Close()
	case cfg.TUIEnabled:
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	default:
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
		logger.Info("check_mode_enabled", "workers", cfg.Workers)
	}
	config.ApplyTUIMode(cfg, os.Getpid())

	logger.Info("starting",
		"version", version,
		"workers", cfg.Workers,
		"device_class", cfg.DeviceClass,
		"command", strings.Join(cfg.Command, " "),
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.Check && !cfg.PrintEnv {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger, version)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("run_failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         go-trainer-swarm                          ║")
	fmt.Println("║          Multi-Process Training Pool Orchestration                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	if cfg.Workers > 0 {
		fmt.Printf("  Workers:     %d on this node\n", cfg.Workers)
	} else {
		fmt.Println("  Workers:     one per visible device")
	}
	if len(cfg.Command) > 0 {
		fmt.Printf("  Trainer:     %s\n", strings.Join(cfg.Command, " "))
	}
	if cfg.ClusterNodeIPs != "" {
		fmt.Printf("  Cluster:     %s\n", cfg.ClusterNodeIPs)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.LogDir != "" {
		fmt.Printf("  Worker logs: %s\n", cfg.LogDir)
	}
	if d := cfg.RunDuration(); d > 0 {
		fmt.Printf("  Duration:    %s cap\n", d)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to drain the pool.")
	fmt.Println()
}
