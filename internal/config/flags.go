package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	*e = append(*e, value)
	return nil
}

// ParseFlags parses the command line and returns a Config. Precedence
// is defaults, then the -config file, then flags; the file is loaded
// before flag parsing so explicit flags win.
func ParseFlags() (*Config, error) {
	return parseArgs(os.Args[1:], flag.ExitOnError)
}

func parseArgs(args []string, errorHandling flag.ErrorHandling) (*Config, error) {
	cfg := DefaultConfig()

	// The config file has to be known before the other flags bind their
	// defaults, so it is fished out of the raw arguments first.
	if path := configFileFromArgs(args); path != "" {
		cfg.ConfigFile = path
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	fs := flag.NewFlagSet("go-trainer-swarm", errorHandling)
	fs.Usage = func() { printUsage(fs) }

	// Pool
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of worker processes (0 = one per visible device)")
	fs.StringVar(&cfg.DeviceClass, "device-class", cfg.DeviceClass, `Device class: "cpu" or "gpu" (default: probe the host)`)
	fs.StringVar(&cfg.SelectedDevices, "devices", cfg.SelectedDevices, "Comma separated accelerator ids to pin workers to")
	fs.BoolVar(&cfg.Daemon, "daemon", cfg.Daemon, "Tie worker lifetimes to the launcher process")
	fs.DurationVar((*time.Duration)(&cfg.DrainGrace), "grace", time.Duration(cfg.DrainGrace), "SIGTERM grace before SIGKILL on teardown")
	fs.DurationVar((*time.Duration)(&cfg.Duration), "duration", time.Duration(cfg.Duration), "Run duration cap (0 = until the workers finish)")
	var envs envList
	fs.Var(&envs, "env", "Extra KEY=VALUE installed into every worker environment (repeatable)")

	// Cluster
	fs.StringVar(&cfg.NodeIP, "node-ip", cfg.NodeIP, "This node's IP within -cluster-ips")
	fs.StringVar(&cfg.ClusterNodeIPs, "cluster-ips", cfg.ClusterNodeIPs, "Comma separated IPs of every training node")
	fs.IntVar(&cfg.StartedPort, "started-port", cfg.StartedPort, "First rendezvous port (0 = probe free ports)")
	fs.BoolVar(&cfg.UseCloudPlatform, "cloud", cfg.UseCloudPlatform, "Resolve the topology from the cloud scheduler's environment")

	// Output
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for workerlog.<rank> files (empty = inherit console)")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Launcher log file with size rotation (empty = stderr)")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard (forces -log-dir so worker output stays off the screen)")
	fs.BoolVar(&cfg.PerWorker, "per-worker", cfg.PerWorker, "Per-worker table in the exit summary")

	// Safety & Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintPlan, "print-plan", cfg.PrintPlan, "Log the resolved launch plan before starting")
	fs.BoolVar(&cfg.PrintEnv, "print-env", cfg.PrintEnv, "Print each worker's planned environment and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config, plan the pool, run preflight and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	// File
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (flags override it)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Flag-supplied env entries stack on top of the config file's.
	cfg.ExtraEnv = append(cfg.ExtraEnv, envs...)

	// Positional arguments: the trainer command.
	cfg.Command = fs.Args()

	return cfg, nil
}

// configFileFromArgs scans raw arguments for -config before the flag
// set runs, honoring both "-config path" and "-config=path". The scan
// stops at "--" so the trainer command is never inspected.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if name == "config" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
	}
	return ""
}

// printUsage renders the categorized usage message.
func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `go-trainer-swarm - launch and supervise a pool of training worker processes

Usage:
  go-trainer-swarm [flags] -- <trainer command> [trainer args]

Pool Flags:
`)
	printFlagCategory(fs, []string{"workers", "device-class", "devices", "daemon", "grace", "duration", "env"})

	fmt.Fprintf(os.Stderr, "\nCluster:\n")
	printFlagCategory(fs, []string{"node-ip", "cluster-ips", "started-port", "cloud"})

	fmt.Fprintf(os.Stderr, "\nOutput:\n")
	printFlagCategory(fs, []string{"log-dir"})

	fmt.Fprintf(os.Stderr, "\nObservability:\n")
	printFlagCategory(fs, []string{"metrics", "v", "log-format", "log-file", "tui", "per-worker"})

	fmt.Fprintf(os.Stderr, "\nSafety & Diagnostics:\n")
	printFlagCategory(fs, []string{"print-plan", "print-env", "check", "skip-preflight"})

	fmt.Fprintf(os.Stderr, "\nConfig File:\n")
	printFlagCategory(fs, []string{"config"})

	fmt.Fprintf(os.Stderr, `
Flag Convention:
  Single-dash flags (-workers, -devices) are normal options.
  Double-dash flags (--check, --print-env) are safety gates or diagnostic modes.

Examples:
  # Four CPU workers running a trainer script
  go-trainer-swarm -workers 4 -device-class cpu -- python train.py --epochs 10

  # One worker per visible GPU, logs to files, live dashboard
  go-trainer-swarm -log-dir /tmp/run1 -tui -- ./trainer

  # Two-node cluster, this node is 10.0.0.1
  go-trainer-swarm -cluster-ips 10.0.0.1,10.0.0.2 -node-ip 10.0.0.1 -- ./trainer

`)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if _, err := time.ParseDuration(f.DefValue); err == nil && f.DefValue != "" {
		if strings.ContainsAny(f.DefValue, "usmh") {
			return "duration"
		}
	}

	// Check if numeric
	if _, err := strconv.Atoi(f.DefValue); err == nil {
		return "int"
	}

	return "string"
}
