package swarm

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StartMethodSpawn is the only supported worker start mechanism:
// children are fresh processes created by re-executing the current
// binary, never forked copies of the parent.
const StartMethodSpawn = "spawn"

// optionKeys are the recognized dynamic option names.
var optionKeys = []string{
	"cluster_node_ips",
	"node_ip",
	"print_config",
	"selected_devices",
	"start_method",
	"started_port",
	"use_cloud_platform",
}

// Options tune how a pool is planned, launched and supervised.
//
// The zero value is usable: automatic worker count, loopback topology,
// non-blocking Spawn. DefaultOptions enables Join, which is what the
// common training entry point wants.
type Options struct {
	// WorkerCount is the number of workers to launch. Zero or negative
	// resolves it from the device class: the number of visible
	// accelerators, or the host's logical CPU count.
	WorkerCount int

	// Join makes Spawn supervise the pool to completion before
	// returning.
	Join bool

	// Daemon ties each worker's lifetime to the parent process, so
	// workers die with a parent that never got to run its teardown.
	Daemon bool

	// StartMethod selects the worker start mechanism. Empty means
	// "spawn", the only supported value.
	StartMethod string

	// ClusterNodeIPs lists every node of the training cluster, comma
	// separated. Requires NodeIP.
	ClusterNodeIPs string

	// NodeIP is this node's address within ClusterNodeIPs.
	NodeIP string

	// StartedPort is the first rendezvous port. Zero probes free ports
	// on a single loopback node and uses the default base otherwise.
	StartedPort int

	// SelectedDevices pins workers to explicit accelerator ids, comma
	// separated. Every id must be visible.
	SelectedDevices string

	// PrintConfig logs the resolved launch plan before starting.
	PrintConfig bool

	// UseCloudPlatform resolves the topology from the cloud scheduler's
	// environment instead of the node options above.
	UseCloudPlatform bool

	// LogDir redirects each worker's stdout and stderr into
	// workerlog.<rank> under this directory. Empty inherits the
	// parent's console.
	LogDir string

	// DeviceClass forces "cpu" or "gpu" instead of probing the host.
	DeviceClass string

	// DrainGrace bounds the SIGTERM phase of a pool teardown before
	// escalation to SIGKILL. Zero means the default.
	DrainGrace time.Duration

	// Logger receives pool lifecycle events. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the options Spawn assumes a training entry
// point wants: blocking join, everything else resolved automatically.
func DefaultOptions() Options {
	return Options{
		StartMethod: StartMethodSpawn,
		Join:        true,
	}
}

// Set applies one dynamic option by name. Unknown keys and malformed
// values fail with a *ConfigurationError naming the key.
func (o *Options) Set(key, value string) error {
	switch key {
	case "start_method":
		if value != StartMethodSpawn {
			return &ConfigurationError{
				Option:  "start_method",
				Message: fmt.Sprintf("%q is not supported, workers are always spawned as fresh processes", value),
			}
		}
		o.StartMethod = value

	case "cluster_node_ips":
		o.ClusterNodeIPs = value

	case "node_ip":
		o.NodeIP = value

	case "started_port":
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return &ConfigurationError{
				Option:  "started_port",
				Message: fmt.Sprintf("bad port %q", value),
			}
		}
		o.StartedPort = port

	case "selected_devices":
		o.SelectedDevices = value

	case "print_config":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return &ConfigurationError{
				Option:  "print_config",
				Message: fmt.Sprintf("bad boolean %q", value),
			}
		}
		o.PrintConfig = b

	case "use_cloud_platform":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return &ConfigurationError{
				Option:  "use_cloud_platform",
				Message: fmt.Sprintf("bad boolean %q", value),
			}
		}
		o.UseCloudPlatform = b

	default:
		return &ConfigurationError{
			Option:  key,
			Message: fmt.Sprintf("unsupported option (supported: %s)", strings.Join(optionKeys, ", ")),
		}
	}
	return nil
}

// ParseOptions builds Options from a dynamic key/value map, the form
// config files and option strings arrive in. Keys are applied in
// sorted order so the reported error is deterministic.
func ParseOptions(kv map[string]string) (Options, error) {
	o := DefaultOptions()

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := o.Set(k, kv[k]); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}

// validate applies the checks that do not need a planner.
func (o *Options) validate() error {
	if o.StartMethod != "" && o.StartMethod != StartMethodSpawn {
		return &ConfigurationError{
			Option:  "start_method",
			Message: fmt.Sprintf("%q is not supported, workers are always spawned as fresh processes", o.StartMethod),
		}
	}
	return nil
}
