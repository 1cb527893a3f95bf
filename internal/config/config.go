// Package config provides configuration management for
// go-trainer-swarm.
//
// Precedence is defaults, then the optional YAML config file, then
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config holds every option the launcher understands.
type Config struct {
	// Pool
	Workers         int            `yaml:"workers"`          // 0 = one per visible device
	DeviceClass     string         `yaml:"device_class"`     // "", "cpu", "gpu"
	SelectedDevices string         `yaml:"selected_devices"` // comma separated accelerator ids
	Daemon          bool           `yaml:"daemon"`           // workers die with the launcher
	DrainGrace      model.Duration `yaml:"drain_grace"`      // SIGTERM grace before SIGKILL
	Duration        model.Duration `yaml:"duration"`         // 0 = until the workers finish

	// Cluster
	NodeIP           string `yaml:"node_ip"`
	ClusterNodeIPs   string `yaml:"cluster_node_ips"` // comma separated
	StartedPort      int    `yaml:"started_port"`     // 0 = probe free ports
	UseCloudPlatform bool   `yaml:"use_cloud_platform"`

	// Worker command, one process per rank. Positional arguments after
	// the flags (use -- to separate the trainer's own flags).
	Command []string `yaml:"command"`

	// ExtraEnv holds KEY=VALUE entries installed into every worker's
	// environment. Planned variables win on key collision.
	ExtraEnv []string `yaml:"extra_env"`

	// Output
	LogDir string `yaml:"log_dir"` // workerlog.<rank> files; empty inherits the console

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
	LogFormat   string `yaml:"log_format"` // json, text
	LogFile     string `yaml:"log_file"`   // size-rotated launcher log; empty logs to stderr
	TUIEnabled  bool   `yaml:"tui"`
	PerWorker   bool   `yaml:"per_worker"` // per-worker table in the exit summary

	// Diagnostic modes
	PrintPlan     bool `yaml:"print_plan"`
	PrintEnv      bool `yaml:"print_env"`
	Check         bool `yaml:"check"`
	SkipPreflight bool `yaml:"skip_preflight"`

	// ConfigFile is where this config was loaded from, flag-only.
	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Pool
		Workers:    0, // auto
		DrainGrace: model.Duration(5 * time.Second),
		Duration:   0, // until the workers finish

		// Observability
		MetricsAddr: "0.0.0.0:17091", // See docs/PORTS.md
		Verbose:     false,
		LogFormat:   "json",
		TUIEnabled:  false,
		PerWorker:   false,
	}
}

// LoadFile merges the YAML file at path into cfg. Unknown keys are an
// error; an empty file is fine.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// DrainGraceDuration returns the drain grace as a time.Duration.
func (c *Config) DrainGraceDuration() time.Duration {
	return time.Duration(c.DrainGrace)
}

// RunDuration returns the run cap as a time.Duration, 0 for unbounded.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Duration)
}
