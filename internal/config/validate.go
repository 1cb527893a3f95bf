package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	// A trainer command is required unless the run is diagnostic only
	if len(cfg.Command) == 0 && !cfg.Check && !cfg.PrintEnv {
		errs = append(errs, ValidationError{
			Field:   "command",
			Message: "trainer command is required (pass it after --)",
		})
	}

	// Workers must not be negative (0 means one per visible device)
	if cfg.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: "must not be negative",
		})
	}

	// Device class must be valid when forced
	validClasses := map[string]bool{"": true, "cpu": true, "gpu": true}
	if !validClasses[cfg.DeviceClass] {
		errs = append(errs, ValidationError{
			Field:   "device_class",
			Message: fmt.Sprintf("must be 'cpu' or 'gpu' (got %q)", cfg.DeviceClass),
		})
	}

	// Device list must not contain empty entries
	if cfg.SelectedDevices != "" {
		for _, id := range strings.Split(cfg.SelectedDevices, ",") {
			if strings.TrimSpace(id) == "" {
				errs = append(errs, ValidationError{
					Field:   "devices",
					Message: fmt.Sprintf("must not contain empty entries (got %q)", cfg.SelectedDevices),
				})
				break
			}
		}
	}

	// Extra env entries must be well-formed KEY=VALUE pairs
	for _, kv := range cfg.ExtraEnv {
		key, _, found := strings.Cut(kv, "=")
		if !found || key == "" {
			errs = append(errs, ValidationError{
				Field:   "env",
				Message: fmt.Sprintf("must be KEY=VALUE (got %q)", kv),
			})
		}
	}

	// Drain grace must be positive
	if cfg.DrainGrace <= 0 {
		errs = append(errs, ValidationError{
			Field:   "drain_grace",
			Message: "must be positive",
		})
	}

	// Duration cap must not be negative (0 = run until the workers finish)
	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "duration",
			Message: "must not be negative",
		})
	}

	// Rendezvous port must fit in 16 bits
	if cfg.StartedPort < 0 || cfg.StartedPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "started_port",
			Message: fmt.Sprintf("must be between 0 and 65535 (got %d)", cfg.StartedPort),
		})
	}

	// Multi-node runs need to know which node this is
	if cfg.ClusterNodeIPs != "" && cfg.NodeIP == "" {
		errs = append(errs, ValidationError{
			Field:   "node_ip",
			Message: "required when -cluster-ips is set",
		})
	}

	// Validate node IP format if provided
	if cfg.NodeIP != "" {
		if err := validateIP(cfg.NodeIP); err != nil {
			errs = append(errs, ValidationError{
				Field:   "node_ip",
				Message: err.Error(),
			})
		}
	}

	// Validate every cluster IP format if provided
	if cfg.ClusterNodeIPs != "" {
		for _, ip := range strings.Split(cfg.ClusterNodeIPs, ",") {
			if err := validateIP(strings.TrimSpace(ip)); err != nil {
				errs = append(errs, ValidationError{
					Field:   "cluster_node_ips",
					Message: err.Error(),
				})
			}
		}
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// validateIP checks if the string is a valid IPv4 or IPv6 address.
func validateIP(ip string) error {
	if ip == "" {
		return errors.New("must not be empty")
	}

	if strings.Contains(ip, "://") {
		return errors.New("must be an IP address, not a URL")
	}

	if net.ParseIP(ip) == nil {
		return fmt.Errorf("not a valid IP address (got %q)", ip)
	}

	return nil
}

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Verbose = true
	cfg.TUIEnabled = false
	cfg.Duration = 0
}

// ApplyTUIMode redirects worker output to files when the dashboard owns
// the terminal. The directory is keyed by pid so concurrent runs on one
// host do not collide.
func ApplyTUIMode(cfg *Config, pid int) {
	if !cfg.TUIEnabled || cfg.LogDir != "" {
		return
	}
	cfg.LogDir = filepath.Join(os.TempDir(), fmt.Sprintf("go-trainer-swarm-%d", pid))
}
