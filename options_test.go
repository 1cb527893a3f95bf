package swarm

import (
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// Tests: Defaults
// =============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.StartMethod != StartMethodSpawn {
		t.Errorf("StartMethod = %q, want %q", opts.StartMethod, StartMethodSpawn)
	}
	if !opts.Join {
		t.Error("Join should default to true")
	}
	if opts.WorkerCount != 0 {
		t.Errorf("WorkerCount = %d, want 0 (auto)", opts.WorkerCount)
	}
	if opts.Daemon {
		t.Error("Daemon should default to false")
	}
}

func TestOptions_ZeroValueValidates(t *testing.T) {
	var opts Options
	if err := opts.validate(); err != nil {
		t.Errorf("zero value should validate, got %v", err)
	}
}

// =============================================================================
// Tests: Dynamic Option Keys
// =============================================================================

func TestOptions_Set(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		value      string
		wantErr    bool
		wantOption string
		check      func(t *testing.T, o Options)
	}{
		{
			name: "cluster node ips", key: "cluster_node_ips", value: "10.0.0.1,10.0.0.2",
			check: func(t *testing.T, o Options) {
				if o.ClusterNodeIPs != "10.0.0.1,10.0.0.2" {
					t.Errorf("ClusterNodeIPs = %q", o.ClusterNodeIPs)
				}
			},
		},
		{
			name: "node ip", key: "node_ip", value: "10.0.0.1",
			check: func(t *testing.T, o Options) {
				if o.NodeIP != "10.0.0.1" {
					t.Errorf("NodeIP = %q", o.NodeIP)
				}
			},
		},
		{
			name: "print config", key: "print_config", value: "true",
			check: func(t *testing.T, o Options) {
				if !o.PrintConfig {
					t.Error("PrintConfig = false")
				}
			},
		},
		{
			name: "selected devices", key: "selected_devices", value: "0,1,3",
			check: func(t *testing.T, o Options) {
				if o.SelectedDevices != "0,1,3" {
					t.Errorf("SelectedDevices = %q", o.SelectedDevices)
				}
			},
		},
		{
			name: "start method spawn", key: "start_method", value: "spawn",
			check: func(t *testing.T, o Options) {
				if o.StartMethod != "spawn" {
					t.Errorf("StartMethod = %q", o.StartMethod)
				}
			},
		},
		{
			name: "started port", key: "started_port", value: "6170",
			check: func(t *testing.T, o Options) {
				if o.StartedPort != 6170 {
					t.Errorf("StartedPort = %d", o.StartedPort)
				}
			},
		},
		{
			name: "use cloud platform", key: "use_cloud_platform", value: "false",
			check: func(t *testing.T, o Options) {
				if o.UseCloudPlatform {
					t.Error("UseCloudPlatform = true")
				}
			},
		},
		{
			name: "fork is rejected", key: "start_method", value: "fork",
			wantErr: true, wantOption: "start_method",
		},
		{
			name: "port out of range", key: "started_port", value: "70000",
			wantErr: true, wantOption: "started_port",
		},
		{
			name: "port not a number", key: "started_port", value: "abc",
			wantErr: true, wantOption: "started_port",
		},
		{
			name: "bad boolean", key: "print_config", value: "maybe",
			wantErr: true, wantOption: "print_config",
		},
		{
			name: "unknown key", key: "gpus", value: "4",
			wantErr: true, wantOption: "gpus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			err := opts.Set(tt.key, tt.value)

			if tt.wantErr {
				if err == nil {
					t.Fatal("Set() should fail")
				}
				var ce *ConfigurationError
				if !errors.As(err, &ce) {
					t.Fatalf("error type = %T, want *ConfigurationError", err)
				}
				if ce.Option != tt.wantOption {
					t.Errorf("option = %q, want %q", ce.Option, tt.wantOption)
				}
				return
			}

			if err != nil {
				t.Fatalf("Set(%q, %q) error: %v", tt.key, tt.value, err)
			}
			tt.check(t, opts)
		})
	}
}

func TestOptions_SetUnknownKeyListsSupported(t *testing.T) {
	opts := DefaultOptions()
	err := opts.Set("nproc", "8")
	if err == nil {
		t.Fatal("Set() should fail")
	}
	for _, key := range optionKeys {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should list %q: %v", key, err)
		}
	}
}

// =============================================================================
// Tests: ParseOptions
// =============================================================================

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]string{
		"node_ip":      "10.0.0.5",
		"started_port": "6200",
		"print_config": "true",
	})
	if err != nil {
		t.Fatalf("ParseOptions() error: %v", err)
	}

	if opts.NodeIP != "10.0.0.5" {
		t.Errorf("NodeIP = %q", opts.NodeIP)
	}
	if opts.StartedPort != 6200 {
		t.Errorf("StartedPort = %d", opts.StartedPort)
	}
	if !opts.PrintConfig {
		t.Error("PrintConfig = false")
	}
	// Untouched fields keep their defaults.
	if opts.StartMethod != StartMethodSpawn || !opts.Join {
		t.Errorf("defaults disturbed: %+v", opts)
	}
}

func TestParseOptions_FirstErrorWins(t *testing.T) {
	// Keys are applied in sorted order, so the error is deterministic
	// even with several bad entries.
	_, err := ParseOptions(map[string]string{
		"use_cloud_platform": "maybe",
		"started_port":       "abc",
		"print_config":       "nope",
	})
	if err == nil {
		t.Fatal("ParseOptions() should fail")
	}

	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T, want *ConfigurationError", err)
	}
	if ce.Option != "print_config" {
		t.Errorf("option = %q, want print_config (first in sorted order)", ce.Option)
	}
}

func TestParseOptions_Empty(t *testing.T) {
	opts, err := ParseOptions(nil)
	if err != nil {
		t.Fatalf("ParseOptions(nil) error: %v", err)
	}
	if opts != DefaultOptions() {
		t.Errorf("opts = %+v, want defaults", opts)
	}
}

// =============================================================================
// Tests: Validation
// =============================================================================

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"defaults", func(o *Options) {}, false},
		{"explicit spawn", func(o *Options) { o.StartMethod = "spawn" }, false},
		{"empty method", func(o *Options) { o.StartMethod = "" }, false},
		{"forkserver", func(o *Options) { o.StartMethod = "forkserver" }, true},
		{"fork", func(o *Options) { o.StartMethod = "fork" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)

			err := opts.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ce *ConfigurationError
				if !errors.As(err, &ce) {
					t.Errorf("error type = %T, want *ConfigurationError", err)
				}
			}
		})
	}
}
