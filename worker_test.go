package swarm

import (
	"errors"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// =============================================================================
// Tests: Registry
// =============================================================================

func TestRegister_Panics(t *testing.T) {
	tests := []struct {
		name string
		call func()
		want string
	}{
		{
			name: "empty name",
			call: func() { Register("", func(*WorkerContext) (any, error) { return nil, nil }) },
			want: "empty name",
		},
		{
			name: "nil function",
			call: func() { Register("nil-fn", nil) },
			want: "nil function",
		},
		{
			// "registered-twice" is claimed in TestMain.
			name: "duplicate name",
			call: func() {
				Register("registered-twice", func(*WorkerContext) (any, error) { return nil, nil })
			},
			want: "called twice for registered-twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("Register should panic")
				}
				msg, ok := r.(string)
				if !ok || !strings.Contains(msg, tt.want) {
					t.Errorf("panic = %v, want it to contain %q", r, tt.want)
				}
			}()
			tt.call()
		})
	}
}

func TestRegistered(t *testing.T) {
	if _, ok := registered("lookup-me"); !ok {
		t.Error("registered function not found")
	}
	if _, ok := registered("never-registered"); ok {
		t.Error("lookup of an unregistered name should fail")
	}
}

func TestMain_ParentPath(t *testing.T) {
	// In the parent process the routing variable is unset, so Main is a
	// no-op returning false. The worker path is covered by the spawn
	// tests, which run it in real children.
	t.Setenv(launch.EnvWorkerFunc, "")
	if Main() {
		t.Error("Main() should return false without a worker assignment")
	}
}

// =============================================================================
// Tests: Worker Context Decoding
// =============================================================================

func setWorkerEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	base := map[string]string{
		plan.EnvWorkerRank:      "2",
		plan.EnvWorldSize:       "4",
		plan.EnvSelectedDevices: "1,3",
		plan.EnvCurrentEndpoint: "127.0.0.1:6072",
		plan.EnvPeerEndpoints:   "127.0.0.1:6070,127.0.0.1:6071,127.0.0.1:6072,127.0.0.1:6073",
		plan.EnvRunID:           "run-123",
		launch.EnvWorkerArgs:    `["x","y"]`,
	}
	for k, v := range kv {
		base[k] = v
	}
	for k, v := range base {
		t.Setenv(k, v)
	}
}

func TestContextFromEnv(t *testing.T) {
	setWorkerEnv(t, nil)

	wc, err := contextFromEnv()
	if err != nil {
		t.Fatalf("contextFromEnv() error: %v", err)
	}

	if wc.Rank != 2 {
		t.Errorf("Rank = %d, want 2", wc.Rank)
	}
	if wc.WorldSize != 4 {
		t.Errorf("WorldSize = %d, want 4", wc.WorldSize)
	}
	if len(wc.Devices) != 2 || wc.Devices[0] != 1 || wc.Devices[1] != 3 {
		t.Errorf("Devices = %v, want [1 3]", wc.Devices)
	}
	if wc.CurrentEndpoint != "127.0.0.1:6072" {
		t.Errorf("CurrentEndpoint = %q", wc.CurrentEndpoint)
	}
	if len(wc.PeerEndpoints) != 4 {
		t.Errorf("PeerEndpoints = %v, want 4 entries", wc.PeerEndpoints)
	}
	if wc.RunID != "run-123" {
		t.Errorf("RunID = %q", wc.RunID)
	}
	if len(wc.Args) != 2 || wc.Args[0] != "x" || wc.Args[1] != "y" {
		t.Errorf("Args = %v, want [x y]", wc.Args)
	}
	if wc.Logger == nil {
		t.Error("Logger is nil")
	}
}

func TestContextFromEnv_Optional(t *testing.T) {
	setWorkerEnv(t, map[string]string{
		plan.EnvSelectedDevices: "",
		plan.EnvPeerEndpoints:   "",
		launch.EnvWorkerArgs:    "",
	})

	wc, err := contextFromEnv()
	if err != nil {
		t.Fatalf("contextFromEnv() error: %v", err)
	}
	if len(wc.Devices) != 0 {
		t.Errorf("Devices = %v, want none", wc.Devices)
	}
	if len(wc.PeerEndpoints) != 0 {
		t.Errorf("PeerEndpoints = %v, want none", wc.PeerEndpoints)
	}
	if len(wc.Args) != 0 {
		t.Errorf("Args = %v, want none", wc.Args)
	}
}

func TestContextFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  map[string]string
		wantVar string
	}{
		{
			name:    "missing rank",
			mutate:  map[string]string{plan.EnvWorkerRank: ""},
			wantVar: plan.EnvWorkerRank,
		},
		{
			name:    "bad world size",
			mutate:  map[string]string{plan.EnvWorldSize: "many"},
			wantVar: plan.EnvWorldSize,
		},
		{
			name:    "bad device list",
			mutate:  map[string]string{plan.EnvSelectedDevices: "one,two"},
			wantVar: plan.EnvSelectedDevices,
		},
		{
			name:    "bad args payload",
			mutate:  map[string]string{launch.EnvWorkerArgs: "not json"},
			wantVar: launch.EnvWorkerArgs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setWorkerEnv(t, tt.mutate)

			_, err := contextFromEnv()
			if err == nil {
				t.Fatal("contextFromEnv() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantVar) {
				t.Errorf("error should name %s: %v", tt.wantVar, err)
			}
		})
	}
}

// =============================================================================
// Tests: Function Invocation
// =============================================================================

func TestRunFunc(t *testing.T) {
	wc := &WorkerContext{Rank: 0}

	t.Run("value", func(t *testing.T) {
		value, stack, err := runFunc(func(*WorkerContext) (any, error) {
			return 42, nil
		}, wc)
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if value != 42 {
			t.Errorf("value = %v, want 42", value)
		}
		if stack != "" {
			t.Errorf("stack should be empty on success: %q", stack)
		}
	})

	t.Run("error carries a stack", func(t *testing.T) {
		_, stack, err := runFunc(func(*WorkerContext) (any, error) {
			return nil, errors.New("boom")
		}, wc)
		if err == nil || err.Error() != "boom" {
			t.Fatalf("err = %v, want boom", err)
		}
		if !strings.Contains(stack, "goroutine") {
			t.Errorf("stack = %q, want a goroutine dump", stack)
		}
	})

	t.Run("panic becomes an error", func(t *testing.T) {
		_, stack, err := runFunc(func(*WorkerContext) (any, error) {
			panic("kaboom")
		}, wc)
		if err == nil || err.Error() != "panic: kaboom" {
			t.Fatalf("err = %v, want panic: kaboom", err)
		}
		if !strings.Contains(stack, "goroutine") {
			t.Errorf("stack = %q, want a goroutine dump", stack)
		}
	})
}

// =============================================================================
// Tests: Outcome Pipe Resolution
// =============================================================================

func TestOutcomePipe_Invalid(t *testing.T) {
	tests := []struct {
		name string
		fd   string
	}{
		{"unset", ""},
		{"not a number", "three"},
		{"stdio fd", "1"},
		{"negative", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(launch.EnvOutcomeFD, tt.fd)
			if out := outcomePipe(); out != nil {
				t.Errorf("outcomePipe() = %v, want nil", out)
			}
		})
	}
}
