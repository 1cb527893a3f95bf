package swarm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/logging"
	"github.com/randomizedcoder/go-trainer-swarm/internal/outcome"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// WorkerFunc is a worker entry point. It runs in a freshly spawned
// process with the pool's planned environment already applied. The
// returned value is marshaled to JSON and delivered to the parent; a
// non-nil error fails the worker and tears the pool down.
type WorkerFunc func(wc *WorkerContext) (any, error)

// WorkerContext carries one worker's planned identity, decoded from
// the environment the launcher installed.
type WorkerContext struct {
	// Rank is this worker's global rank, 0-based and dense across the
	// whole pool.
	Rank int

	// WorldSize is the total number of workers across all nodes.
	WorldSize int

	// Devices are the accelerator ids assigned to this worker. Empty
	// for CPU pools.
	Devices []int

	// CurrentEndpoint is this worker's rendezvous address.
	CurrentEndpoint string

	// PeerEndpoints are every worker's endpoints in rank order,
	// including this worker's own.
	PeerEndpoints []string

	// RunID identifies the launch that created this worker.
	RunID string

	// Args are the arguments passed to Spawn.
	Args []string

	// Logger is scoped to this worker's rank.
	Logger *slog.Logger
}

var (
	registryMu sync.Mutex
	registry   = map[string]WorkerFunc{}
)

// Register makes fn spawnable as a worker under name. It must run
// before Main, in the same order in every process, because workers
// find their function by re-executing the binary. Registering the same
// name twice panics.
func Register(name string, fn WorkerFunc) {
	if name == "" {
		panic("swarm: Register with empty name")
	}
	if fn == nil {
		panic("swarm: Register with nil function")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("swarm: Register called twice for " + name)
	}
	registry[name] = fn
}

func registered(name string) (WorkerFunc, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fn, ok := registry[name]
	return fn, ok
}

// Main is the worker gate. Call it at the top of main, after all
// Register calls:
//
//	func main() {
//		swarm.Register("train", train)
//		if swarm.Main() {
//			return
//		}
//		// parent path
//	}
//
// In the parent it returns false immediately. In a spawned worker it
// runs the registered function, reports the outcome to the parent and
// exits the process; the true return value is never observed.
func Main() bool {
	name := os.Getenv(launch.EnvWorkerFunc)
	if name == "" {
		return false
	}
	runWorker(name)
	return true
}

// runWorker is the in-child wrapper: it decodes the worker context,
// runs the function under panic recovery, and writes exactly one
// outcome frame. A user interrupt exits silently with status 0 and no
// frame. It does not return.
func runWorker(name string) {
	out := outcomePipe()

	// The parent relays Ctrl-C to the whole process group; treat it as
	// a deliberate stop, not a failure.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		os.Exit(0)
	}()

	fn, ok := registered(name)
	if !ok {
		reportError(out, fmt.Sprintf("worker function %q is not registered; Register must run before Main", name), "")
		os.Exit(1)
	}

	wc, err := contextFromEnv()
	if err != nil {
		reportError(out, fmt.Sprintf("decode worker environment: %v", err), "")
		os.Exit(1)
	}

	value, stack, err := runFunc(fn, wc)
	if err != nil {
		reportError(out, err.Error(), stack)
		os.Exit(1)
	}

	if out != nil {
		if werr := outcome.WriteResult(out, value); werr != nil {
			reportError(out, fmt.Sprintf("encode worker result: %v", werr), "")
			os.Exit(1)
		}
	}
	os.Exit(0)
}

// runFunc invokes the worker function, converting panics into errors
// with the panicking stack attached.
func runFunc(fn WorkerFunc, wc *WorkerContext) (value any, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()

	value, err = fn(wc)
	if err != nil {
		stack = string(debug.Stack())
	}
	return value, stack, err
}

// outcomePipe opens the report pipe the launcher passed down, or nil
// when the worker was started outside a pool.
func outcomePipe() *os.File {
	raw := os.Getenv(launch.EnvOutcomeFD)
	if raw == "" {
		return nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 3 {
		return nil
	}
	return os.NewFile(uintptr(fd), "outcome")
}

func reportError(out *os.File, msg, stack string) {
	if out == nil {
		fmt.Fprintln(os.Stderr, msg)
		return
	}
	if err := outcome.WriteError(out, msg, stack); err != nil {
		fmt.Fprintln(os.Stderr, msg)
	}
}

// contextFromEnv rebuilds the WorkerContext from the record variables
// the launcher installed.
func contextFromEnv() (*WorkerContext, error) {
	rank, err := strconv.Atoi(os.Getenv(plan.EnvWorkerRank))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", plan.EnvWorkerRank, err)
	}
	worldSize, err := strconv.Atoi(os.Getenv(plan.EnvWorldSize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", plan.EnvWorldSize, err)
	}

	var devices []int
	if raw := os.Getenv(plan.EnvSelectedDevices); raw != "" {
		devices, err = plan.ParseDeviceList(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", plan.EnvSelectedDevices, err)
		}
	}

	var peers []string
	if raw := os.Getenv(plan.EnvPeerEndpoints); raw != "" {
		peers = strings.Split(raw, ",")
	}

	var args []string
	if raw := os.Getenv(launch.EnvWorkerArgs); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("%s: %w", launch.EnvWorkerArgs, err)
		}
	}

	logger := logging.NewLogger("text", "info", false).With(
		"rank", rank,
	)

	return &WorkerContext{
		Rank:            rank,
		WorldSize:       worldSize,
		Devices:         devices,
		CurrentEndpoint: os.Getenv(plan.EnvCurrentEndpoint),
		PeerEndpoints:   peers,
		RunID:           os.Getenv(plan.EnvRunID),
		Args:            args,
		Logger:          logger,
	}, nil
}
