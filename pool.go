package swarm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
	"github.com/randomizedcoder/go-trainer-swarm/internal/pool"
)

// PoolContext tracks a spawned worker pool until it completes.
//
// Join and Wait are serialized against each other; the remaining
// methods may be called from any goroutine.
type PoolContext struct {
	pool    *pool.Pool
	records []plan.Record
	byRank  map[int]*launch.Worker

	mu      sync.Mutex
	failure *WorkerFailure
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Rank     int
	Pid      int
	Endpoint string
	Devices  []int
	Running  bool
	ExitCode int
	Signal   string
	Uptime   time.Duration
}

func newPoolContext(p *pool.Pool, records []plan.Record) *PoolContext {
	byRank := make(map[int]*launch.Worker, len(p.Workers()))
	for _, w := range p.Workers() {
		byRank[w.Rank] = w
	}
	return &PoolContext{
		pool:    p,
		records: records,
		byRank:  byRank,
	}
}

// Join runs one supervision round: block until at least one worker
// exits, or until timeout expires when timeout > 0. It returns
// (true, nil) once every worker has finished cleanly, (true, failure)
// once the pool has been torn down after a worker failure, and
// (false, nil) when workers remain. Terminal results are sticky, so
// calling Join again after completion is safe and cheap.
func (pc *PoolContext) Join(timeout time.Duration) (bool, error) {
	done, f := pc.pool.Join(timeout)
	if f == nil {
		return done, nil
	}
	return done, pc.workerFailure(f)
}

// Wait supervises the pool to completion. It returns nil when every
// worker exited cleanly, the *WorkerFailure when one failed, or the
// context error after draining the pool when ctx ends first.
func (pc *PoolContext) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, pc.pool.Interrupt)
	defer stop()

	for {
		done, err := pc.Join(0)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if ctx.Err() != nil {
			pc.Drain("context ended")
			return ctx.Err()
		}
	}
}

// Result returns the JSON-encoded value worker rank returned, if it
// reported one. It blocks until that worker's outcome is known, so
// call it after Join or Wait reports completion.
func (pc *PoolContext) Result(rank int) (json.RawMessage, bool) {
	w, ok := pc.byRank[rank]
	if !ok {
		return nil, false
	}
	return w.Result()
}

// Drain terminates and reaps every remaining worker. It is what the
// parent's signal handler calls on interrupt.
func (pc *PoolContext) Drain(reason string) {
	pc.pool.Drain(reason)
}

// State returns the pool state name: running, draining, joined or
// failed.
func (pc *PoolContext) State() string {
	return pc.pool.State().String()
}

// Done reports whether the pool has reached a terminal state.
func (pc *PoolContext) Done() bool {
	return pc.pool.State().IsTerminal()
}

// Failed reports whether the pool was torn down after a failure.
func (pc *PoolContext) Failed() bool {
	return pc.pool.State() == pool.StateFailed
}

// Failure returns the recorded *WorkerFailure, or nil.
func (pc *PoolContext) Failure() error {
	f := pc.pool.Failure()
	if f == nil {
		return nil
	}
	return pc.workerFailure(f)
}

// Ranks returns the global ranks of this node's workers in launch
// order.
func (pc *PoolContext) Ranks() []int {
	ranks := make([]int, 0, len(pc.records))
	for _, r := range pc.records {
		ranks = append(ranks, r.Rank)
	}
	return ranks
}

// WorldSize returns the total worker count across all nodes.
func (pc *PoolContext) WorldSize() int {
	if len(pc.records) == 0 {
		return 0
	}
	return pc.records[0].WorldSize
}

// Snapshot returns a point-in-time view of every worker, in launch
// order.
func (pc *PoolContext) Snapshot() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(pc.records))
	for _, r := range pc.records {
		w := pc.byRank[r.Rank]
		ws := WorkerStatus{
			Rank:     r.Rank,
			Pid:      w.Pid,
			Endpoint: r.Endpoint,
			Devices:  r.Devices,
			Uptime:   w.Uptime(),
		}
		select {
		case <-w.Done():
			st := w.Status()
			ws.ExitCode = st.Code
			ws.Signal = st.SignalName()
		default:
			ws.Running = true
		}
		out = append(out, ws)
	}
	return out
}

// workerFailure converts the supervisor's failure record into the
// public type, exactly once.
func (pc *PoolContext) workerFailure(f *pool.Failure) *WorkerFailure {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.failure == nil {
		pc.failure = &WorkerFailure{
			Rank:       f.Rank,
			ExitCode:   f.Status.Code,
			Signal:     f.Status.SignalName(),
			Diagnostic: f.Diagnostic,
		}
	}
	return pc.failure
}
