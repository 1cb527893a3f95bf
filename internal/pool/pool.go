// Package pool supervises a fixed set of launched workers to completion.
//
// The pool makes one guarantee: once Join reports a terminal state,
// every worker process has been reaped, none left running and none left
// as a zombie. The first observed failure tears the whole pool down.
package pool

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/randomizedcoder/go-trainer-swarm/internal/launch"
)

// DefaultGrace is how long a terminated worker gets to exit on SIGTERM
// before the pool escalates to SIGKILL.
const DefaultGrace = 5 * time.Second

// Failure records the first worker failure a pool observed.
type Failure struct {
	Rank       int
	Status     launch.ExitStatus
	Diagnostic string
}

// Config assembles a Pool.
type Config struct {
	Workers []*launch.Worker

	// Grace bounds the SIGTERM phase of a drain. Zero means DefaultGrace.
	Grace time.Duration

	Logger *slog.Logger

	// OnExit is called once per worker as it is reaped, in reap order.
	OnExit func(w *launch.Worker, status launch.ExitStatus)
}

// Pool watches a set of workers. Join and Drain are serialized against
// each other; State and Failure may be called from any goroutine.
type Pool struct {
	workers []*launch.Worker
	grace   time.Duration
	logger  *slog.Logger
	onExit  func(w *launch.Worker, status launch.ExitStatus)

	// joinMu serializes Join and Drain, which own the live set.
	joinMu sync.Mutex
	live   []*launch.Worker

	stateMu sync.RWMutex
	state   State
	failure *Failure

	wake chan struct{}
}

// New builds a Pool over already-started workers.
func New(cfg Config) *Pool {
	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	live := make([]*launch.Worker, len(cfg.Workers))
	copy(live, cfg.Workers)

	return &Pool{
		workers: cfg.Workers,
		grace:   grace,
		logger:  logger,
		onExit:  cfg.OnExit,
		live:    live,
		state:   StateRunning,
		wake:    make(chan struct{}, 1),
	}
}

// State returns the pool's current state.
func (p *Pool) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// Failure returns the recorded failure, or nil.
func (p *Pool) Failure() *Failure {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.failure
}

// Workers returns the pool's workers in launch order.
func (p *Pool) Workers() []*launch.Worker {
	return p.workers
}

// Grace returns the drain grace period.
func (p *Pool) Grace() time.Duration {
	return p.grace
}

// Interrupt wakes a blocked Join without waiting for a worker exit.
// Join treats the wakeup like an expired timeout.
func (p *Pool) Interrupt() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Join runs one supervision round: block until at least one worker
// exits (or timeout expires, when timeout > 0), reap the ready batch,
// and tear the pool down if the batch contains a failure.
//
// It returns (true, nil) once every worker has exited cleanly,
// (true, failure) once the pool has been torn down after a failure,
// and (false, nil) when workers remain and this round saw no failure.
// Terminal states are sticky.
func (p *Pool) Join(timeout time.Duration) (bool, *Failure) {
	p.joinMu.Lock()
	defer p.joinMu.Unlock()

	switch p.State() {
	case StateJoined:
		return true, nil
	case StateFailed:
		return true, p.Failure()
	}

	if p.liveCount() == 0 {
		p.setState(StateJoined)
		return true, nil
	}

	ready := p.waitReady(timeout)
	if len(ready) == 0 {
		return false, nil
	}

	// Sweep the batch in ascending index order. Every member is reaped;
	// the first abnormal status wins failure attribution.
	var failed *launch.Worker
	for _, i := range ready {
		w := p.live[i]
		st := w.Status()
		p.reaped(i, st)
		if failed == nil && !cleanExit(st) {
			failed = w
		}
	}

	if failed != nil {
		p.drain()
		f := p.newFailure(failed)
		p.setFailure(f)
		return true, f
	}

	if p.liveCount() == 0 {
		p.setState(StateJoined)
		return true, nil
	}
	return false, nil
}

// Drain terminates and reaps every remaining worker. Used on parent
// interrupt; it attributes no failure of its own, but a worker that
// died abnormally before the drain still marks the pool failed.
func (p *Pool) Drain(reason string) {
	p.joinMu.Lock()
	defer p.joinMu.Unlock()

	if p.State().IsTerminal() {
		return
	}

	p.logger.Warn("pool_drain_requested", "reason", reason)

	// Collect exits that already happened, so an abnormal death that
	// raced the interrupt is still attributed.
	var failed *launch.Worker
	for i, w := range p.live {
		if w == nil {
			continue
		}
		select {
		case <-w.Done():
			st := w.Status()
			p.reaped(i, st)
			if failed == nil && !cleanExit(st) {
				failed = w
			}
		default:
		}
	}

	p.drain()

	if failed != nil {
		p.setFailure(p.newFailure(failed))
		return
	}
	p.setState(StateJoined)
}

// waitReady blocks on every live worker's done sentinel at once, plus
// a timer when timeout > 0 and the interrupt channel. It returns the
// indexes of all workers that have exited, in ascending order; empty
// means the timer or the interrupt fired first.
func (p *Pool) waitReady(timeout time.Duration) []int {
	cases := make([]reflect.SelectCase, 0, len(p.live)+2)
	for _, w := range p.live {
		if w == nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(w.Done()),
		})
	}

	wakeCase := len(cases)
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(p.wake),
	})

	timerCase := -1
	if timeout > 0 {
		timerCase = len(cases)
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(time.After(timeout)),
		})
	}

	chosen, _, _ := reflect.Select(cases)
	if chosen == wakeCase || chosen == timerCase {
		return nil
	}

	// At least one sentinel is closed; sweep them all non-blocking so
	// simultaneous exits land in the same batch.
	var ready []int
	for i, w := range p.live {
		if w == nil {
			continue
		}
		select {
		case <-w.Done():
			ready = append(ready, i)
		default:
		}
	}
	return ready
}

// drain terminates every live worker's process group, then reaps each
// one: SIGTERM, a bounded grace wait, SIGKILL, and an unbounded wait.
// Caller holds joinMu.
func (p *Pool) drain() {
	if p.liveCount() == 0 {
		return
	}

	p.setState(StateDraining)
	p.logger.Warn("pool_draining",
		"live_workers", p.liveCount(),
		"grace", p.grace.String(),
	)

	for _, w := range p.live {
		if w != nil {
			w.Terminate()
		}
	}
	for i, w := range p.live {
		if w == nil {
			continue
		}
		st := w.Reap(p.grace)
		p.reaped(i, st)
	}
}

// reaped removes worker i from the live set and reports its exit.
// Caller holds joinMu.
func (p *Pool) reaped(i int, st launch.ExitStatus) {
	w := p.live[i]
	p.live[i] = nil

	p.logger.Info("worker_reaped",
		"rank", w.Rank,
		"pid", w.Pid,
		"exit_code", st.Code,
		"signaled", st.Signaled,
		"uptime", st.Uptime.String(),
	)
	if p.onExit != nil {
		p.onExit(w, st)
	}
}

func (p *Pool) liveCount() int {
	n := 0
	for _, w := range p.live {
		if w != nil {
			n++
		}
	}
	return n
}

// newFailure builds the failure record for w, preferring the worker's
// own diagnostic over a synthesized exit description.
func (p *Pool) newFailure(w *launch.Worker) *Failure {
	f := &Failure{Rank: w.Rank, Status: w.Status()}
	if diag, ok := w.Diagnostic(); ok {
		f.Diagnostic = diag
	}
	return f
}

func (p *Pool) setState(s State) {
	p.stateMu.Lock()
	old := p.state
	p.state = s
	p.stateMu.Unlock()

	if old != s {
		p.logger.Debug("pool_state", "from", old.String(), "to", s.String())
	}
}

func (p *Pool) setFailure(f *Failure) {
	p.stateMu.Lock()
	p.failure = f
	p.state = StateFailed
	p.stateMu.Unlock()

	p.logger.Error("pool_failed",
		"rank", f.Rank,
		"exit", f.Status.Describe(),
		"has_diagnostic", f.Diagnostic != "",
	)
}

// cleanExit reports whether a worker finished its work normally.
func cleanExit(st launch.ExitStatus) bool {
	return st.Code == 0 && !st.Signaled
}
