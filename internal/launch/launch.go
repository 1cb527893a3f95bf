// Package launch starts worker processes and tracks them to exit.
//
// Each worker runs in its own process group with a private copy of the
// parent environment, extended with the planned rank variables and
// stripped of proxy settings. A pipe passed as fd 3 carries the
// worker's single outcome frame back to the parent. Merged stdout and
// stderr can be captured for per-rank log files and line classification.
package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-trainer-swarm/internal/outcome"
	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// drainTimeout bounds how long exit handling waits for the outcome and
// capture pipes after the worker process itself has been reaped. EOF
// normally arrives immediately; a grandchild holding an inherited write
// end is the only way it does not.
const drainTimeout = 5 * time.Second

// OutputSink consumes the merged stdout and stderr of a worker,
// line by line, until EOF.
type OutputSink interface {
	HandleReader(r io.Reader)
}

// Spec describes a single worker process to start.
//
// Exactly one of FuncName and Argv must be set. FuncName re-executes
// the current binary and routes it to a registered worker function;
// Argv runs an external command.
type Spec struct {
	Record plan.Record

	// FuncName names a registered worker function. The child finds it
	// through the environment and never parses its own argv.
	FuncName string

	// FuncArgs is the JSON-encoded argument list for FuncName.
	FuncArgs string

	// Argv is the external command and its arguments.
	Argv []string

	// Daemon ties the worker's lifetime to the parent process where the
	// platform supports it.
	Daemon bool

	// LogWriter receives a copy of the worker's merged stdout and
	// stderr. It is closed by the launcher once output drains.
	LogWriter io.WriteCloser

	// Output receives the merged stdout and stderr for classification.
	Output OutputSink

	Logger *slog.Logger
}

// ExitStatus records how a worker process exited.
type ExitStatus struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
	Uptime   time.Duration
}

// Describe returns a short human form, "exit code 1" or "signal SIGKILL".
func (s ExitStatus) Describe() string {
	if s.Signaled {
		return "signal " + signalName(s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// SignalName returns the terminating signal's name, or "" when the
// worker exited on its own.
func (s ExitStatus) SignalName() string {
	if !s.Signaled {
		return ""
	}
	return signalName(s.Signal)
}

// Worker is a handle on a started worker process.
//
// Done is closed once the process has been reaped and both pipes have
// drained; Status, Result and Diagnostic are valid from that point on.
type Worker struct {
	Rank int
	Pid  int

	cmd    *exec.Cmd
	logger *slog.Logger
	start  time.Time

	done   chan struct{}
	status ExitStatus

	outcomeRead *os.File
	outcomeDone chan struct{}
	result      json.RawMessage
	hasResult   bool
	diagnostic  string

	captureRead *os.File
	captureDone chan struct{}

	termOnce sync.Once
	killOnce sync.Once
}

// Start launches a single worker process from the spec.
// On error nothing is left running and no pipes are leaked.
func Start(spec Spec) (*Worker, error) {
	if spec.FuncName == "" && len(spec.Argv) == 0 {
		return nil, errors.New("launch: spec needs a function name or argv")
	}
	if spec.FuncName != "" && len(spec.Argv) > 0 {
		return nil, errors.New("launch: function name and argv are mutually exclusive")
	}
	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}

	// The outcome pipe rides as ExtraFiles[0], which the child sees
	// as fd 3.
	outcomeRead, outcomeWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launch: outcome pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{outcomeWrite}
	cmd.Env = composeEnv(os.Environ(), spec.Record, spec.FuncName, spec.FuncArgs)

	// Workers inherit the parent's console unless output is captured.
	var captureRead, captureWrite *os.File
	capture := spec.LogWriter != nil || spec.Output != nil
	if capture {
		captureRead, captureWrite, err = os.Pipe()
		if err != nil {
			outcomeRead.Close()
			outcomeWrite.Close()
			return nil, fmt.Errorf("launch: capture pipe: %w", err)
		}
		cmd.Stdout = captureWrite
		cmd.Stderr = captureWrite
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	// Process group for clean teardown of the worker and anything it
	// forks.
	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.Daemon {
		setDaemonAttr(attr)
	}
	cmd.SysProcAttr = attr

	w := &Worker{
		Rank:        spec.Record.Rank,
		cmd:         cmd,
		logger:      logger,
		done:        make(chan struct{}),
		outcomeRead: outcomeRead,
		outcomeDone: make(chan struct{}),
		captureRead: captureRead,
	}

	w.start = time.Now()
	if err := cmd.Start(); err != nil {
		outcomeRead.Close()
		outcomeWrite.Close()
		if capture {
			captureRead.Close()
			captureWrite.Close()
		}
		return nil, fmt.Errorf("launch: start worker %d: %w", spec.Record.Rank, err)
	}
	w.Pid = cmd.Process.Pid

	// Close the parent's copies of the write ends after Start so the
	// read ends see EOF when the worker exits.
	outcomeWrite.Close()
	if capture {
		captureWrite.Close()
	}

	go w.readOutcome()
	if capture {
		w.captureDone = make(chan struct{})
		go w.readCapture(spec.LogWriter, spec.Output)
	}
	go w.watch()

	logger.Info("worker_started",
		"rank", w.Rank,
		"pid", w.Pid,
		"endpoint", spec.Record.Endpoint,
		"daemon", spec.Daemon,
	)

	return w, nil
}

// StartAll launches one worker per spec, in order. If a later start
// fails, the already-started workers are terminated and reaped before
// the error returns, so no partial pool escapes.
func StartAll(specs []Spec, grace time.Duration) ([]*Worker, error) {
	workers := make([]*Worker, 0, len(specs))
	for _, spec := range specs {
		w, err := Start(spec)
		if err != nil {
			for _, started := range workers {
				started.Terminate()
			}
			for _, started := range workers {
				started.Reap(grace)
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// buildCommand constructs the unstarted command for the spec.
func buildCommand(spec Spec) (*exec.Cmd, error) {
	if len(spec.Argv) > 0 {
		return exec.Command(spec.Argv[0], spec.Argv[1:]...), nil
	}

	// Self-exec mode: re-run this binary. The child takes the worker
	// path through the environment, so no argv is carried over.
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return exec.Command(exe), nil
}

// Done is closed once the worker has fully exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Status reports how the worker exited. Valid only after Done.
func (w *Worker) Status() ExitStatus {
	return w.status
}

// Result returns the worker's result frame, if it sent one.
// Valid only after Done.
func (w *Worker) Result() (json.RawMessage, bool) {
	<-w.outcomeDone
	return w.result, w.hasResult
}

// Diagnostic returns the worker's error frame rendering, if it sent
// one. Valid only after Done.
func (w *Worker) Diagnostic() (string, bool) {
	<-w.outcomeDone
	return w.diagnostic, w.diagnostic != ""
}

// Uptime returns how long the worker has been running, or its final
// uptime once exited.
func (w *Worker) Uptime() time.Duration {
	select {
	case <-w.done:
		return w.status.Uptime
	default:
		return time.Since(w.start)
	}
}

// watch reaps the process, drains both pipes and then closes Done.
func (w *Worker) watch() {
	waitErr := w.cmd.Wait()
	st := waitStatus(waitErr)
	st.Uptime = time.Since(w.start)
	w.status = st

	w.drainOutcome()
	w.drainCapture()
	close(w.done)

	w.logger.Info("worker_exited",
		"rank", w.Rank,
		"pid", w.Pid,
		"exit_code", st.Code,
		"signaled", st.Signaled,
		"uptime", st.Uptime.String(),
	)
}

// readOutcome reads the single outcome frame from the fd 3 pipe.
// EOF with no frame is normal for workers that were interrupted or
// killed before reporting.
func (w *Worker) readOutcome() {
	defer close(w.outcomeDone)
	defer w.outcomeRead.Close()

	frame, err := outcome.Read(w.outcomeRead)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			w.logger.Warn("outcome_read_failed", "rank", w.Rank, "error", err)
		}
		return
	}
	switch frame.Kind {
	case outcome.KindResult:
		w.result = frame.Value
		w.hasResult = true
	case outcome.KindError:
		w.diagnostic = frame.Diagnostic()
	}
}

// readCapture drains the merged stdout and stderr pipe, copying into
// the log writer and feeding the sink when configured.
func (w *Worker) readCapture(logw io.WriteCloser, sink OutputSink) {
	defer close(w.captureDone)
	defer w.captureRead.Close()

	var src io.Reader = w.captureRead
	if logw != nil {
		defer logw.Close()
		src = io.TeeReader(src, logw)
	}
	if sink != nil {
		sink.HandleReader(src)
		return
	}
	_, _ = io.Copy(io.Discard, src)
}

// drainOutcome waits for the outcome reader to finish. The pipe sees
// EOF as soon as the worker exits unless a grandchild inherited the
// write end; then the read end is forced closed.
func (w *Worker) drainOutcome() {
	select {
	case <-w.outcomeDone:
	case <-time.After(drainTimeout):
		w.logger.Warn("outcome_drain_timeout",
			"rank", w.Rank,
			"timeout", drainTimeout.String(),
		)
		w.outcomeRead.Close()
		<-w.outcomeDone
	}
}

// drainCapture waits for output capture to finish, with the same
// forced-close escape hatch as drainOutcome.
func (w *Worker) drainCapture() {
	if w.captureDone == nil {
		return
	}
	select {
	case <-w.captureDone:
	case <-time.After(drainTimeout):
		w.logger.Warn("capture_drain_timeout",
			"rank", w.Rank,
			"timeout", drainTimeout.String(),
		)
		w.captureRead.Close()
		<-w.captureDone
	}
}

// waitStatus turns a Wait error into an ExitStatus.
func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return ExitStatus{
					Code:     128 + int(status.Signal()),
					Signal:   status.Signal(),
					Signaled: true,
				}
			}
			return ExitStatus{Code: status.ExitStatus()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}

	// Unknown wait error, assume exit code 1.
	return ExitStatus{Code: 1}
}
