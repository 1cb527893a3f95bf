package launch

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Terminate sends SIGTERM to the worker's process group.
// Safe to call more than once and after exit.
func (w *Worker) Terminate() {
	w.termOnce.Do(func() { w.signal(syscall.SIGTERM) })
}

// Kill sends SIGKILL to the worker's process group.
// Safe to call more than once and after exit.
func (w *Worker) Kill() {
	w.killOnce.Do(func() { w.signal(syscall.SIGKILL) })
}

// Reap blocks until the worker has been reaped. A worker still alive
// after grace is killed, then waited on without a deadline.
func (w *Worker) Reap(grace time.Duration) ExitStatus {
	select {
	case <-w.done:
	case <-time.After(grace):
		w.logger.Warn("worker_force_kill",
			"rank", w.Rank,
			"pid", w.Pid,
			"grace", grace.String(),
		)
		w.Kill()
		<-w.done
	}
	return w.status
}

// signal delivers sig to the whole process group, falling back to the
// process itself when the group cannot be resolved.
func (w *Worker) signal(sig syscall.Signal) {
	select {
	case <-w.done:
		return
	default:
	}

	pid := w.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, sig)
	} else {
		w.cmd.Process.Signal(sig)
	}

	w.logger.Debug("worker_signaled",
		"rank", w.Rank,
		"pid", pid,
		"signal", signalName(sig),
	)
}

// signalName renders a signal in its SIGTERM form rather than the
// prose form syscall produces.
func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
