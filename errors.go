package swarm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-trainer-swarm/internal/plan"
)

// ConfigurationError reports an invalid or contradictory launch
// configuration. It is always raised before any worker process has
// been started.
type ConfigurationError struct {
	// Option names the offending option or variable, when one can be
	// singled out.
	Option  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Option == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Option, e.Message)
}

// WorkerFailure reports the first worker failure observed by a pool.
// By the time it is returned, every sibling worker has been terminated
// and reaped.
type WorkerFailure struct {
	// Rank is the failing worker's global rank.
	Rank int

	// ExitCode is the worker's exit code; 128+signal when signaled.
	ExitCode int

	// Signal is the terminating signal name ("SIGKILL"), empty when the
	// worker exited on its own.
	Signal string

	// Diagnostic is the worker's own error report with stack trace,
	// empty when the worker died without reporting.
	Diagnostic string
}

// failureRule is the dash rule framing a worker's error report.
const failureRule = 46

func (e *WorkerFailure) Error() string {
	if e.Diagnostic != "" {
		rule := strings.Repeat("-", failureRule)
		return fmt.Sprintf("\n\n%s\nworker %d terminated with the following error:\n%s\n\n%s",
			rule, e.Rank, rule, e.Diagnostic)
	}
	if e.Signal != "" {
		return fmt.Sprintf("worker %d terminated with signal %s", e.Rank, e.Signal)
	}
	return fmt.Sprintf("worker %d terminated with exit code %d", e.Rank, e.ExitCode)
}

// asConfigurationError rewrites planner configuration errors into the
// public type. Other errors pass through unchanged.
func asConfigurationError(err error) error {
	if err == nil {
		return nil
	}
	var ce *plan.ConfigError
	if errors.As(err, &ce) {
		return &ConfigurationError{Option: ce.Option, Message: ce.Message}
	}
	return err
}
