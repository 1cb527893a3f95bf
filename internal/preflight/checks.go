// Package preflight validates the host environment before any trainer
// workers are launched.
package preflight

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so process limits are read from /proc/self/limits instead.

// Check is the outcome of one preflight probe.
type Check struct {
	Name     string // short identifier, also keys suggestFix
	Required int    // minimum needed, 0 when not a threshold check
	Actual   int    // observed value
	Passed   bool
	Warning  bool // passed, but worth reading
	Message  string
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String renders the check the way -check mode prints it.
func (c Check) String() string {
	status := "✓"
	switch {
	case !c.Passed:
		status = "✗"
	case c.Warning:
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes every preflight check for a pool of the given size.
// workers is the per-node worker count and command is the trainer argv.
func RunAll(workers int, command []string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	for _, check := range []Check{
		checkFileDescriptors(workers),
		checkProcessLimit(workers),
		checkTrainerBinary(command),
		checkPidHeadroom(workers),
	} {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}

	return result
}

// checkFileDescriptors verifies RLIMIT_NOFILE covers the pool.
//
// The launcher holds the stdout and stderr pipe ends plus a workerlog
// file per worker, with headroom for the metrics listener, the launcher
// log and transient fds during spawn.
func checkFileDescriptors(workers int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read RLIMIT_NOFILE: %v", err),
		}
	}

	required := workers*6 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies the per-user process limit leaves room for
// the pool. Each worker is at least one process before the trainer
// forks anything of its own.
func checkProcessLimit(workers int) Check {
	required := workers + 32

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access.
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual, ok := softLimit(string(data), "Max processes")
	if !ok {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// softLimit pulls the soft limit column for one row of
// /proc/self/limits content. The row name's own word count gives the
// column offset ("Max processes" is two fields, "Max open files" is
// three).
func softLimit(limits, row string) (int, bool) {
	idx := len(strings.Fields(row))
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, row) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) <= idx {
			return 0, false
		}
		if fields[idx] == "unlimited" {
			return math.MaxInt, true
		}
		n, err := strconv.Atoi(fields[idx])
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// checkTrainerBinary verifies the trainer command resolves to an
// executable. Resolution only; running a trainer to probe it would
// kick off training.
func checkTrainerBinary(command []string) Check {
	if len(command) == 0 {
		// Check and print modes run without a command.
		return Check{
			Name:    "trainer_binary",
			Passed:  true,
			Warning: true,
			Message: "no trainer command to check (pass one after --)",
		}
	}

	path, err := exec.LookPath(command[0])
	if errors.Is(err, exec.ErrDot) {
		return Check{
			Name:    "trainer_binary",
			Passed:  false,
			Message: fmt.Sprintf("%s resolves through the working directory; use ./%s", command[0], command[0]),
		}
	}
	if err != nil {
		return Check{
			Name:    "trainer_binary",
			Passed:  false,
			Message: err.Error(),
		}
	}

	return Check{
		Name:    "trainer_binary",
		Passed:  true,
		Message: fmt.Sprintf("resolved to %s", path),
	}
}

// checkPidHeadroom warns when the pid space is close to full. Trainers
// fork data loaders and every thread burns a pid, so the pool's real
// appetite is far above one pid per worker.
func checkPidHeadroom(workers int) Check {
	data, err := os.ReadFile("/proc/sys/kernel/pid_max")
	if err != nil {
		return Check{
			Name:    "pid_headroom",
			Passed:  true,
			Warning: true,
			Message: "unable to read pid_max (non-Linux?)",
		}
	}

	pidMax, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pidMax <= 0 {
		return Check{
			Name:    "pid_headroom",
			Passed:  true,
			Warning: true,
			Message: "unable to parse pid_max",
		}
	}

	inUse := countPids()
	free := pidMax - inUse
	recommended := workers*128 + 512

	return Check{
		Name:     "pid_headroom",
		Required: recommended,
		Actual:   free,
		Passed:   true, // advisory only
		Warning:  free < recommended,
		Message:  fmt.Sprintf("pid_max %d, %d in use (%d free, recommend %d)", pidMax, inUse, free, recommended),
	}
}

// countPids counts the numeric entries in /proc.
func countPids() int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err == nil {
			n++
		}
	}
	return n
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or raise nofile in /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or raise nproc in /etc/security/limits.conf)"
	case "trainer_binary":
		return "install the trainer or pass its full path after --"
	default:
		return "see documentation"
	}
}
