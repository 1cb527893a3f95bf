//go:build linux

package launch

import "syscall"

// setDaemonAttr ties the worker's lifetime to the parent. The kernel
// delivers SIGKILL to the worker if the parent dies without running
// its own teardown.
func setDaemonAttr(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
