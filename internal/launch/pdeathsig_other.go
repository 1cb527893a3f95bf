//go:build !linux

package launch

import "syscall"

// setDaemonAttr is a no-op where the kernel has no parent-death signal.
func setDaemonAttr(attr *syscall.SysProcAttr) {}
