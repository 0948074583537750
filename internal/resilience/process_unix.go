//go:build !windows

package resilience

import "syscall"

// isProcessAlive reports whether pid is still running. Signal 0 probes
// existence without delivering anything; EPERM means the process exists
// under another user.
func isProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
