//go:build windows

package resilience

import "golang.org/x/sys/windows"

// isProcessAlive reports whether pid is still running. Opening the
// process with the minimal query right succeeds only for live PIDs.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = windows.CloseHandle(handle)
	return true
}
