//go:build !windows

package ownership

import (
	"os"
	"syscall"
)

// isProcessAlive checks whether a local OS process exists. Signal 0
// probes without delivering anything; EPERM still means the pid is live.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
