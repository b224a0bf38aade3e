package tokenstore

import (
	"os"
	"syscall"
)

// processAlive reports whether pid names a live process. Sending signal 0
// performs no action but still surfaces ESRCH for a dead pid.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
