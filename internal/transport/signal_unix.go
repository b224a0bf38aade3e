package transport

import "syscall"

// terminationSignal is the graceful-stop signal sent before the hard kill
// (spec.md §4.3 "Subprocess": "disconnect() sends a termination signal").
func terminationSignal() syscall.Signal { return syscall.SIGTERM }
