package pool

import "golang.org/x/sys/unix"

// pidAlive probes a process with signal 0. EPERM still means the process
// exists, we just cannot signal it.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
