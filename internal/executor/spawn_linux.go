//go:build linux

package executor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so signals reach
// every descendant, not just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// applyResourceLimits sets address-space and CPU ceilings on the running
// child via prlimit. Applying them post-start avoids a fork helper; the
// window before they land is microseconds of shell startup.
func applyResourceLimits(pid int, limits Limits) error {
	if limits.MaxMemoryBytes > 0 {
		rlim := unix.Rlimit{
			Cur: uint64(limits.MaxMemoryBytes),
			Max: uint64(limits.MaxMemoryBytes),
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
			return err
		}
	}
	if limits.MaxCPUSeconds > 0 {
		rlim := unix.Rlimit{
			Cur: uint64(limits.MaxCPUSeconds),
			Max: uint64(limits.MaxCPUSeconds),
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rlim, nil); err != nil {
			return err
		}
	}
	return nil
}

// killGroup signals the child's whole process group. graceful sends
// SIGTERM, otherwise SIGKILL.
func killGroup(pid int, graceful bool) {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		syscall.Kill(pid, sig)
		return
	}
	syscall.Kill(-pgid, sig)
}
