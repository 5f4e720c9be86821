//go:build !linux

package executor

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// applyResourceLimits is a no-op off Linux; the wall-clock timeout and
// output caps still apply.
func applyResourceLimits(pid int, limits Limits) error {
	return nil
}

func killGroup(pid int, graceful bool) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}
