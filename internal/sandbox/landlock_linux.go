//go:build linux

package sandbox

import (
	"fmt"

	"github.com/landlock-lsm/go-landlock/landlock"

	"github.com/codefionn/warden/internal/config"
	"github.com/codefionn/warden/internal/logger"
)

// systemReadOnlyDirs are what spawned commands need to find their
// interpreters, libraries and configuration.
var systemReadOnlyDirs = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt", "/proc", "/sys", "/dev",
}

func apply(cfg config.SandboxConfig, readWritePaths []string, log *logger.Logger) error {
	roDirs := existingPaths(append(append([]string{}, systemReadOnlyDirs...),
		cfg.AdditionalReadOnlyPaths...))
	rwDirs := existingPaths(append(append([]string{}, readWritePaths...),
		cfg.AdditionalReadWritePaths...))

	rules := []landlock.Rule{
		landlock.RODirs(roDirs...),
		landlock.RWDirs(rwDirs...),
	}

	ll := landlock.V6
	if cfg.BestEffort {
		ll = ll.BestEffort()
	}
	if err := ll.RestrictPaths(rules...); err != nil {
		return fmt.Errorf("failed to apply landlock rules: %w", err)
	}

	log.Info("landlock active: %d read-only, %d read-write paths", len(roDirs), len(rwDirs))
	return nil
}
