//go:build !linux

package sandbox

import (
	"github.com/codefionn/warden/internal/config"
	"github.com/codefionn/warden/internal/logger"
)

// Landlock is Linux-only; elsewhere the classifier and executor
// preconditions are the only line of defense.
func apply(cfg config.SandboxConfig, readWritePaths []string, log *logger.Logger) error {
	log.Warn("filesystem sandbox unavailable on this platform")
	return nil
}
