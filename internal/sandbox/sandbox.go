// Package sandbox applies a Landlock filesystem sandbox to the supervisor
// process. Landlock restrictions are inherited by children, so every
// command the executor spawns is confined as well. This is defense in
// depth behind the classifier and the executor's path preconditions, not
// a replacement for them.
package sandbox

import (
	"os"

	"github.com/codefionn/warden/internal/config"
	"github.com/codefionn/warden/internal/logger"
)

// Apply restricts the current process's filesystem access to the standard
// read-only system directories plus read-write access to the given paths
// (project roots, the state directory and /tmp). On kernels without
// Landlock a best-effort configuration degrades to a no-op; a strict one
// fails.
func Apply(cfg config.SandboxConfig, readWritePaths []string, log *logger.Logger) error {
	if cfg.Disable {
		log.Warn("filesystem sandbox disabled by configuration")
		return nil
	}
	return apply(cfg, readWritePaths, log.WithPrefix("sandbox"))
}

// existingPaths filters out paths that do not exist; Landlock refuses
// rules for missing paths.
func existingPaths(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
