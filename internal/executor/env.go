package executor

import (
	"os"
	"strings"
)

// baseEnvVars are always carried over from the parent when present. They
// are boring enough to be safe and missing them breaks most tools.
var baseEnvVars = []string{"HOME", "USER", "LOGNAME", "LANG", "LC_ALL", "TERM", "TZ", "TMPDIR", "SHELL"}

// SanitizedEnv builds the child environment from scratch. Nothing from
// the parent environment leaks through unless it is a known-boring base
// variable or explicitly whitelisted, and the sensitive deny-list beats
// the whitelist. PATH is always replaced with the restricted directories.
func SanitizedEnv(workingDir string, safePathDirs, whitelist, sensitive []string) []string {
	denied := make(map[string]bool, len(sensitive))
	for _, name := range sensitive {
		denied[name] = true
	}

	env := make([]string, 0, len(baseEnvVars)+len(whitelist)+2)
	add := func(name string) {
		if denied[name] {
			return
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	for _, name := range baseEnvVars {
		add(name)
	}
	for _, name := range whitelist {
		if name == "PATH" {
			continue
		}
		add(name)
	}

	if len(safePathDirs) == 0 {
		safePathDirs = []string{"/usr/bin", "/bin"}
	}
	env = append(env, "PATH="+strings.Join(safePathDirs, ":"))
	env = append(env, "PWD="+workingDir)
	return env
}
