package classify

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Options configure a Classifier. Zero-value options yield a classifier
// with no project roots (every absolute path counts as outside), no
// trusted hosts and no sensitive variable deny-list.
type Options struct {
	// ProjectRoots are the absolute directories the agent is allowed to
	// mutate. Paths outside them escalate the risk one level.
	ProjectRoots []string
	// TrustedHosts are hostnames network commands may reference without
	// escalation.
	TrustedHosts []string
	// SensitiveEnvVars are environment variable names whose use forces at
	// least MODERATE risk.
	SensitiveEnvVars []string
}

// Classifier assigns risk verdicts to commands. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	projectRoots []string
	trustedHosts map[string]bool
	sensitiveEnv map[string]bool
}

// New builds a Classifier from the given options.
func New(opts Options) *Classifier {
	c := &Classifier{
		projectRoots: make([]string, 0, len(opts.ProjectRoots)),
		trustedHosts: make(map[string]bool, len(opts.TrustedHosts)),
		sensitiveEnv: make(map[string]bool, len(opts.SensitiveEnvVars)),
	}
	for _, root := range opts.ProjectRoots {
		c.projectRoots = append(c.projectRoots, filepath.Clean(root))
	}
	for _, host := range opts.TrustedHosts {
		c.trustedHosts[strings.ToLower(host)] = true
	}
	for _, name := range opts.SensitiveEnvVars {
		c.sensitiveEnv[name] = true
	}
	return c
}

// Classify assigns a verdict to raw shell text. It never returns an error
// and never panics: anything it cannot understand is BLOCKED.
func (c *Classifier) Classify(raw string) Result {
	cmd := ParseCommand(raw)

	if cmd.ParseError != "" {
		return Result{
			Command:     cmd,
			CommandType: TypeUnknown,
			Risk:        RiskBlocked,
			Dangers:     []string{cmd.ParseError},
			Reasoning:   "unparseable: fail secure (" + cmd.ParseError + ")",
			HasChaining: cmd.HasChaining,
		}
	}

	risk := RiskSafe
	var dangers []string

	match := func(rules []patternRule) {
		for _, rule := range rules {
			if rule.re.MatchString(raw) {
				dangers = append(dangers, rule.danger)
				if rule.risk > risk {
					risk = rule.risk
				}
			}
		}
	}
	match(blockedRules)
	match(dangerousRules)
	match(moderateRules)

	if deleteWithoutWhere(raw) {
		dangers = append(dangers, "SQL delete without a WHERE clause")
		if RiskDangerous > risk {
			risk = RiskDangerous
		}
	}

	allowListed := false
	var listed safeCommand
	if sc, ok := lookupSafe(cmd.BaseCommand, cmd.Tokens); ok {
		allowListed = true
		listed = sc
	}

	cmdType := determineType(cmd, raw)
	if allowListed && cmdType == TypeUnknown {
		cmdType = listed.Type
	}

	if !allowListed && risk == RiskSafe {
		// A command nothing recognizes must not auto-execute.
		risk = RiskModerate
		if cmdType == TypeUnknown {
			dangers = append(dangers, "unrecognized command "+cmd.BaseCommand)
		} else {
			dangers = append(dangers, string(cmdType)+" command outside the allow-list")
		}
	}

	if cmd.HasChaining && risk < RiskModerate {
		risk = RiskModerate
		dangers = append(dangers, "command chaining")
	}

	if used := c.sensitiveEnvUsed(cmd.EnvVars); len(used) > 0 {
		if risk < RiskModerate {
			risk = RiskModerate
		}
		dangers = append(dangers, "references sensitive variables: "+strings.Join(used, ", "))
	}

	if outside := c.pathsOutsideRoots(cmd.Paths); len(outside) > 0 {
		// One level up, capped at DANGEROUS. Outside paths still have an
		// approval path; BLOCKED is reserved for explicit refusals.
		if risk < RiskDangerous {
			risk++
		}
		dangers = append(dangers, "touches paths outside project roots: "+strings.Join(outside, ", "))
	}

	if cmdType == TypeNetwork || hasURL(raw) {
		if host := c.untrustedHost(cmd.Tokens); host != "" {
			if risk < RiskModerate {
				risk = RiskModerate
			}
			dangers = append(dangers, "contacts untrusted host "+host)
			if cmdType == TypeUnknown {
				cmdType = TypeNetwork
			}
		}
	}

	return Result{
		Command:       cmd,
		CommandType:   cmdType,
		Risk:          risk,
		Dangers:       dangers,
		Reasoning:     c.reasoning(cmd, risk, dangers, allowListed, listed),
		PathsAffected: cmd.Paths,
		EnvVarsUsed:   cmd.EnvVars,
		HasChaining:   cmd.HasChaining,
	}
}

func (c *Classifier) reasoning(cmd Command, risk RiskLevel, dangers []string, allowListed bool, listed safeCommand) string {
	switch {
	case risk == RiskSafe && allowListed:
		return fmt.Sprintf("allow-listed %s: %s", cmd.BaseCommand, listed.Description)
	case len(dangers) > 0:
		return fmt.Sprintf("%s risk: %s", risk, strings.Join(dangers, "; "))
	default:
		return fmt.Sprintf("%s risk", risk)
	}
}

func (c *Classifier) sensitiveEnvUsed(envVars []string) []string {
	var used []string
	for _, name := range envVars {
		if c.sensitiveEnv[name] {
			used = append(used, name)
		}
	}
	return used
}

// pathsOutsideRoots reports paths that lexically escape every project
// root. The check is textual: symlinks are the executor's problem, this
// layer only decides how much supervision the command needs.
func (c *Classifier) pathsOutsideRoots(paths []string) []string {
	if len(c.projectRoots) == 0 || len(paths) == 0 {
		return nil
	}
	var outside []string
	for _, p := range paths {
		if !c.insideAnyRoot(p) {
			outside = append(outside, p)
		}
	}
	return outside
}

func (c *Classifier) insideAnyRoot(p string) bool {
	if strings.HasPrefix(p, "~") {
		// Home-relative paths cannot be resolved lexically against
		// absolute roots; treat them as outside.
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return false
		}
	}
	if !strings.HasPrefix(p, "/") {
		// Relative paths resolve inside the working directory, which
		// the executor pins under a project root.
		return true
	}
	clean := filepath.Clean(p)
	for _, root := range c.projectRoots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

var urlPattern = regexp.MustCompile(`https?://([^/\s:"']+)`)

func hasURL(raw string) bool {
	return urlPattern.MatchString(raw)
}

// untrustedHost returns the first host referenced by the command that is
// not on the trusted list, or "" when every host is trusted.
func (c *Classifier) untrustedHost(tokens []string) string {
	for _, tok := range tokens {
		m := urlPattern.FindStringSubmatch(tok)
		if m == nil {
			continue
		}
		host := strings.ToLower(m[1])
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		if !c.trustedHosts[host] {
			return host
		}
	}
	return ""
}

var networkBases = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "sftp": true, "rsync": true, "ping": true,
	"dig": true, "nslookup": true, "host": true, "netstat": true,
	"telnet": true, "ftp": true, "nmap": true,
}

var databaseBases = map[string]bool{
	"psql": true, "mysql": true, "sqlite3": true, "mongo": true,
	"mongosh": true, "redis-cli": true,
}

var shellBases = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
	"fish": true, "eval": true, "exec": true, "source": true,
}

var gitWriteSubcommands = map[string]bool{
	"add": true, "commit": true, "push": true, "pull": true, "fetch": true,
	"merge": true, "rebase": true, "stash": true, "tag": true,
	"cherry-pick": true, "revert": true, "switch": true, "checkout": true,
	"restore": true, "init": true, "clone": true, "apply": true,
}

var gitDestructiveRe = regexp.MustCompile(`\bgit\s+(push\b[^|;&]*(--force|-f\b)|reset\s+--hard|clean\s+-[a-zA-Z]*f|branch\s+-[a-zA-Z]*D)`)

// determineType categorizes the command by its base program and, for a
// few programs, its first subcommand.
func determineType(cmd Command, raw string) CommandType {
	base := cmd.BaseCommand
	switch {
	case base == "git":
		if gitDestructiveRe.MatchString(raw) {
			return TypeGitDestructive
		}
		if sub := subcommand(cmd.Tokens, "git"); gitWriteSubcommands[sub] {
			return TypeGitWrite
		}
		return TypeGitRead
	case base == "docker" || base == "podman" || base == "docker-compose":
		return TypeDocker
	case databaseBases[base]:
		return TypeDatabase
	case networkBases[base]:
		return TypeNetwork
	case shellBases[base]:
		return TypeShell
	case base == "systemctl" || base == "service" || base == "journalctl" ||
		base == "crontab" || base == "mount" || base == "umount":
		return TypeSystem
	case base == "rm" || base == "rmdir" || base == "shred" || base == "unlink":
		return TypeFileDelete
	case base == "touch" || base == "mkdir" || base == "cp" || base == "mv" ||
		base == "ln" || base == "tee" || base == "truncate":
		return TypeFileWrite
	case base == "pip" || base == "pip3" || base == "npm" || base == "yarn" ||
		base == "pnpm" || base == "cargo" || base == "gem" || base == "brew" ||
		base == "apt" || base == "apt-get" || base == "dnf" || base == "yum" ||
		base == "pacman" || base == "apk":
		if sub := subcommand(cmd.Tokens, base); sub == "install" || sub == "add" ||
			sub == "upgrade" || sub == "update" || sub == "uninstall" || sub == "remove" {
			return TypePackageInstall
		}
		return TypePackageInfo
	case strings.Contains(raw, ">") || strings.Contains(raw, ">>"):
		return TypeFileWrite
	default:
		return TypeUnknown
	}
}

// subcommand returns the token following the named program, skipping flags.
func subcommand(tokens []string, program string) string {
	for i, tok := range tokens {
		if tok != program && !strings.HasSuffix(tok, "/"+program) {
			continue
		}
		for j := i + 1; j < len(tokens); j++ {
			if !strings.HasPrefix(tokens[j], "-") {
				return tokens[j]
			}
		}
		return ""
	}
	return ""
}
