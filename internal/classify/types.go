// Package classify assigns a risk verdict to proposed shell commands.
// Classification is a pure function of the command text: no I/O, no state,
// and no failure mode. Unparseable input is classified BLOCKED rather
// than reported as an error.
package classify

import "fmt"

// CommandType categorizes a command by its function.
type CommandType string

const (
	TypeLintFormat     CommandType = "lint_format"
	TypeTest           CommandType = "test"
	TypeBuild          CommandType = "build"
	TypeInfo           CommandType = "info"
	TypePackageInfo    CommandType = "package_info"
	TypeFileRead       CommandType = "file_read"
	TypeFileWrite      CommandType = "file_write"
	TypeFileDelete     CommandType = "file_delete"
	TypeGitRead        CommandType = "git_read"
	TypeGitWrite       CommandType = "git_write"
	TypeGitDestructive CommandType = "git_destructive"
	TypePackageInstall CommandType = "package_install"
	TypeDocker         CommandType = "docker"
	TypeDatabase       CommandType = "database"
	TypeNetwork        CommandType = "network"
	TypeSystem         CommandType = "system"
	TypeShell          CommandType = "shell"
	TypeUnknown        CommandType = "unknown"
)

// RiskLevel orders how much supervision a command requires. Higher values
// are strictly more restrictive; aggregation always takes the maximum.
type RiskLevel int

const (
	// RiskSafe commands auto-execute without approval.
	RiskSafe RiskLevel = iota
	// RiskModerate commands need approval (or an autonomy token).
	RiskModerate
	// RiskDangerous commands need explicit per-item approval.
	RiskDangerous
	// RiskBlocked commands are refused outright; no override exists.
	RiskBlocked
)

// String returns the wire representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskModerate:
		return "moderate"
	case RiskDangerous:
		return "dangerous"
	case RiskBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a stored string back to a RiskLevel.
// Unrecognized input maps to RiskBlocked: a verdict we cannot read
// must not become a verdict we trust.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch s {
	case "safe":
		return RiskSafe, nil
	case "moderate":
		return RiskModerate, nil
	case "dangerous":
		return RiskDangerous, nil
	case "blocked":
		return RiskBlocked, nil
	default:
		return RiskBlocked, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalJSON encodes the risk level as its string form.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// UnmarshalJSON decodes the string form; unknown values decode to blocked.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	level, err := ParseRiskLevel(s)
	*r = level
	return err
}

// Command is the parsed, immutable form of a proposed shell command.
type Command struct {
	Raw         string   `json:"raw"`
	Tokens      []string `json:"tokens,omitempty"`
	BaseCommand string   `json:"base_command"`
	HasChaining bool     `json:"has_chaining"`
	Paths       []string `json:"paths,omitempty"`
	EnvVars     []string `json:"env_vars,omitempty"`

	// ParseError is set when the bash grammar could not produce a clean
	// parse. A command with a parse error always classifies BLOCKED.
	ParseError string `json:"parse_error,omitempty"`
}

// Result is the classifier's verdict for one command.
type Result struct {
	Command       Command     `json:"command"`
	CommandType   CommandType `json:"command_type"`
	Risk          RiskLevel   `json:"risk_level"`
	Dangers       []string    `json:"dangers,omitempty"`
	Reasoning     string      `json:"reasoning"`
	PathsAffected []string    `json:"paths_affected,omitempty"`
	EnvVarsUsed   []string    `json:"env_vars_used,omitempty"`
	HasChaining   bool        `json:"has_chaining"`
}

// IsSafe reports whether the command may auto-execute without approval.
func (r *Result) IsSafe() bool {
	return r.Risk == RiskSafe
}

// RequiresApproval reports whether the command must pass the approval gate.
func (r *Result) RequiresApproval() bool {
	return r.Risk == RiskModerate || r.Risk == RiskDangerous
}
