// Package config loads and persists warden's JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// SandboxConfig controls the optional Landlock filesystem sandbox
// applied to the supervisor process before it spawns children.
type SandboxConfig struct {
	Disable                  bool     `json:"disable,omitempty"`
	BestEffort               bool     `json:"best_effort"`
	AdditionalReadOnlyPaths  []string `json:"additional_read_only_paths,omitempty"`
	AdditionalReadWritePaths []string `json:"additional_read_write_paths,omitempty"`
}

// Config represents application configuration
type Config struct {
	// Approval queue
	ApprovalTTLSeconds         int `json:"approval_ttl_seconds"`
	ApprovedClaimWindowSeconds int `json:"approved_claim_window_seconds"`

	// Execution limits
	ExecutionTimeoutSeconds int   `json:"execution_timeout_seconds"`
	MaxCPUSeconds           int   `json:"max_cpu_seconds"`
	MaxMemoryBytes          int64 `json:"max_memory_bytes"`
	MaxOutputBytes          int64 `json:"max_output_bytes"`

	// Path and environment policy
	AllowedPathRoots     []string `json:"allowed_path_roots"`
	SensitiveEnvVarNames []string `json:"sensitive_env_var_names"`
	EnvWhitelist         []string `json:"env_whitelist,omitempty"`
	SafePathDirs         []string `json:"safe_path_dirs"`
	TrustedHosts         []string `json:"trusted_hosts,omitempty"`

	// Checkpoint retention
	CheckpointRetentionCount      int `json:"checkpoint_retention_count"`
	CheckpointRetentionAgeSeconds int `json:"checkpoint_retention_age_seconds"`

	// State locations
	DatabasePath string `json:"database_path,omitempty"`
	BackupDir    string `json:"backup_dir,omitempty"`

	// Logging
	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"-"`

	Sandbox SandboxConfig `json:"sandbox,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "warden")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "warden")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "warden")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "warden")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "warden")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "warden")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "warden")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "warden")
	}
}

// DefaultConfigPath returns the location Load falls back to.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// DefaultSensitiveEnvVars is the deny-list of environment variables stripped
// from spawned commands unless explicitly whitelisted.
var DefaultSensitiveEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GROQ_API_KEY",
	"HF_TOKEN",
	"HUGGING_FACE_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITLAB_TOKEN",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_KEY",
	"GOOGLE_API_KEY",
	"DATABASE_URL",
	"DB_PASSWORD",
	"POSTGRES_PASSWORD",
	"MYSQL_PASSWORD",
	"REDIS_PASSWORD",
	"MONGO_PASSWORD",
	"SECRET_KEY",
	"JWT_SECRET",
	"PRIVATE_KEY",
	"AUTH_TOKEN",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"SSH_AUTH_SOCK",
	"SSH_PRIVATE_KEY",
}

// DefaultTrustedHosts are hosts network commands may reference without
// escalating classification (package registries, code hosting, docs).
var DefaultTrustedHosts = []string{
	"pypi.org", "files.pythonhosted.org",
	"registry.npmjs.org",
	"crates.io", "static.crates.io",
	"rubygems.org",
	"proxy.golang.org", "sum.golang.org",
	"github.com", "raw.githubusercontent.com", "api.github.com",
	"gitlab.com", "bitbucket.org",
	"go.dev", "golang.org", "docs.rs", "docs.python.org",
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()
	homeDir, _ := os.UserHomeDir()

	safePath := []string{"/usr/bin", "/bin", "/usr/local/bin"}
	if homeDir != "" {
		safePath = append(safePath, filepath.Join(homeDir, ".local", "bin"))
	}

	return &Config{
		ApprovalTTLSeconds:            3600,
		ApprovedClaimWindowSeconds:    600,
		ExecutionTimeoutSeconds:       30,
		MaxCPUSeconds:                 60,
		MaxMemoryBytes:                512 << 20,
		MaxOutputBytes:                1 << 20,
		AllowedPathRoots:              nil, // must be provided per proposal or set here
		SensitiveEnvVarNames:          append([]string(nil), DefaultSensitiveEnvVars...),
		SafePathDirs:                  safePath,
		TrustedHosts:                  append([]string(nil), DefaultTrustedHosts...),
		CheckpointRetentionCount:      50,
		CheckpointRetentionAgeSeconds: 7 * 24 * 3600,
		DatabasePath:                  filepath.Join(stateDir, "warden.db"),
		BackupDir:                     filepath.Join(stateDir, "backups"),
		LogLevel:                      "info",
		LogPath:                       filepath.Join(stateDir, "warden.log"),
		Sandbox: SandboxConfig{
			BestEffort: true,
		},
	}
}

// Load loads configuration from file, layering it over the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects configurations that would weaken the fail-closed posture.
func (c *Config) Validate() error {
	if c.ApprovalTTLSeconds <= 0 {
		return fmt.Errorf("approval_ttl_seconds must be positive, got %d", c.ApprovalTTLSeconds)
	}
	if c.ApprovedClaimWindowSeconds <= 0 {
		return fmt.Errorf("approved_claim_window_seconds must be positive, got %d", c.ApprovedClaimWindowSeconds)
	}
	if c.ExecutionTimeoutSeconds <= 0 {
		return fmt.Errorf("execution_timeout_seconds must be positive, got %d", c.ExecutionTimeoutSeconds)
	}
	if c.MaxOutputBytes <= 0 {
		return fmt.Errorf("max_output_bytes must be positive, got %d", c.MaxOutputBytes)
	}
	if c.MaxMemoryBytes < 0 {
		return fmt.Errorf("max_memory_bytes must not be negative, got %d", c.MaxMemoryBytes)
	}
	for _, root := range c.AllowedPathRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("allowed_path_roots entries must be absolute, got %q", root)
		}
	}
	return nil
}
