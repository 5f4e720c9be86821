package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ApprovalTTLSeconds != 3600 {
		t.Errorf("expected default approval TTL 3600, got %d", cfg.ApprovalTTLSeconds)
	}
	if cfg.ExecutionTimeoutSeconds != 30 {
		t.Errorf("expected default timeout 30, got %d", cfg.ExecutionTimeoutSeconds)
	}
	if len(cfg.SensitiveEnvVarNames) == 0 {
		t.Error("expected a default sensitive env var deny-list")
	}
	if cfg.MaxOutputBytes <= 0 {
		t.Error("expected positive default output cap")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load of missing file should not error: %v", err)
	}
	if cfg.ApprovalTTLSeconds != 3600 {
		t.Errorf("expected defaults, got TTL %d", cfg.ApprovalTTLSeconds)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"approval_ttl_seconds": 120,
		"allowed_path_roots": ["/srv/projects"],
		"sandbox": {"best_effort": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ApprovalTTLSeconds != 120 {
		t.Errorf("expected overridden TTL 120, got %d", cfg.ApprovalTTLSeconds)
	}
	// Untouched fields keep their defaults.
	if cfg.ExecutionTimeoutSeconds != 30 {
		t.Errorf("expected default timeout preserved, got %d", cfg.ExecutionTimeoutSeconds)
	}
	if len(cfg.AllowedPathRoots) != 1 || cfg.AllowedPathRoots[0] != "/srv/projects" {
		t.Errorf("expected allowed roots override, got %v", cfg.AllowedPathRoots)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"approval_ttl_seconds": -5}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for negative TTL")
	}
}

func TestValidateRelativeRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedPathRoots = []string{"relative/path"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for relative allowed root")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.ApprovalTTLSeconds = 900
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ApprovalTTLSeconds != 900 {
		t.Errorf("expected 900 after round trip, got %d", loaded.ApprovalTTLSeconds)
	}
}
