package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"none":    LevelNone,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "sub", "warden.log")

	l, err := New(LevelDebug, logPath, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Info("hello %s", "world")
	l.Debug("detail %d", 42)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "hello world") {
		t.Errorf("expected info message in log, got: %s", content)
	}
	if !strings.Contains(content, "[test]") {
		t.Errorf("expected prefix in log, got: %s", content)
	}
	if !strings.Contains(content, "detail 42") {
		t.Errorf("expected debug message in log, got: %s", content)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "warden.log")

	l, err := New(LevelWarn, logPath, "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("warning line")
	l.Error("error line")

	data, _ := os.ReadFile(logPath)
	content := string(data)
	if strings.Contains(content, "should not appear") {
		t.Errorf("level filtering failed: %s", content)
	}
	if !strings.Contains(content, "warning line") || !strings.Contains(content, "error line") {
		t.Errorf("expected warn and error lines, got: %s", content)
	}
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Must not panic or create files.
	l.Info("into the void")
	if !l.disabled {
		t.Error("expected logger to be disabled")
	}
}

func TestWithPrefix(t *testing.T) {
	dir := t.TempDir()
	l, err := New(LevelInfo, filepath.Join(dir, "w.log"), "queue")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	child := l.WithPrefix("sweep")
	if child.prefix != "queue:sweep" {
		t.Errorf("expected combined prefix, got %q", child.prefix)
	}
}
