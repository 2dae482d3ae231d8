package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCLIDefaults(t *testing.T) {
	// t.Setenv registers restoration; the variables must then be unset,
	// not empty, or kong prefers the env value over the default tag.
	for _, key := range []string{"DOCCHAT_HTTP_ADDR", "DOCCHAT_DB_PATH"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := parseCLI(nil)
	if err != nil {
		t.Fatalf("parse cli: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr mismatch: got=%q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "./docchat.db" {
		t.Fatalf("db path mismatch: got=%q", cfg.DBPath)
	}
}

func TestParseCLIFlagOverridesEnv(t *testing.T) {
	t.Setenv("DOCCHAT_DB_PATH", "/env/docchat.db")

	cfg, err := parseCLI([]string{"--db-path=/flag/docchat.db"})
	if err != nil {
		t.Fatalf("parse cli: %v", err)
	}
	if cfg.DBPath != "/flag/docchat.db" {
		t.Fatalf("expected flag to override env, got %q", cfg.DBPath)
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	if _, err := newLogger("nope", "text"); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}

func TestParseDotEnvLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		key     string
		value   string
		ok      bool
		wantErr bool
	}{
		{name: "empty", line: "", ok: false},
		{name: "comment", line: "# comment", ok: false},
		{name: "simple", line: "OPENROUTER_API_KEY=abc123", key: "OPENROUTER_API_KEY", value: "abc123", ok: true},
		{name: "export", line: "export OPENROUTER_API_KEY=abc123", key: "OPENROUTER_API_KEY", value: "abc123", ok: true},
		{name: "double quoted", line: "OPENROUTER_API_KEY=\"abc 123\"", key: "OPENROUTER_API_KEY", value: "abc 123", ok: true},
		{name: "single quoted", line: "OPENROUTER_API_KEY='abc 123'", key: "OPENROUTER_API_KEY", value: "abc 123", ok: true},
		{name: "invalid", line: "OPENROUTER_API_KEY", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, value, ok, err := parseDotEnvLine(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tc.ok {
				t.Fatalf("ok mismatch: got=%v want=%v", ok, tc.ok)
			}
			if key != tc.key {
				t.Fatalf("key mismatch: got=%q want=%q", key, tc.key)
			}
			if value != tc.value {
				t.Fatalf("value mismatch: got=%q want=%q", value, tc.value)
			}
		})
	}
}

func TestLoadDotEnvFileSetsMissingValuesOnly(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("DOCCHAT_MODEL_PRIMARY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "OPENROUTER_API_KEY=from-dotenv\nDOCCHAT_MODEL_PRIMARY=anthropic/claude-sonnet-4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadDotEnvFile(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}

	if got := os.Getenv("OPENROUTER_API_KEY"); got != "from-dotenv" {
		t.Fatalf("OPENROUTER_API_KEY mismatch: got=%q", got)
	}
	if got := os.Getenv("DOCCHAT_MODEL_PRIMARY"); got != "anthropic/claude-sonnet-4" {
		t.Fatalf("DOCCHAT_MODEL_PRIMARY mismatch: got=%q", got)
	}
}

func TestLoadDotEnvFileDoesNotOverrideExistingValues(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "already-set")

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("OPENROUTER_API_KEY=from-dotenv\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadDotEnvFile(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}

	if got := os.Getenv("OPENROUTER_API_KEY"); got != "already-set" {
		t.Fatalf("expected env to remain already-set, got=%q", got)
	}
}
