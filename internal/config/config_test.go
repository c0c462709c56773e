package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "darktable-mcp.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/darktable-mcp.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("a missing explicit path must not be reported as ErrNoConfig")
	}
}

func TestFindConfig_NothingFound(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	if _, err := os.Stat("/etc/darktable-mcp/config.yaml"); err == nil {
		t.Skip("system config present")
	}

	_, err := FindConfig("")
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("FindConfig(\"\") = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "darktable-mcp.yaml"), []byte("log_level: info\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "darktable-mcp.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "darktable-mcp.yaml")
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Remote.Service != "org.darktable.service" {
		t.Errorf("service = %q", cfg.Remote.Service)
	}
	if cfg.Remote.Path != "/darktable" {
		t.Errorf("path = %q", cfg.Remote.Path)
	}
	if cfg.Remote.Interface != "org.darktable.service.Remote" {
		t.Errorf("interface = %q", cfg.Remote.Interface)
	}
	if cfg.Remote.Connect.MaxRetries != 1 {
		t.Errorf("connect.max_retries = %d, want 1", cfg.Remote.Connect.MaxRetries)
	}
	if cfg.Journal.Enabled() || cfg.MQTT.Configured() {
		t.Error("journal and mqtt should be disabled by default")
	}
}

func TestLoad_KeepsDefaultsForUnsetFields(t *testing.T) {
	path := writeConfig(t, "remote:\n  call_timeout: 5s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Remote.CallTimeout != 5*time.Second {
		t.Errorf("call_timeout = %s, want 5s", cfg.Remote.CallTimeout)
	}
	if cfg.Remote.Method != DefaultMethod {
		t.Errorf("method = %q, want %q", cfg.Remote.Method, DefaultMethod)
	}
	if cfg.Remote.Transport != TransportDBus {
		t.Errorf("transport = %q, want %q", cfg.Remote.Transport, TransportDBus)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("DTMCP_TEST_BROKER", "mqtt://broker.lan:1883")
	path := writeConfig(t, "mqtt:\n  broker: ${DTMCP_TEST_BROKER}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Broker != "mqtt://broker.lan:1883" {
		t.Errorf("broker = %q, want %q", cfg.MQTT.Broker, "mqtt://broker.lan:1883")
	}
	if !cfg.MQTT.Configured() {
		t.Error("MQTT.Configured() = false, want true")
	}
}

func TestLoad_ExpandsHomeInJournalPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "journal:\n  path: ~/calls.db\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := filepath.Join(home, "calls.db")
	if cfg.Journal.Path != want {
		t.Errorf("journal.path = %q, want %q", cfg.Journal.Path, want)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"log level", "log_level: loud\n", "unknown log level"},
		{"log format", "log_format: xml\n", "unknown log_format"},
		{"transport", "remote:\n  transport: carrier-pigeon\n", "unknown remote.transport"},
		{"bus", "remote:\n  bus: starter\n", "unknown remote.bus"},
		{"relative path", "remote:\n  path: darktable\n", "absolute object path"},
		{"websocket without url", "remote:\n  transport: websocket\n", "websocket_url is required"},
		{"zero timeout", "remote:\n  call_timeout: 0s\n", "call_timeout must be positive"},
		{"zero retries", "remote:\n  connect:\n    max_retries: 0\n", "max_retries must be at least 1"},
		{"negative watch", "remote:\n  watch_interval: -1s\n", "watch_interval must not be negative"},
		{"malformed yaml", "remote: [\n", "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{" TRACE ", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any() != slog.LevelInfo {
		t.Errorf("info level rewritten to %v", a.Value.Any())
	}
}
