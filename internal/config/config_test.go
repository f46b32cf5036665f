package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	neg := -1
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "minimal", cfg: Config{BaseURL: "https://api.example.com"}, ok: true},
		{name: "missing base url", cfg: Config{}},
		{name: "bad scheme", cfg: Config{BaseURL: "ftp://api.example.com"}},
		{name: "no host", cfg: Config{BaseURL: "https://"}},
		{name: "websocket", cfg: Config{BaseURL: "http://localhost:8080", Transport: "websocket"}, ok: true},
		{name: "bad transport", cfg: Config{BaseURL: "http://localhost:8080", Transport: "grpc"}},
		{name: "negative retries", cfg: Config{BaseURL: "http://localhost", StatusCheckRetries: &neg}},
		{name: "base over max", cfg: Config{BaseURL: "http://localhost", Reconnect: ReconnectConfig{BaseDelayMS: 5000, MaxDelayMS: 1000}}},
		{name: "bad log level", cfg: Config{BaseURL: "http://localhost", LogLevel: "trace"}},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: Validate err=%v, want nil", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: Validate err=nil, want error", tc.name)
		}
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseURL: " https://api.example.com/ ", Transport: "WS"}
	cfg.ApplyDefaults()

	if cfg.BaseURL != "https://api.example.com" {
		t.Fatalf("BaseURL=%q", cfg.BaseURL)
	}
	if cfg.Transport != TransportWebSocket {
		t.Fatalf("Transport=%q, want %q", cfg.Transport, TransportWebSocket)
	}
	if cfg.StatusCheckRetries == nil || *cfg.StatusCheckRetries != DefaultStatusCheckRetries {
		t.Fatalf("StatusCheckRetries=%v", cfg.StatusCheckRetries)
	}
	if cfg.Reconnect.BaseDelayMS != 1000 || cfg.Reconnect.MaxDelayMS != 30000 || cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("Reconnect=%+v", cfg.Reconnect)
	}
	if cfg.RequestTimeout() != 30*time.Second || cfg.IdleTimeout() != 90*time.Second || cfg.ToolIndicatorClear() != 3*time.Second {
		t.Fatalf("timeouts=%v/%v/%v", cfg.RequestTimeout(), cfg.IdleTimeout(), cfg.ToolIndicatorClear())
	}

	zero := 0
	kept := Config{BaseURL: "http://x", StatusCheckRetries: &zero, IdleTimeoutMS: -1}
	kept.ApplyDefaults()
	if *kept.StatusCheckRetries != 0 {
		t.Fatalf("explicit zero retries overwritten: %d", *kept.StatusCheckRetries)
	}
	if kept.IdleTimeout() != 0 {
		t.Fatalf("IdleTimeout=%v, want disabled", kept.IdleTimeout())
	}
}

func TestSaveLoad_JSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	in := &Config{BaseURL: "https://api.example.com", APIToken: "secret", Reconnect: ReconnectConfig{MaxAttempts: 3}}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%v, want 0600", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.APIToken != "secret" || out.Reconnect.MaxAttempts != 3 || out.Transport != TransportSSE {
		t.Fatalf("cfg=%+v", out)
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `base_url: http://localhost:8080
transport: websocket
status_check_retries: 4
reconnect:
  base_delay_ms: 250
  max_attempts: 8
log_format: json
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportWebSocket || *cfg.StatusCheckRetries != 4 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Reconnect.BaseDelayMS != 250 || cfg.Reconnect.MaxDelayMS != DefaultReconnectMaxDelayMS || cfg.Reconnect.MaxAttempts != 8 {
		t.Fatalf("Reconnect=%+v", cfg.Reconnect)
	}
	if cfg.LogFormat != "json" || cfg.LogLevel != "info" {
		t.Fatalf("log=%q/%q", cfg.LogFormat, cfg.LogLevel)
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save yaml: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Reconnect != cfg.Reconnect || again.BaseURL != cfg.BaseURL {
		t.Fatalf("reload=%+v, want %+v", again, cfg)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"transport":"sse"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load err=nil for missing base_url")
	}
}

func TestResolveStateDir(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	if got := cfg.ResolveStateDir("/etc/rs/config.json"); got != "/etc/rs" {
		t.Fatalf("ResolveStateDir=%q", got)
	}
	cfg.StateDir = "/var/lib/rs"
	if got := cfg.ResolveStateDir("/etc/rs/config.json"); got != "/var/lib/rs" {
		t.Fatalf("ResolveStateDir=%q", got)
	}
}
