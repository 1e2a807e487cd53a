package config

import (
	"log/slog"
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(nil, env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel || cfg.LogFormat != defaultLogFormat {
		t.Errorf("log = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DigitTimeout != 5*time.Second || cfg.ResponseTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.DigitTimeout, cfg.ResponseTimeout)
	}
	if !cfg.AutoFallthrough || cfg.HangupExten || !cfg.PatternTrie {
		t.Errorf("bools = autofallthrough %v hangup %v trie %v", cfg.AutoFallthrough, cfg.HangupExten, cfg.PatternTrie)
	}
	if cfg.RealtimeDriver != "" || cfg.RealtimeContext != "default" {
		t.Errorf("realtime = %q in %q", cfg.RealtimeDriver, cfg.RealtimeContext)
	}
	if cfg.MaxCalls != 0 || cfg.MaxCallRate != 0 {
		t.Errorf("limits = %d, %g", cfg.MaxCalls, cfg.MaxCallRate)
	}
}

func TestEnvVarOverride(t *testing.T) {
	cfg, err := parse(nil, env(map[string]string{
		"PBXCORE_HTTP_PORT":       "9090",
		"PBXCORE_LOG_LEVEL":       "DEBUG",
		"PBXCORE_MAX_CALLS":       "50",
		"PBXCORE_DIGIT_TIMEOUT":   "3s",
		"PBXCORE_AUTOFALLTHROUGH": "false",
		"PBXCORE_MAX_LOAD":        "4.5",
		"PBXCORE_SOUNDS_DIR":      "/var/lib/pbxcore/sounds",
		"PBXCORE_API_SECRET":      "0123456789abcdef0123",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MaxCalls != 50 || cfg.MaxLoad != 4.5 {
		t.Errorf("limits = %d, %g", cfg.MaxCalls, cfg.MaxLoad)
	}
	if cfg.DigitTimeout != 3*time.Second {
		t.Errorf("DigitTimeout = %v", cfg.DigitTimeout)
	}
	if cfg.AutoFallthrough {
		t.Error("AutoFallthrough still true")
	}
	if cfg.SoundsDir != "/var/lib/pbxcore/sounds" {
		t.Errorf("SoundsDir = %q", cfg.SoundsDir)
	}
	if cfg.APISecret != "0123456789abcdef0123" {
		t.Errorf("APISecret = %q", cfg.APISecret)
	}
}

func TestCLIFlagOverridesEnv(t *testing.T) {
	cfg, err := parse([]string{"-http-port", "7070"}, env(map[string]string{"PBXCORE_HTTP_PORT": "9090"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070 (CLI should override env)", cfg.HTTPPort)
	}
}

func TestBadEnvValue(t *testing.T) {
	if _, err := parse(nil, env(map[string]string{"PBXCORE_MAX_CALLS": "lots"})); err == nil {
		t.Error("expected error for non-numeric PBXCORE_MAX_CALLS")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port", []string{"-http-port", "0"}},
		{"level", []string{"-log-level", "verbose"}},
		{"format", []string{"-log-format", "xml"}},
		{"negative calls", []string{"-max-calls", "-1"}},
		{"zero digit timeout", []string{"-digit-timeout", "0s"}},
		{"driver", []string{"-realtime-driver", "mysql", "-realtime-dsn", "x"}},
		{"missing dsn", []string{"-realtime-driver", "sqlite"}},
		{"short api secret", []string{"-api-secret", "short"}},
		{"zero token ttl", []string{"-api-token-ttl", "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(tt.args, env(nil)); err == nil {
				t.Errorf("parse(%v) succeeded", tt.args)
			}
		})
	}

	if _, err := parse([]string{"-realtime-driver", "sqlite", "-realtime-dsn", "/tmp/rt.db"}, env(nil)); err != nil {
		t.Errorf("valid realtime config rejected: %v", err)
	}
}

func TestPositionalArgs(t *testing.T) {
	cfg, err := parse([]string{"-api-token-ttl", "1h", "alice"}, env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APITokenTTL != time.Hour || len(cfg.Args) != 1 || cfg.Args[0] != "alice" {
		t.Errorf("ttl = %v, args = %v", cfg.APITokenTTL, cfg.Args)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSystemName(t *testing.T) {
	cfg := &Config{SystemName: "pbx1"}
	if got := cfg.SystemNameOrHost(); got != "pbx1" {
		t.Errorf("SystemNameOrHost = %q", got)
	}
	if (&Config{}).SystemNameOrHost() == "" {
		t.Error("empty fallback system name")
	}
	if got := (&Config{HTTPPort: 8080}).Addr(); got != ":8080" {
		t.Errorf("Addr = %q", got)
	}
}
