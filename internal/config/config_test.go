package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

var configEnvKeys = []string{
	"CONFIG_FILE", "PORT", "API_ADDR", "CORS_ALLOWED_ORIGINS", "REDIS_ADDR",
	"ROOM_MAX_AGE", "REAP_INTERVAL", "STATUS_INTERVAL", "SHUTDOWN_TIMEOUT",
	"LOG_LEVEL", "LOG_FORMAT", "WS_MAX_MESSAGE_BYTES", "WS_MESSAGES_PER_SECOND",
	"WS_MESSAGE_BURST", "WS_SEND_QUEUE_SIZE", "ICE_SERVERS_JSON", "STUN_URLS",
	"TURN_URLS", "TURN_USERNAME", "TURN_CREDENTIAL",
}

// clearEnv は空文字を設定して未設定扱いにします
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != ":8080" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.RoomMaxAge != 24*time.Hour || cfg.ReapInterval != time.Hour {
		t.Fatalf("unexpected reaper defaults: %s %s", cfg.RoomMaxAge, cfg.ReapInterval)
	}
	if !cfg.AllowsAnyOrigin() {
		t.Fatal("default should reflect any origin")
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redis should be disabled by default, got %q", cfg.RedisAddr)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ice servers, got %#v", cfg.ICEServers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3001")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("ROOM_MAX_AGE", "2h")
	t.Setenv("WS_MESSAGE_BURST", "7")
	t.Setenv("STUN_URLS", "stun:stun.example.com:3478")

	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != ":3001" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if len(cfg.AllowedOrigin) != 2 || cfg.AllowedOrigin[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigin = %#v", cfg.AllowedOrigin)
	}
	if cfg.AllowsAnyOrigin() {
		t.Fatal("explicit origins should not reflect any origin")
	}
	if cfg.RoomMaxAge != 2*time.Hour {
		t.Fatalf("RoomMaxAge = %s", cfg.RoomMaxAge)
	}
	if cfg.WebSocket.MessageBurst != 7 {
		t.Fatalf("MessageBurst = %d", cfg.WebSocket.MessageBurst)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected 1 ice server, got %#v", cfg.ICEServers)
	}
}

func TestLoad_APIAddrWinsOverPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "3001")
	t.Setenv("API_ADDR", "127.0.0.1:9000")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:9000" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
}

func TestLoad_InvalidEnvFallsBackWithWarning(t *testing.T) {
	clearEnv(t)
	t.Setenv("REAP_INTERVAL", "soon")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReapInterval != time.Hour {
		t.Fatalf("ReapInterval = %s", cfg.ReapInterval)
	}
	if len(cfg.Warnings) != 1 {
		t.Fatalf("expected one warning, got %#v", cfg.Warnings)
	}
}

func TestLoad_FileThenEnvThenFlags(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "signaling.yaml")
	body := []byte("api_addr: \":7000\"\nredis_addr: \"file:6379\"\nlog_level: debug\nwebsocket:\n  message_burst: 3\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, err := Load(newFlags(t, "--config", path, "--log-level", "warn"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != ":7000" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.RedisAddr != "env:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.WebSocket.MessageBurst != 3 {
		t.Fatalf("MessageBurst = %d", cfg.WebSocket.MessageBurst)
	}
	// ファイルにない値はデフォルトのまま
	if cfg.WebSocket.MessagesPerSecond != 50 {
		t.Fatalf("MessagesPerSecond = %g", cfg.WebSocket.MessagesPerSecond)
	}
}

func TestLoad_UnknownFileKeyFails(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(newFlags(t, "--log-format", "xml")); err == nil {
		t.Fatal("expected error for log format")
	}
	if _, err := Load(newFlags(t, "--reap-interval", "0s")); err == nil {
		t.Fatal("expected error for zero interval")
	}
	t.Setenv("TURN_URLS", "turn:turn.example.com:3478")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for turn without credentials")
	}
}
