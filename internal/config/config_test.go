package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerAddr != ":4001" {
		t.Errorf("ServerAddr = %q, want %q", cfg.ServerAddr, ":4001")
	}
	if cfg.APIBaseURL != "http://localhost:4001" {
		t.Errorf("APIBaseURL = %q, want default", cfg.APIBaseURL)
	}
	if cfg.RedirectDelay != 2*time.Second {
		t.Errorf("RedirectDelay = %v, want 2s", cfg.RedirectDelay)
	}
	if cfg.SocketReconnectAttempts != 5 {
		t.Errorf("SocketReconnectAttempts = %d, want 5", cfg.SocketReconnectAttempts)
	}
	if cfg.SocketReconnectDelay != time.Second {
		t.Errorf("SocketReconnectDelay = %v, want 1s", cfg.SocketReconnectDelay)
	}
	if cfg.TokenTTL != 720*time.Hour {
		t.Errorf("TokenTTL = %v, want 720h", cfg.TokenTTL)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("API_BASE_URL", "https://lm.example.com/")
	os.Setenv("SOCKET_PATH", "ws")
	os.Setenv("REDIRECT_DELAY", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://lm.example.com" {
		t.Errorf("APIBaseURL = %q, want trailing slash trimmed", cfg.APIBaseURL)
	}
	if cfg.RedirectDelay != 500*time.Millisecond {
		t.Errorf("RedirectDelay = %v, want 500ms", cfg.RedirectDelay)
	}
	if got := cfg.SocketURL(); got != "wss://lm.example.com/ws" {
		t.Errorf("SocketURL = %q, want %q", got, "wss://lm.example.com/ws")
	}
}

func TestLoad_NegativeRedirectDelay(t *testing.T) {
	os.Clearenv()
	os.Setenv("REDIRECT_DELAY", "-1s")

	if _, err := Load(); err == nil {
		t.Fatal("Load: expected error for negative REDIRECT_DELAY")
	}
}

func TestSocketURL_PlainHTTP(t *testing.T) {
	cfg := &Config{APIBaseURL: "http://localhost:4001", SocketPath: "/socket"}
	if got := cfg.SocketURL(); got != "ws://localhost:4001/socket" {
		t.Errorf("SocketURL = %q", got)
	}
}
