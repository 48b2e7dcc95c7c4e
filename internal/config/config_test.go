package config

import (
	"testing"

	"github.com/emryslou/filetunnel/internal/broker"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := DefaultConfig()
	if cfg != want {
		t.Errorf("Parse(nil) = %+v, want defaults %+v", cfg, want)
	}
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Parse([]string{
		"-listen", "127.0.0.1:9000",
		"-log-level", "debug",
		"-evict-on-reconnect",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != broker.LogLevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Collision != broker.CollisionEvict {
		t.Errorf("Collision = %v, want evict", cfg.Collision)
	}
}

func TestParseUnknownFlagErrors(t *testing.T) {
	if _, err := Parse([]string{"-nonexistent"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
