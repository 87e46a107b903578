package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode != ModePersistent {
		t.Errorf("expected Mode=persistent, got %s", cfg.Mode)
	}
	if cfg.GetRequiredRepeats() != 3 {
		t.Errorf("expected RequiredRepeats=3, got %d", cfg.GetRequiredRepeats())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if _, ok := cfg.Platform("ChatGPT"); !ok {
		t.Error("expected case-insensitive platform lookup")
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("CHATRELAY_DEBUGGER_URL", "")
	t.Setenv("CHATRELAY_MODE", "")

	path := filepath.Join(t.TempDir(), "relay.yaml")

	cfg := DefaultConfig()
	cfg.Mode = ModeMultiSession
	cfg.Timeouts.PollInterval = "250ms"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Mode != ModeMultiSession {
		t.Errorf("expected Mode=multi_session, got %s", loaded.Mode)
	}
	if loaded.GetPollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %s", loaded.GetPollInterval())
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Platforms) == 0 {
		t.Error("expected default platforms")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_DEBUGGER_URL", "ws://127.0.0.1:9333/devtools/browser/x")
	t.Setenv("CHATRELAY_MODE", ModeDisposable)
	t.Setenv("CHATRELAY_ADDR", ":9000")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Browser.DebuggerURL != "ws://127.0.0.1:9333/devtools/browser/x" {
		t.Errorf("unexpected debugger url %s", cfg.Browser.DebuggerURL)
	}
	if cfg.Mode != ModeDisposable {
		t.Errorf("unexpected mode %s", cfg.Mode)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("unexpected addr %s", cfg.Server.Addr)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "shared" }},
		{"no platforms", func(c *Config) { c.Platforms = nil }},
		{"bad pattern", func(c *Config) { c.Platforms[0].URLPattern = "(" }},
		{"bad disqualify", func(c *Config) { c.Platforms[0].Disqualify = []string{"["} }},
		{"duplicate", func(c *Config) { c.Platforms[1].Name = c.Platforms[0].Name }},
		{"delta", func(c *Config) { c.Platforms[0].RequiredTurnDelta = 3 }},
		{"home url in disposable", func(c *Config) {
			c.Mode = ModeDisposable
			c.Platforms[0].HomeURL = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetLockTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.LockText = "420000ms"
	cfg.Platforms[1].LockAttachment = "15m"

	if got := cfg.GetLockTimeout("chatgpt", false); got != 420*time.Second {
		t.Errorf("text lock = %s", got)
	}
	if got := cfg.GetLockTimeout("chatgpt", true); got != 10*time.Minute {
		t.Errorf("attachment lock = %s", got)
	}
	if got := cfg.GetLockTimeout("claude", true); got != 15*time.Minute {
		t.Errorf("claude attachment override = %s", got)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.ResponseWait = "soon"
	cfg.Browser.ProbeTimeout = "-1s"
	if cfg.GetResponseWait() != 5*time.Minute {
		t.Errorf("expected fallback response wait, got %s", cfg.GetResponseWait())
	}
	if cfg.GetProbeTimeout() != 5*time.Second {
		t.Errorf("expected fallback probe timeout, got %s", cfg.GetProbeTimeout())
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	t.Setenv("CHATRELAY_MODE", "")
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := DefaultConfig().Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		}, nil)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.Timeouts.PollInterval = "2s"
	data := mustMarshal(t, cfg)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case c := <-reloaded:
		if c.GetPollInterval() != 2*time.Second {
			t.Errorf("expected reloaded poll interval 2s, got %s", c.GetPollInterval())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func mustMarshal(t *testing.T, cfg *Config) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tmp.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}
