package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DISCORD_BOT_TOKEN", "ADMIN_USER_IDS", "DATABASE_PATH", "POLLING_INTERVAL_SECONDS",
		"POLL_CONCURRENCY", "STATUS_TIMEZONE", "LOG_LEVEL", "CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}
	// keep a stray .env in the working directory out of the test
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DISCORD_BOT_TOKEN", "token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollingInterval() != time.Minute {
		t.Errorf("Expected 60s interval, got %v", cfg.PollingInterval())
	}
	if cfg.PollConcurrency != 4 {
		t.Errorf("Expected concurrency 4, got %d", cfg.PollConcurrency)
	}
	if cfg.DatabasePath != "./data/bot.db" {
		t.Errorf("Unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.Location.String() != "Europe/Berlin" {
		t.Errorf("Expected Europe/Berlin, got %s", cfg.Location)
	}
	if cfg.Policy != DefaultPolicy() {
		t.Errorf("Expected default policy, got %+v", cfg.Policy)
	}
}

func TestLoadRequiresToken(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Error("Expected missing token to fail")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"POLLING_INTERVAL_SECONDS", "soon"},
		{"POLLING_INTERVAL_SECONDS", "0"},
		{"POLL_CONCURRENCY", "-1"},
		{"STATUS_TIMEZONE", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DISCORD_BOT_TOKEN", "token")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected %s=%s to fail", tt.key, tt.value)
			}
		})
	}
}

func TestLoadAdminsAndPolicyFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "policy:\n  staleAfter: 48h\n  graceFloor: 5m\n  deliveryRate: 2.5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("DISCORD_BOT_TOKEN", "token")
	t.Setenv("ADMIN_USER_IDS", " 111, 222 ,,")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsAdmin("111") || !cfg.IsAdmin("222") || cfg.IsAdmin("333") {
		t.Errorf("Unexpected admins %v", cfg.AdminUserIDs)
	}
	if cfg.Policy.StaleAfter != 48*time.Hour || cfg.Policy.GraceFloor != 5*time.Minute {
		t.Errorf("Expected overrides from file, got %+v", cfg.Policy)
	}
	if cfg.Policy.DeliveryRate != 2.5 {
		t.Errorf("Expected delivery rate 2.5, got %v", cfg.Policy.DeliveryRate)
	}
	if cfg.Policy.RecentWindow != DefaultPolicy().RecentWindow {
		t.Errorf("Expected unset keys to keep defaults, got %v", cfg.Policy.RecentWindow)
	}
}
