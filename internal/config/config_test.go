package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", "some-key")
	t.Setenv("TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3000 || cfg.APIBaseURL != "https://api.x.com" || cfg.CycleLimit != 30 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.Timezone != time.UTC {
		t.Fatalf("timezone = %v", cfg.Timezone)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TOKEN_ENCRYPTION_KEY", "k")
	t.Setenv("PORT", "8080")
	t.Setenv("MOCK_X_API", "1")
	t.Setenv("PUBLISH_RPS", "2.5")
	t.Setenv("CYCLE_INTERVAL", "90s")
	t.Setenv("TIMEZONE", "America/New_York")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || !cfg.MockXAPI || cfg.PublishRPS != 2.5 {
		t.Fatalf("overrides = %+v", cfg)
	}
	if cfg.CycleInterval != 90*time.Second {
		t.Fatalf("cycleInterval = %v", cfg.CycleInterval)
	}
	if cfg.Timezone.String() != "America/New_York" {
		t.Fatalf("timezone = %v", cfg.Timezone)
	}
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	t.Setenv("TIMEZONE", "Not/AZone")
	if _, err := Load(); err == nil {
		t.Fatal("bad TIMEZONE should fail")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{CycleLimit: 30}
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing encryption key should fail")
	}

	cfg = &Config{EncryptionKey: "k", CycleLimit: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("cycle limit 0 should fail")
	}
	cfg.CycleLimit = 201
	if err := cfg.Validate(); err == nil {
		t.Fatal("cycle limit 201 should fail")
	}
	cfg.CycleLimit = 200
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
