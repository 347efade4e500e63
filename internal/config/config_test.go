package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresAPIKey(t *testing.T) {
	t.Setenv("ARLINK_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without ARLINK_API_KEY")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ARLINK_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.SessionIdleWindow != 30*time.Minute {
		t.Errorf("SessionIdleWindow = %v", cfg.SessionIdleWindow)
	}
	if cfg.CacheSize != 10000 {
		t.Errorf("CacheSize = %d", cfg.CacheSize)
	}
	if cfg.RatePerSecond != 20 || cfg.RateBurst != 40 {
		t.Errorf("rate = %v/%d", cfg.RatePerSecond, cfg.RateBurst)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ARLINK_API_KEY", "secret")
	t.Setenv("ARLINK_PORT", "9090")
	t.Setenv("ARLINK_SESSION_IDLE_WINDOW", "10m")
	t.Setenv("ARLINK_MAX_METADATA_BYTES", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.SessionIdleWindow != 10*time.Minute {
		t.Errorf("SessionIdleWindow = %v", cfg.SessionIdleWindow)
	}
	if cfg.MaxMetadataBytes != 1024 {
		t.Errorf("MaxMetadataBytes = %d", cfg.MaxMetadataBytes)
	}
}

// An unparsable value falls back to the default rather than failing startup.
func TestLoad_BadValueFallsBack(t *testing.T) {
	t.Setenv("ARLINK_API_KEY", "secret")
	t.Setenv("ARLINK_CACHE_SIZE", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CacheSize != 10000 {
		t.Errorf("CacheSize = %d, want default", cfg.CacheSize)
	}
}

func TestLoad_RejectsNonPositive(t *testing.T) {
	t.Setenv("ARLINK_API_KEY", "secret")
	t.Setenv("ARLINK_CACHE_SIZE", "0")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a zero cache size")
	}
}
