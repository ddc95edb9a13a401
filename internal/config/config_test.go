package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv()

	if cfg.Encoder.ThreadMin != 1 {
		t.Errorf("ThreadMin = %d, want 1", cfg.Encoder.ThreadMin)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Scheduler.MaxRetries)
	}
	if cfg.Cache.MemorySize != 100 {
		t.Errorf("Cache.MemorySize = %d, want 100", cfg.Cache.MemorySize)
	}
	if cfg.Lifecycle.KYSMode != "standby" {
		t.Errorf("KYSMode = %q, want standby", cfg.Lifecycle.KYSMode)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("SPECMEMD_CPU_THREADS_MIN", "2")
	t.Setenv("SPECMEMD_CPU_THREADS", "4")
	t.Setenv("SPECMEMD_MAX_RETRIES", "5")
	t.Setenv("SPECMEMD_KYS_MODE", "kill")

	cfg := LoadFromEnv()

	if cfg.Encoder.ThreadMin != 2 || cfg.Encoder.ThreadMax != 4 {
		t.Errorf("thread bounds = [%d,%d], want [2,4]", cfg.Encoder.ThreadMin, cfg.Encoder.ThreadMax)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Scheduler.MaxRetries)
	}
	if cfg.Lifecycle.KYSMode != "kill" {
		t.Errorf("KYSMode = %q, want kill", cfg.Lifecycle.KYSMode)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		cfg := LoadFromEnv()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("thread_max below thread_min rejected", func(t *testing.T) {
		cfg := LoadFromEnv()
		cfg.Encoder.ThreadMin = 4
		cfg.Encoder.ThreadMax = 2
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for thread_max < thread_min")
		}
	})

	t.Run("unknown KYS mode rejected", func(t *testing.T) {
		cfg := LoadFromEnv()
		cfg.Lifecycle.KYSMode = "explode"
		if err := cfg.Validate(); err == nil {
			t.Fatal("expected error for unknown KYS mode")
		}
	})
}

func TestGetEnvDuration_AcceptsBareSeconds(t *testing.T) {
	os.Setenv("SPECMEMD_TEST_DURATION", "45")
	defer os.Unsetenv("SPECMEMD_TEST_DURATION")

	got := getEnvDuration("SPECMEMD_TEST_DURATION", time.Second)
	if got != 45*time.Second {
		t.Errorf("got %v, want 45s", got)
	}
}
