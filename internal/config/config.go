// Package config loads specmemd configuration from environment variables.
//
// specmemd follows a convention of environment-only configuration (no
// config file layout is in scope): every tunable is read via LoadFromEnv
// and grouped by the subsystem it drives.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all specmemd configuration loaded from environment variables.
type Config struct {
	Project   ProjectConfig
	Encoder   EncoderConfig
	Scheduler SchedulerConfig
	Cache     CacheConfig
	Lifecycle LifecycleConfig
	Oracle    OracleConfig
	Server    ServerConfig
}

// ProjectConfig locates the project this daemon instance serves.
type ProjectConfig struct {
	Path string
}

// EncoderConfig bounds the native encoder's CPU usage and locates its
// model artifacts.
type EncoderConfig struct {
	ModelDir    string
	ORTLibPath  string
	ThreadMin   int
	ThreadMax   int
}

// SchedulerConfig configures the throttler and, if enabled, the
// FIFO+ACK queue discipline.
type SchedulerConfig struct {
	FIFOMode      bool
	BaseDelay     time.Duration
	MaxRPS        float64
	Burst         int
	BatchDelay    time.Duration
	BatchCooldown time.Duration
	MaxQueue      int
	MaxRetries    int
	BaseRetry     time.Duration
	MaxRetry      time.Duration
	LeaseTimeout  time.Duration
	AgePromotion  time.Duration
	DLQCapacity   int
	DLQTTL        time.Duration
	RejectCPU     float64
	QueueCPU      float64
	DrainInterval time.Duration
}

// CacheConfig bounds the disk-backed embedding cache.
type CacheConfig struct {
	Dir         string
	MemorySize  int
	MaxBytes    int64
}

// LifecycleConfig governs lazy load, idle unload, and the KYS watchdog.
type LifecycleConfig struct {
	IdleUnload      time.Duration
	MaxLoadRetries  int
	LoadRetryDelay  time.Duration
	KYSTimeout      time.Duration
	ActivityGrace   time.Duration
	StartupGrace    time.Duration
	KYSMode         string // kill, unload, standby
}

// OracleConfig controls how often the dimension oracle polls the database.
type OracleConfig struct {
	RefreshInterval time.Duration
}

// ServerConfig configures the Unix socket accept loop.
type ServerConfig struct {
	SocketPath  string
	MaxWorkers  int
	ConnTimeout time.Duration
	Backlog     int
}

// LoadFromEnv builds a Config from environment variables, falling back to
// the documented defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Project.Path = getEnv("SPECMEMD_PROJECT_PATH", "")

	cfg.Encoder.ModelDir = getEnv("SPECMEMD_MODEL_DIR", "")
	cfg.Encoder.ORTLibPath = getEnv("SPECMEMD_ORT_LIB_PATH", "")
	cfg.Encoder.ThreadMin = getEnvInt("SPECMEMD_CPU_THREADS_MIN", 1)
	cfg.Encoder.ThreadMax = getEnvInt("SPECMEMD_CPU_THREADS", 1)

	cfg.Scheduler.FIFOMode = getEnvBool("SPECMEMD_FIFO_MODE", false)
	cfg.Scheduler.BaseDelay = getEnvDuration("SPECMEMD_BASE_DELAY", 50*time.Millisecond)
	cfg.Scheduler.MaxRPS = getEnvFloat("SPECMEMD_MAX_RPS", 20.0)
	cfg.Scheduler.Burst = getEnvInt("SPECMEMD_BURST", 10)
	cfg.Scheduler.BatchDelay = getEnvDuration("SPECMEMD_BATCH_DELAY", 100*time.Millisecond)
	cfg.Scheduler.BatchCooldown = getEnvDuration("SPECMEMD_BATCH_COOLDOWN", 1*time.Second)
	cfg.Scheduler.MaxQueue = getEnvInt("SPECMEMD_MAX_QUEUE", 1000)
	cfg.Scheduler.MaxRetries = getEnvInt("SPECMEMD_MAX_RETRIES", 3)
	cfg.Scheduler.BaseRetry = getEnvDuration("SPECMEMD_BASE_RETRY", 1*time.Second)
	cfg.Scheduler.MaxRetry = getEnvDuration("SPECMEMD_MAX_RETRY", 30*time.Second)
	cfg.Scheduler.LeaseTimeout = getEnvDuration("SPECMEMD_LEASE_TIMEOUT", 60*time.Second)
	cfg.Scheduler.AgePromotion = getEnvDuration("SPECMEMD_AGE_PROMOTION", 30*time.Second)
	cfg.Scheduler.DLQCapacity = getEnvInt("SPECMEMD_DLQ_CAPACITY", 500)
	cfg.Scheduler.DLQTTL = getEnvDuration("SPECMEMD_DLQ_TTL", 1*time.Hour)
	cfg.Scheduler.RejectCPU = getEnvFloat("SPECMEMD_REJECT_CPU_PCT", 90.0)
	cfg.Scheduler.QueueCPU = getEnvFloat("SPECMEMD_QUEUE_CPU_PCT", 70.0)
	cfg.Scheduler.DrainInterval = getEnvDuration("SPECMEMD_DRAIN_INTERVAL", 1*time.Second)

	cfg.Cache.Dir = getEnv("SPECMEMD_CACHE_DIR", "")
	cfg.Cache.MemorySize = getEnvInt("SPECMEMD_CACHE_MEMORY_SIZE", 100)
	cfg.Cache.MaxBytes = getEnvInt64("SPECMEMD_CACHE_MAX_BYTES", 1<<30) // 1 GiB

	cfg.Lifecycle.IdleUnload = getEnvDuration("SPECMEMD_EMBEDDING_IDLE_TIMEOUT", 120*time.Second)
	cfg.Lifecycle.MaxLoadRetries = getEnvInt("SPECMEMD_MODEL_RELOAD_RETRIES", 3)
	cfg.Lifecycle.LoadRetryDelay = getEnvDurationMillis("SPECMEMD_MODEL_RELOAD_DELAY_MS", 500*time.Millisecond)
	cfg.Lifecycle.KYSTimeout = getEnvDurationSeconds("SPECMEMD_KYS_TIMEOUT_SECONDS", 600*time.Second)
	cfg.Lifecycle.ActivityGrace = getEnvDuration("SPECMEMD_KYS_ACTIVITY_GRACE", 300*time.Second)
	cfg.Lifecycle.StartupGrace = getEnvDuration("SPECMEMD_KYS_STARTUP_GRACE", 60*time.Second)
	cfg.Lifecycle.KYSMode = getEnv("SPECMEMD_KYS_MODE", "standby")

	cfg.Oracle.RefreshInterval = getEnvDuration("SPECMEMD_DIMENSION_REFRESH_INTERVAL", 60*time.Second)

	cfg.Server.SocketPath = getEnv("SPECMEMD_EMBEDDING_SOCKET", getEnv("SOCKET_PATH", ""))
	cfg.Server.MaxWorkers = getEnvInt("SPECMEMD_EMBEDDING_MAX_WORKERS", 4)
	cfg.Server.ConnTimeout = getEnvDuration("SPECMEMD_CONN_TIMEOUT", 120*time.Second)
	cfg.Server.Backlog = getEnvInt("SPECMEMD_SOCKET_BACKLOG", 32)

	return cfg
}

// Validate checks invariants that must hold before the daemon starts.
func (c *Config) Validate() error {
	if c.Encoder.ThreadMin < 1 {
		return errInvalid("SPECMEMD_CPU_THREADS_MIN must be >= 1")
	}
	if c.Encoder.ThreadMax < c.Encoder.ThreadMin {
		return errInvalid("SPECMEMD_CPU_THREADS must be >= SPECMEMD_CPU_THREADS_MIN")
	}
	switch c.Lifecycle.KYSMode {
	case "kill", "unload", "standby":
	default:
		return errInvalid("SPECMEMD_KYS_MODE must be one of kill, unload, standby")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

func errInvalid(msg string) error { return configError(msg) }

// lookup resolves key, also accepting the shorter SPECMEM_-prefixed
// spelling clients historically export for the same setting.
func lookup(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	const prefix = "SPECMEMD_"
	if strings.HasPrefix(key, prefix) {
		return os.Getenv("SPECMEM_" + key[len(prefix):])
	}
	return ""
}

func getEnv(key, defaultVal string) string {
	if val := lookup(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := lookup(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := lookup(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := lookup(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := lookup(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := lookup(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvDurationMillis(key string, defaultVal time.Duration) time.Duration {
	if val := lookup(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvDurationSeconds(key string, defaultVal time.Duration) time.Duration {
	if val := lookup(key); val != "" {
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
