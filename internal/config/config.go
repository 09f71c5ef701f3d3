package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server modes for the status surface.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds the status API settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string // http, mcp or both
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string // text or json
}

// HealthConfig holds monitor schedules and alert thresholds.
type HealthConfig struct {
	SampleEvery     string
	SweepEvery      string
	StallWarn       time.Duration
	StallCritical   time.Duration
	FailureStreak   int
	DiskLowRatio    float64
	MemHighRatio    float64
	LoadHighPerCore float64
	RingSize        int
}

// RetryConfig holds the backoff policy knobs.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterRatio    float64
	PressureShrink float64
}

// ExecConfig holds step execution settings.
type ExecConfig struct {
	StepTimeout    time.Duration
	HeartbeatEvery time.Duration
	ParkPoll       time.Duration
}

// RetentionConfig bounds how much history the state dir accumulates.
type RetentionConfig struct {
	Checkpoints int
	StepLogs    int
	AlertAge    time.Duration
}

// BarkConfig holds Bark push notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// Config holds all runtime configuration.
// Priority: CLI flags (applied by the command layer) > environment
// variables > .env file > defaults.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Health       HealthConfig
	Retry        RetryConfig
	Exec         ExecConfig
	Retention    RetentionConfig
	Notification NotificationConfig

	StateDir      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:7171"
	defaultMode          = ModeHTTP
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultSampleEvery   = "@every 15s"
	defaultSweepEvery    = "@daily"
	defaultStallWarn     = 2 * time.Minute
	defaultStallCritical = 10 * time.Minute
	defaultFailureStreak = 3
	defaultDiskLowRatio  = 0.10
	defaultMemHighRatio  = 0.90
	defaultLoadPerCore   = 4.0
	defaultRingSize      = 360
	defaultMaxAttempts   = 5
	defaultInitialDelay  = 2 * time.Second
	defaultMaxDelay      = 5 * time.Minute
	defaultBackoff       = 2.0
	defaultJitterRatio   = 0.2
	defaultPressShrink   = 0.5
	defaultStepTimeout   = time.Hour
	defaultHeartbeat     = 10 * time.Second
	defaultParkPoll      = 2 * time.Second
	defaultKeepCPs       = 10
	defaultKeepStepLogs  = 50
	defaultAlertAge      = 7 * 24 * time.Hour
	defaultShutdownGrace = 5 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvFloat returns the environment variable as float64 or default
func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Load builds the configuration from environment variables, an optional
// .env file and defaults. Commands layer their flag overrides on top of
// the returned value.
func Load() (*Config, error) {
	// The .env file is optional; current directory first, then the
	// config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskwarden", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("WARDEN_ADDR", defaultAddr),
			AuthToken: getEnvString("WARDEN_AUTH_TOKEN", ""),
			Mode:      getEnvString("WARDEN_SERVER_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:  getEnvString("WARDEN_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("WARDEN_LOG_FORMAT", defaultLogFormat),
		},
		Health: HealthConfig{
			SampleEvery:     getEnvString("WARDEN_HEALTH_SAMPLE_EVERY", defaultSampleEvery),
			SweepEvery:      getEnvString("WARDEN_HEALTH_SWEEP_EVERY", defaultSweepEvery),
			StallWarn:       getEnvDuration("WARDEN_HEALTH_STALL_WARN", defaultStallWarn),
			StallCritical:   getEnvDuration("WARDEN_HEALTH_STALL_CRITICAL", defaultStallCritical),
			FailureStreak:   getEnvInt("WARDEN_HEALTH_FAILURE_STREAK", defaultFailureStreak),
			DiskLowRatio:    getEnvFloat("WARDEN_HEALTH_DISK_LOW_RATIO", defaultDiskLowRatio),
			MemHighRatio:    getEnvFloat("WARDEN_HEALTH_MEM_HIGH_RATIO", defaultMemHighRatio),
			LoadHighPerCore: getEnvFloat("WARDEN_HEALTH_LOAD_PER_CORE", defaultLoadPerCore),
			RingSize:        getEnvInt("WARDEN_HEALTH_RING_SIZE", defaultRingSize),
		},
		Retry: RetryConfig{
			MaxAttempts:    getEnvInt("WARDEN_RETRY_MAX_ATTEMPTS", defaultMaxAttempts),
			InitialDelay:   getEnvDuration("WARDEN_RETRY_INITIAL_DELAY", defaultInitialDelay),
			MaxDelay:       getEnvDuration("WARDEN_RETRY_MAX_DELAY", defaultMaxDelay),
			BackoffFactor:  getEnvFloat("WARDEN_RETRY_BACKOFF_FACTOR", defaultBackoff),
			JitterRatio:    getEnvFloat("WARDEN_RETRY_JITTER_RATIO", defaultJitterRatio),
			PressureShrink: getEnvFloat("WARDEN_RETRY_PRESSURE_SHRINK", defaultPressShrink),
		},
		Exec: ExecConfig{
			StepTimeout:    getEnvDuration("WARDEN_STEP_TIMEOUT", defaultStepTimeout),
			HeartbeatEvery: getEnvDuration("WARDEN_HEARTBEAT_EVERY", defaultHeartbeat),
			ParkPoll:       getEnvDuration("WARDEN_PARK_POLL", defaultParkPoll),
		},
		Retention: RetentionConfig{
			Checkpoints: getEnvInt("WARDEN_KEEP_CHECKPOINTS", defaultKeepCPs),
			StepLogs:    getEnvInt("WARDEN_KEEP_STEP_LOGS", defaultKeepStepLogs),
			AlertAge:    getEnvDuration("WARDEN_ALERT_RETENTION", defaultAlertAge),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("WARDEN_BARK_URL", ""),
				Enabled: getEnvBool("WARDEN_BARK_ENABLED", false),
			},
		},
		StateDir:      getEnvString("WARDEN_STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("WARDEN_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return fmt.Errorf("invalid server mode %q (want http, mcp or both)", c.Server.Mode)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", c.Log.Format)
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.BackoffFactor < 1 {
		c.Retry.BackoffFactor = defaultBackoff
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio >= 1 {
		c.Retry.JitterRatio = defaultJitterRatio
	}
	if c.Health.RingSize < 1 {
		c.Health.RingSize = defaultRingSize
	}
	if c.Retention.Checkpoints < 1 {
		c.Retention.Checkpoints = defaultKeepCPs
	}
	if c.Retention.StepLogs < 1 {
		c.Retention.StepLogs = defaultKeepStepLogs
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "taskwarden")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
