// Package config loads Manager configuration from a YAML file with
// environment-variable overrides, modeled on the policy engine's YAML
// loading convention and the worker's FromEnv env-var convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option spec.md §6.4 names, plus the expansion options
// selecting alternate storage/queue backends.
type Config struct {
	ManagerPort int `yaml:"manager_port"`

	AuthorizedTokens []string          `yaml:"authorized_tokens"`
	AdminUsers       map[string]string `yaml:"admin_users"` // user -> bcrypt hash

	CORSAllowOrigins     []string `yaml:"cors_allow_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`

	LogDirectory string `yaml:"log_directory"`
	LogLevel     string `yaml:"log_level"`

	TaskStorePath    string `yaml:"task_store_path"`
	TaskStoreBackend string `yaml:"task_store_backend"` // json (default) | postgres
	PostgresDSN      string `yaml:"postgres_dsn"`

	HeartbeatDeadAfter     time.Duration `yaml:"heartbeat_dead_after"`
	HeartbeatSweepInterval time.Duration `yaml:"heartbeat_sweep_interval"`

	PingTimeout        time.Duration `yaml:"ping_timeout"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	DispatchRetryDelay time.Duration `yaml:"dispatch_retry_delay"`
	DispatchMaxAttempts int          `yaml:"dispatch_max_attempts"`

	ExecutionTimeout    time.Duration `yaml:"execution_timeout"`
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`

	NotifyMaxRetries    int           `yaml:"notify_max_retries"`
	NotifyRetryDelay    time.Duration `yaml:"notify_retry_delay"`
	NotifyBackoffFactor float64       `yaml:"notify_backoff_factor"`

	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	SSRFAllowPrivate        bool          `yaml:"ssrf_allow_private"`

	RedispatchPendingOnStartup bool `yaml:"redispatch_pending_on_startup"`

	DispatchQueueBackend string `yaml:"dispatch_queue_backend"` // channel (default) | redis
	RedisAddr            string `yaml:"redis_addr"`

	SharedStorageEnabled bool   `yaml:"shared_storage_enabled"`
	SharedStorageBackend string `yaml:"shared_storage_backend"` // filesystem (default) | minio
	ResultsRoot          string `yaml:"results_root"`
	MinIOEndpoint        string `yaml:"minio_endpoint"`
	MinIOAccessKey       string `yaml:"minio_access_key"`
	MinIOSecretKey       string `yaml:"minio_secret_key"`
	MinIOBucket          string `yaml:"minio_bucket"`
	MinIOUseSSL          bool   `yaml:"minio_use_ssl"`

	Environment string `yaml:"environment"` // production | development

	AuditLogPath string `yaml:"audit_log_path"`

	// OTLPExporter and OTLPEndpoint are loaded here but not read by the
	// tracing setup, which takes its exporter and endpoint from the
	// MANAGER_OTEL_EXPORTER and MANAGER_OTEL_ENDPOINT environment variables.
	OTLPExporter string `yaml:"otlp_exporter"` // none | stdout | otlpgrpc | otlphttp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// defaults returns the baseline config before file/env overrides are applied.
func defaults() Config {
	return Config{
		ManagerPort:             8080,
		LogDirectory:            "./logs",
		LogLevel:                "info",
		TaskStorePath:           "./data/tasks",
		TaskStoreBackend:        "json",
		HeartbeatDeadAfter:      180 * time.Second,
		HeartbeatSweepInterval:  30 * time.Second,
		PingTimeout:             5 * time.Second,
		DispatchTimeout:         30 * time.Second,
		DispatchRetryDelay:      15 * time.Second,
		DispatchMaxAttempts:     5,
		ExecutionTimeout:        5 * time.Hour,
		TimeoutSweepInterval:    time.Minute,
		NotifyMaxRetries:        5,
		NotifyRetryDelay:        60 * time.Second,
		NotifyBackoffFactor:     1.5,
		GracefulShutdownTimeout: 15 * time.Second,
		SSRFAllowPrivate:        false,
		RedispatchPendingOnStartup: true,
		DispatchQueueBackend:    "channel",
		SharedStorageEnabled:    true,
		SharedStorageBackend:    "filesystem",
		ResultsRoot:             "./data/results",
		Environment:             "development",
		AuditLogPath:            "./data/audit.log",
		OTLPExporter:            "none",
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MANAGER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagerPort = n
		}
	}
	if v := os.Getenv("MANAGER_AUTHORIZED_TOKENS"); v != "" {
		cfg.AuthorizedTokens = splitCSV(v)
	}
	if v := os.Getenv("MANAGER_CORS_ALLOW_ORIGINS"); v != "" {
		cfg.CORSAllowOrigins = splitCSV(v)
	}
	if v := os.Getenv("MANAGER_CORS_ALLOW_CREDENTIALS"); v != "" {
		cfg.CORSAllowCredentials = v == "true" || v == "1"
	}
	if v := os.Getenv("MANAGER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANAGER_LOG_DIRECTORY"); v != "" {
		cfg.LogDirectory = v
	}
	if v := os.Getenv("MANAGER_TASK_STORE_PATH"); v != "" {
		cfg.TaskStorePath = v
	}
	if v := os.Getenv("MANAGER_TASK_STORE_BACKEND"); v != "" {
		cfg.TaskStoreBackend = v
	}
	if v := os.Getenv("MANAGER_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("MANAGER_DISPATCH_QUEUE_BACKEND"); v != "" {
		cfg.DispatchQueueBackend = v
	}
	if v := os.Getenv("MANAGER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("MANAGER_SHARED_STORAGE_BACKEND"); v != "" {
		cfg.SharedStorageBackend = v
	}
	if v := os.Getenv("MANAGER_RESULTS_ROOT"); v != "" {
		cfg.ResultsRoot = v
	}
	if v := os.Getenv("MANAGER_MINIO_ENDPOINT"); v != "" {
		cfg.MinIOEndpoint = v
	}
	if v := os.Getenv("MANAGER_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIOAccessKey = v
	}
	if v := os.Getenv("MANAGER_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIOSecretKey = v
	}
	if v := os.Getenv("MANAGER_MINIO_BUCKET"); v != "" {
		cfg.MinIOBucket = v
	}
	if v := os.Getenv("MANAGER_MINIO_USE_SSL"); v != "" {
		cfg.MinIOUseSSL = v == "true" || v == "1"
	}
	if v := os.Getenv("MANAGER_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("MANAGER_SSRF_ALLOW_PRIVATE"); v != "" {
		cfg.SSRFAllowPrivate = v == "true" || v == "1"
	}
	if v := os.Getenv("MANAGER_OTLP_EXPORTER"); v != "" {
		cfg.OTLPExporter = v
	}
	if v := os.Getenv("MANAGER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects unsafe production configurations per spec.md §6.4.
func (c Config) Validate() error {
	if c.Environment == "production" {
		for _, tok := range c.AuthorizedTokens {
			if tok == "default-manager-token" {
				return fmt.Errorf("config: %q is not a valid authorized token in production", tok)
			}
		}
	}
	if c.CORSAllowCredentials {
		for _, origin := range c.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("config: cors_allow_credentials cannot be combined with cors_allow_origins=*")
			}
		}
	}
	switch c.TaskStoreBackend {
	case "json", "postgres":
	default:
		return fmt.Errorf("config: unknown task_store_backend %q", c.TaskStoreBackend)
	}
	switch c.DispatchQueueBackend {
	case "channel", "redis":
	default:
		return fmt.Errorf("config: unknown dispatch_queue_backend %q", c.DispatchQueueBackend)
	}
	switch c.SharedStorageBackend {
	case "filesystem", "minio":
	default:
		return fmt.Errorf("config: unknown shared_storage_backend %q", c.SharedStorageBackend)
	}
	if c.TaskStoreBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: task_store_backend=postgres requires postgres_dsn")
	}
	if c.DispatchQueueBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("config: dispatch_queue_backend=redis requires redis_addr")
	}
	if c.SharedStorageBackend == "minio" && c.MinIOEndpoint == "" {
		return fmt.Errorf("config: shared_storage_backend=minio requires minio_endpoint")
	}
	return nil
}
