package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix marks the environment variables that override the defaults,
// e.g. CONDUCTOR_QUEUE_BACKEND=redis.
const envPrefix = "CONDUCTOR_"

// Config holds all conductor process configuration.
// Priority: command-line flags > env vars > defaults.
type Config struct {
	DBPath         string `koanf:"db_path"`
	LogLevel       string `koanf:"log_level"`
	QueueBackend   string `koanf:"queue_backend"`
	LimiterBackend string `koanf:"limiter_backend"`
	RedisAddr      string `koanf:"redis_addr"`
	RedisPrefix    string `koanf:"redis_prefix"`

	SweepInterval          time.Duration `koanf:"sweep_interval"`
	SweepConcurrency       int           `koanf:"sweep_concurrency"`
	SystemTaskPollInterval time.Duration `koanf:"system_task_poll_interval"`
	SystemTaskBatchSize    int           `koanf:"system_task_batch_size"`
	SubWorkflowRetrySecs   int           `koanf:"sub_workflow_retry_seconds"`

	UnackTimeout      time.Duration `koanf:"unack_timeout"`
	LeaseInitialDelay time.Duration `koanf:"lease_initial_delay"`
	LeaseUpdateDelay  time.Duration `koanf:"lease_update_delay"`
	WorkerPoolSize    int           `koanf:"worker_pool_size"`

	MetadataCacheSize int           `koanf:"metadata_cache_size"`
	MetadataCacheTTL  time.Duration `koanf:"metadata_cache_ttl"`
	AdmissionBackoff  time.Duration `koanf:"admission_backoff"`

	BreakerFailureThreshold int           `koanf:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `koanf:"breaker_cooldown"`
}

const (
	backendMemory = "memory"
	backendRedis  = "redis"
	backendStore  = "store"
)

func defaultConfig() Config {
	return Config{
		DBPath:                  filepath.Join(conductorDir(), "conductor.db"),
		LogLevel:                "info",
		QueueBackend:            backendMemory,
		LimiterBackend:          backendStore,
		RedisAddr:               "localhost:6379",
		RedisPrefix:             "conductor",
		SweepInterval:           30 * time.Second,
		SweepConcurrency:        8,
		SystemTaskPollInterval:  100 * time.Millisecond,
		SystemTaskBatchSize:     10,
		SubWorkflowRetrySecs:    0,
		UnackTimeout:            60 * time.Second,
		LeaseInitialDelay:       0,
		LeaseUpdateDelay:        0,
		WorkerPoolSize:          10,
		MetadataCacheSize:       1024,
		MetadataCacheTTL:        time.Minute,
		AdmissionBackoff:        time.Second,
		BreakerFailureThreshold: 5,
		BreakerCooldown:         30 * time.Second,
	}
}

func conductorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// loadConfig layers environ over the defaults. environ has the os.Environ format.
func loadConfig(environ []string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
		EnvironFunc: func() []string { return environ },
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and non-positive sizes.
func (c Config) Validate() error {
	var problems []string
	switch c.QueueBackend {
	case backendMemory, backendRedis:
	default:
		problems = append(problems, fmt.Sprintf("queue_backend must be %q or %q, got %q", backendMemory, backendRedis, c.QueueBackend))
	}
	switch c.LimiterBackend {
	case backendStore, backendRedis:
	default:
		problems = append(problems, fmt.Sprintf("limiter_backend must be %q or %q, got %q", backendStore, backendRedis, c.LimiterBackend))
	}
	if (c.QueueBackend == backendRedis || c.LimiterBackend == backendRedis) && c.RedisAddr == "" {
		problems = append(problems, "redis_addr is required by the redis backends")
	}
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.WorkerPoolSize <= 0 {
		problems = append(problems, "worker_pool_size must be positive")
	}
	if c.SweepInterval <= 0 {
		problems = append(problems, "sweep_interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// dsn turns DBPath into the file URI the libSQL driver expects.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
