// Package config defines the storage configuration surface: which backend to
// build, how locks behave and which deployment tier the process runs in.
//
// Configuration is read once at process start (usually from YAML via Load),
// validated, and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruteri/leasestore/interfaces"
	"gopkg.in/yaml.v3"
)

// BackendType selects the storage medium.
type BackendType string

const (
	BackendLocal BackendType = "local"
	BackendS3    BackendType = "s3"
	BackendVault BackendType = "vault"
)

// LockStrategyType selects the lock implementation.
type LockStrategyType string

const (
	LockFile   LockStrategyType = "file"
	LockObject LockStrategyType = "object"
	LockRedis  LockStrategyType = "redis"
)

// Config is the complete storage configuration.
type Config struct {
	Tier    string        `yaml:"tier" json:"tier"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Lock    LockConfig    `yaml:"lock" json:"lock"`
	IO      IOConfig      `yaml:"io" json:"io"`
}

// BackendConfig holds the settings of the selected backend type.
type BackendConfig struct {
	Type  BackendType `yaml:"type" json:"type"`
	Local LocalConfig `yaml:"local" json:"local"`
	S3    S3Config    `yaml:"s3" json:"s3"`
	Vault VaultConfig `yaml:"vault" json:"vault"`
}

type LocalConfig struct {
	BaseDir string `yaml:"base_dir" json:"base_dir"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	// Consistency is "strong" (conditional writes supported) or "eventual".
	Consistency string `yaml:"consistency" json:"consistency"`
	PathStyle   bool   `yaml:"path_style" json:"path_style"`
}

type VaultConfig struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"token"`
	Mount   string `yaml:"mount" json:"mount"`
	Path    string `yaml:"path" json:"path"`
}

// LockConfig configures the lock strategy. Lease and acquisition timeout are
// separate settings and both are required.
type LockConfig struct {
	Strategy                  LockStrategyType `yaml:"strategy" json:"strategy"`
	LeaseDurationSeconds      float64          `yaml:"lease_duration_seconds" json:"lease_duration_seconds"`
	AcquisitionTimeoutSeconds float64          `yaml:"acquisition_timeout_seconds" json:"acquisition_timeout_seconds"`
	RetryAttempts             int              `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelaySeconds     float64          `yaml:"retry_base_delay_seconds" json:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds      float64          `yaml:"retry_max_delay_seconds" json:"retry_max_delay_seconds"`
	FileDir                   string           `yaml:"file_dir" json:"file_dir"`
	Redis                     RedisConfig      `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Host      string `yaml:"host" json:"host"`
	Port      int    `yaml:"port" json:"port"`
	DB        int    `yaml:"db" json:"db"`
	Password  string `yaml:"password" json:"password"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// IOConfig bounds the blocking I/O worker pool. Zero picks a default.
type IOConfig struct {
	MaxConcurrency int64 `yaml:"max_concurrency" json:"max_concurrency"`
}

// Lease returns the lease duration.
func (c LockConfig) Lease() time.Duration {
	return seconds(c.LeaseDurationSeconds)
}

// AcquisitionTimeout returns the acquisition timeout.
func (c LockConfig) AcquisitionTimeout() time.Duration {
	return seconds(c.AcquisitionTimeoutSeconds)
}

// RetryBaseDelay returns the linear backoff step. Zero still pauses for
// locking.MinRetryDelay between attempts.
func (c LockConfig) RetryBaseDelay() time.Duration {
	return seconds(c.RetryBaseDelaySeconds)
}

// RetryMaxDelay returns the backoff cap, zero meaning uncapped.
func (c LockConfig) RetryMaxDelay() time.Duration {
	return seconds(c.RetryMaxDelaySeconds)
}

// Addr returns host:port, defaulting the port to 6379.
func (c RedisConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Load reads a YAML configuration file. ${VAR} references are expanded from
// the environment before parsing so credentials can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", interfaces.ErrConfiguration, path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML configuration and validates it.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for missing or contradictory settings.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Backend.Type {
	case BackendLocal:
		if c.Backend.Local.BaseDir == "" {
			add("backend.local.base_dir is required")
		}
	case BackendS3:
		if c.Backend.S3.Bucket == "" {
			add("backend.s3.bucket is required")
		}
		switch c.Backend.S3.Consistency {
		case "", "strong", "eventual":
		default:
			add("backend.s3.consistency must be strong or eventual, got %q", c.Backend.S3.Consistency)
		}
	case BackendVault:
		if c.Backend.Vault.Address == "" {
			add("backend.vault.address is required")
		}
		if c.Backend.Vault.Mount == "" {
			add("backend.vault.mount is required")
		}
	case "":
		add("backend.type is required")
	default:
		add("unknown backend.type %q", c.Backend.Type)
	}

	l := c.Lock
	switch l.Strategy {
	case LockFile:
		if c.Backend.Type != BackendLocal && l.FileDir == "" {
			add("lock.file_dir is required for file locks on a %s backend", c.Backend.Type)
		}
	case LockObject:
		if c.Backend.Type == BackendLocal {
			add("lock.strategy object requires an object-store backend")
		}
	case LockRedis:
		if l.Redis.Host == "" {
			add("lock.redis.host is required for redis locks")
		}
	case "":
		add("lock.strategy is required")
	default:
		add("unknown lock.strategy %q", l.Strategy)
	}
	if l.LeaseDurationSeconds <= 0 {
		add("lock.lease_duration_seconds must be set and positive")
	}
	if l.AcquisitionTimeoutSeconds <= 0 {
		add("lock.acquisition_timeout_seconds must be set and positive")
	}
	if l.RetryAttempts < 1 {
		add("lock.retry_attempts must be at least 1")
	}
	if l.RetryBaseDelaySeconds < 0 || l.RetryMaxDelaySeconds < 0 {
		add("lock retry delays must not be negative")
	}
	if c.IO.MaxConcurrency < 0 {
		add("io.max_concurrency must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
