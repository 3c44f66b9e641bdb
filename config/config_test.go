package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/leasestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const s3RedisYAML = `
tier: production
backend:
  type: s3
  s3:
    bucket: app-data
    prefix: tenants/
    region: eu-west-1
    access_key: ${TEST_S3_ACCESS}
    secret_key: ${TEST_S3_SECRET}
lock:
  strategy: redis
  lease_duration_seconds: 30
  acquisition_timeout_seconds: 5
  retry_attempts: 10
  retry_base_delay_seconds: 0.1
  redis:
    host: redis.internal
    db: 2
io:
  max_concurrency: 16
`

func validLocal() Config {
	return Config{
		Tier:    TierDevelopment,
		Backend: BackendConfig{Type: BackendLocal, Local: LocalConfig{BaseDir: "/tmp/data"}},
		Lock: LockConfig{
			Strategy:                  LockFile,
			LeaseDurationSeconds:      30,
			AcquisitionTimeoutSeconds: 5,
			RetryAttempts:             3,
			RetryBaseDelaySeconds:     0.1,
		},
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_S3_ACCESS", "AKIA123")
	t.Setenv("TEST_S3_SECRET", "s3cr3t")

	cfg, err := Parse([]byte(s3RedisYAML))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Tier)
	assert.Equal(t, BackendS3, cfg.Backend.Type)
	assert.Equal(t, "app-data", cfg.Backend.S3.Bucket)
	assert.Equal(t, "AKIA123", cfg.Backend.S3.AccessKey)
	assert.Equal(t, "s3cr3t", cfg.Backend.S3.SecretKey)
	assert.Equal(t, LockRedis, cfg.Lock.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Lock.Lease())
	assert.Equal(t, 5*time.Second, cfg.Lock.AcquisitionTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Lock.RetryBaseDelay())
	assert.Equal(t, time.Duration(0), cfg.Lock.RetryMaxDelay())
	assert.Equal(t, "redis.internal:6379", cfg.Lock.Redis.Addr())
	assert.Equal(t, int64(16), cfg.IO.MaxConcurrency)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("backend:\n  type: local\n  bogus: 1\n"))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tier: development
backend:
  type: local
  local:
    base_dir: /var/lib/app
lock:
  strategy: file
  lease_duration_seconds: 10
  acquisition_timeout_seconds: 2
  retry_attempts: 5
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/app", cfg.Backend.Local.BaseDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid local", mutate: func(*Config) {}},
		{
			name:    "lease only",
			mutate:  func(c *Config) { c.Lock.AcquisitionTimeoutSeconds = 0 },
			wantErr: "acquisition_timeout_seconds",
		},
		{
			name:    "timeout only",
			mutate:  func(c *Config) { c.Lock.LeaseDurationSeconds = 0 },
			wantErr: "lease_duration_seconds",
		},
		{
			name:    "missing base dir",
			mutate:  func(c *Config) { c.Backend.Local.BaseDir = "" },
			wantErr: "base_dir",
		},
		{
			name: "missing bucket",
			mutate: func(c *Config) {
				c.Backend.Type = BackendS3
				c.Lock.Strategy = LockObject
			},
			wantErr: "bucket",
		},
		{
			name: "bad consistency",
			mutate: func(c *Config) {
				c.Backend = BackendConfig{Type: BackendS3, S3: S3Config{Bucket: "b", Consistency: "sometimes"}}
				c.Lock.Strategy = LockObject
			},
			wantErr: "consistency",
		},
		{
			name:    "object lock on local backend",
			mutate:  func(c *Config) { c.Lock.Strategy = LockObject },
			wantErr: "object-store",
		},
		{
			name: "file lock on s3 without dir",
			mutate: func(c *Config) {
				c.Backend = BackendConfig{Type: BackendS3, S3: S3Config{Bucket: "b"}}
			},
			wantErr: "file_dir",
		},
		{
			name:    "redis without host",
			mutate:  func(c *Config) { c.Lock.Strategy = LockRedis },
			wantErr: "redis.host",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Lock.RetryAttempts = 0 },
			wantErr: "retry_attempts",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend.Type = "ftp" },
			wantErr: "ftp",
		},
		{
			name: "vault without mount",
			mutate: func(c *Config) {
				c.Backend = BackendConfig{Type: BackendVault, Vault: VaultConfig{Address: "http://vault:8200"}}
				c.Lock.Strategy = LockObject
			},
			wantErr: "vault.mount",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validLocal()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTierPolicy(t *testing.T) {
	p := DefaultTierPolicy()

	assert.NoError(t, p.Check(TierDevelopment, BackendLocal))
	assert.ErrorIs(t, p.Check("production", BackendLocal), interfaces.ErrConfiguration)
	assert.ErrorIs(t, p.Check("", BackendLocal), interfaces.ErrConfiguration)
	assert.NoError(t, p.Check("production", BackendS3))
	assert.NoError(t, p.Check("", BackendVault))

	custom := TierPolicy{Allowed: map[BackendType][]string{BackendS3: {"staging", "production"}}}
	assert.NoError(t, custom.Check("staging", BackendS3))
	assert.ErrorIs(t, custom.Check("development", BackendS3), interfaces.ErrConfiguration)
	assert.NoError(t, custom.Check("development", BackendLocal))
}
