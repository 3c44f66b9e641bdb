package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/config"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/ruteri/leasestore/locking"
)

// Observer decorates backends and lock strategies, typically with metrics.
// *monitor.Monitor implements it.
type Observer interface {
	WrapBackend(interfaces.StorageBackend) interfaces.StorageBackend
	WrapLock(interfaces.LockStrategy) interfaces.LockStrategy
}

// lockableBackend is a backend that accepts its lock strategy after
// construction.
type lockableBackend interface {
	interfaces.StorageBackend
	SetLockStrategy(interfaces.LockStrategy)
}

// StorageBackendFactory builds storage backends from configuration and caches
// one instance per distinct configuration for the factory's lifetime. Create
// one factory at process start and pass it to every consumer.
type StorageBackendFactory struct {
	log      *slog.Logger
	policy   config.TierPolicy
	observer Observer

	mu       sync.Mutex
	backends map[string]interfaces.StorageBackend
	closers  []func() error
}

// FactoryOption customises a StorageBackendFactory.
type FactoryOption func(*StorageBackendFactory)

// WithTierPolicy replaces config.DefaultTierPolicy.
func WithTierPolicy(policy config.TierPolicy) FactoryOption {
	return func(sf *StorageBackendFactory) {
		sf.policy = policy
	}
}

// WithObserver wraps every backend and lock strategy the factory builds.
func WithObserver(observer Observer) FactoryOption {
	return func(sf *StorageBackendFactory) {
		sf.observer = observer
	}
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger, opts ...FactoryOption) *StorageBackendFactory {
	sf := &StorageBackendFactory{
		log:      logger,
		policy:   config.DefaultTierPolicy(),
		backends: make(map[string]interfaces.StorageBackend),
	}
	for _, opt := range opts {
		opt(sf)
	}
	return sf
}

// Get returns the backend for cfg, constructing it on first use. Invalid or
// tier-disallowed configuration fails here rather than on first I/O.
func (sf *StorageBackendFactory) Get(ctx context.Context, cfg config.Config) (interfaces.StorageBackend, error) {
	cacheKey, err := configKey(cfg)
	if err != nil {
		return nil, err
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()

	if backend, ok := sf.backends[cacheKey]; ok {
		return backend, nil
	}

	start := time.Now()
	if err := cfg.Validate(); err != nil {
		sf.log.Error("Rejected storage configuration", "err", err)
		return nil, err
	}
	if err := sf.policy.Check(cfg.Tier, cfg.Backend.Type); err != nil {
		sf.log.Error("Rejected storage backend for tier",
			slog.String("tier", cfg.Tier),
			slog.String("backend", string(cfg.Backend.Type)),
			"err", err)
		return nil, err
	}

	exec := blockingio.NewExecutor(cfg.IO.MaxConcurrency)
	backend, err := sf.createBackend(ctx, cfg, exec)
	if err != nil {
		return nil, err
	}

	strategy, closer, err := sf.createLockStrategy(ctx, cfg, backend, exec)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		sf.closers = append(sf.closers, closer)
	}

	var result interfaces.StorageBackend = backend
	if sf.observer != nil {
		strategy = sf.observer.WrapLock(strategy)
		backend.SetLockStrategy(strategy)
		result = sf.observer.WrapBackend(backend)
	} else {
		backend.SetLockStrategy(strategy)
	}
	sf.backends[cacheKey] = result

	sf.log.Info("Created storage backend",
		slog.String("backend", backend.Name()),
		slog.String("location", backend.LocationURI()),
		slog.String("lock_strategy", strategy.Name()),
		slog.Int64("io_concurrency", exec.Limit()),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// Close releases connections held by lock strategies. Backends returned
// earlier must not be used afterwards.
func (sf *StorageBackendFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	var errs []error
	for _, closer := range sf.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	sf.closers = nil
	sf.backends = make(map[string]interfaces.StorageBackend)
	return errors.Join(errs...)
}

func (sf *StorageBackendFactory) createBackend(ctx context.Context, cfg config.Config, exec *blockingio.Executor) (lockableBackend, error) {
	log := sf.log.With(slog.String("backend_type", string(cfg.Backend.Type)))

	switch cfg.Backend.Type {
	case config.BackendLocal:
		return NewFileBackend(cfg.Backend.Local.BaseDir, exec, log)
	case config.BackendS3:
		s3cfg := cfg.Backend.S3
		consistency := locking.StrongConsistency
		if s3cfg.Consistency == "eventual" {
			consistency = locking.EventualConsistency
		}
		if s3cfg.AccessKey == "" {
			log.Debug("No static S3 credentials, using the default AWS credential chain")
		}
		return NewS3Backend(ctx, S3Options{
			Bucket:      s3cfg.Bucket,
			Prefix:      s3cfg.Prefix,
			Region:      s3cfg.Region,
			Endpoint:    s3cfg.Endpoint,
			AccessKey:   s3cfg.AccessKey,
			SecretKey:   s3cfg.SecretKey,
			PathStyle:   s3cfg.PathStyle,
			Consistency: consistency,
		}, exec, log)
	case config.BackendVault:
		v := cfg.Backend.Vault
		return NewVaultBackend(VaultOptions{
			Address: v.Address,
			Token:   v.Token,
			Mount:   v.Mount,
			Path:    v.Path,
		}, exec, log)
	default:
		return nil, fmt.Errorf("%w: unsupported backend type %q", interfaces.ErrConfiguration, cfg.Backend.Type)
	}
}

func (sf *StorageBackendFactory) createLockStrategy(ctx context.Context, cfg config.Config, backend lockableBackend, exec *blockingio.Executor) (interfaces.LockStrategy, func() error, error) {
	lc := cfg.Lock
	opts := locking.Options{
		Lease:              lc.Lease(),
		AcquisitionTimeout: lc.AcquisitionTimeout(),
		Retry: locking.RetryPolicy{
			Attempts:  lc.RetryAttempts,
			BaseDelay: lc.RetryBaseDelay(),
			MaxDelay:  lc.RetryMaxDelay(),
		},
		Executor: exec,
		Log:      sf.log,
	}

	switch lc.Strategy {
	case config.LockFile:
		dir := lc.FileDir
		if dir == "" {
			dir = filepath.Join(cfg.Backend.Local.BaseDir, DefaultLockDirName)
		}
		strategy, err := locking.NewFileLock(dir, opts)
		return strategy, nil, err

	case config.LockObject:
		store, ok := backend.(locking.MarkerStore)
		if !ok {
			return nil, nil, fmt.Errorf("%w: backend %s cannot hold lock markers", interfaces.ErrConfiguration, backend.Name())
		}
		strategy, err := locking.NewObjectLock(store, opts)
		return strategy, nil, err

	case config.LockRedis:
		rc := lc.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr(),
			DB:       rc.DB,
			Password: rc.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("%w: redis %s unreachable: %v", interfaces.ErrConfiguration, rc.Addr(), err)
		}
		strategy, err := locking.NewRedisLock(client, rc.KeyPrefix, opts)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return strategy, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: unsupported lock strategy %q", interfaces.ErrConfiguration, lc.Strategy)
	}
}

func configKey(cfg config.Config) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrConfiguration, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ParseLocation turns a location URI into a backend configuration.
//
// Supported schemes:
//   - file:///var/lib/leasestore
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=http://localhost:4566&consistency=eventual&path_style=true
//   - vault://vault.example.com:8200/mount/path?scheme=http (token from VAULT_TOKEN)
func ParseLocation(locationURI string) (config.BackendConfig, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return config.BackendConfig{}, fmt.Errorf("%w: invalid location %q: %v", interfaces.ErrConfiguration, locationURI, err)
	}
	query := u.Query()

	switch strings.ToLower(u.Scheme) {
	case "file":
		dir := u.Path
		if u.Host != "" {
			// file://./relative/path
			dir = u.Host + "/" + strings.TrimPrefix(dir, "/")
		}
		if dir == "" {
			return config.BackendConfig{}, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrConfiguration, locationURI)
		}
		return config.BackendConfig{
			Type:  config.BackendLocal,
			Local: config.LocalConfig{BaseDir: dir},
		}, nil

	case "s3":
		s3cfg := config.S3Config{
			Bucket:      u.Host,
			Prefix:      strings.TrimPrefix(u.Path, "/"),
			Region:      query.Get("region"),
			Endpoint:    query.Get("endpoint"),
			Consistency: query.Get("consistency"),
			PathStyle:   query.Get("path_style") == "true",
		}
		if u.User != nil {
			s3cfg.AccessKey = u.User.Username()
			s3cfg.SecretKey, _ = u.User.Password()
		}
		if s3cfg.Bucket == "" {
			return config.BackendConfig{}, fmt.Errorf("%w: missing bucket in s3 URI: %s", interfaces.ErrConfiguration, locationURI)
		}
		return config.BackendConfig{Type: config.BackendS3, S3: s3cfg}, nil

	case "vault":
		scheme := query.Get("scheme")
		if scheme == "" {
			scheme = "https"
		}
		mount, dataPath, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if u.Host == "" || mount == "" {
			return config.BackendConfig{}, fmt.Errorf("%w: vault URI needs host and mount: %s", interfaces.ErrConfiguration, locationURI)
		}
		return config.BackendConfig{
			Type: config.BackendVault,
			Vault: config.VaultConfig{
				Address: fmt.Sprintf("%s://%s", scheme, u.Host),
				Mount:   mount,
				Path:    strings.TrimSuffix(dataPath, "/"),
			},
		}, nil

	default:
		return config.BackendConfig{}, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrConfiguration, u.Scheme)
	}
}
