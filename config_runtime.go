package ssoguard

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	memorycounter "github.com/caregate/ssoguard/pkg/ratelimit/memory"
	rediscounter "github.com/caregate/ssoguard/pkg/ratelimit/redis"
	"github.com/caregate/ssoguard/pkg/storage/postgres"
)

type StorageBackend string

const (
	StorageBackendNone     StorageBackend = "none"
	StorageBackendPostgres StorageBackend = "postgres"
)

type CacheBackend string

const (
	CacheBackendNone   CacheBackend = "none"
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendRedis  CacheBackend = "redis"
)

type RuntimeConfig struct {
	Storage StorageConfig
	Cache   CacheConfig
}

type StorageConfig struct {
	Backend  StorageBackend
	Postgres PostgresConfig
}

type PostgresConfig struct {
	DriverName      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	OpenDB          func(driverName string, dsn string) (*sql.DB, error)
}

type CacheConfig struct {
	Backend CacheBackend
	Memory  MemoryCacheConfig
	Redis   RedisCacheConfig
}

type MemoryCacheConfig struct{}

type RedisCacheConfig struct {
	Address     string
	Username    string
	Password    string
	Database    int
	DialTimeout time.Duration
}

func (c Config) initialize(ctx context.Context) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config := c
	config.Logger = resolveLogger(config.Logger)

	if config.ClockSkew <= 0 {
		config.ClockSkew = DefaultClockSkew
	}

	closeStorage, config, err := initializeStorage(ctx, config)
	if err != nil {
		return nil, Config{}, err
	}

	closeCache, config, err := initializeCache(config)
	if err != nil {
		_ = closeStorage()
		return nil, Config{}, err
	}

	return joinClosers(closeStorage, closeCache), config, nil
}

func initializeStorage(ctx context.Context, config Config) (func() error, Config, error) {
	backend := config.Runtime.Storage.Backend
	if backend == "" {
		backend = StorageBackendNone
	}

	switch backend {
	case StorageBackendNone:
		return noopCloser, config, nil
	case StorageBackendPostgres:
		return initializePostgres(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("ssoguard config: unsupported runtime.storage.backend %q", backend)
	}
}

func initializeCache(config Config) (func() error, Config, error) {
	backend := config.Runtime.Cache.Backend
	if backend == "" {
		backend = CacheBackendNone
	}

	switch backend {
	case CacheBackendNone:
		return noopCloser, config, nil
	case CacheBackendMemory:
		return initializeMemoryCounter(config)
	case CacheBackendRedis:
		return initializeRedisCounter(config)
	default:
		return nil, Config{}, fmt.Errorf("ssoguard config: unsupported runtime.cache.backend %q", backend)
	}
}

func initializeMemoryCounter(config Config) (func() error, Config, error) {
	if config.Counter == nil {
		config.Counter = memorycounter.NewAdapter()
	}

	config.Logger.V(1).Info("initialized memory counter backend")
	return noopCloser, config, nil
}

func initializeRedisCounter(config Config) (func() error, Config, error) {
	if config.Counter != nil {
		return noopCloser, config, nil
	}

	redisConfig := config.Runtime.Cache.Redis
	if redisConfig.Address == "" {
		return nil, Config{}, fmt.Errorf("ssoguard config: runtime.cache.redis.address is required")
	}
	if redisConfig.DialTimeout <= 0 {
		redisConfig.DialTimeout = 5 * time.Second
	}

	adapter := rediscounter.NewAdapter(rediscounter.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		DialTimeout: redisConfig.DialTimeout,
	})

	config.Counter = adapter
	closeResource := adapter.Close

	config.Runtime.Cache.Redis = redisConfig
	config.Logger.V(1).Info("initialized redis counter backend", "address", redisConfig.Address, "database", redisConfig.Database)
	return closeResource, config, nil
}

func initializePostgres(ctx context.Context, config Config) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if config.ReplayStore != nil {
		return noopCloser, config, nil
	}

	pgConfig := config.Runtime.Storage.Postgres
	if pgConfig.DSN == "" {
		return nil, Config{}, fmt.Errorf("ssoguard config: runtime.storage.postgres.dsn is required")
	}

	if pgConfig.DriverName == "" {
		pgConfig.DriverName = "pgx"
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = 5 * time.Second
	}
	if pgConfig.OpenDB == nil {
		pgConfig.OpenDB = sql.Open
	}

	db, err := pgConfig.OpenDB(pgConfig.DriverName, pgConfig.DSN)
	if err != nil {
		return nil, Config{}, fmt.Errorf("ssoguard config: failed to open postgres database: %w", err)
	}

	if pgConfig.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	}
	if pgConfig.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	}
	if pgConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pgConfig.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("ssoguard config: failed to ping postgres database: %w", err)
	}

	adapter, err := postgres.NewAdapter(db)
	if err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("ssoguard config: failed to initialize postgres adapter: %w", err)
	}

	closeResource := func() error {
		return stderrors.Join(adapter.Close(), db.Close())
	}

	config.ReplayStore = adapter

	config.Runtime.Storage.Postgres = pgConfig
	config.Logger.V(1).Info("initialized postgres storage backend", "driver", pgConfig.DriverName, "max_open_conns", pgConfig.MaxOpenConns, "max_idle_conns", pgConfig.MaxIdleConns)
	return closeResource, config, nil
}

func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
