package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// incrWithExpiryScript creates-or-increments a window counter atomically.
// The expiry is attached in the same script invocation as the first
// increment, so a crash between the two cannot strand an immortal key.
// Returns: [post-increment count, remaining ttl in milliseconds]
var incrWithExpiryScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

var ErrNilClient = errors.New("redis counter adapter: client is nil")

type Config struct {
	Address     string
	Username    string
	Password    string
	Database    int
	DialTimeout time.Duration
}

type Adapter struct {
	client goredis.UniversalClient
}

func NewAdapter(config Config) *Adapter {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        config.Address,
		Username:    config.Username,
		Password:    config.Password,
		DB:          config.Database,
		DialTimeout: config.DialTimeout,
	})

	return &Adapter{client: client}
}

// NewAdapterWithClient wraps an existing client, for callers that share one
// connection pool across subsystems.
func NewAdapterWithClient(client goredis.UniversalClient) *Adapter {
	return &Adapter{client: client}
}

func (a *Adapter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if a == nil || a.client == nil {
		return 0, 0, ErrNilClient
	}

	values, err := incrWithExpiryScript.Run(ctx, a.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, errors.New("redis counter adapter: unexpected script reply")
	}

	count := values[0]
	ttl := time.Duration(values[1]) * time.Millisecond
	if ttl < 0 {
		// PTTL reports -1 for keys without expiry; treat as a full window.
		ttl = window
	}

	return count, ttl, nil
}

func (a *Adapter) Get(ctx context.Context, key string) (int64, error) {
	if a == nil || a.client == nil {
		return 0, ErrNilClient
	}

	count, err := a.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	if a == nil || a.client == nil {
		return ErrNilClient
	}
	return a.client.Del(ctx, key).Err()
}

func (a *Adapter) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}
