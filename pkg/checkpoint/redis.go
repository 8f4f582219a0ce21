package checkpoint

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all checkpoint keys (e.g., "trialflow:checkpoints:")
	Prefix string

	// TTL is the time-to-live for checkpoint keys (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "trialflow:checkpoints:",
		TTL:          24 * time.Hour,
		Timeout:      5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisBackend stores checkpoints in Redis so several hosts can share
// resume state for the same output.
type RedisBackend struct {
	cfg    RedisConfig
	client redis.UniversalClient
}

// NewRedisBackend connects to Redis and returns a backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisBackendWithClient(cfg, client), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(cfg RedisConfig, client redis.UniversalClient) *RedisBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisBackend{cfg: cfg, client: client}
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + id
}

func (b *RedisBackend) outputIndexKey(output string) string {
	return b.cfg.Prefix + "index:output:" + sanitizeKey(output)
}

func (b *RedisBackend) incompleteSetKey() string {
	return b.cfg.Prefix + "incomplete"
}

func (b *RedisBackend) lockKey(id string) string {
	return b.cfg.Prefix + "lock:" + id
}

// sanitizeKey removes characters that may cause issues in Redis keys.
func sanitizeKey(s string) string {
	return strings.NewReplacer("/", "_", ":", "_", " ", "_", "\\", "_").Replace(s)
}

// Save persists a checkpoint and updates the output index and the
// incomplete set in one pipeline.
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := cp.encode()
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(cp.ID), data, b.cfg.TTL)
	pipe.Set(ctx, b.outputIndexKey(cp.Output), cp.ID, b.cfg.TTL)
	if cp.Incomplete() {
		pipe.SAdd(ctx, b.incompleteSetKey(), cp.ID)
	} else {
		pipe.SRem(ctx, b.incompleteSetKey(), cp.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint to Redis: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint from Redis.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to load checkpoint from Redis: %w", err)
	}
	return decode(data)
}

// Delete removes a checkpoint and its index entries.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	cp, err := b.Load(ctx, id)
	if err != nil && err != os.ErrNotExist {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key(id))
	pipe.SRem(ctx, b.incompleteSetKey(), id)
	if cp != nil {
		pipe.Del(ctx, b.outputIndexKey(cp.Output))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListIncomplete returns all checkpoints that haven't completed. Stale
// members of the incomplete set are pruned.
func (b *RedisBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := b.client.SMembers(ctx, b.incompleteSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get incomplete checkpoints: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if err != nil || !cp.Incomplete() {
			b.client.SRem(ctx, b.incompleteSetKey(), id)
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// FindByOutput finds an incomplete checkpoint for the output directory.
func (b *RedisBackend) FindByOutput(ctx context.Context, output string) (*Checkpoint, error) {
	id, err := b.client.Get(ctx, b.outputIndexKey(output)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to find checkpoint by output: %w", err)
	}

	cp, err := b.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cp.Incomplete() {
		return nil, os.ErrNotExist
	}
	return cp, nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

// --- Distributed Locking ---

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// Lock guards one job against concurrent runs writing the same output.
type Lock struct {
	backend *RedisBackend
	key     string
	value   string
	ttl     time.Duration
}

// AcquireLock takes the lock for a checkpoint. It fails if another holder
// owns it.
func (b *RedisBackend) AcquireLock(ctx context.Context, checkpointID string, ttl time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	key := b.lockKey(checkpointID)
	value := fmt.Sprintf("%d", time.Now().UnixNano())

	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock already held for %s", checkpointID)
	}
	return &Lock{backend: b, key: key, value: value, ttl: ttl}, nil
}

// Release releases the lock if it is still ours.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.backend.client, []string{l.key}, l.value).Result()
	return err
}

// Extend resets the lock TTL.
func (l *Lock) Extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, l.backend.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return fmt.Errorf("lock no longer held")
	}
	return nil
}
