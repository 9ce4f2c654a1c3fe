package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for round caching and indexing leases.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string        `yaml:"url"`
	Password  string        `yaml:"password"`
	Namespace string        `yaml:"namespace"` // Key prefix (default: roundwatcher)
	RoundTTL  time.Duration `yaml:"round_ttl"` // Indexed round expiry, 0 keeps forever
}

// Enabled reports whether a Redis URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "roundwatcher"
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb, namespace: cfg.Namespace}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func roundKey(namespace string, round uint64) string {
	return fmt.Sprintf("%s:indexed_round:%d", namespace, round)
}

func leaseKey(namespace string, round uint64) string {
	return fmt.Sprintf("%s:lease:round:%d", namespace, round)
}

// AcquireLease claims round for owner. It returns false when another
// instance holds the lease.
func (c *Client) AcquireLease(ctx context.Context, round uint64, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(c.namespace, round), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lease only while owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLease releases a lease held by owner.
func (c *Client) ReleaseLease(ctx context.Context, round uint64, owner string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{leaseKey(c.namespace, round)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
