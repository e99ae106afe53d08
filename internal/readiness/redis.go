package readiness

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "tunnelbridge:ready:"

// KeyPrefix scopes readiness keys to a channel prefix so deployments sharing
// one redis stay apart.
func KeyPrefix(channelPrefix string) string {
	return "tunnelbridge:" + channelPrefix + "ready:"
}

// RedisStore shares readiness between bridge instances through redis. Each
// worker is one key, so per-key atomicity is all that is required.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the given Redis URL and verifies it answers.
func NewRedisStore(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &RedisStore{client: c, prefix: prefix, ttl: ttl}, nil
}

// Client exposes the underlying connection for components sharing it.
func (r *RedisStore) Client() redis.UniversalClient { return r.client }

// Close releases the connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(workerID string) string { return r.prefix + workerID }

func (r *RedisStore) SetReady(ctx context.Context, workerID string, ready bool) error {
	if !ready {
		return r.client.Del(ctx, r.key(workerID)).Err()
	}
	return r.client.Set(ctx, r.key(workerID), time.Now().UTC().Format(time.RFC3339), r.ttl).Err()
}

func (r *RedisStore) IsReady(ctx context.Context, workerID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(workerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		} else if dbStr := q.Get("db"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}
