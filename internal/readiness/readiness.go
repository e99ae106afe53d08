// Package readiness records which workers announced they are connected and
// able to take requests.
package readiness

import (
	"context"
	"strings"
	"time"

	"github.com/gaspardpetit/tunnelbridge/internal/logx"
)

// Registry is the readiness capability shared by the gateway and the event
// router. Implementations must be safe for concurrent use.
type Registry interface {
	SetReady(ctx context.Context, workerID string, ready bool) error
	IsReady(ctx context.Context, workerID string) (bool, error)
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	RedisAddr string
	KeyPrefix string
	// TTL bounds how long a record stays ready without a fresh announcement.
	// Zero keeps records until cleared.
	TTL time.Duration
}

// Open returns the configured backend. A redis backend that cannot be reached
// falls back to memory so the bridge keeps serving single-instance traffic.
func Open(ctx context.Context, opts Options) Registry {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", BackendMemory:
		logx.Log.Info().Dur("ttl", opts.TTL).Msg("using in-memory readiness registry")
		return NewMemoryStore(opts.TTL)
	case BackendRedis:
		if opts.RedisAddr == "" {
			logx.Log.Warn().Msg("READINESS_STORE=redis but no redis address configured; falling back to in-memory readiness registry")
			return NewMemoryStore(opts.TTL)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := NewRedisStore(pingCtx, opts.RedisAddr, opts.KeyPrefix, opts.TTL)
		if err != nil {
			logx.Log.Warn().Err(err).Str("addr", opts.RedisAddr).
				Msg("REDIS UNREACHABLE: falling back to in-memory readiness registry; readiness will NOT be shared between bridge instances")
			return NewMemoryStore(opts.TTL)
		}
		logx.Log.Info().Str("addr", opts.RedisAddr).Str("prefix", rs.prefix).Dur("ttl", opts.TTL).Msg("using redis readiness registry")
		return rs
	default:
		logx.Log.Warn().Str("backend", opts.Backend).Msg("unknown readiness backend; falling back to in-memory readiness registry")
		return NewMemoryStore(opts.TTL)
	}
}
