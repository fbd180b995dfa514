// Package cache provides the token cache backends: an in-process store
// (ristretto), a shared Valkey store and a Fallback that combines the two.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
)

// Backend stores opaque values with a time-to-live.
//
// Implementations must be safe for concurrent use. A Set with a non-positive
// ttl stores nothing. Get reports a miss with ok == false and a nil error;
// errors are reserved for backend failures.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}

// Logger is an interface for optional logging of backend failures.
type Logger interface {
	Printf(format string, args ...any)
}

// TokenKey returns the cache key under which a server's token is stored.
func TokenKey(server string) string {
	return "token:" + server
}

// FromConfig builds the backend selected by cfg. The valkey backend is
// wrapped in a Fallback over an in-process cache.
func FromConfig(cfg config.CacheConfig, logger Logger) (Backend, error) {
	local, err := NewMemory(0)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "", config.CacheMemory:
		return local, nil
	case config.CacheValkey:
		shared, err := NewValkey(cfg.Valkey)
		if err != nil {
			_ = local.Close()
			return nil, err
		}
		return NewFallback(shared, local, logger), nil
	default:
		_ = local.Close()
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
