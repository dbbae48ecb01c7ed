// Package cache provides the explicit key/value cache injected into managers
// that need read-through lookups. Keys are namespaced by the owning
// component:
//
//	plan:<planID>  cached plan records owned by subscription.PlanManager
//
// A miss is reported via ErrCacheMiss so callers can distinguish "not cached"
// from a backend failure.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss indicates the key holds no value.
var ErrCacheMiss = errors.New("cache: key not found")

// Cache is the injected interface; implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
