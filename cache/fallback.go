package cache

import (
	"context"
	"errors"
	"time"
)

// Fallback layers a shared backend over a local one. Failures of the shared
// backend are logged and answered from the local backend, so an unreachable
// shared cache never fails a token request.
type Fallback struct {
	shared Backend
	local  Backend
	logger Logger
}

// NewFallback creates a Fallback. logger may be nil.
func NewFallback(shared, local Backend, logger Logger) *Fallback {
	return &Fallback{shared: shared, local: local, logger: logger}
}

func (f *Fallback) logf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}

// Get implements Backend.
func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := f.shared.Get(ctx, key)
	if err == nil {
		return value, ok, nil
	}
	f.logf("cache: shared backend get failed, using local cache: %v", err)
	return f.local.Get(ctx, key)
}

// Set implements Backend. The value is always written locally.
func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := f.shared.Set(ctx, key, value, ttl); err != nil {
		f.logf("cache: shared backend set failed: %v", err)
	}
	return nil
}

// Delete implements Backend.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	if err := f.shared.Delete(ctx, key); err != nil {
		f.logf("cache: shared backend delete failed: %v", err)
	}
	return f.local.Delete(ctx, key)
}

// Exists implements Backend.
func (f *Fallback) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := f.shared.Exists(ctx, key)
	if err == nil {
		return ok, nil
	}
	f.logf("cache: shared backend exists failed, using local cache: %v", err)
	return f.local.Exists(ctx, key)
}

// Clear implements Backend.
func (f *Fallback) Clear(ctx context.Context) error {
	if err := f.shared.Clear(ctx); err != nil {
		f.logf("cache: shared backend clear failed: %v", err)
	}
	return f.local.Clear(ctx)
}

// Close closes both backends.
func (f *Fallback) Close() error {
	return errors.Join(f.shared.Close(), f.local.Close())
}
