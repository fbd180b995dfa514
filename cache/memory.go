package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMemoryEntries bounds the number of entries held by NewMemory(0).
const DefaultMemoryEntries = 1024

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("cache: backend closed")

// ErrRejected is returned when the memory backend drops or refuses a write.
var ErrRejected = errors.New("cache: write rejected")

// Memory is an in-process Backend backed by ristretto. Every entry costs 1,
// so maxEntries is the capacity in entries.
type Memory struct {
	store  *ristretto.Cache[string, []byte]
	closed atomic.Bool
}

// NewMemory creates an in-process backend holding up to maxEntries values.
func NewMemory(maxEntries int64) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: failed to initialize memory backend: %w", err)
	}

	return &Memory{store: store}, nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.closed.Load() {
		return nil, false, ErrClosed
	}
	value, ok := m.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if ttl <= 0 {
		m.store.Del(key)
		m.store.Wait()
		return nil
	}
	if !m.store.SetWithTTL(key, append([]byte(nil), value...), 1, ttl) {
		return fmt.Errorf("%w: %s", ErrRejected, key)
	}
	// Make the write visible to the next Get.
	m.store.Wait()
	// The admission policy may still refuse the entry.
	if _, ok := m.store.Get(key); !ok {
		return fmt.Errorf("%w: %s", ErrRejected, key)
	}
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.store.Del(key)
	m.store.Wait()
	return nil
}

// Exists implements Backend.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Clear implements Backend.
func (m *Memory) Clear(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.store.Clear()
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.store.Close()
	return nil
}
