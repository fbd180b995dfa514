package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()

	m, err := NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	if _, ok, err := m.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, TokenKey("svc1"), []byte("value"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := m.Get(ctx, TokenKey("svc1"))
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %q", got)
	}

	exists, err := m.Exists(ctx, TokenKey("svc1"))
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got %v err=%v", exists, err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	value := []byte("abc")
	_ = m.Set(ctx, "k", value, time.Minute)
	value[0] = 'x'

	got, _, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("expected stored value to be isolated, got %q", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	if err := m.Set(ctx, "short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(1100 * time.Millisecond)

	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestMemoryNonPositiveTTLStoresNothing(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	_ = m.Set(ctx, "k", []byte("old"), time.Minute)
	if err := m.Set(ctx, "k", []byte("new"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected no entry after non-positive ttl")
	}
}

func TestMemoryDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	_ = m.Set(ctx, "a", []byte("1"), time.Minute)
	_ = m.Set(ctx, "b", []byte("2"), time.Minute)

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := m.Exists(ctx, "a"); ok {
		t.Fatal("expected a to be deleted")
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if ok, _ := m.Exists(ctx, "b"); ok {
		t.Fatal("expected b to be cleared")
	}
}

func TestMemoryClosed(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	_ = m.Close()
	_ = m.Close()

	if _, _, err := m.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Set(ctx, "k", nil, time.Minute); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemorySetReportsDroppedWrite(t *testing.T) {
	m := newTestMemory(t)
	// A closed store drops every write without the backend noticing.
	m.store.Close()

	err := m.Set(context.Background(), "k", []byte("v"), time.Minute)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
