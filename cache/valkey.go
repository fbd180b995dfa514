package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
)

const scanBatchSize = 100

// Valkey is a Backend shared between processes through a Valkey (or Redis)
// server. All keys are namespaced with a prefix.
type Valkey struct {
	client valkey.Client
	prefix string
}

// NewValkey connects to the server described by cfg.
func NewValkey(cfg config.ValkeyConfig) (*Valkey, error) {
	opt := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	}
	if cfg.TLS {
		opt.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to connect to valkey at %s: %w", cfg.Address, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = config.DefaultValkeyKeyPrefix
	}
	return NewValkeyFromClient(client, prefix), nil
}

// NewValkeyFromClient wraps an existing client.
func NewValkeyFromClient(client valkey.Client, prefix string) *Valkey {
	return &Valkey{client: client, prefix: prefix}
}

func (v *Valkey) key(key string) string {
	return v.prefix + key
}

// Get implements Backend.
func (v *Valkey) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := v.client.Do(ctx, v.client.B().Get().Key(v.key(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: valkey GET %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Backend. The ttl is applied with millisecond precision.
func (v *Valkey) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return v.Delete(ctx, key)
	}
	cmd := v.client.B().Set().Key(v.key(key)).Value(valkey.BinaryString(value)).PxMilliseconds(ms).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: valkey SET %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (v *Valkey) Delete(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("cache: valkey DEL %s: %w", key, err)
	}
	return nil
}

// Exists implements Backend.
func (v *Valkey) Exists(ctx context.Context, key string) (bool, error) {
	n, err := v.client.Do(ctx, v.client.B().Exists().Key(v.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: valkey EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear removes every key under the prefix. It never touches other keys.
func (v *Valkey) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		cmd := v.client.B().Scan().Cursor(cursor).Match(v.prefix + "*").Count(scanBatchSize).Build()
		entry, err := v.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("cache: valkey SCAN: %w", err)
		}
		if len(entry.Elements) > 0 {
			if err := v.client.Do(ctx, v.client.B().Del().Key(entry.Elements...).Build()).Error(); err != nil {
				return fmt.Errorf("cache: valkey DEL: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Close implements Backend.
func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
