package driver

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound returned by Get when the key is absent
var ErrKeyNotFound = errors.New("key not found")

// KeyValueDB define a key-value storage interface
type KeyValueDB interface {
	// SetEX set key to value, zero expiration means no expiration
	SetEX(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get returns ErrKeyNotFound if key does not exist
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// SAdd add members to the set stored at key, members are never removed except by Del
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	HSet(ctx context.Context, key string, field string, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Ping(ctx context.Context) error
	Close() error
}
