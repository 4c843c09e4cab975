package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient .
type RedisClient struct {
	conn *redis.Client
}

var _ KeyValueDB = &RedisClient{}

// NewRedisClient create a redis client
func NewRedisClient(host string, port int, password string, db int) *RedisClient {
	return newRedisClient(fmt.Sprintf("%s:%d", host, port), password, db)
}

func newRedisClient(addr string, password string, db int) *RedisClient {
	conn := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisClient{
		conn: conn,
	}
}

// SetEX implement KeyValueDB
func (rdb *RedisClient) SetEX(ctx context.Context, key string, value string, expiration time.Duration) error {
	return rdb.conn.Set(ctx, key, value, expiration).Err()
}

// Get implement KeyValueDB
func (rdb *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := rdb.conn.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return v, err
}

// Exists implement KeyValueDB
func (rdb *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rdb.conn.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Del implement KeyValueDB
func (rdb *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return rdb.conn.Del(ctx, keys...).Err()
}

// SAdd implement KeyValueDB
func (rdb *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]interface{}, len(members))
	for i, m := range members {
		values[i] = m
	}
	return rdb.conn.SAdd(ctx, key, values...).Err()
}

// SMembers implement KeyValueDB
func (rdb *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return rdb.conn.SMembers(ctx, key).Result()
}

// HSet implement KeyValueDB
func (rdb *RedisClient) HSet(ctx context.Context, key string, field string, value string) error {
	return rdb.conn.HSet(ctx, key, field, value).Err()
}

// HGetAll implement KeyValueDB
func (rdb *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return rdb.conn.HGetAll(ctx, key).Result()
}

// Ping implement KeyValueDB
func (rdb *RedisClient) Ping(ctx context.Context) error {
	return rdb.conn.Ping(ctx).Err()
}

// Close implement KeyValueDB
func (rdb *RedisClient) Close() error {
	return rdb.conn.Close()
}
