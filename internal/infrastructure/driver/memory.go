package driver

import (
	"time"

	"github.com/alicebob/miniredis/v2"
)

// MemoryKV in-process redis server behind a RedisClient, used for single
// node deployments and tests
type MemoryKV struct {
	*RedisClient
	server *miniredis.Miniredis
}

var _ KeyValueDB = &MemoryKV{}

// NewMemoryKV start an empty in-process server on a random local port
func NewMemoryKV() (*MemoryKV, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, err
	}
	return &MemoryKV{
		RedisClient: newRedisClient(server.Addr(), "", 0),
		server:      server,
	}, nil
}

// FastForward move the server clock, expiring keys whose TTL ran out
func (m *MemoryKV) FastForward(d time.Duration) {
	m.server.FastForward(d)
}

// Close implement KeyValueDB, also stops the server
func (m *MemoryKV) Close() error {
	err := m.RedisClient.Close()
	m.server.Close()
	return err
}
