package cache

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is a process-local store backed by ttlcache.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore starts the expiry loop; call Close to stop it.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	c := ttlcache.New(
		ttlcache.WithTTL[string, []byte](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	item := s.cache.Get(key)
	if item == nil || item.IsExpired() {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	s.cache.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) error {
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
	return nil
}

// Close stops the expiry loop.
func (s *MemoryStore) Close() {
	s.cache.Stop()
}
