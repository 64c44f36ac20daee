package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

// Store keeps sessions in process memory. Suitable for a single instance and tests.
type Store struct {
	mu sync.Mutex
	c  *gocache.Cache
}

var _ repoIface.Store = (*Store)(nil)

func New(cleanupInterval time.Duration) *Store {
	return &Store{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, repoIface.ErrNotFound
	}
	return v.([]byte), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("memory store: ttl must be positive")
	}
	b := make([]byte, len(value))
	copy(b, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, b, ttl)
	return nil
}

// Take holds the store mutex across get and delete so a key is handed out once.
func (s *Store) Take(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return nil, repoIface.ErrNotFound
	}
	s.c.Delete(key)
	return v.([]byte), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Delete(key)
	return nil
}

func (s *Store) Health(context.Context) error { return nil }

func (s *Store) Close() error {
	s.c.Flush()
	return nil
}
