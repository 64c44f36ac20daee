package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	repoIface "github.com/quipper/poc/lti/grader/pkg/repositories/session"
)

const defaultPrefix = "lti"

// Store persists sessions in Redis; Take uses GETDEL so consumption is atomic across instances.
type Store struct {
	client *red.Client
	prefix string
}

var _ repoIface.Store = (*Store)(nil)

// NewStore wires a Store on an existing client.
func NewStore(client *red.Client, keyPrefix string) *Store {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect dials addr and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int, keyPrefix string) (*Store, error) {
	client := red.NewClient(&red.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewStore(client, keyPrefix), nil
}

func (s *Store) key(k string) string { return s.prefix + ":" + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, repoIface.ErrNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, repoIface.ErrNotFound
		}
		return nil, fmt.Errorf("redis getdel session: %w", err)
	}
	return b, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }
