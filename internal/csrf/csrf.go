package csrf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken is returned for unknown or expired tokens.
var ErrInvalidToken = errors.New("invalid csrf token")

const (
	keyPrefix  = "csrf:v1:"
	defaultTTL = 30 * time.Minute
)

// Store persists issued tokens until they expire.
type Store interface {
	Put(ctx context.Context, token string, ttl time.Duration) error
	Exists(ctx context.Context, token string) (bool, error)
}

// Issuer hands out opaque tokens and validates them.
type Issuer struct {
	store Store
	ttl   time.Duration
}

// NewIssuer builds an issuer. A non-positive ttl uses 30 minutes.
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{store: store, ttl: ttl}
}

// TTL reports how long issued tokens remain valid.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue creates and stores a new token.
func (i *Issuer) Issue(ctx context.Context) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := i.store.Put(ctx, token, i.ttl); err != nil {
		return "", fmt.Errorf("store csrf token: %w", err)
	}
	return token, nil
}

// Token issues a token for an outbound state-changing call.
func (i *Issuer) Token(ctx context.Context) (string, error) {
	return i.Issue(ctx)
}

// Validate reports ErrInvalidToken unless token was issued and has not expired.
func (i *Issuer) Validate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	ok, err := i.store.Exists(ctx, token)
	if err != nil {
		return fmt.Errorf("lookup csrf token: %w", err)
	}
	if !ok {
		return ErrInvalidToken
	}
	return nil
}

// RedisStore keeps tokens in Redis with an expiry.
type RedisStore struct {
	cache *redis.Client
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(cache *redis.Client) *RedisStore {
	return &RedisStore{cache: cache}
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, token string, ttl time.Duration) error {
	return s.cache.Set(ctx, keyPrefix+token, 1, ttl).Err()
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, token string) (bool, error) {
	n, err := s.cache.Exists(ctx, keyPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]time.Time), now: time.Now}
}

// Put implements Store. Expired tokens are swept on every write.
func (s *MemoryStore) Put(_ context.Context, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for t, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = now.Add(ttl)
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.tokens, token)
		return false, nil
	}
	return true, nil
}
