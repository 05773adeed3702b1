package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/redis/go-redis/v9"
)

// RedisChallengeStore keeps challenges in Redis with native expiry.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a Redis backed challenge store
func NewRedisChallengeStore(client *redis.Client) ports.ChallengeStore {
	return &RedisChallengeStore{
		client: client,
		prefix: keyPrefix + "challenge:",
	}
}

// Put stores the challenge, replacing any previous one for the key
func (s *RedisChallengeStore) Put(ctx context.Context, key core.ChallengeKey, challenge *core.Challenge, ttl time.Duration) error {
	if challenge.ExpiresAt.IsZero() {
		challenge.ExpiresAt = time.Now().Add(ttl)
	}

	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+key.String(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", unavailable(err))
	}

	return nil
}

// Get returns the live challenge for the key
func (s *RedisChallengeStore) Get(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error) {
	payload, err := s.client.Get(ctx, s.prefix+key.String()).Bytes()
	return s.decode(key, payload, err)
}

// Take returns and deletes the challenge in one round trip
func (s *RedisChallengeStore) Take(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error) {
	payload, err := s.client.GetDel(ctx, s.prefix+key.String()).Bytes()
	return s.decode(key, payload, err)
}

func (s *RedisChallengeStore) decode(key core.ChallengeKey, payload []byte, err error) (*core.Challenge, error) {
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", unavailable(err))
	}

	var challenge core.Challenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	challenge.Key = key

	return &challenge, nil
}

// MemoryChallengeStore is an in-process challenge store for single node setups and tests.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[core.ChallengeKey]core.Challenge
	now        func() time.Time
}

// NewMemoryChallengeStore creates a new in-memory challenge store
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[core.ChallengeKey]core.Challenge),
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryChallengeStore) WithClock(now func() time.Time) *MemoryChallengeStore {
	s.now = now
	return s
}

func (s *MemoryChallengeStore) Put(ctx context.Context, key core.ChallengeKey, challenge *core.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *challenge
	stored.Key = key
	stored.ExpiresAt = s.now().Add(ttl)
	challenge.ExpiresAt = stored.ExpiresAt
	s.challenges[key] = stored

	return nil
}

func (s *MemoryChallengeStore) Get(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(key, false)
}

func (s *MemoryChallengeStore) Take(ctx context.Context, key core.ChallengeKey) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(key, true)
}

func (s *MemoryChallengeStore) load(key core.ChallengeKey, remove bool) (*core.Challenge, error) {
	challenge, ok := s.challenges[key]
	if !ok {
		return nil, core.ErrChallengeNotFound
	}
	if !s.now().Before(challenge.ExpiresAt) {
		delete(s.challenges, key)
		return nil, fmt.Errorf("%w: %w", core.ErrChallengeNotFound, core.ErrChallengeExpired)
	}
	if remove {
		delete(s.challenges, key)
	}

	return &challenge, nil
}
