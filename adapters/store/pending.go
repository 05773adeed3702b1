package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
	"github.com/redis/go-redis/v9"
)

// RedisPendingStore keeps prepared transactions keyed by canonical hash.
type RedisPendingStore struct {
	client *redis.Client
	prefix string
}

// NewRedisPendingStore creates a Redis backed pending transaction store
func NewRedisPendingStore(client *redis.Client) ports.PendingStore {
	return &RedisPendingStore{
		client: client,
		prefix: keyPrefix + "pending:",
	}
}

func (s *RedisPendingStore) Put(ctx context.Context, pending *core.PendingTransaction, ttl time.Duration) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending transaction: %w", err)
	}

	if err := s.client.Set(ctx, s.prefix+pending.Hash.Hex(), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending transaction: %w", unavailable(err))
	}

	return nil
}

func (s *RedisPendingStore) Get(ctx context.Context, hash common.Hash) (*core.PendingTransaction, error) {
	payload, err := s.client.Get(ctx, s.prefix+hash.Hex()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending transaction: %w", unavailable(err))
	}

	var pending core.PendingTransaction
	if err := json.Unmarshal(payload, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending transaction: %w", err)
	}

	return &pending, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, hash common.Hash) error {
	if err := s.client.Del(ctx, s.prefix+hash.Hex()).Err(); err != nil {
		return fmt.Errorf("failed to delete pending transaction: %w", unavailable(err))
	}
	return nil
}

type pendingEntry struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryPendingStore is the in-process variant of RedisPendingStore.
// Records are stored serialized so callers never share state.
type MemoryPendingStore struct {
	mu      sync.Mutex
	entries map[common.Hash]pendingEntry
	now     func() time.Time
}

// NewMemoryPendingStore creates an in-memory pending transaction store
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{
		entries: make(map[common.Hash]pendingEntry),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryPendingStore) WithClock(now func() time.Time) *MemoryPendingStore {
	s.now = now
	return s
}

func (s *MemoryPendingStore) Put(ctx context.Context, pending *core.PendingTransaction, ttl time.Duration) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[pending.Hash] = pendingEntry{payload: payload, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryPendingStore) Get(ctx context.Context, hash common.Hash) (*core.PendingTransaction, error) {
	s.mu.Lock()
	entry, ok := s.entries[hash]
	if ok && !s.now().Before(entry.expiresAt) {
		delete(s.entries, hash)
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return nil, core.ErrPendingNotFound
	}

	var pending core.PendingTransaction
	if err := json.Unmarshal(entry.payload, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending transaction: %w", err)
	}
	return &pending, nil
}

func (s *MemoryPendingStore) Delete(ctx context.Context, hash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, hash)
	return nil
}
