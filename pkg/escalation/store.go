package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps approvals in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	approvals map[string]Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]Approval)}
}

func (s *MemoryStore) Create(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[a.ApprovalID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ApprovalID)
	}
	s.approvals[a.ApprovalID] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &a, nil
}

func (s *MemoryStore) Transition(_ context.Context, a Approval, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.approvals[a.ApprovalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ApprovalID)
	}
	if cur.Status != from {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, a.ApprovalID, cur.Status)
	}
	s.approvals[a.ApprovalID] = a
	return nil
}

// RedisStore keeps approvals as JSON values. Keys expire a retention
// period after the approval itself expires.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	clock     func() time.Time
}

// NewRedisStore uses keys "<prefix><approval_id>".
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "execlayer:approval:"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention, clock: time.Now}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Create(ctx context.Context, a Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	ttl := a.ExpiresAt.Sub(s.clock()) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	ok, err := s.client.SetNX(ctx, s.key(a.ApprovalID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ApprovalID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Approval, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &a, nil
}

// Transition compares and sets under WATCH, so a concurrent writer on the
// same key aborts the transaction.
func (s *RedisStore) Transition(ctx context.Context, a Approval, from Status) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	key := s.key(a.ApprovalID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, a.ApprovalID)
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		var cur Approval
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("decode approval %s: %w", a.ApprovalID, err)
		}
		if cur.Status != from {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, a.ApprovalID, cur.Status)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetXX(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed concurrently", ErrNotPending, a.ApprovalID)
	}
	return err
}
