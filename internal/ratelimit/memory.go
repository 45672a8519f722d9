package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultShards = 32

type shard struct {
	mu    sync.Mutex
	users map[int64]State
}

// MemoryStore keeps state in process, split across shards so unrelated users
// do not contend on one lock.
type MemoryStore struct {
	shards []*shard
}

// NewMemoryStore creates a store with n shards (0 picks a default).
func NewMemoryStore(n int) *MemoryStore {
	if n <= 0 {
		n = defaultShards
	}
	m := &MemoryStore{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{users: make(map[int64]State)}
	}
	return m
}

func (m *MemoryStore) shardFor(userID int64) *shard {
	h := uint64(userID) * 0x9E3779B97F4A7C15
	return m.shards[h%uint64(len(m.shards))]
}

func (m *MemoryStore) Admit(_ context.Context, userID int64, req Request) (Decision, error) {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	d, next := decide(sh.users[userID], req)
	if d.Allowed {
		sh.users[userID] = next
	}
	return d, nil
}

func (m *MemoryStore) Peek(_ context.Context, userID int64) (State, error) {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.users[userID], nil
}

func (m *MemoryStore) Reset(_ context.Context, userID int64) error {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	delete(sh.users, userID)
	sh.mu.Unlock()
	return nil
}

// Prune drops users whose last admission is older than cutoff and returns how
// many were removed.
func (m *MemoryStore) Prune(cutoff time.Time) int {
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, st := range sh.users {
			if st.LastAdmitted.Before(cutoff) {
				delete(sh.users, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len is the number of tracked users.
func (m *MemoryStore) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.users)
		sh.mu.Unlock()
	}
	return n
}
