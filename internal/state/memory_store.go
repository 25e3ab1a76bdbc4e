package state

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"twistbridge/internal/domain"
)

const memoryShardCount = 32

// MemoryStore keeps dedup records and thread bindings in process memory for single mode.
// Params: sharded maps, dedup retention, and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	now       func() time.Time
	retention time.Duration
	shards    [memoryShardCount]*memoryShard
}

// memoryShard guards the keys hashed onto it.
type memoryShard struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	bindings map[string]domain.ThreadBinding
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil) and dedup retention horizon.
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time, retention time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	store := &MemoryStore{now: now, retention: retention}
	for i := range store.shards {
		store.shards[i] = &memoryShard{
			seen:     make(map[string]time.Time),
			bindings: make(map[string]domain.ThreadBinding),
		}
	}
	return store
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return s.shards[hash.Sum32()%memoryShardCount]
}

// Accept records id and reports whether it was unseen within the retention horizon.
// Params: delivery id.
// Returns: true exactly once per id per horizon.
func (s *MemoryStore) Accept(_ context.Context, id string) (bool, error) {
	now := s.now()
	shard := s.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if firstSeen, ok := shard.seen[id]; ok && !s.expired(firstSeen, now) {
		return false, nil
	}
	shard.seen[id] = now
	return true, nil
}

// Forget removes the dedup record so the id is accepted again.
// Params: delivery id.
// Returns: nil.
func (s *MemoryStore) Forget(_ context.Context, id string) error {
	shard := s.shardFor(id)
	shard.mu.Lock()
	delete(shard.seen, id)
	shard.mu.Unlock()
	return nil
}

// SweepDedup drops records older than the retention horizon.
// Params: sweep instant.
// Returns: number of removed records.
func (s *MemoryStore) SweepDedup(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for id, firstSeen := range shard.seen {
			if s.expired(firstSeen, now) {
				delete(shard.seen, id)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// expired reports whether a record reached the horizon; zero retention keeps records forever.
func (s *MemoryStore) expired(firstSeen, now time.Time) bool {
	if s.retention <= 0 {
		return false
	}
	return !now.Before(firstSeen.Add(s.retention))
}

// GetBinding returns binding for incident key.
// Params: incident key.
// Returns: binding or ErrNotFound.
func (s *MemoryStore) GetBinding(_ context.Context, incidentKey string) (domain.ThreadBinding, error) {
	shard := s.shardFor(incidentKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	binding, ok := shard.bindings[incidentKey]
	if !ok {
		return domain.ThreadBinding{}, ErrNotFound
	}
	return binding, nil
}

// CreateBinding stores binding unless the key is already bound.
// Params: binding to insert.
// Returns: stored binding, or the existing binding with ErrConflict.
func (s *MemoryStore) CreateBinding(_ context.Context, binding domain.ThreadBinding) (domain.ThreadBinding, error) {
	key := binding.IncidentKey
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.bindings[key]; ok {
		return existing, ErrConflict
	}
	shard.bindings[key] = binding
	return binding, nil
}

// CloseBinding marks binding closed at the given instant; already closed bindings keep their first close time.
// Params: incident key and close instant.
// Returns: ErrNotFound when key is unbound.
func (s *MemoryStore) CloseBinding(_ context.Context, incidentKey string, closedAt time.Time) error {
	shard := s.shardFor(incidentKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	binding, ok := shard.bindings[incidentKey]
	if !ok {
		return ErrNotFound
	}
	if binding.Closed() {
		return nil
	}
	binding.ClosedAt = closedAt
	shard.bindings[incidentKey] = binding
	return nil
}

// SweepClosedBindings evicts bindings closed before the cutoff.
// Params: cutoff instant.
// Returns: number of evicted bindings.
func (s *MemoryStore) SweepClosedBindings(_ context.Context, closedBefore time.Time) (int, error) {
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, binding := range shard.bindings {
			if binding.Closed() && binding.ClosedAt.Before(closedBefore) {
				delete(shard.bindings, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
