package cache

import (
	"container/list"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

const shardCount = 64

// MemoryCache is a byte-bounded in-process Provider. Keys are spread over
// fixed shards so unrelated keys do not contend; eviction is
// least-recently-accessed across all shards, using a global access clock.
type MemoryCache struct {
	maxBytes int64
	clock    func() time.Time

	bytes  atomic.Int64
	items  atomic.Int64
	access atomic.Uint64

	shards [shardCount]memShard
}

type memShard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed
}

type memItem struct {
	key     string
	entry   *Entry
	size    int64
	expires time.Time
	access  uint64
}

// NewMemoryCache creates a memory store bounded to maxBytes.
func NewMemoryCache(maxBytes int64) *MemoryCache {
	return NewMemoryCacheWithClock(maxBytes, time.Now)
}

// NewMemoryCacheWithClock injects the time source, for tests.
func NewMemoryCacheWithClock(maxBytes int64, clock func() time.Time) *MemoryCache {
	m := &MemoryCache{maxBytes: maxBytes, clock: clock}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*list.Element)
		m.shards[i].lru = list.New()
	}
	return m
}

func (m *MemoryCache) shard(key string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Entry, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*memItem)
	if m.clock().After(item.expires) {
		m.removeLocked(s, el)
		return nil, false, nil
	}
	item.access = m.access.Add(1)
	s.lru.MoveToFront(el)
	return item.entry.Clone(), true, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, entry *Entry, softExpiry time.Duration) error {
	size := entry.Size()
	if size > m.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	stored := entry.Clone()
	item := &memItem{
		key:     key,
		entry:   stored,
		size:    size,
		expires: m.clock().Add(softExpiry),
		access:  m.access.Add(1),
	}

	s := m.shard(key)
	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		m.removeLocked(s, el)
	}
	s.entries[key] = s.lru.PushFront(item)
	m.bytes.Add(size)
	m.items.Add(1)
	s.mu.Unlock()

	for m.bytes.Load() > m.maxBytes {
		if !m.evictOldest() {
			break
		}
	}
	return nil
}

// evictOldest drops the entry with the lowest access stamp across shard LRU
// tails. Shards are locked one at a time, so the pick is approximate under
// concurrent access, which the contract allows.
func (m *MemoryCache) evictOldest() bool {
	var victimShard *memShard
	victimAccess := ^uint64(0)

	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		if tail := s.lru.Back(); tail != nil {
			if access := tail.Value.(*memItem).access; access <= victimAccess {
				victimAccess = access
				victimShard = s
			}
		}
		s.mu.Unlock()
	}

	if victimShard == nil {
		return false
	}
	victimShard.mu.Lock()
	defer victimShard.mu.Unlock()
	tail := victimShard.lru.Back()
	if tail == nil {
		return false
	}
	m.removeLocked(victimShard, tail)
	return true
}

func (m *MemoryCache) removeLocked(s *memShard, el *list.Element) {
	item := el.Value.(*memItem)
	s.lru.Remove(el)
	delete(s.entries, item.key)
	m.bytes.Add(-item.size)
	m.items.Add(-1)
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		m.removeLocked(s, el)
	}
	return nil
}

func (m *MemoryCache) Purge(_ context.Context, pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("cache: purge pattern %q: %w", pattern, err)
	}
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, el := range s.entries {
			if g.Match(key) {
				m.removeLocked(s, el)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (m *MemoryCache) Stats(context.Context) (Stats, error) {
	return Stats{Items: m.items.Load(), Bytes: m.bytes.Load()}, nil
}

func (m *MemoryCache) Close() error { return nil }
