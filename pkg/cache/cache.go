// Package cache implements the shared block cache: a sharded LRU whose
// entries are reference counted, so an eviction never retires a value a
// reader still holds.
package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

const numShards = 16

// minPerShard is the smallest per-shard capacity worth splitting for; smaller
// caches use a single shard so the bound stays exact.
const minPerShard = 4

// maxAttachRetries bounds how often a coalesced load is retried when the
// shared entry is evicted before the caller could pin it.
const maxAttachRetries = 3

// Key identifies a block: the table it belongs to and its file offset
type Key struct {
	TableID uint64
	Offset  uint64
}

func (k Key) encode() [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], k.TableID)
	binary.LittleEndian.PutUint64(b[8:], k.Offset)
	return b
}

// Stats is a point-in-time view of cache activity
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

type entry[V any] struct {
	key   Key
	value V
	// refs counts the cache's own reference (while resident) plus one per
	// live handle. Guarded by the owning shard's mutex.
	refs int
	elem *list.Element
}

type shard[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[Key]*entry[V]
	lru      *list.List
}

// Cache is a bounded LRU shared by all table readers
type Cache[V any] struct {
	shards    []*shard[V]
	capacity  int
	release   func(V)
	group     singleflight.Group
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache holding up to capacity values. A capacity of zero
// disables caching: every lookup runs the loader. release, when not nil, is
// invoked exactly once per loaded value after it has left the cache and its
// last handle has been released.
func New[V any](capacity int, release func(V)) *Cache[V] {
	if capacity < 0 {
		capacity = 0
	}
	c := &Cache[V]{capacity: capacity, release: release}

	n := numShards
	if capacity < numShards*minPerShard {
		n = 1
	}
	c.shards = make([]*shard[V], n)
	per := capacity / n
	extra := capacity % n
	for i := range c.shards {
		sc := per
		if i < extra {
			sc++
		}
		c.shards[i] = &shard[V]{
			capacity: sc,
			items:    make(map[Key]*entry[V]),
			lru:      list.New(),
		}
	}
	return c
}

// Handle pins a cached value until Release is called
type Handle[V any] struct {
	cache *Cache[V]
	shard *shard[V]
	entry *entry[V]
	once  sync.Once
}

// Value returns the pinned value
func (h *Handle[V]) Value() V {
	return h.entry.value
}

// Release unpins the value. Calling it more than once is harmless.
func (h *Handle[V]) Release() {
	h.once.Do(func() {
		if h.shard == nil {
			h.cache.retire(h.entry)
			return
		}
		h.shard.mu.Lock()
		h.entry.refs--
		dead := h.entry.refs == 0
		h.shard.mu.Unlock()
		if dead {
			h.cache.retire(h.entry)
		}
	})
}

func (c *Cache[V]) retire(e *entry[V]) {
	if c.release != nil {
		c.release(e.value)
	}
}

func (c *Cache[V]) shardFor(key Key) *shard[V] {
	b := key.encode()
	return c.shards[xxhash.Sum64(b[:])%uint64(len(c.shards))]
}

// Enabled reports whether the cache retains anything
func (c *Cache[V]) Enabled() bool {
	return c.capacity > 0
}

// GetOrLoad returns a handle to the value for key, running load on a miss.
// Concurrent misses for the same key share one load. Failed loads are not
// cached.
func (c *Cache[V]) GetOrLoad(key Key, load func() (V, error)) (*Handle[V], error) {
	if !c.Enabled() {
		c.misses.Add(1)
		v, err := load()
		if err != nil {
			return nil, err
		}
		return &Handle[V]{cache: c, entry: &entry[V]{key: key, value: v, refs: 1}}, nil
	}

	s := c.shardFor(key)
	if h := c.lookup(s, key); h != nil {
		c.hits.Add(1)
		return h, nil
	}

	b := key.encode()
	for attempt := 0; attempt < maxAttachRetries; attempt++ {
		res, err, _ := c.group.Do(string(b[:]), func() (interface{}, error) {
			s.mu.Lock()
			if e, ok := s.items[key]; ok {
				s.mu.Unlock()
				return e, nil
			}
			s.mu.Unlock()

			c.misses.Add(1)
			v, err := load()
			if err != nil {
				return nil, err
			}
			return c.insert(s, key, v), nil
		})
		if err != nil {
			return nil, err
		}

		e := res.(*entry[V])
		s.mu.Lock()
		if e.refs > 0 {
			e.refs++
			if e.elem != nil {
				s.lru.MoveToFront(e.elem)
			}
			s.mu.Unlock()
			return &Handle[V]{cache: c, shard: s, entry: e}, nil
		}
		s.mu.Unlock()
	}

	// The shared entry kept getting evicted; read privately.
	c.misses.Add(1)
	v, err := load()
	if err != nil {
		return nil, err
	}
	return &Handle[V]{cache: c, entry: &entry[V]{key: key, value: v, refs: 1}}, nil
}

func (c *Cache[V]) lookup(s *shard[V], key Key) *Handle[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil
	}
	e.refs++
	s.lru.MoveToFront(e.elem)
	return &Handle[V]{cache: c, shard: s, entry: e}
}

// insert adds a freshly loaded value, evicting from the LRU tail as needed
func (c *Cache[V]) insert(s *shard[V], key Key, v V) *entry[V] {
	e := &entry[V]{key: key, value: v, refs: 1}

	var dead []*entry[V]
	s.mu.Lock()
	e.elem = s.lru.PushFront(e)
	s.items[key] = e
	for s.lru.Len() > s.capacity && s.lru.Len() > 0 {
		victim := s.lru.Back().Value.(*entry[V])
		dead = append(dead, c.unlinkLocked(s, victim)...)
		c.evictions.Add(1)
	}
	s.mu.Unlock()

	for _, d := range dead {
		c.retire(d)
	}
	return e
}

// unlinkLocked removes e from the shard and drops the cache's reference,
// returning it when no handle still pins it.
func (c *Cache[V]) unlinkLocked(s *shard[V], e *entry[V]) []*entry[V] {
	s.lru.Remove(e.elem)
	delete(s.items, e.key)
	e.elem = nil
	e.refs--
	if e.refs == 0 {
		return []*entry[V]{e}
	}
	return nil
}

// EvictTable drops every block belonging to tableID
func (c *Cache[V]) EvictTable(tableID uint64) {
	for _, s := range c.shards {
		var dead []*entry[V]
		s.mu.Lock()
		for key, e := range s.items {
			if key.TableID == tableID {
				dead = append(dead, c.unlinkLocked(s, e)...)
			}
		}
		s.mu.Unlock()
		for _, d := range dead {
			c.retire(d)
		}
	}
}

// Purge empties the cache
func (c *Cache[V]) Purge() {
	for _, s := range c.shards {
		var dead []*entry[V]
		s.mu.Lock()
		for _, e := range s.items {
			dead = append(dead, c.unlinkLocked(s, e)...)
		}
		s.mu.Unlock()
		for _, d := range dead {
			c.retire(d)
		}
	}
}

// Len returns the number of resident values
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats returns the current counters
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
		Capacity:  c.capacity,
	}
}
