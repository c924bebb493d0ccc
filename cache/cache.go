// SPDX-License-Identifier: MIT
// Attestation Gateway - Attestation result cache
//
// Maps token fingerprint -> (result, expiry). The raw token is never a key.
//
// Guarantees:
//   - an entry past its expiry is never returned (deleted on read)
//   - expiry is fixed at insertion; reads never extend it
//   - each shard keeps insertion order and evicts oldest-first when full
//   - no lock is held while a caller validates a miss
//
// Duplicate first-time validations of the same fingerprint may race and
// both reach the vendor; the last Put wins and both results are equivalent.

package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/szymonwilczek/attestgw/types"
)

const (
	DefaultMaxEntries    = 10_000
	DefaultShards        = 16
	DefaultSweepInterval = time.Minute
)

type entry struct {
	key       string
	result    types.ValidationResult
	expiresAt time.Time
	elem      *list.Element
}

type shard struct {
	mu    sync.Mutex
	items map[string]*entry
	order *list.List // front = oldest insertion
}

// sharded TTL cache of validation results
type Cache struct {
	shards      []*shard
	maxPerShard int
	now         func() time.Time

	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

type Option func(*options)

type options struct {
	maxEntries    int
	shards        int
	sweepInterval time.Duration
	now           func() time.Time
}

// caps the total number of entries across all shards
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// sets the background sweep period; <= 0 disables sweeping
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// injects the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(opts ...Option) *Cache {
	o := options{
		maxEntries:    DefaultMaxEntries,
		shards:        DefaultShards,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards < 1 {
		o.shards = 1
	}
	if o.maxEntries < o.shards {
		o.shards = max(o.maxEntries, 1)
	}

	c := &Cache{
		shards:        make([]*shard, o.shards),
		maxPerShard:   max(o.maxEntries/o.shards, 1),
		now:           o.now,
		sweepInterval: o.sweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[string]*entry),
			order: list.New(),
		}
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// returns the cached result for a fingerprint
// expired entries are removed and reported as a miss
func (c *Cache) Get(fingerprint string) (types.ValidationResult, bool) {
	s := c.shardFor(fingerprint)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[fingerprint]
	if !ok {
		return types.ValidationResult{}, false
	}
	if !now.Before(e.expiresAt) {
		s.remove(e)
		return types.ValidationResult{}, false
	}
	return e.result, true
}

// stores a result until now+ttl
// ttl <= 0 stores nothing; re-inserting a key resets its expiry and position
func (c *Cache) Put(fingerprint string, result types.ValidationResult, ttl time.Duration) {
	if ttl <= 0 || fingerprint == "" {
		return
	}
	s := c.shardFor(fingerprint)
	expiresAt := c.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[fingerprint]; ok {
		s.remove(old)
	}

	e := &entry{key: fingerprint, result: result, expiresAt: expiresAt}
	e.elem = s.order.PushBack(e)
	s.items[fingerprint] = e

	for len(s.items) > c.maxPerShard {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		s.remove(oldest.Value.(*entry))
	}
}

// removes one fingerprint; reports whether it was present
func (c *Cache) Delete(fingerprint string) bool {
	s := c.shardFor(fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[fingerprint]
	if ok {
		s.remove(e)
	}
	return ok
}

// drops every entry and returns how many were removed
func (c *Cache) Purge() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.items = make(map[string]*entry)
		s.order.Init()
		s.mu.Unlock()
	}
	return n
}

// number of stored entries, including expired ones not yet swept
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// removes expired entries and returns how many were dropped
func (c *Cache) Sweep() int {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.items {
			if !now.Before(e.expiresAt) {
				s.remove(e)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (c *Cache) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// stops the sweeper; safe to call more than once
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}

// caller holds s.mu
func (s *shard) remove(e *entry) {
	delete(s.items, e.key)
	s.order.Remove(e.elem)
}
