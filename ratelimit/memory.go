// SPDX-License-Identifier: MIT
// Attestation Gateway - Per-device rate limiting
//
// Rolling window implemented as a sliding log: each device keeps the
// instants of its accepted attempts inside the window. An attempt is
// counted only when it is allowed, so a rejected flood does not extend
// its own penalty.

package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultLimit         = 100
	DefaultWindow        = time.Hour
	DefaultSweepInterval = 5 * time.Minute
	defaultShards        = 16
)

// decides whether a device may attempt another validation
type Limiter interface {
	// counts the attempt only when returning true
	Allow(ctx context.Context, deviceID string) bool
}

type deviceLog struct {
	hits []time.Time // ascending
}

type memShard struct {
	mu      sync.Mutex
	devices map[string]*deviceLog
}

// in-process sliding log limiter
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards []*memShard

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	shards        int
	sweepInterval time.Duration
	now           func() time.Time
}

func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// sets how often idle devices are forgotten; <= 0 disables
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.sweepInterval = d }
}

func WithShards(n int) MemoryOption {
	return func(o *memoryOptions) { o.shards = n }
}

// creates a limiter allowing limit attempts per rolling window
// non-positive arguments fall back to 100 per hour
func NewMemory(limit int, window time.Duration, opts ...MemoryOption) *Memory {
	o := memoryOptions{
		shards:        defaultShards,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if o.shards < 1 {
		o.shards = 1
	}

	m := &Memory{
		limit:  limit,
		window: window,
		now:    o.now,
		shards: make([]*memShard, o.shards),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memShard{devices: make(map[string]*deviceLog)}
	}

	if o.sweepInterval > 0 {
		go m.sweepLoop(o.sweepInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) shardFor(deviceID string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *Memory) Allow(_ context.Context, deviceID string) bool {
	now := m.now()
	cutoff := now.Add(-m.window)
	s := m.shardFor(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.devices[deviceID]
	if !ok {
		log = &deviceLog{}
		s.devices[deviceID] = log
	}
	log.prune(cutoff)

	if len(log.hits) >= m.limit {
		return false
	}
	log.hits = append(log.hits, now)
	return true
}

// time until the device's oldest counted attempt leaves the window
// zero when the device currently has headroom
func (m *Memory) RetryAfter(deviceID string) time.Duration {
	now := m.now()
	s := m.shardFor(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.devices[deviceID]
	if !ok {
		return 0
	}
	log.prune(now.Add(-m.window))
	if len(log.hits) < m.limit {
		return 0
	}
	return log.hits[0].Add(m.window).Sub(now)
}

// forgets a device's history
func (m *Memory) Reset(deviceID string) {
	s := m.shardFor(deviceID)
	s.mu.Lock()
	delete(s.devices, deviceID)
	s.mu.Unlock()
}

// number of devices with state
func (m *Memory) Tracked() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.devices)
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) Window() time.Duration { return m.window }

// drops devices with no attempts inside the window
func (m *Memory) Sweep() int {
	cutoff := m.now().Add(-m.window)
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for id, log := range s.devices {
			log.prune(cutoff)
			if len(log.hits) == 0 {
				delete(s.devices, id)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

// drops hits at or before cutoff
func (l *deviceLog) prune(cutoff time.Time) {
	i := 0
	for i < len(l.hits) && !l.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.hits = append(l.hits[:0], l.hits[i:]...)
	}
}
