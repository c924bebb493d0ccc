// SPDX-License-Identifier: MIT
// Attestation Gateway - Asynchronous audit delivery
//
// Each validation attempt produces one audit entry and one trust score
// update. Both are written off the request path: entries go onto bounded
// lanes, one per worker, each write under its own timeout. A device always
// maps to the same lane, so its trust updates apply in submission order.
// A full lane drops the entry (logged and counted) instead of blocking the
// caller. Delivery failures never change a verdict.

package gateway

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/metrics"
	"github.com/szymonwilczek/attestgw/store"
)

const (
	DefaultQueueSize    = 1024
	DefaultWorkers      = 2
	DefaultWriteTimeout = 5 * time.Second
)

type RecorderOptions struct {
	QueueSize    int
	Workers      int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// delivers audit entries and trust updates in the background
type Recorder struct {
	sink    store.AuditSink
	trust   store.TrustScorer
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	lanes  []chan store.AuditLogEntry
	wg     sync.WaitGroup
}

// starts the workers; sink or trust may be nil to skip that write
func NewRecorder(sink store.AuditSink, trust store.TrustScorer, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Recorder{
		sink:    sink,
		trust:   trust,
		timeout: opts.WriteTimeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		lanes:   make([]chan store.AuditLogEntry, opts.Workers),
	}

	// QueueSize bounds the total across lanes
	perLane := max(1, (opts.QueueSize+opts.Workers-1)/opts.Workers)
	for i := range r.lanes {
		r.lanes[i] = make(chan store.AuditLogEntry, perLane)
		r.wg.Add(1)
		go r.work(r.lanes[i])
	}
	return r
}

func (r *Recorder) laneFor(deviceID string) chan store.AuditLogEntry {
	if len(r.lanes) == 1 {
		return r.lanes[0]
	}
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.lanes[h.Sum32()%uint32(len(r.lanes))]
}

// queues e for delivery without blocking
// false when the queue is full or the recorder is closed
func (r *Recorder) Submit(e store.AuditLogEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(e, "recorder closed")
		return false
	}
	select {
	case r.laneFor(e.DeviceID) <- e:
		r.metrics.AuditQueue.Add(1)
		return true
	default:
		r.drop(e, "lane full")
		return false
	}
}

func (r *Recorder) drop(e store.AuditLogEntry, why string) {
	r.metrics.AuditDropped.Inc()
	logging.WithDevice(r.logger, e.DeviceID).Warn("audit entry dropped",
		"reason", why,
		"result", e.Result,
		"token_fp", e.Fingerprint)
}

// number of entries waiting for a worker
func (r *Recorder) Pending() int {
	n := 0
	for _, lane := range r.lanes {
		n += len(lane)
	}
	return n
}

func (r *Recorder) work(lane <-chan store.AuditLogEntry) {
	defer r.wg.Done()
	for e := range lane {
		r.metrics.AuditQueue.Add(-1)
		r.deliver(e)
	}
}

func (r *Recorder) deliver(e store.AuditLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	l := logging.WithDevice(r.logger, e.DeviceID)

	if r.sink != nil {
		if err := r.sink.Append(ctx, e); err != nil {
			r.metrics.AuditFailures.Inc()
			l.Error("audit append failed", "error", err, "request_id", e.RequestID)
		}
	}
	if r.trust != nil {
		if _, err := r.trust.Update(ctx, e.DeviceID, e.Result, e.Timestamp); err != nil {
			r.metrics.AuditFailures.Inc()
			l.Error("trust score update failed", "error", err, "request_id", e.RequestID)
		}
	}
}

// stops accepting entries and waits for the queue to drain
// returns ctx.Err() if the drain outlives ctx
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, lane := range r.lanes {
			close(lane)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
