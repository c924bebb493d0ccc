// SPDX-License-Identifier: MIT
// Attestation Gateway - Attestation audit log
//
// Every validation attempt, whatever its outcome, leaves one audit entry.
// Entries are append-only: never modified, never deleted by the gateway.
// Retention is the operator's concern.
//
// Entries carry the token fingerprint, never the token itself.

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/szymonwilczek/attestgw/types"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var ErrMissingDeviceID = errors.New("audit entry has no device id")

// records one validation attempt
type AuditLogEntry struct {
	ID          int64             `json:"id"`
	RequestID   string            `json:"request_id"`
	DeviceID    string            `json:"device_id"`
	Platform    types.Platform    `json:"platform"`
	Validator   string            `json:"validator"`
	Fingerprint string            `json:"fingerprint"`
	Result      types.Status      `json:"result"`
	Reason      types.Reason      `json:"reason"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	DurationMs  float64           `json:"duration_ms"`
	Cached      bool              `json:"cached"`
	Timestamp   time.Time         `json:"timestamp"`
}

// narrows an audit query; zero fields match everything
type AuditFilter struct {
	DeviceID string
	Platform types.Platform
	Result   types.Status
	Since    time.Time
	Limit    int
}

// clamps the limit into [1, MaxQueryLimit]
func (f AuditFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

func (f AuditFilter) matches(e *AuditLogEntry) bool {
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// append-only store of validation attempts
type AuditSink interface {
	// appends one entry; the sink assigns ID (and Timestamp when zero)
	Append(ctx context.Context, e AuditLogEntry) error

	// returns matching entries, newest first
	Query(ctx context.Context, f AuditFilter) ([]AuditLogEntry, error)
}

// fills the defaults shared by every sink
func prepare(e *AuditLogEntry) error {
	if e.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return nil
}

// implements AuditSink in memory
// keeps at most max entries, discarding the oldest
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []AuditLogEntry
	nextID  int64
	max     int
}

// creates an in-memory sink; max <= 0 keeps everything
func NewMemoryAuditSink(max int) *MemoryAuditSink {
	return &MemoryAuditSink{max: max}
}

func (s *MemoryAuditSink) Append(ctx context.Context, e AuditLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepare(&e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	e.Metadata = cloneMetadata(e.Metadata)
	s.entries = append(s.entries, e)

	if s.max > 0 && len(s.entries) > s.max {
		// reslice; the next growth copies only live entries
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

func (s *MemoryAuditSink) Query(ctx context.Context, f AuditFilter) ([]AuditLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.limit()
	result := make([]AuditLogEntry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if f.matches(&s.entries[i]) {
			e := s.entries[i]
			e.Metadata = cloneMetadata(e.Metadata)
			result = append(result, e)
		}
	}
	return result, nil
}

// returns the number of retained entries
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
