// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/metrics"
	"github.com/szymonwilczek/attestgw/store"
	"github.com/szymonwilczek/attestgw/types"
)

// sink that blocks every Append until released
type gatedSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []store.AuditLogEntry
}

func (s *gatedSink) Append(ctx context.Context, e store.AuditLogEntry) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.got = append(s.got, e)
	s.mu.Unlock()
	return nil
}

func (s *gatedSink) Query(context.Context, store.AuditFilter) ([]store.AuditLogEntry, error) {
	return nil, nil
}

type failingSink struct{}

func (failingSink) Append(context.Context, store.AuditLogEntry) error {
	return errors.New("disk full")
}

func (failingSink) Query(context.Context, store.AuditFilter) ([]store.AuditLogEntry, error) {
	return nil, nil
}

// trust scorer that records the order updates arrive in per device
// valid updates are slowed so a reordering worker would overtake them
type orderingTrust struct {
	inner store.TrustScorer

	mu  sync.Mutex
	seq map[string][]types.Status
}

func (o *orderingTrust) Update(ctx context.Context, deviceID string, status types.Status, at time.Time) (store.TrustScore, error) {
	if status == types.StatusValid {
		time.Sleep(time.Millisecond)
	}
	o.mu.Lock()
	o.seq[deviceID] = append(o.seq[deviceID], status)
	o.mu.Unlock()
	return o.inner.Update(ctx, deviceID, status, at)
}

func (o *orderingTrust) Get(ctx context.Context, deviceID string) (store.TrustScore, bool, error) {
	return o.inner.Get(ctx, deviceID)
}

func (o *orderingTrust) List(ctx context.Context, limit int) ([]store.TrustScore, error) {
	return o.inner.List(ctx, limit)
}

func auditEntry(device string) store.AuditLogEntry {
	return store.AuditLogEntry{DeviceID: device, Result: types.StatusValid, Reason: types.ReasonVerified, Timestamp: time.Now()}
}

func TestRecorder_DeliversAuditAndTrust(t *testing.T) {
	sink := store.NewMemoryAuditSink(0)
	trust := store.NewMemoryTrustScorer(store.DefaultTrustPolicy())
	r := NewRecorder(sink, trust, RecorderOptions{Logger: logging.Nop()})

	for range 5 {
		require.True(t, r.Submit(auditEntry("dev-1")))
	}
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 5, sink.Len())
	score, ok, _ := trust.Get(context.Background(), "dev-1")
	require.True(t, ok)
	assert.EqualValues(t, 5, score.TotalValidations)
}

func TestRecorder_TrustUpdatesKeepDeviceOrder(t *testing.T) {
	policy := store.DefaultTrustPolicy()
	trust := &orderingTrust{inner: store.NewMemoryTrustScorer(policy), seq: make(map[string][]types.Status)}
	r := NewRecorder(nil, trust, RecorderOptions{Workers: 4, Logger: logging.Nop()})

	history := []types.Status{
		types.StatusValid, types.StatusValid, types.StatusValid, types.StatusInvalid,
		types.StatusValid, types.StatusValid, types.StatusValid, types.StatusValid,
		types.StatusRateLimited, types.StatusValid,
	}
	devices := []string{"dev-a", "dev-b", "dev-c", "dev-d", "dev-e", "dev-f"}

	for _, status := range history {
		for _, d := range devices {
			e := auditEntry(d)
			e.Result = status
			require.True(t, r.Submit(e))
		}
	}
	require.NoError(t, r.Close(context.Background()))

	var want store.TrustScore
	for _, status := range history {
		want = policy.Apply(want, status, time.Now())
	}

	for _, d := range devices {
		assert.Equal(t, history, trust.seq[d], d)

		score, ok, err := trust.Get(context.Background(), d)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want.Score, score.Score, d)
		assert.Equal(t, want.ConsecutiveSuccesses, score.ConsecutiveSuccesses, d)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	m := metrics.New()
	sink := &gatedSink{release: make(chan struct{})}
	r := NewRecorder(sink, nil, RecorderOptions{QueueSize: 2, Workers: 1, Metrics: m, Logger: logging.Nop()})

	accepted := 0
	for range 10 {
		if r.Submit(auditEntry("dev-1")) {
			accepted++
		}
	}

	// one entry held by the worker, two queued
	assert.LessOrEqual(t, accepted, 3)
	assert.GreaterOrEqual(t, accepted, 2)
	assert.EqualValues(t, 10-accepted, m.AuditDropped.Value())

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.got, accepted, "close drains every accepted entry")
	assert.Zero(t, m.AuditQueue.Load())
}

func TestRecorder_FailuresCountedNotFatal(t *testing.T) {
	m := metrics.New()
	r := NewRecorder(failingSink{}, nil, RecorderOptions{Metrics: m, Logger: logging.Nop()})

	require.True(t, r.Submit(auditEntry("dev-1")))
	require.NoError(t, r.Close(context.Background()))
	assert.EqualValues(t, 1, m.AuditFailures.Value())
}

func TestRecorder_WriteTimeout(t *testing.T) {
	m := metrics.New()
	sink := &gatedSink{release: make(chan struct{})}
	r := NewRecorder(sink, nil, RecorderOptions{WriteTimeout: 20 * time.Millisecond, Metrics: m, Logger: logging.Nop()})

	require.True(t, r.Submit(auditEntry("dev-1")))
	require.NoError(t, r.Close(context.Background()))
	assert.EqualValues(t, 1, m.AuditFailures.Value())
}

func TestRecorder_SubmitAfterClose(t *testing.T) {
	m := metrics.New()
	r := NewRecorder(store.NewMemoryAuditSink(0), nil, RecorderOptions{Metrics: m, Logger: logging.Nop()})
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()), "close is idempotent")

	assert.False(t, r.Submit(auditEntry("dev-1")))
	assert.EqualValues(t, 1, m.AuditDropped.Value())
}

func TestRecorder_CloseHonoursDeadline(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{})}
	r := NewRecorder(sink, nil, RecorderOptions{Workers: 1, WriteTimeout: time.Minute, Logger: logging.Nop()})
	require.True(t, r.Submit(auditEntry("dev-1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)

	close(sink.release)
}

func TestResolveDeviceID(t *testing.T) {
	jwtToken := "eyJhbGciOiJIUzI1NiJ9.eyJkZXZpY2VfaWQiOiJkZXYtZnJvbS1jbGFpbSJ9.c2ln"

	cases := []struct {
		name       string
		headers    map[string]string
		token      string
		wantID     string
		wantSource types.DeviceIDSource
	}{
		{"header wins", map[string]string{types.HeaderDeviceID: " dev-h "}, jwtToken, "dev-h", types.DeviceIDFromHeader},
		{"claim", nil, jwtToken, "dev-from-claim", types.DeviceIDFromClaim},
		{"key id", map[string]string{types.HeaderAppAttestID: "a2V5LWlk"}, "opaque", "keyid:a2V5LWlk", types.DeviceIDFromKeyID},
		{"fingerprint", nil, "opaque", "fp:" + types.ShortFingerprint(types.Fingerprint("opaque")), types.DeviceIDFromFingerprint},
		{"control characters ignored", map[string]string{types.HeaderDeviceID: "dev\x00evil"}, "opaque", "fp:" + types.ShortFingerprint(types.Fingerprint("opaque")), types.DeviceIDFromFingerprint},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			id, src := ResolveDeviceID(h, tc.token, types.Fingerprint(tc.token))
			assert.Equal(t, tc.wantID, id)
			assert.Equal(t, tc.wantSource, src)
		})
	}
}
