// SPDX-License-Identifier: MIT
// Attestation Gateway - Audit Sink and Trust Scorer Tests
//
// Every behaviour is checked against both the memory and the SQLite
// implementation.

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szymonwilczek/attestgw/types"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type backend struct {
	name  string
	sink  AuditSink
	trust TrustScorer
}

func backends(t *testing.T) []backend {
	t.Helper()
	db := openMemory(t)
	return []backend{
		{"memory", NewMemoryAuditSink(0), NewMemoryTrustScorer(DefaultTrustPolicy())},
		{"sqlite", NewSQLiteAuditSink(db), NewSQLiteTrustScorer(db, DefaultTrustPolicy())},
	}
}

func entry(device string, status types.Status, reason types.Reason, at time.Time) AuditLogEntry {
	return AuditLogEntry{
		RequestID:   "req-" + device,
		DeviceID:    device,
		Platform:    types.PlatformAndroid,
		Validator:   "play-integrity",
		Fingerprint: types.Fingerprint("token-" + device),
		Result:      status,
		Reason:      reason,
		DurationMs:  12.5,
		Timestamp:   at,
	}
}

func TestAuditSink_AppendAndQuery(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			e := entry("dev-1", types.StatusInvalid, types.ReasonSignatureInvalid, t0)
			e.ErrorDetail = "jws signature mismatch"
			e.Metadata = map[string]string{"remote_addr": "10.0.0.7", "scheme": "safetynet"}
			e.Cached = true
			require.NoError(t, b.sink.Append(ctx, e))
			require.NoError(t, b.sink.Append(ctx, entry("dev-1", types.StatusValid, types.ReasonVerified, t0.Add(time.Second))))

			got, err := b.sink.Query(ctx, AuditFilter{})
			require.NoError(t, err)
			require.Len(t, got, 2)

			assert.Equal(t, types.StatusValid, got[0].Result, "newest first")
			assert.Greater(t, got[0].ID, got[1].ID)

			old := got[1]
			assert.Equal(t, types.ReasonSignatureInvalid, old.Reason)
			assert.Equal(t, "jws signature mismatch", old.ErrorDetail)
			assert.Equal(t, map[string]string{"remote_addr": "10.0.0.7", "scheme": "safetynet"}, old.Metadata)
			assert.True(t, old.Cached)
			assert.Equal(t, 12.5, old.DurationMs)
			assert.Equal(t, types.PlatformAndroid, old.Platform)
			assert.True(t, old.Timestamp.Equal(t0), "timestamp %v", old.Timestamp)
		})
	}
}

func TestAuditSink_Filters(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ios := entry("dev-ios", types.StatusValid, types.ReasonVerified, t0)
			ios.Platform = types.PlatformIOS

			for _, e := range []AuditLogEntry{
				ios,
				entry("dev-a", types.StatusValid, types.ReasonVerified, t0.Add(1*time.Minute)),
				entry("dev-a", types.StatusRateLimited, types.ReasonRateLimited, t0.Add(2*time.Minute)),
				entry("dev-b", types.StatusError, types.ReasonVendorUnavailable, t0.Add(3*time.Minute)),
			} {
				require.NoError(t, b.sink.Append(ctx, e))
			}

			cases := []struct {
				name   string
				filter AuditFilter
				want   int
			}{
				{"all", AuditFilter{}, 4},
				{"device", AuditFilter{DeviceID: "dev-a"}, 2},
				{"platform", AuditFilter{Platform: types.PlatformIOS}, 1},
				{"result", AuditFilter{Result: types.StatusError}, 1},
				{"since", AuditFilter{Since: t0.Add(90 * time.Second)}, 2},
				{"combined", AuditFilter{DeviceID: "dev-a", Result: types.StatusValid}, 1},
				{"limit", AuditFilter{Limit: 3}, 3},
				{"no match", AuditFilter{DeviceID: "dev-z"}, 0},
			}
			for _, tc := range cases {
				got, err := b.sink.Query(ctx, tc.filter)
				require.NoError(t, err, tc.name)
				assert.Len(t, got, tc.want, tc.name)
			}
		})
	}
}

func TestAuditSink_RejectsMissingDevice(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		err := b.sink.Append(ctx, AuditLogEntry{Result: types.StatusValid})
		assert.ErrorIs(t, err, ErrMissingDeviceID, b.name)
	}
}

func TestMemoryAuditSink_Bounded(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAuditSink(3)
	for i := range 5 {
		require.NoError(t, sink.Append(ctx, entry(fmt.Sprintf("dev-%d", i), types.StatusValid, types.ReasonVerified, t0)))
	}

	require.Equal(t, 3, sink.Len())
	got, err := sink.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, "dev-4", got[0].DeviceID)
	assert.Equal(t, "dev-2", got[2].DeviceID)
}

func TestTrustPolicy_Apply(t *testing.T) {
	p := DefaultTrustPolicy()
	var s TrustScore

	steps := []struct {
		status    types.Status
		score     int
		streak    int
		failures  int64
		narrative string
	}{
		{types.StatusValid, 50, 1, 0, "first valid starts at the initial score"},
		{types.StatusValid, 50, 2, 0, "streak below threshold"},
		{types.StatusValid, 52, 3, 0, "threshold reached"},
		{types.StatusValid, 54, 4, 0, "bonus per further valid"},
		{types.StatusError, 54, 4, 0, "vendor error changes nothing"},
		{types.StatusInvalid, 44, 0, 1, "invalid penalty resets the streak"},
		{types.StatusRateLimited, 39, 0, 2, "rate-limit penalty"},
	}
	for _, step := range steps {
		s = p.Apply(s, step.status, t0)
		assert.Equal(t, step.score, s.Score, step.narrative)
		assert.Equal(t, step.streak, s.ConsecutiveSuccesses, step.narrative)
		assert.Equal(t, step.failures, s.TotalFailures, step.narrative)
	}

	assert.EqualValues(t, len(steps), s.TotalValidations)
	assert.True(t, s.FirstSeen.Equal(t0))
}

func TestTrustPolicy_Clamped(t *testing.T) {
	p := DefaultTrustPolicy()

	var s TrustScore
	for range 20 {
		s = p.Apply(s, types.StatusInvalid, t0)
	}
	assert.Equal(t, 0, s.Score, "floor")

	s = TrustScore{}
	for range 100 {
		s = p.Apply(s, types.StatusValid, t0)
	}
	assert.Equal(t, 100, s.Score, "ceiling")
}

func TestTrustScorer_UpdateGetList(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, ok, err := b.trust.Get(ctx, "dev-new")
			require.NoError(t, err)
			require.False(t, ok, "unseen device")

			for i := range 3 {
				_, err := b.trust.Update(ctx, "dev-a", types.StatusValid, t0.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
			}
			got, err := b.trust.Update(ctx, "dev-b", types.StatusInvalid, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 40, got.Score)
			assert.Equal(t, "dev-b", got.DeviceID)

			a, ok, err := b.trust.Get(ctx, "dev-a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 52, a.Score)
			assert.Equal(t, 3, a.ConsecutiveSuccesses)
			assert.EqualValues(t, 3, a.TotalValidations)
			assert.True(t, a.FirstSeen.Equal(t0), "first seen %v", a.FirstSeen)
			assert.True(t, a.LastSeen.Equal(t0.Add(2*time.Second)), "last seen %v", a.LastSeen)

			list, err := b.trust.List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "dev-b", list[0].DeviceID, "most recently seen first")

			list, err = b.trust.List(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestTrustScorer_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			var wg sync.WaitGroup
			for range 40 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := b.trust.Update(ctx, "dev-hot", types.StatusError, t0)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			s, ok, err := b.trust.Get(ctx, "dev-hot")
			require.NoError(t, err)
			require.True(t, ok)
			assert.EqualValues(t, 40, s.TotalValidations, "no lost updates")
			assert.Equal(t, 50, s.Score, "errors alone leave the score untouched")
		})
	}
}
