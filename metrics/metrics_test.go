// SPDX-License-Identifier: MIT

package metrics

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	var c Counter
	require.Zero(t, c.Value())

	c.Inc()
	c.Inc()
	c.Add(3)
	assert.EqualValues(t, 5, c.Value())

	c.Reset()
	assert.Zero(t, c.Value())
}

func TestLabeledCounter(t *testing.T) {
	lc := NewLabeledCounter()

	lc.Inc("expired")
	lc.Inc("expired")
	lc.Inc("signature-invalid")

	assert.Equal(t, map[string]int64{"expired": 2, "signature-invalid": 1}, lc.Values())
	assert.EqualValues(t, 3, lc.Total())
}

func TestLabeledCounter_Concurrent(t *testing.T) {
	lc := NewLabeledCounter()
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lc.Inc("concurrent")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, lc.Total())
}

func TestHistogram(t *testing.T) {
	h := NewHistogram(0.01, 0.05, 0.1, 0.5, 1.0)

	h.Observe(0.005)
	h.Observe(0.042)
	h.Observe(0.75)
	h.Observe(2.0)

	assert.EqualValues(t, 4, h.Count())
	assert.InDelta(t, 2.797, h.Sum(), 1e-9)

	// cumulative, +Inf last; 0.75 first counts at le=1
	assert.Equal(t, []int64{1, 2, 2, 2, 3, 4}, h.Buckets())
}

func TestHistogram_BoundaryIsInclusive(t *testing.T) {
	h := NewHistogram(1.0, 0.5) // unsorted on purpose
	h.Observe(0.5)
	h.Observe(1.0)

	assert.Equal(t, []int64{1, 2, 2}, h.Buckets())
}

func TestHistogram_Concurrent(t *testing.T) {
	h := NewHistogram(0.1, 0.5, 1.0)
	var wg sync.WaitGroup

	for i := range 1000 {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			h.Observe(v)
		}(float64(i) / 1000.0)
	}
	wg.Wait()

	assert.EqualValues(t, 1000, h.Count())
	buckets := h.Buckets()
	assert.EqualValues(t, 1000, buckets[len(buckets)-1])
}

func TestExport_Format(t *testing.T) {
	m := New()

	m.ValidationTotal.Add(100)
	m.ValidationValid.Add(90)
	m.ValidationInvalid.Add(6)
	m.RateLimited.Add(4)
	m.CacheHits.Add(40)
	m.Rejections.Inc("expired")
	m.Rejections.Inc("expired")
	m.Rejections.Inc("rate-limited")
	m.Validators.Inc("devicecheck")
	m.VendorDuration.Observe(0.042)
	m.VendorDuration.Observe(0.105)
	m.CacheEntries.Store(12)
	m.TrackedDevices.Store(7)
	m.StubMode.Store(true)

	output := m.Export()

	for _, want := range []string{
		"attestgw_validations_total 100",
		"attestgw_validations_valid_total 90",
		"attestgw_validations_invalid_total 6",
		"attestgw_rate_limited_total 4",
		"attestgw_cache_hits_total 40",
		`attestgw_rejections_total{reason="expired"} 2`,
		`attestgw_rejections_total{reason="rate-limited"} 1`,
		`attestgw_validator_calls_total{validator="devicecheck"} 1`,
		`attestgw_vendor_duration_seconds_bucket{le="0.05"} 1`,
		`attestgw_vendor_duration_seconds_bucket{le="+Inf"} 2`,
		"attestgw_vendor_duration_seconds_count 2",
		"attestgw_cache_entries 12",
		"attestgw_tracked_devices 7",
		"attestgw_stub_mode 1",
		"# TYPE attestgw_validations_total counter",
		"# TYPE attestgw_rejections_total counter",
		"# TYPE attestgw_vendor_duration_seconds histogram",
		"# TYPE attestgw_cache_entries gauge",
		"# TYPE attestgw_uptime_seconds gauge",
	} {
		assert.Contains(t, output, want)
	}
}

func TestExport_ZeroSeriesForKnownReasons(t *testing.T) {
	output := New().Export()

	for _, want := range []string{
		`attestgw_rejections_total{reason="unknown-platform"} 0`,
		`attestgw_rejections_total{reason="signature-invalid"} 0`,
		`attestgw_rejections_total{reason="vendor-unavailable"} 0`,
		`attestgw_rejections_total{reason="rate-limited"} 0`,
		`attestgw_rejections_total{reason="emulator-detected"} 0`,
		`attestgw_rejections_total{reason="configuration-incomplete"} 0`,
		"attestgw_stub_mode 0",
		`attestgw_vendor_duration_seconds_bucket{le="0.005"} 0`,
		"attestgw_vendor_duration_seconds_sum 0",
	} {
		assert.Contains(t, output, want)
	}
}

func TestExport_LabelsSorted(t *testing.T) {
	m := New()
	m.Validators.Inc("safetynet")
	m.Validators.Inc("appattest")

	output := m.Export()
	a := strings.Index(output, `validator="appattest"`)
	b := strings.Index(output, `validator="safetynet"`)
	require.True(t, a >= 0 && b >= 0, output)
	assert.Less(t, a, b, "validator series sorted by label")
}
