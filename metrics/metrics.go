// SPDX-License-Identifier: MIT
// Attestation Gateway - Prometheus Metrics
//
// In-process registry rendered in the Prometheus text exposition format
// on GET /metrics. Covers validation outcomes per variant, rejection
// reasons, validator dispatches, cache effectiveness, audit delivery and
// vendor round-trip latency.
//
// Every instrument is lock-free on the hot path; Export takes a
// consistent-enough snapshot without stopping writers.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	ValidationTotal   Counter // every Validate call
	ValidationValid   Counter
	ValidationInvalid Counter
	ValidationError   Counter
	RateLimited       Counter
	CacheHits         Counter
	CacheMisses       Counter
	AuditDropped      Counter // audit records dropped on a full queue
	AuditFailures     Counter // audit or trust writes that returned an error

	// non-valid outcomes by reason
	Rejections *LabeledCounter

	// dispatches by validator name
	Validators *LabeledCounter

	// vendor round-trip duration in seconds
	VendorDuration *Histogram

	CacheEntries   atomic.Int64
	TrackedDevices atomic.Int64
	AuditQueue     atomic.Int64
	StubMode       atomic.Bool

	StartTime time.Time
}

// vendor latency buckets, seconds
var vendorBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func New() *Metrics {
	return &Metrics{
		Rejections:     NewLabeledCounter(),
		Validators:     NewLabeledCounter(),
		VendorDuration: NewHistogram(vendorBuckets...),
		StartTime:      time.Now(),
	}
}

type Counter struct {
	val atomic.Int64
}

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }
func (c *Counter) Reset()       { c.val.Store(0) }

// counter family keyed by one label value
type LabeledCounter struct {
	series sync.Map // label -> *Counter
}

func NewLabeledCounter() *LabeledCounter {
	return &LabeledCounter{}
}

func (lc *LabeledCounter) Inc(label string) {
	if c, ok := lc.series.Load(label); ok {
		c.(*Counter).Inc()
		return
	}
	c, _ := lc.series.LoadOrStore(label, &Counter{})
	c.(*Counter).Inc()
}

// snapshot of label -> count
func (lc *LabeledCounter) Values() map[string]int64 {
	out := make(map[string]int64)
	lc.series.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Counter).Value()
		return true
	})
	return out
}

func (lc *LabeledCounter) Total() int64 {
	var total int64
	lc.series.Range(func(_, v any) bool {
		total += v.(*Counter).Value()
		return true
	})
	return total
}

// fixed-bucket distribution
// each observation lands in exactly one slot; the last slot is +Inf.
// Cumulative counts are computed at read time.
type Histogram struct {
	bounds  []float64
	slots   []atomic.Int64
	sumBits atomic.Uint64 // float64 bits of the running sum
	count   atomic.Int64
}

// bounds are sorted; +Inf is implicit
func NewHistogram(bounds ...float64) *Histogram {
	sorted := append([]float64(nil), bounds...)
	sort.Float64s(sorted)
	return &Histogram{
		bounds: sorted,
		slots:  make([]atomic.Int64, len(sorted)+1),
	}
}

func (h *Histogram) Observe(value float64) {
	i := sort.SearchFloat64s(h.bounds, value)
	h.slots[i].Add(1)
	h.count.Add(1)

	for {
		old := h.sumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + value)
		if h.sumBits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (h *Histogram) Count() int64 { return h.count.Load() }

func (h *Histogram) Sum() float64 { return math.Float64frombits(h.sumBits.Load()) }

// cumulative counts per bound, +Inf last
func (h *Histogram) Buckets() []int64 {
	out := make([]int64, len(h.slots))
	var running int64
	for i := range h.slots {
		running += h.slots[i].Load()
		out[i] = running
	}
	return out
}

// reasons always present in the rejection family, zero until seen
var knownReasons = []string{
	"unknown-platform", "malformed", "signature-invalid", "expired",
	"replay-or-nonce-mismatch", "integrity-verdict-failed", "app-mismatch",
	"emulator-detected", "vendor-unavailable", "configuration-incomplete",
	"rate-limited",
}

type scalar struct {
	name, help, kind string
	value            func() int64
}

func (m *Metrics) scalars() []scalar {
	counter := func(name, help string, c *Counter) scalar {
		return scalar{name, help, "counter", c.Value}
	}
	gauge := func(name, help string, v func() int64) scalar {
		return scalar{name, help, "gauge", v}
	}

	return []scalar{
		counter("attestgw_validations_total", "Total number of attestation validation calls", &m.ValidationTotal),
		counter("attestgw_validations_valid_total", "Validations that returned valid", &m.ValidationValid),
		counter("attestgw_validations_invalid_total", "Validations that returned invalid", &m.ValidationInvalid),
		counter("attestgw_validations_error_total", "Validations that returned error", &m.ValidationError),
		counter("attestgw_rate_limited_total", "Validations rejected by the per-device rolling window", &m.RateLimited),
		counter("attestgw_cache_hits_total", "Attestation cache hits", &m.CacheHits),
		counter("attestgw_cache_misses_total", "Attestation cache misses", &m.CacheMisses),
		counter("attestgw_audit_dropped_total", "Audit records dropped because the delivery queue was full", &m.AuditDropped),
		counter("attestgw_audit_failures_total", "Audit or trust score writes that failed", &m.AuditFailures),

		gauge("attestgw_cache_entries", "Number of entries in the attestation cache", m.CacheEntries.Load),
		gauge("attestgw_tracked_devices", "Number of devices with an active rate limit window", m.TrackedDevices.Load),
		gauge("attestgw_audit_queue_depth", "Audit records waiting for delivery", m.AuditQueue.Load),
		gauge("attestgw_stub_mode", "1 when validators are short-circuited (non-production only)", func() int64 {
			if m.StubMode.Load() {
				return 1
			}
			return 0
		}),
		gauge("attestgw_uptime_seconds", "Gateway uptime in seconds", func() int64 {
			return int64(time.Since(m.StartTime).Seconds())
		}),
	}
}

// renders every metric in Prometheus text exposition format
func (m *Metrics) Export() string {
	var b strings.Builder

	for _, s := range m.scalars() {
		header(&b, s.name, s.help, s.kind)
		fmt.Fprintf(&b, "%s %d\n\n", s.name, s.value())
	}

	writeLabeled(&b, "attestgw_rejections_total", "Non-valid validations by reason",
		"reason", m.Rejections.Values(), knownReasons)
	writeLabeled(&b, "attestgw_validator_calls_total", "Validator dispatches by validator",
		"validator", m.Validators.Values(), nil)

	writeHistogram(&b, "attestgw_vendor_duration_seconds", "Vendor verification latency", m.VendorDuration)

	return b.String()
}

func header(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// always lists the known labels, zero when unseen; output sorted by label
func writeLabeled(b *strings.Builder, name, help, label string, values map[string]int64, known []string) {
	header(b, name, help, "counter")

	for _, l := range known {
		if _, ok := values[l]; !ok {
			values[l] = 0
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, help string, h *Histogram) {
	header(b, name, help, "histogram")

	cumulative := h.Buckets()
	for i, count := range cumulative {
		le := math.Inf(1)
		if i < len(h.bounds) {
			le = h.bounds[i]
		}
		fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", name, formatFloat(le), count)
	}
	fmt.Fprintf(b, "%s_sum %s\n", name, formatFloat(h.Sum()))
	fmt.Fprintf(b, "%s_count %d\n\n", name, h.Count())
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%g", f)
}
