// SPDX-License-Identifier: MIT
// Attestation Gateway - Validation pipeline
//
// Validate runs every attempt through the same steps:
//   0. gateway disabled            -> valid (attestation-disabled)
//   1. detect platform and scheme  -> invalid (unknown-platform) on failure
//   2. resolve device id, fingerprint the token
//   3. per-device rolling window   -> rate-limited when exhausted
//   4. cache lookup                -> cached copy on hit
//   5. dispatch to the validator, cache by variant TTL, audit
//
// Every path ends in exactly one ValidationResult; no Go error escapes.
// No lock is held while a validator talks to its vendor. A caller that
// cancels mid-validation gets a result; the attempt is audited but
// nothing from it is cached.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/szymonwilczek/attestgw/cache"
	"github.com/szymonwilczek/attestgw/config"
	"github.com/szymonwilczek/attestgw/detect"
	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/metrics"
	"github.com/szymonwilczek/attestgw/ratelimit"
	"github.com/szymonwilczek/attestgw/store"
	"github.com/szymonwilczek/attestgw/types"
	"github.com/szymonwilczek/attestgw/verify"
)

// validator names for results produced before dispatch
const (
	ValidatorDisabled = "disabled"
	ValidatorDetector = "detector"
)

var ErrNoValidators = errors.New("gateway enabled without validators")

// collaborators; nil fields get in-process defaults built from the config
type Deps struct {
	Validators *verify.Set
	Cache      *cache.Cache
	Limiter    ratelimit.Limiter
	Recorder   *Recorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type Gateway struct {
	enabled    bool
	stubMode   bool
	validators *verify.Set
	cache      *cache.Cache
	policy     cache.Policy
	limiter    ratelimit.Limiter
	window     time.Duration
	recorder   *Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// point-in-time gateway counters
type Stats struct {
	Enabled         bool     `json:"enabled"`
	StubMode        bool     `json:"stub_mode"`
	Validators      []string `json:"validators"`
	CacheEntries    int      `json:"cache_entries"`
	TrackedDevices  int      `json:"tracked_devices"`
	AuditQueueDepth int      `json:"audit_queue_depth"`
	Validations     int64    `json:"validations"`
	Valid           int64    `json:"valid"`
	Invalid         int64    `json:"invalid"`
	Errors          int64    `json:"errors"`
	RateLimited     int64    `json:"rate_limited"`
	CacheHits       int64    `json:"cache_hits"`
	CacheMisses     int64    `json:"cache_misses"`
	AuditDropped    int64    `json:"audit_dropped"`
}

// builds a gateway from validated configuration
// refuses stub mode in production even if cfg skipped Validate
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Gateway.StubMode && cfg.IsProduction() {
		return nil, config.ErrStubModeInProduction
	}
	if cfg.Gateway.Enabled && deps.Validators == nil {
		return nil, ErrNoValidators
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	c := deps.Cache
	if c == nil {
		c = cache.New(
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
			cache.WithShards(cfg.Cache.Shards),
			cache.WithSweepInterval(cfg.Cache.SweepInterval.Std()),
		)
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window.Std())
	}
	validators := deps.Validators
	if validators == nil {
		validators = verify.NewSet()
	}

	g := &Gateway{
		enabled:    cfg.Gateway.Enabled,
		stubMode:   cfg.Gateway.StubMode,
		validators: validators,
		cache:      c,
		policy: cache.Policy{
			ValidTTL:   cfg.Cache.ValidTTL.Std(),
			InvalidTTL: cfg.Cache.InvalidTTL.Std(),
			ErrorTTL:   cfg.Cache.ErrorTTL.Std(),
		},
		limiter:  limiter,
		window:   cfg.RateLimit.Window.Std(),
		recorder: deps.Recorder,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	m.StubMode.Store(g.stubMode)

	switch {
	case !g.enabled:
		logger.Warn("attestation disabled: every request is accepted without validation")
	case g.stubMode:
		logger.Warn("attestation stub mode: vendor validation is bypassed",
			"environment", cfg.Environment,
			"reject_emulator", cfg.Gateway.StubRejectEmulator)
	default:
		for _, p := range cfg.IncompletePlatforms() {
			logger.Warn("platform enabled without credentials; its tokens will be answered configuration-incomplete",
				"platform", p)
		}
	}

	return g, nil
}

type remoteAddrKey struct{}

// attaches the client address recorded in audit metadata
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

// validates one attestation token
func (g *Gateway) Validate(ctx context.Context, token string, headers http.Header) types.ValidationResult {
	start := g.now()
	g.metrics.ValidationTotal.Inc()

	if !g.enabled {
		result := types.Valid(ValidatorDisabled, types.PlatformUnknown, types.ReasonAttestationDisabled)
		g.count(result)
		return result
	}
	if headers == nil {
		headers = http.Header{}
	}

	req := g.newRequest(ctx, token, headers)
	l := logging.WithToken(logging.WithDevice(g.logger, req.DeviceID), req.Fingerprint)

	kind, err := detect.Detect(headers, token)
	if err != nil {
		result := types.Invalid(ValidatorDetector, types.ParsePlatform(headers.Get(types.HeaderPlatform)), types.ReasonUnknownPlatform)
		l.Warn("attestation platform not recognised", "error", err, "request_id", req.RequestID)
		g.finish(req, result, start, err.Error())
		return result
	}
	req.Kind = kind

	if !g.limiter.Allow(ctx, req.DeviceID) {
		g.metrics.RateLimited.Inc()
		result := types.RateLimited(string(kind.Scheme), kind.Platform)
		l.Warn("attestation rate limited", "platform", kind.String(), "request_id", req.RequestID)
		g.finish(req, result, start, "")
		return result
	}

	if cached, ok := g.cache.Get(req.Fingerprint); ok {
		g.metrics.CacheHits.Inc()
		result := cached.AsCached()
		g.finish(req, result, start, "")
		return result
	}
	g.metrics.CacheMisses.Inc()

	v, ok := g.validators.For(kind)
	if !ok {
		result := types.Errored(string(kind.Scheme), kind.Platform, types.ReasonConfigurationIncomplete)
		l.Error("attestation platform disabled in configuration", "platform", kind.String())
		g.finish(req, result, start, "platform disabled")
		return result
	}

	vendorStart := time.Now()
	result := v.Validate(ctx, req)
	if !g.stubMode {
		g.metrics.VendorDuration.Observe(time.Since(vendorStart).Seconds())
	}
	g.metrics.Validators.Inc(v.Name())

	if err := ctx.Err(); err != nil {
		// nothing is cached for an abandoned call; the attempt is still
		// audited and the limiter slot stays consumed
		l.Debug("attestation abandoned by caller", "error", err, "request_id", req.RequestID)
		g.finish(req, result, start, "caller cancelled: "+err.Error())
		return result
	}

	if ttl := g.policy.TTLFor(result); ttl > 0 {
		g.cache.Put(req.Fingerprint, result, ttl)
	}
	g.finish(req, result, start, "")

	l.Debug("attestation validated",
		"platform", kind.String(),
		"status", result.Status,
		"reason", result.Reason,
		"duration", time.Since(vendorStart))
	return result
}

func (g *Gateway) newRequest(ctx context.Context, token string, headers http.Header) *types.RequestContext {
	req := &types.RequestContext{
		Token:       token,
		Fingerprint: types.Fingerprint(token),
		Nonce:       headers.Get(types.HeaderNonce),
		AppID:       headers.Get(types.HeaderAppID),
		KeyID:       headers.Get(types.HeaderAppAttestID),
		RequestID:   headers.Get(types.HeaderRequestID),
	}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		req.RequestID = uuid.NewString()
	}
	if addr, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		req.RemoteAddr = addr
	}
	req.DeviceID, req.DeviceIDSource = ResolveDeviceID(headers, token, req.Fingerprint)
	return req
}

// counts the outcome and hands the attempt to the recorder
func (g *Gateway) finish(req *types.RequestContext, result types.ValidationResult, start time.Time, detail string) {
	g.count(result)
	if g.recorder == nil {
		return
	}

	metadata := map[string]string{"device_id_source": string(req.DeviceIDSource)}
	if req.Kind.Scheme != types.SchemeUnknown {
		metadata["scheme"] = string(req.Kind.Scheme)
	}
	if req.RemoteAddr != "" {
		metadata["remote_addr"] = req.RemoteAddr
	}
	if req.AppID != "" {
		metadata["app_id"] = req.AppID
	}

	g.recorder.Submit(store.AuditLogEntry{
		RequestID:   req.RequestID,
		DeviceID:    req.DeviceID,
		Platform:    result.Platform,
		Validator:   result.Validator,
		Fingerprint: req.Fingerprint,
		Result:      result.Status,
		Reason:      result.Reason,
		ErrorDetail: detail,
		Metadata:    metadata,
		DurationMs:  float64(g.now().Sub(start).Microseconds()) / 1000,
		Cached:      result.Cached,
		Timestamp:   g.now(),
	})
}

func (g *Gateway) count(result types.ValidationResult) {
	switch result.Status {
	case types.StatusValid:
		g.metrics.ValidationValid.Inc()
		return
	case types.StatusInvalid:
		g.metrics.ValidationInvalid.Inc()
	case types.StatusError:
		g.metrics.ValidationError.Inc()
	}
	g.metrics.Rejections.Inc(string(result.Reason))
}

// how long a rate-limited caller should wait before retrying
func (g *Gateway) RetryAfter(token string, headers http.Header) time.Duration {
	if r, ok := g.limiter.(interface{ RetryAfter(string) time.Duration }); ok {
		if headers == nil {
			headers = http.Header{}
		}
		id, _ := ResolveDeviceID(headers, token, types.Fingerprint(token))
		if d := r.RetryAfter(id); d > 0 {
			return d
		}
	}
	return g.window
}

// drops every cached result; returns how many were removed
func (g *Gateway) PurgeCache() int {
	n := g.cache.Purge()
	g.logger.Info("attestation cache purged", "entries", n)
	return n
}

// snapshots counters and refreshes the metric gauges
func (g *Gateway) Stats() Stats {
	s := Stats{
		Enabled:      g.enabled,
		StubMode:     g.stubMode,
		CacheEntries: g.cache.Len(),
		Validations:  g.metrics.ValidationTotal.Value(),
		Valid:        g.metrics.ValidationValid.Value(),
		Invalid:      g.metrics.ValidationInvalid.Value(),
		Errors:       g.metrics.ValidationError.Value(),
		RateLimited:  g.metrics.RateLimited.Value(),
		CacheHits:    g.metrics.CacheHits.Value(),
		CacheMisses:  g.metrics.CacheMisses.Value(),
		AuditDropped: g.metrics.AuditDropped.Value(),
	}
	for _, k := range g.validators.Kinds() {
		s.Validators = append(s.Validators, k.String())
	}
	if t, ok := g.limiter.(interface{ Tracked() int }); ok {
		s.TrackedDevices = t.Tracked()
	}
	if g.recorder != nil {
		s.AuditQueueDepth = g.recorder.Pending()
	}

	g.metrics.CacheEntries.Store(int64(s.CacheEntries))
	g.metrics.TrackedDevices.Store(int64(s.TrackedDevices))
	return s
}

func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// flushes pending audit entries and stops background sweepers
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.recorder != nil {
		if err := g.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain audit queue: %w", err))
		}
	}
	if err := g.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := g.limiter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
