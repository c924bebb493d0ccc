// SPDX-License-Identifier: MIT
// Attestation Gateway - REST API tests
//
// Handlers run against a stubbed gateway with in-memory audit and trust
// backends, so every test exercises the real validation pipeline without
// a vendor.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szymonwilczek/attestgw/config"
	"github.com/szymonwilczek/attestgw/gateway"
	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/metrics"
	"github.com/szymonwilczek/attestgw/store"
	"github.com/szymonwilczek/attestgw/types"
	"github.com/szymonwilczek/attestgw/verify"
)

const (
	testAdminKey  = "test-admin-key"
	testReaderKey = "test-reader-key"
)

type testAPI struct {
	mux      *http.ServeMux
	gw       *gateway.Gateway
	sink     *store.MemoryAuditSink
	trust    *store.MemoryTrustScorer
	recorder *gateway.Recorder
}

// stub-mode gateway accepting play-integrity and safetynet tokens only;
// iOS schemes are left unregistered to exercise configuration errors
func setupTestAPI(t *testing.T, adminKey, readerKey string, mutate func(*config.Config)) *testAPI {
	t.Helper()

	cfg := config.Default()
	cfg.Environment = config.EnvTest
	cfg.Gateway.StubMode = true
	cfg.Gateway.StubRejectEmulator = true
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.Nop()
	m := metrics.New()

	set := verify.NewSet()
	for _, kind := range []types.Kind{types.KindPlayIntegrity, types.KindSafetyNet} {
		set.Register(kind, verify.NewStub(kind, cfg.Gateway.StubRejectEmulator, logger))
	}

	sink := store.NewMemoryAuditSink(0)
	trust := store.NewMemoryTrustScorer(store.DefaultTrustPolicy())
	rec := gateway.NewRecorder(sink, trust, gateway.RecorderOptions{Metrics: m, Logger: logger})

	gw, err := gateway.New(cfg, gateway.Deps{
		Validators: set,
		Recorder:   rec,
		Metrics:    m,
		Logger:     logger,
	})
	require.NoError(t, err, "gateway.New")
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	mux := http.NewServeMux()
	NewAPIHandler(mux, APIConfig{
		Gateway:      gw,
		Audit:        sink,
		Trust:        trust,
		Logger:       logger,
		AdminAPIKey:  adminKey,
		ReaderAPIKey: readerKey,
	})

	return &testAPI{mux: mux, gw: gw, sink: sink, trust: trust, recorder: rec}
}

// waits for queued audit entries and trust updates to land
func (a *testAPI) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, a.recorder.Close(context.Background()), "recorder close")
}

func (a *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	return w
}

func postValidate(body, scheme, device string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attestations/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if scheme != "" {
		req.Header.Set(types.HeaderScheme, scheme)
	}
	if device != "" {
		req.Header.Set(types.HeaderDeviceID, device)
	}
	return req
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body %q", w.Body.String())
	return v
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) validateResponse {
	t.Helper()
	return decodeJSON[validateResponse](t, w)
}

func TestValidate_Valid(t *testing.T) {
	api := setupTestAPI(t, testAdminKey, "", nil)

	w := api.do(postValidate(`{"token":"play-token-1"}`, "play-integrity", "dev-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decodeResult(t, w)
	assert.Equal(t, types.StatusValid, resp.Status)
	assert.Equal(t, types.ReasonStubAccepted, resp.Reason)
	assert.Equal(t, types.PlatformAndroid, resp.Platform)
}

func TestValidate_StatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		body       string
		scheme     string
		wantCode   int
		wantReason types.Reason
	}{
		{"emulator marker", `{"token":"rooted-device-token"}`, "play-integrity", http.StatusForbidden, types.ReasonEmulatorDetected},
		{"unknown platform", `{"token":"not a token!"}`, "", http.StatusForbidden, types.ReasonUnknownPlatform},
		{"platform not configured", `{"token":"dc-token"}`, "devicecheck", http.StatusServiceUnavailable, types.ReasonConfigurationIncomplete},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := setupTestAPI(t, "", "", nil)

			w := api.do(postValidate(tc.body, tc.scheme, "dev-map"))
			require.Equal(t, tc.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tc.wantReason, decodeResult(t, w).Reason)
		})
	}
}

func TestValidate_RateLimited(t *testing.T) {
	api := setupTestAPI(t, "", "", func(cfg *config.Config) {
		cfg.RateLimit.Limit = 1
	})

	w := api.do(postValidate(`{"token":"first"}`, "play-integrity", "dev-rl"))
	require.Equal(t, http.StatusOK, w.Code, "first attempt")

	w = api.do(postValidate(`{"token":"second"}`, "play-integrity", "dev-rl"))
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	resp := decodeResult(t, w)
	assert.Equal(t, types.ReasonRateLimited, resp.Reason)
	assert.Positive(t, resp.RetryAfterSec)

	// other devices keep their own window
	w = api.do(postValidate(`{"token":"third"}`, "play-integrity", "dev-other"))
	assert.Equal(t, http.StatusOK, w.Code, "other device")
}

func TestValidate_BadRequests(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	cases := map[string]string{
		"invalid json":  `{"token":`,
		"missing token": `{}`,
		"empty token":   `{"token":""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := api.do(postValidate(body, "play-integrity", "dev-1"))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	assert.Zero(t, api.gw.Stats().Validations, "rejected bodies must not reach the gateway")
}

func TestValidate_BodyTooLarge(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	body := `{"token":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	w := api.do(postValidate(body, "play-integrity", "dev-1"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestValidate_MethodNotAllowed(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/attestations/validate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	w := api.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[healthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Enabled)
	assert.True(t, resp.StubMode)
}

func TestStatsEndpoint(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	api.do(postValidate(`{"token":"tok-a"}`, "play-integrity", "dev-1"))
	api.do(postValidate(`{"token":"tok-a"}`, "play-integrity", "dev-1"))
	api.do(postValidate(`{"token":"rooted"}`, "play-integrity", "dev-1"))

	w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[statsResponse](t, w)
	assert.EqualValues(t, 3, resp.Validations)
	assert.EqualValues(t, 2, resp.Valid)
	assert.EqualValues(t, 1, resp.Invalid)
	assert.EqualValues(t, 1, resp.CacheHits)
	assert.Len(t, resp.Validators, 2)
}

func TestMetricsEndpoint(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)
	api.do(postValidate(`{"token":"tok-m"}`, "play-integrity", "dev-1"))

	w := api.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	body := w.Body.String()
	for _, want := range []string{"attestgw_validations_total 1", "attestgw_cache_entries 1"} {
		assert.Contains(t, body, want)
	}
}

func TestAuditEndpoint(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	api.do(postValidate(`{"token":"tok-1"}`, "play-integrity", "dev-audit"))
	api.do(postValidate(`{"token":"emulator-tok"}`, "play-integrity", "dev-audit"))
	api.do(postValidate(`{"token":"tok-2"}`, "play-integrity", "dev-else"))
	api.flush(t)

	w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/audit?device_id=dev-audit", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeJSON[auditResponse](t, w)
	require.Equal(t, 2, resp.Count)
	for _, e := range resp.Entries {
		assert.Equal(t, "dev-audit", e.DeviceID, "filter leaked entry")
		assert.NotEmpty(t, e.Metadata["remote_addr"])
	}

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/v1/audit?result=invalid&limit=10", nil))
	invalid := decodeJSON[auditResponse](t, w)
	require.Equal(t, 1, invalid.Count)
	assert.Equal(t, types.ReasonEmulatorDetected, invalid.Entries[0].Reason)
}

func TestAuditEndpoint_BadQuery(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	for _, q := range []string{"limit=abc", "limit=-1", "since=yesterday"} {
		w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/audit?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestDeviceTrustEndpoints(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	api.do(postValidate(`{"token":"tok-1"}`, "play-integrity", "dev-trust"))
	api.do(postValidate(`{"token":"rooted-2"}`, "play-integrity", "dev-trust"))
	api.do(postValidate(`{"token":"tok-3"}`, "play-integrity", "dev-other"))
	api.flush(t)

	w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-trust/trust", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	score := decodeJSON[store.TrustScore](t, w)
	assert.Equal(t, 40, score.Score)
	assert.EqualValues(t, 2, score.TotalValidations)
	assert.EqualValues(t, 1, score.TotalFailures)

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/v1/devices/nobody/trust", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "unknown device")

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/v1/devices?limit=1", nil))
	assert.Equal(t, 1, decodeJSON[deviceListResponse](t, w).Count, "limit caps the listing")

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	assert.Equal(t, 2, decodeJSON[deviceListResponse](t, w).Count)
}

func TestReaderKeyRequired(t *testing.T) {
	api := setupTestAPI(t, testAdminKey, testReaderKey, nil)

	paths := []string{"/api/v1/audit", "/api/v1/devices", "/api/v1/devices/dev-1/trust"}
	for _, path := range paths {
		w := api.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s without key", path)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set(HeaderAPIKey, "wrong-key")
		assert.Equal(t, http.StatusUnauthorized, api.do(req).Code, "%s with wrong key", path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	req.Header.Set(HeaderAPIKey, testReaderKey)
	assert.Equal(t, http.StatusOK, api.do(req).Code, "reader key")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	assert.Equal(t, http.StatusOK, api.do(req).Code, "admin key on reader endpoint")

	// public endpoints stay open
	w := api.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code, "stats")
}

func TestPurgeCache(t *testing.T) {
	api := setupTestAPI(t, testAdminKey, "", nil)

	api.do(postValidate(`{"token":"tok-1"}`, "play-integrity", "dev-1"))
	api.do(postValidate(`{"token":"tok-2"}`, "play-integrity", "dev-1"))

	w := api.do(httptest.NewRequest(http.MethodDelete, "/api/v1/cache", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code, "without key")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/cache", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	w = api.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.EqualValues(t, 2, decodeJSON[purgeResponse](t, w).Purged)
	assert.Zero(t, api.gw.Stats().CacheEntries, "cache emptied")
}

func TestPurgeCache_AdminDisabled(t *testing.T) {
	api := setupTestAPI(t, "", "", nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/cache", nil)
	req.Header.Set("Authorization", "Bearer anything")
	assert.Equal(t, http.StatusForbidden, api.do(req).Code, "admin key unset")
}

func TestKeyMatches(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   bool
	}{
		{"x-api-key", HeaderAPIKey, "secret", true},
		{"bearer", "Authorization", "Bearer secret", true},
		{"basic scheme", "Authorization", "Basic secret", false},
		{"prefix only", HeaderAPIKey, "secre", false},
		{"empty", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			assert.Equal(t, tc.want, keyMatches(req, "secret"))
		})
	}
}
