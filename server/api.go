// SPDX-License-Identifier: MIT
// Attestation Gateway - REST API
//
// HTTP endpoints:
//   POST   /api/v1/attestations/validate - validate one token
//   GET    /health                       - load balancer health check
//   GET    /api/v1/stats                 - gateway counters
//   GET    /metrics                      - Prometheus-compatible metrics
//   GET    /api/v1/audit                 - audit log query      (reader key)
//   GET    /api/v1/devices               - trust scores         (reader key)
//   GET    /api/v1/devices/{id}/trust    - one trust score      (reader key)
//   DELETE /api/v1/cache                 - purge cached results (admin key)

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/szymonwilczek/attestgw/gateway"
	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/store"
	"github.com/szymonwilczek/attestgw/types"
)

// upper bound on a validation request body
const maxBodyBytes = 1 << 20

// header carrying API keys, as an alternative to Authorization: Bearer
const HeaderAPIKey = "X-API-Key"

var validate = validator.New()

type APIConfig struct {
	Gateway *gateway.Gateway

	// nil disables the audit or trust endpoints (503)
	Audit store.AuditSink
	Trust store.TrustScorer

	Logger *slog.Logger

	// empty admin key disables admin endpoints; empty reader key makes
	// reader endpoints public
	AdminAPIKey  string
	ReaderAPIKey string
}

type APIHandler struct {
	gw        *gateway.Gateway
	audit     store.AuditSink
	trust     store.TrustScorer
	log       *slog.Logger
	adminKey  string
	readerKey string
	startTime time.Time
}

// creates a new API handler and registers routes on the given mux
func NewAPIHandler(mux *http.ServeMux, cfg APIConfig) *APIHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	h := &APIHandler{
		gw:        cfg.Gateway,
		audit:     cfg.Audit,
		trust:     cfg.Trust,
		log:       logger,
		adminKey:  cfg.AdminAPIKey,
		readerKey: cfg.ReaderAPIKey,
		startTime: time.Now(),
	}

	mux.HandleFunc("POST /api/v1/attestations/validate", h.handleValidate)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", h.handleStats)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/v1/audit", h.requireReader(h.handleAudit))
	mux.HandleFunc("GET /api/v1/devices", h.requireReader(h.handleListDevices))
	mux.HandleFunc("GET /api/v1/devices/{id}/trust", h.requireReader(h.handleDeviceTrust))
	mux.HandleFunc("DELETE /api/v1/cache", h.requireAdmin(h.handlePurgeCache))

	return h
}

type validateRequest struct {
	Token string `json:"token" validate:"required,max=65536"`
}

type validateResponse struct {
	types.ValidationResult
	RetryAfterSec int64 `json:"retry_after_sec,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_sec"`
	Enabled   bool   `json:"enabled"`
	StubMode  bool   `json:"stub_mode"`
}

type statsResponse struct {
	gateway.Stats
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_sec"`
}

type auditResponse struct {
	Entries []store.AuditLogEntry `json:"entries"`
	Count   int                   `json:"count"`
}

type deviceListResponse struct {
	Devices []store.TrustScore `json:"devices"`
	Count   int                `json:"count"`
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// POST /api/v1/attestations/validate
func (h *APIHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	ctx := gateway.WithRemoteAddr(r.Context(), r.RemoteAddr)
	result := h.gw.Validate(ctx, req.Token, r.Header)

	resp := validateResponse{ValidationResult: result}
	if result.Status == types.StatusRateLimited {
		resp.RetryAfterSec = setRetryAfter(w, h.gw.RetryAfter(req.Token, r.Header))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(result))
	encode(w, resp)
}

// health check for load balancers
func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.gw.Stats()
	uptime := time.Since(h.startTime)

	writeJSON(w, healthResponse{
		Status:    "ok",
		Uptime:    uptime.Truncate(time.Second).String(),
		UptimeSec: int64(uptime.Seconds()),
		Enabled:   stats.Enabled,
		StubMode:  stats.StubMode,
	})
}

// GET /api/v1/stats - validation counters
func (h *APIHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.gw.Stats()
	if stats.Validators == nil {
		stats.Validators = []string{}
	}
	uptime := time.Since(h.startTime)

	writeJSON(w, statsResponse{
		Stats:     stats,
		Uptime:    uptime.Truncate(time.Second).String(),
		UptimeSec: int64(uptime.Seconds()),
	})
}

// GET /metrics - Prometheus text exposition format
func (h *APIHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	// refreshes the cache and limiter gauges
	h.gw.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(h.gw.Metrics().Export())); err != nil {
		h.log.Debug("metrics write failed", "error", err)
	}
}

// GET /api/v1/audit?device_id=&platform=&result=&since=&limit=
func (h *APIHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.AuditFilter{
		DeviceID: q.Get("device_id"),
		Platform: types.Platform(q.Get("platform")),
		Result:   types.Status(q.Get("result")),
		Limit:    limit,
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = since
	}

	entries, err := h.audit.Query(r.Context(), filter)
	if err != nil {
		h.log.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []store.AuditLogEntry{}
	}

	writeJSON(w, auditResponse{Entries: entries, Count: len(entries)})
}

// GET /api/v1/devices?limit= - most recently seen devices first
func (h *APIHandler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if h.trust == nil {
		writeError(w, http.StatusServiceUnavailable, "trust scoring not configured")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = store.DefaultQueryLimit
	}

	scores, err := h.trust.List(r.Context(), min(limit, store.MaxQueryLimit))
	if err != nil {
		h.log.Error("trust score listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trust query failed")
		return
	}
	if scores == nil {
		scores = []store.TrustScore{}
	}

	writeJSON(w, deviceListResponse{Devices: scores, Count: len(scores)})
}

// GET /api/v1/devices/{id}/trust
func (h *APIHandler) handleDeviceTrust(w http.ResponseWriter, r *http.Request) {
	if h.trust == nil {
		writeError(w, http.StatusServiceUnavailable, "trust scoring not configured")
		return
	}

	id := r.PathValue("id")
	score, found, err := h.trust.Get(r.Context(), id)
	if err != nil {
		logging.WithDevice(h.log, id).Error("trust score lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trust query failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	writeJSON(w, score)
}

// DELETE /api/v1/cache
func (h *APIHandler) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	n := h.gw.PurgeCache()
	logging.Security(h.log, "attestation cache purged via API", "entries", n, "remote_addr", r.RemoteAddr)
	writeJSON(w, purgeResponse{Purged: n})
}

func (h *APIHandler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		if !keyMatches(r, h.adminKey) {
			logging.Security(h.log, "admin request with bad API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

// admin key also satisfies reader endpoints
func (h *APIHandler) requireReader(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.readerKey == "" {
			next(w, r)
			return
		}
		if !keyMatches(r, h.readerKey) && (h.adminKey == "" || !keyMatches(r, h.adminKey)) {
			logging.Security(h.log, "reader request with bad API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

// compares the presented key in constant time
func keyMatches(r *http.Request, want string) bool {
	got := r.Header.Get(HeaderAPIKey)
	if got == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// sets Retry-After in whole seconds, rounded up
func setRetryAfter(w http.ResponseWriter, d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	return secs
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encode(w, errorResponse{Error: msg})
}

// writes JSON response with proper headers
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	encode(w, v)
}

func encode(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Default().Debug("JSON encode error", "error", err)
	}
}
