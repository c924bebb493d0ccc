// SPDX-License-Identifier: MIT
// Attestation Gateway - HTTP server
//
// Serves the validation endpoint and the monitoring API on one listener.
// A loopback address may serve plain HTTP; any other address requires a
// certificate and key and is served over TLS 1.3.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/szymonwilczek/attestgw/gateway"
	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/store"
)

// ErrTLSRequired is returned by Start for a non-loopback address without
// a certificate.
var ErrTLSRequired = errors.New("non-loopback listen address requires TLS")

type Server struct {
	tlsConfig *tls.Config
	addr      string

	httpServer *http.Server
	listener   net.Listener

	log *slog.Logger
}

type ServerConfig struct {
	// address to listen on
	Address string

	// tls certificate and key paths (empty = plain HTTP, loopback only)
	CertFile string
	KeyFile  string

	// optional: audit and trust backends for the reader endpoints
	Audit store.AuditSink
	Trust store.TrustScorer

	// admin API key for mutating endpoints (empty = admin endpoints disabled)
	AdminAPIKey string

	// reader API key for audit and trust endpoints (empty = public)
	ReaderAPIKey string

	// optional: structured logger (nil = nop)
	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

func NewServer(cfg ServerConfig, gw *gateway.Gateway) (*Server, error) {
	var tlsConfig *tls.Config
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	mux := http.NewServeMux()
	NewAPIHandler(mux, APIConfig{
		Gateway:      gw,
		Audit:        cfg.Audit,
		Trust:        cfg.Trust,
		Logger:       logger,
		AdminAPIKey:  cfg.AdminAPIKey,
		ReaderAPIKey: cfg.ReaderAPIKey,
	})

	return &Server{
		tlsConfig: tlsConfig,
		addr:      cfg.Address,
		log:       logger,
		httpServer: &http.Server{
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
			ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// checks if the given address binds to loopback only
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// binds the listener and serves in the background
func (s *Server) Start() error {
	if !isLoopbackAddr(s.addr) && s.tlsConfig == nil {
		return fmt.Errorf("%w: %s; configure cert_file/key_file or use 127.0.0.1", ErrTLSRequired, s.addr)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	} else {
		s.log.Warn("HTTP API listening without TLS (loopback only)")
	}
	s.listener = ln

	s.log.Info("Attestation gateway listening",
		"addr", ln.Addr().String(),
		"tls", s.tlsConfig != nil,
		"endpoints", []string{
			"POST /api/v1/attestations/validate",
			"GET /health",
			"GET /api/v1/stats",
			"GET /api/v1/audit",
			"GET /api/v1/devices",
			"GET /api/v1/devices/{id}/trust",
			"DELETE /api/v1/cache",
			"GET /metrics",
		})

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// bound address, valid after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// stops accepting connections and waits for in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
