// SPDX-License-Identifier: MIT
// Attestation Gateway - Device attestation validation service
//
// Usage:
//   attestgw [options]
//
// Options:
//   --config FILE      Configuration file (.yaml, .yml, .toml, .json)
//   --addr ADDR        Listen address, overrides server.address
//   --log-format FMT   Log output format: text or json (overrides config)
//   --log-level LVL    Minimum log level: debug, info, warn, error, security (overrides config)
//   --generate-cert    Generate a self-signed certificate for testing
//   --check-config     Validate the configuration and exit
//
// Environment variables (ATTESTGW_*) override the configuration file;
// API keys and vendor credentials are only read from the environment:
//   ATTESTGW_ADMIN_API_KEY   Admin API key (cache purge)
//   ATTESTGW_READER_API_KEY  Reader API key (audit, trust scores)

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/szymonwilczek/attestgw/cache"
	"github.com/szymonwilczek/attestgw/config"
	"github.com/szymonwilczek/attestgw/gateway"
	"github.com/szymonwilczek/attestgw/logging"
	"github.com/szymonwilczek/attestgw/metrics"
	"github.com/szymonwilczek/attestgw/ratelimit"
	"github.com/szymonwilczek/attestgw/server"
	"github.com/szymonwilczek/attestgw/store"
	"github.com/szymonwilczek/attestgw/verify"
)

const (
	generatedCert = "attestgw.crt"
	generatedKey  = "attestgw.key"

	shutdownTimeout = 15 * time.Second
)

var (
	configPath   = flag.String("config", "", "Configuration file (.yaml, .yml, .toml, .json); empty = defaults + environment")
	addr         = flag.String("addr", "", "Listen address (overrides server.address)")
	logFormat    = flag.String("log-format", "", "Log output format: text or json (overrides config)")
	logLevel     = flag.String("log-level", "", "Minimum log level: debug, info, warn, error, security (overrides config)")
	generateCert = flag.Bool("generate-cert", false, "Generate self-signed certificate")
	checkConfig  = flag.Bool("check-config", false, "Validate the configuration and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attestgw: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}

	// initialize structured logger
	logger := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  os.Stderr,
		Service: "attestgw",
	})

	if *checkConfig {
		logger.Info("configuration valid",
			"environment", cfg.Environment,
			"incomplete_platforms", cfg.IncompletePlatforms())
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("attestation gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// shared metrics registry
	m := metrics.New()

	logger.Info("Attestation gateway starting",
		"environment", cfg.Environment,
		"enabled", cfg.Gateway.Enabled,
		"stub_mode", cfg.Gateway.StubMode,
		"log_format", cfg.Logging.Format,
		"log_level", cfg.Logging.Level)

	if *generateCert {
		if err := generateTestCert(); err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
		logger.Info("generated test certificates", "cert", generatedCert, "key", generatedKey)
		if cfg.Server.CertFile == "" {
			cfg.Server.CertFile = generatedCert
			cfg.Server.KeyFile = generatedKey
		}
	}

	validators, err := verify.Build(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("build validators: %w", err)
	}

	c := cache.New(
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithShards(cfg.Cache.Shards),
		cache.WithSweepInterval(cfg.Cache.SweepInterval.Std()),
	)

	limiter, closeRedis := newLimiter(cfg, logger)
	defer closeRedis()

	audit, trust, closeDB, err := newStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	recorder := gateway.NewRecorder(audit, trust, gateway.RecorderOptions{
		QueueSize:    cfg.Gateway.AuditQueueSize,
		Workers:      cfg.Gateway.AuditWorkers,
		WriteTimeout: cfg.Gateway.AuditTimeout.Std(),
		Metrics:      m,
		Logger:       logger,
	})

	gw, err := gateway.New(cfg, gateway.Deps{
		Validators: validators,
		Cache:      c,
		Limiter:    limiter,
		Recorder:   recorder,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	if cfg.Server.AdminAPIKey == "" {
		logger.Warn("HTTP API enabled without admin API key: cache purge will be disabled")
	}
	if cfg.Server.ReaderAPIKey == "" {
		logger.Warn("HTTP API enabled without reader API key: audit and trust endpoints will be public")
	}

	srv, err := server.NewServer(server.ServerConfig{
		Address:      cfg.Server.Address,
		CertFile:     cfg.Server.CertFile,
		KeyFile:      cfg.Server.KeyFile,
		Audit:        audit,
		Trust:        trust,
		AdminAPIKey:  cfg.Server.AdminAPIKey,
		ReaderAPIKey: cfg.Server.ReaderAPIKey,
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}, gw)
	if err != nil {
		_ = gw.Close(context.Background())
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		_ = gw.Close(context.Background())
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := gw.Close(ctx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err, "audit_dropped", m.AuditDropped.Value())
	}

	logger.Info("Attestation gateway stopped")
	return nil
}

// in-process window, or redis shared across replicas with the in-process
// window as fallback when redis is unreachable
func newLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	memory := ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window.Std())

	if cfg.RateLimit.Backend != "redis" {
		logger.Info("rate limiter initialized", "backend", "memory",
			"limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.Window.Std())
		return memory, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, limiting per replica until it recovers",
			"addr", cfg.Redis.Addr, "error", err)
	}

	logger.Info("rate limiter initialized", "backend", "redis",
		"addr", cfg.Redis.Addr, "limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.Window.Std())

	limiter := ratelimit.NewRedis(client, cfg.RateLimit.Limit, cfg.RateLimit.Window.Std(),
		cfg.Redis.KeyPrefix, memory, logger)
	return limiter, func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}
}

func newStores(cfg *config.Config, logger *slog.Logger) (store.AuditSink, store.TrustScorer, func(), error) {
	policy := store.DefaultTrustPolicy()

	if cfg.Storage.Driver != "sqlite" {
		logger.Warn("audit log and trust scores kept in memory; they are lost on restart")
		return store.NewMemoryAuditSink(0), store.NewMemoryTrustScorer(policy), func() {}, nil
	}

	db, err := store.OpenDB(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database %s: %w", cfg.Storage.Path, err)
	}

	ver, err := store.SchemaVersion(db)
	if err != nil {
		logger.Warn("could not read schema version", "path", cfg.Storage.Path, "error", err)
	}
	logger.Info("SQLite store initialized", "path", cfg.Storage.Path, "schema_version", ver)

	return store.NewSQLiteAuditSink(db), store.NewSQLiteTrustScorer(db, policy), closer(db, logger), nil
}

func closer(db *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("database close failed", "error", err)
		}
	}
}

// creates a self-signed certificate for testing
func generateTestCert() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Attestation Gateway"},
			CommonName:   "attestgw",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // 1 year
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "attestgw"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}

	if err := os.WriteFile(generatedCert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o644); err != nil {
		return err
	}
	return os.WriteFile(generatedKey, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600)
}
