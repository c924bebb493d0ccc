// SPDX-License-Identifier: MIT
// Attestation Gateway - Configuration
//
// Static configuration for the gateway. Loaded once at startup from a
// YAML, TOML, or JSON file, then overridden by ATTESTGW_* environment
// variables, then validated. There is no runtime reload: a configuration
// that passed Validate() is the one that serves every request.
//
// Stub mode short-circuits all vendor calls. Validate() refuses stub mode
// when the environment is production, so a stray flag cannot silently
// turn attestation off in front of real clients.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// configuration errors
var (
	ErrStubModeInProduction = errors.New("stub mode must not be enabled in production")
	ErrInvalidTTLOrder      = errors.New("invalid/error cache TTL must be shorter than valid TTL")
	ErrInvalidDuration      = errors.New("duration must be positive")
)

// deployment environments
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var validate = validator.New()

// top-level gateway configuration
type Config struct {
	// deployment environment: development, test, staging, production
	Environment string `yaml:"environment" toml:"environment" json:"environment" validate:"required,oneof=development dev test staging production prod"`

	Gateway       GatewayConfig       `yaml:"gateway" toml:"gateway" json:"gateway"`
	Cache         CacheConfig         `yaml:"cache" toml:"cache" json:"cache"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis" toml:"redis" json:"redis"`
	DeviceCheck   DeviceCheckConfig   `yaml:"devicecheck" toml:"devicecheck" json:"devicecheck"`
	AppAttest     AppAttestConfig     `yaml:"appattest" toml:"appattest" json:"appattest"`
	PlayIntegrity PlayIntegrityConfig `yaml:"play_integrity" toml:"play_integrity" json:"play_integrity"`
	SafetyNet     SafetyNetConfig     `yaml:"safetynet" toml:"safetynet" json:"safetynet"`
	Storage       StorageConfig       `yaml:"storage" toml:"storage" json:"storage"`
	Server        ServerConfig        `yaml:"server" toml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging" json:"logging"`
}

// orchestration switches
type GatewayConfig struct {
	// when false every call returns valid(attestation-disabled)
	Enabled bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	// short-circuit all validators (non-production only)
	StubMode bool `yaml:"stub_mode" toml:"stub_mode" json:"stub_mode"`

	// while stubbed, still reject tokens carrying emulator/root markers
	StubRejectEmulator bool `yaml:"stub_reject_emulator" toml:"stub_reject_emulator" json:"stub_reject_emulator"`

	// upper bound on every vendor round-trip
	VendorTimeout Duration `yaml:"vendor_timeout" toml:"vendor_timeout" json:"vendor_timeout"`

	// asynchronous audit delivery
	AuditQueueSize int      `yaml:"audit_queue_size" toml:"audit_queue_size" json:"audit_queue_size" validate:"gte=1"`
	AuditWorkers   int      `yaml:"audit_workers" toml:"audit_workers" json:"audit_workers" validate:"gte=1,lte=64"`
	AuditTimeout   Duration `yaml:"audit_timeout" toml:"audit_timeout" json:"audit_timeout"`
}

// attestation cache sizing and asymmetric expiry
type CacheConfig struct {
	MaxEntries    int      `yaml:"max_entries" toml:"max_entries" json:"max_entries" validate:"gte=1"`
	Shards        int      `yaml:"shards" toml:"shards" json:"shards" validate:"gte=1,lte=1024"`
	ValidTTL      Duration `yaml:"valid_ttl" toml:"valid_ttl" json:"valid_ttl"`
	InvalidTTL    Duration `yaml:"invalid_ttl" toml:"invalid_ttl" json:"invalid_ttl"`
	ErrorTTL      Duration `yaml:"error_ttl" toml:"error_ttl" json:"error_ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval" json:"sweep_interval"`
}

// per-device rolling window
type RateLimitConfig struct {
	// attempts allowed per window
	Limit int `yaml:"limit" toml:"limit" json:"limit" validate:"gte=1"`

	Window Duration `yaml:"window" toml:"window" json:"window"`

	// memory or redis
	Backend string `yaml:"backend" toml:"backend" json:"backend" validate:"oneof=memory redis"`
}

// redis connection for the distributed limiter backend
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password  string `yaml:"password" toml:"password" json:"-"`
	DB        int    `yaml:"db" toml:"db" json:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix" json:"key_prefix"`

	// set by Validate when the limiter backend is redis
	Enabled bool `yaml:"-" toml:"-" json:"-"`
}

// Apple DeviceCheck credentials
type DeviceCheckConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	TeamID         string `yaml:"team_id" toml:"team_id" json:"team_id"`
	KeyID          string `yaml:"key_id" toml:"key_id" json:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path" toml:"private_key_path" json:"private_key_path"`

	// inline PEM, usually injected from the environment
	PrivateKeyPEM string `yaml:"-" toml:"-" json:"-"`

	// use Apple's development endpoint
	Development bool `yaml:"development" toml:"development" json:"development"`

	// overrides the Apple base URL (tests, proxies)
	BaseURL string `yaml:"base_url" toml:"base_url" json:"base_url" validate:"omitempty,url"`
}

// Apple App Attest settings
type AppAttestConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	TeamID   string `yaml:"team_id" toml:"team_id" json:"team_id"`
	BundleID string `yaml:"bundle_id" toml:"bundle_id" json:"bundle_id"`

	// PEM root certificate; empty uses the built-in Apple App Attestation root
	RootCAPath string `yaml:"root_ca_path" toml:"root_ca_path" json:"root_ca_path"`

	// accept attestations from the development App Attest environment
	AllowDevelopment bool `yaml:"allow_development" toml:"allow_development" json:"allow_development"`
}

// Google Play Integrity settings
type PlayIntegrityConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	ProjectID       string   `yaml:"project_id" toml:"project_id" json:"project_id"`
	PackageName     string   `yaml:"package_name" toml:"package_name" json:"package_name"`
	CredentialsFile string   `yaml:"credentials_file" toml:"credentials_file" json:"credentials_file"`
	MaxTokenAge     Duration `yaml:"max_token_age" toml:"max_token_age" json:"max_token_age"`
	RequireLicensed bool     `yaml:"require_licensed" toml:"require_licensed" json:"require_licensed"`

	// overrides the API endpoint (tests)
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint" validate:"omitempty,url"`
}

// legacy SafetyNet settings
type SafetyNetConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled" json:"enabled"`
	APIKey        string   `yaml:"-" toml:"-" json:"-"`
	PublicKeyPath string   `yaml:"public_key_path" toml:"public_key_path" json:"public_key_path"`
	PackageName   string   `yaml:"package_name" toml:"package_name" json:"package_name"`
	MaxTokenAge   Duration `yaml:"max_token_age" toml:"max_token_age" json:"max_token_age"`
	VerifyURL     string   `yaml:"verify_url" toml:"verify_url" json:"verify_url" validate:"omitempty,url"`
}

// audit log and trust score persistence
type StorageConfig struct {
	// memory or sqlite
	Driver string `yaml:"driver" toml:"driver" json:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" toml:"path" json:"path" validate:"required_if=Driver sqlite"`
}

// monitoring / validation HTTP API
type ServerConfig struct {
	Address      string   `yaml:"address" toml:"address" json:"address"`
	CertFile     string   `yaml:"cert_file" toml:"cert_file" json:"cert_file"`
	KeyFile      string   `yaml:"key_file" toml:"key_file" json:"key_file"`
	AdminAPIKey  string   `yaml:"-" toml:"-" json:"-"`
	ReaderAPIKey string   `yaml:"-" toml:"-" json:"-"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error security"`
	Format string `yaml:"format" toml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

// returns the documented defaults
// all four platforms enabled, stub mode off, 100 attempts/hour,
// valid results cached for 1h, invalid for 30s, errors for 10s
func Default() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Gateway: GatewayConfig{
			Enabled:        true,
			VendorTimeout:  Duration(5 * time.Second),
			AuditQueueSize: 1024,
			AuditWorkers:   2,
			AuditTimeout:   Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			MaxEntries:    10000,
			Shards:        16,
			ValidTTL:      Duration(time.Hour),
			InvalidTTL:    Duration(30 * time.Second),
			ErrorTTL:      Duration(10 * time.Second),
			SweepInterval: Duration(time.Minute),
		},
		RateLimit: RateLimitConfig{
			Limit:   100,
			Window:  Duration(time.Hour),
			Backend: "memory",
		},
		Redis: RedisConfig{
			KeyPrefix: "attestgw:rl:",
		},
		DeviceCheck:   DeviceCheckConfig{Enabled: true},
		AppAttest:     AppAttestConfig{Enabled: true},
		PlayIntegrity: PlayIntegrityConfig{Enabled: true, MaxTokenAge: Duration(5 * time.Minute)},
		SafetyNet: SafetyNetConfig{
			Enabled:     true,
			MaxTokenAge: Duration(5 * time.Minute),
			VerifyURL:   "https://www.googleapis.com/androidcheck/v1/attestations/verify",
		},
		Storage: StorageConfig{Driver: "memory"},
		Server: ServerConfig{
			Address:      "127.0.0.1:8080",
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// reports whether the environment names production
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case EnvProduction, "prod":
		return true
	default:
		return false
	}
}

// checks field constraints and cross-field rules
// must pass before the gateway serves any request
func (c *Config) Validate() error {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.Redis.Enabled = c.RateLimit.Backend == "redis"

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Gateway.StubMode && c.IsProduction() {
		return ErrStubModeInProduction
	}

	durations := map[string]Duration{
		"gateway.vendor_timeout": c.Gateway.VendorTimeout,
		"gateway.audit_timeout":  c.Gateway.AuditTimeout,
		"cache.valid_ttl":        c.Cache.ValidTTL,
		"rate_limit.window":      c.RateLimit.Window,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidDuration)
		}
	}

	if c.Cache.InvalidTTL < 0 || c.Cache.ErrorTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative: %w", ErrInvalidDuration)
	}
	if c.Cache.InvalidTTL >= c.Cache.ValidTTL || c.Cache.ErrorTTL >= c.Cache.ValidTTL {
		return ErrInvalidTTLOrder
	}

	return nil
}

// lists enabled platforms whose credentials are missing
// such platforms answer error(configuration-incomplete) at runtime
func (c *Config) IncompletePlatforms() []string {
	var missing []string
	if c.DeviceCheck.Enabled && (c.DeviceCheck.TeamID == "" || c.DeviceCheck.KeyID == "" ||
		(c.DeviceCheck.PrivateKeyPath == "" && c.DeviceCheck.PrivateKeyPEM == "")) {
		missing = append(missing, "ios/devicecheck")
	}
	if c.AppAttest.Enabled && (c.AppAttest.TeamID == "" || c.AppAttest.BundleID == "") {
		missing = append(missing, "ios/appattest")
	}
	if c.PlayIntegrity.Enabled && (c.PlayIntegrity.ProjectID == "" || c.PlayIntegrity.PackageName == "" ||
		c.PlayIntegrity.CredentialsFile == "") {
		missing = append(missing, "android/play-integrity")
	}
	if c.SafetyNet.Enabled && c.SafetyNet.PackageName == "" {
		missing = append(missing, "android/safetynet")
	}
	return missing
}
