// SPDX-License-Identifier: MIT
// Attestation Gateway - Configuration loading
//
// Format is chosen by file extension (.yaml/.yml, .toml, .json). Unknown
// extensions are tried as TOML, JSON, then YAML. Environment variables
// prefixed ATTESTGW_ are applied on top of the file, secrets (API keys,
// private key material) are only ever read from the environment.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// reads, overrides and validates a configuration
// empty or missing path means defaults plus environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetect(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func autoDetect(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return errors.New("unable to parse config file (tried TOML, JSON, YAML)")
}

// applies ATTESTGW_* environment variables
// malformed numeric or boolean values are ignored
func (c *Config) ApplyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err == nil {
				*dst = d
			}
		}
	}

	str("ATTESTGW_ENVIRONMENT", &c.Environment)

	boolean("ATTESTGW_ENABLED", &c.Gateway.Enabled)
	boolean("ATTESTGW_STUB_MODE", &c.Gateway.StubMode)
	boolean("ATTESTGW_STUB_REJECT_EMULATOR", &c.Gateway.StubRejectEmulator)
	duration("ATTESTGW_VENDOR_TIMEOUT", &c.Gateway.VendorTimeout)

	integer("ATTESTGW_CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	duration("ATTESTGW_CACHE_VALID_TTL", &c.Cache.ValidTTL)
	duration("ATTESTGW_CACHE_INVALID_TTL", &c.Cache.InvalidTTL)
	duration("ATTESTGW_CACHE_ERROR_TTL", &c.Cache.ErrorTTL)

	integer("ATTESTGW_RATE_LIMIT", &c.RateLimit.Limit)
	duration("ATTESTGW_RATE_WINDOW", &c.RateLimit.Window)
	str("ATTESTGW_RATE_BACKEND", &c.RateLimit.Backend)

	str("ATTESTGW_REDIS_ADDR", &c.Redis.Addr)
	str("ATTESTGW_REDIS_PASSWORD", &c.Redis.Password)

	str("ATTESTGW_DEVICECHECK_TEAM_ID", &c.DeviceCheck.TeamID)
	str("ATTESTGW_DEVICECHECK_KEY_ID", &c.DeviceCheck.KeyID)
	str("ATTESTGW_DEVICECHECK_PRIVATE_KEY_PATH", &c.DeviceCheck.PrivateKeyPath)
	str("ATTESTGW_DEVICECHECK_PRIVATE_KEY", &c.DeviceCheck.PrivateKeyPEM)

	str("ATTESTGW_APPATTEST_TEAM_ID", &c.AppAttest.TeamID)
	str("ATTESTGW_APPATTEST_BUNDLE_ID", &c.AppAttest.BundleID)

	str("ATTESTGW_PLAY_PROJECT_ID", &c.PlayIntegrity.ProjectID)
	str("ATTESTGW_PLAY_PACKAGE_NAME", &c.PlayIntegrity.PackageName)
	str("ATTESTGW_PLAY_CREDENTIALS_FILE", &c.PlayIntegrity.CredentialsFile)

	str("ATTESTGW_SAFETYNET_API_KEY", &c.SafetyNet.APIKey)
	str("ATTESTGW_SAFETYNET_PUBLIC_KEY_PATH", &c.SafetyNet.PublicKeyPath)
	str("ATTESTGW_SAFETYNET_PACKAGE_NAME", &c.SafetyNet.PackageName)

	str("ATTESTGW_STORAGE_DRIVER", &c.Storage.Driver)
	str("ATTESTGW_DB_PATH", &c.Storage.Path)

	str("ATTESTGW_ADDRESS", &c.Server.Address)
	str("ATTESTGW_ADMIN_API_KEY", &c.Server.AdminAPIKey)
	str("ATTESTGW_READER_API_KEY", &c.Server.ReaderAPIKey)

	str("ATTESTGW_LOG_LEVEL", &c.Logging.Level)
	str("ATTESTGW_LOG_FORMAT", &c.Logging.Format)
}

// time.Duration that decodes from "30s"-style strings in every format
// bare integers are read as seconds
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
